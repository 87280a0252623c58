package mideej

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakeSession is an in-memory natSession. Mutable state is lock-guarded so
// tests can run the real monitoring loops against it
type fakeSession struct {
	mu sync.Mutex

	pid      uint32
	pidErr   error
	instance string
	display  string
	volume   float32
	muted    bool
	peak     float32

	readErr error // fails Volume/Muted reads
	peakErr error

	setVolumes []float32
	setMutes   []bool
	pidCalls   int
	releases   int
}

func (s *fakeSession) ProcessID() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pidCalls++
	if s.pidErr != nil {
		return 0, s.pidErr
	}
	return s.pid, nil
}

func (s *fakeSession) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.instance
}

func (s *fakeSession) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.display
}

func (s *fakeSession) Volume() (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return 0, s.readErr
	}
	return s.volume, nil
}

func (s *fakeSession) SetVolume(level float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.volume = level
	s.setVolumes = append(s.setVolumes, level)
	return nil
}

func (s *fakeSession) Muted() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return false, s.readErr
	}
	return s.muted, nil
}

func (s *fakeSession) SetMute(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muted = muted
	s.setMutes = append(s.setMutes, muted)
	return nil
}

func (s *fakeSession) PeakLevel() (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peakErr != nil {
		return 0, s.peakErr
	}
	return s.peak, nil
}

func (s *fakeSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releases++
}

type fakeEndpoint struct {
	mu sync.Mutex

	id   string
	name string
	flow DataFlow

	volume float32
	muted  bool
	peak   float32

	sessions    []*fakeSession
	sessionsErr error

	setVolumes []float32
	setMutes   []bool
	releases   int
}

func (e *fakeEndpoint) ID() string     { return e.id }
func (e *fakeEndpoint) Name() string   { return e.name }
func (e *fakeEndpoint) Flow() DataFlow { return e.flow }

func (e *fakeEndpoint) Volume() (float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.volume, nil
}

func (e *fakeEndpoint) SetVolume(level float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.volume = level
	e.setVolumes = append(e.setVolumes, level)
	return nil
}

func (e *fakeEndpoint) Muted() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.muted, nil
}

func (e *fakeEndpoint) SetMute(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.muted = muted
	e.setMutes = append(e.setMutes, muted)
	return nil
}

func (e *fakeEndpoint) PeakLevel() (float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.peak, nil
}

func (e *fakeEndpoint) Sessions() ([]natSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessionsErr != nil {
		return nil, e.sessionsErr
	}
	if e.flow != FlowRender {
		return nil, nil
	}

	sessions := make([]natSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (e *fakeEndpoint) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.releases++
}

type fakeSystemAudio struct {
	mu sync.Mutex

	endpoints []*fakeEndpoint
	defaultID string

	enumErr    error
	defaultErr error

	events   chan deviceEvent
	released bool
}

func newFakeSystemAudio(defaultID string, endpoints ...*fakeEndpoint) *fakeSystemAudio {
	return &fakeSystemAudio{
		endpoints: endpoints,
		defaultID: defaultID,
		events:    make(chan deviceEvent, 16),
	}
}

func (f *fakeSystemAudio) Endpoints() ([]natEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.enumErr != nil {
		return nil, f.enumErr
	}

	endpoints := make([]natEndpoint, 0, len(f.endpoints))
	for _, e := range f.endpoints {
		endpoints = append(endpoints, e)
	}
	return endpoints, nil
}

func (f *fakeSystemAudio) DefaultEndpoint(flow DataFlow) (natEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.defaultErr != nil {
		return nil, f.defaultErr
	}

	for _, e := range f.endpoints {
		if e.id == f.defaultID && e.flow == flow {
			return e, nil
		}
	}

	return nil, fmt.Errorf("no default endpoint for flow %d", flow)
}

func (f *fakeSystemAudio) Events() <-chan deviceEvent { return f.events }

func (f *fakeSystemAudio) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.released = true
	return nil
}

type fakeProcess struct {
	pid  int
	name string
}

func (p fakeProcess) Pid() int           { return p.pid }
func (p fakeProcess) PPid() int          { return 0 }
func (p fakeProcess) Executable() string { return p.name }

var _ ps.Process = fakeProcess{}

// fakeResolver builds a resolver backed by a static pid -> executable table
func fakeResolver(table map[uint32]string) *processNameResolver {
	resolver := newProcessNameResolver(testLogger())
	resolver.find = func(pid int) (ps.Process, error) {
		name, ok := table[uint32(pid)]
		if !ok {
			return nil, errors.New("no such process")
		}
		return fakeProcess{pid: pid, name: name}, nil
	}

	return resolver
}
