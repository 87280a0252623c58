package mideej

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 25 * time.Millisecond
	minPollInterval     = 10 * time.Millisecond
	maxPollInterval     = 100 * time.Millisecond
)

// peakMonitor runs the high-frequency metering loop, independent of any
// consumer's paint cycle. Each tick reads the master peak once, every cached
// device peak once, and makes exactly one pass over the default endpoint's
// sessions to build a canonical-name -> max-peak index; tracked sessions then
// resolve against that index. Tick cost stays linear in sessions-on-device
// instead of quadratic in channels x sessions
type peakMonitor struct {
	logger   *zap.SugaredLogger
	dir      *endpointDirectory
	registry *sessionRegistry
	names    *processNameResolver
	invalid  *invalidSessionTracker

	lock     sync.Mutex
	interval time.Duration
	latest   map[string]float32

	consumers []chan map[string]float32

	stopChannel chan struct{}
	running     bool
}

func newPeakMonitor(logger *zap.SugaredLogger, dir *endpointDirectory,
	registry *sessionRegistry, names *processNameResolver, invalid *invalidSessionTracker) *peakMonitor {
	return &peakMonitor{
		logger:   logger.Named("peaks"),
		dir:      dir,
		registry: registry,
		names:    names,
		invalid:  invalid,
		interval: defaultPollInterval,
		latest:   make(map[string]float32),
	}
}

// SetInterval changes the polling cadence, clamped to the safe range. Takes
// effect on the next tick
func (p *peakMonitor) SetInterval(interval time.Duration) {
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}

	p.lock.Lock()
	p.interval = interval
	p.lock.Unlock()

	p.logger.Debugw("Poll interval updated", "interval", interval)
}

func (p *peakMonitor) currentInterval() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.interval
}

// SubscribeToPeakLevels returns a channel receiving each tick's published
// id -> peak map. Slow consumers miss ticks rather than stalling the loop
func (p *peakMonitor) SubscribeToPeakLevels() chan map[string]float32 {
	p.lock.Lock()
	defer p.lock.Unlock()

	c := make(chan map[string]float32, 1)
	p.consumers = append(p.consumers, c)

	return c
}

// PeakFor returns the last published peak for a session id; unknown ids read
// as silence
func (p *peakMonitor) PeakFor(id string) float32 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.latest[id]
}

// Start launches the polling loop
func (p *peakMonitor) Start() {
	p.lock.Lock()
	if p.running {
		p.lock.Unlock()
		return
	}
	p.running = true
	p.stopChannel = make(chan struct{})
	stop := p.stopChannel
	p.lock.Unlock()

	go p.run(stop)

	p.logger.Debug("Peak monitor started")
}

// Stop halts the polling loop; the current tick finishes first
func (p *peakMonitor) Stop() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.running {
		return
	}
	p.running = false
	close(p.stopChannel)

	p.logger.Debug("Peak monitor stopped")
}

func (p *peakMonitor) run(stop <-chan struct{}) {
	timer := time.NewTimer(p.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			p.tick()
			// re-arm with the current interval so SetInterval applies live
			timer.Reset(p.currentInterval())
		}
	}
}

// tick performs one full metering pass and publishes the result. Failures
// reading any single handle read as 0 for that entity only; a tick never
// aborts
func (p *peakMonitor) tick() {
	peaks := make(map[string]float32)

	// (1) master peak, read once
	masterPeak, nameIndex, defaultEndpointID := p.scanDefaultEndpoint()
	peaks[masterSessionKey] = masterPeak
	p.registry.SetMasterPeak(masterPeak)

	// (2) every cached device peak
	for _, info := range p.dir.Infos() {
		kind := KindOutput
		if info.Flow == FlowCapture {
			kind = KindInput
		}

		peak := float32(0)
		if info.ID == defaultEndpointID {
			// already read this tick; don't hit the meter twice
			peak = masterPeak
		} else {
			peak = p.dir.Peak(info.ID)
		}

		peaks[SessionID{Kind: kind, EndpointID: info.ID}.String()] = peak
		p.registry.SetDevicePeak(info.ID, peak)
	}

	// (4) resolve every tracked session. A canonical name with no match in
	// this tick's index reads 0: silence must never render as sound
	for _, session := range p.registry.AppSessions() {
		peak := nameIndex[session.ProcessName]

		key := session.ID.String()
		peaks[key] = peak
		p.registry.SetPeak(key, peak)
	}

	p.publish(peaks)
}

// scanDefaultEndpoint reads the master peak and builds this tick's canonical
// process name -> max peak index in a single pass over the default render
// endpoint's sessions. All handles acquired here are released before return
func (p *peakMonitor) scanDefaultEndpoint() (masterPeak float32, nameIndex map[string]float32, endpointID string) {
	nameIndex = make(map[string]float32)

	endpoint, err := p.dir.DefaultRender()
	if err != nil {
		return 0, nameIndex, ""
	}
	defer endpoint.Release()

	endpointID = endpoint.ID()

	if peak, err := endpoint.PeakLevel(); err == nil {
		masterPeak = peak
	}

	sessions, err := endpoint.Sessions()
	if err != nil {
		return masterPeak, nameIndex, endpointID
	}
	defer releaseSessions(sessions)

	for idx, session := range sessions {
		if p.invalid.IsBlacklisted(SessionID{
			Kind:       KindApplication,
			EndpointID: endpointID,
			Instance:   instanceTagForIndex(idx),
		}) {
			continue
		}

		pid, err := session.ProcessID()
		if err != nil || pid < minTrackedProcessID {
			continue
		}

		instance := session.InstanceID()
		if instance == "" {
			instance = instanceTagForIndex(idx)
		}

		id := SessionID{Kind: KindApplication, EndpointID: endpointID, PID: pid, Instance: instance}
		if p.invalid.IsBlacklisted(id) {
			continue
		}

		name := p.names.Resolve(pid)
		if name == "" {
			continue
		}

		peak, err := session.PeakLevel()
		if err != nil {
			// transient failure: this session reads 0 this tick
			continue
		}

		if peak > nameIndex[name] {
			nameIndex[name] = peak
		}
	}

	return masterPeak, nameIndex, endpointID
}

func (p *peakMonitor) publish(peaks map[string]float32) {
	p.lock.Lock()
	p.latest = peaks
	consumers := p.consumers
	p.lock.Unlock()

	for _, consumer := range consumers {
		select {
		case consumer <- peaks:
		default:
		}
	}
}
