package mideej

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sessionRefreshInterval = 2 * time.Second

// MasterMuteEvent reports a change of the default output device's mute flag
// or volume scalar, observed between registry passes
type MasterMuteEvent struct {
	Muted  bool
	Volume float32
}

// Engine is the session-tracking and metering core. It owns the native
// backend, the endpoint directory, the session registry, the command layer,
// the peak monitor and the channel mixer, and exposes the boundary the
// UI/MIDI/config collaborators consume. Nothing in here is fatal: an
// unavailable audio subsystem yields empty snapshots, never an error
type Engine struct {
	logger *zap.SugaredLogger

	sys      systemAudio
	dir      *endpointDirectory
	names    *processNameResolver
	invalid  *invalidSessionTracker
	registry *sessionRegistry
	commands *commandLayer
	peaks    *peakMonitor
	mixer    *ChannelMixer

	lock             sync.Mutex
	monitoring       bool
	stopChannel      chan struct{}
	sessionConsumers []chan []SessionSnapshot
	masterConsumers  []chan MasterMuteEvent
}

// NewEngine wires the engine against the platform's audio subsystem
func NewEngine(logger *zap.SugaredLogger, flyoutEnabled func() bool, exclusiveAssignment bool) (*Engine, error) {
	logger = logger.Named("engine")

	sys, err := newSystemAudio(logger)
	if err != nil {
		logger.Errorw("Failed to create system audio backend", "error", err)
		return nil, fmt.Errorf("create system audio backend: %w", err)
	}

	return newEngineWithBackend(logger, sys, flyoutEnabled, exclusiveAssignment), nil
}

// newEngineWithBackend is the injection point the tests use
func newEngineWithBackend(logger *zap.SugaredLogger, sys systemAudio,
	flyoutEnabled func() bool, exclusiveAssignment bool) *Engine {
	e := &Engine{
		logger: logger,
		sys:    sys,
	}

	e.dir = newEndpointDirectory(logger, sys)
	e.names = newProcessNameResolver(logger)
	e.invalid = newInvalidSessionTracker(logger)
	e.registry = newSessionRegistry(logger, e.dir, e.names, e.invalid)
	e.commands = newCommandLayer(logger, e.dir, e.registry, flyoutEnabled)
	e.peaks = newPeakMonitor(logger, e.dir, e.registry, e.names, e.invalid)
	e.mixer = newChannelMixer(logger, e.commands, e.peaks, exclusiveAssignment)

	logger.Debug("Created engine instance")

	return e
}

// Mixer exposes the logical channel layer
func (e *Engine) Mixer() *ChannelMixer {
	return e.mixer
}

// StartMonitoring launches the registry refresh loop, the peak polling loop
// and the device event watcher
func (e *Engine) StartMonitoring() {
	e.lock.Lock()
	if e.monitoring {
		e.lock.Unlock()
		return
	}
	e.monitoring = true
	e.stopChannel = make(chan struct{})
	stop := e.stopChannel
	e.lock.Unlock()

	// synchronous warm-up so the first snapshot isn't empty
	e.RefreshSessions(true)

	e.peaks.Start()

	go e.runRegistryLoop(stop)
	go e.runDeviceEventLoop(stop)

	e.logger.Info("Monitoring started")
}

// StopMonitoring stops the loops, then releases every held native resource.
// Order matters: loops first, handles second
func (e *Engine) StopMonitoring() {
	e.lock.Lock()
	if !e.monitoring {
		e.lock.Unlock()
		return
	}
	e.monitoring = false
	close(e.stopChannel)
	e.lock.Unlock()

	e.peaks.Stop()
	e.dir.Release()

	if err := e.sys.Release(); err != nil {
		e.logger.Warnw("Failed to release system audio backend", "error", err)
	}

	e.logger.Info("Monitoring stopped")
}

func (e *Engine) runRegistryLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(sessionRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.RefreshSessions(false)
		}
	}
}

func (e *Engine) runDeviceEventLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case event := <-e.sys.Events():
			e.logger.Debugw("Device event received, forcing refresh",
				"endpointID", event.endpointID)
			e.RefreshSessions(true)
		}
	}
}

// RefreshSessions re-enumerates endpoints (rate-limited unless forced) and
// runs a registry pass, fanning out change notifications
func (e *Engine) RefreshSessions(force bool) {
	e.dir.Refresh(force)

	changes := e.registry.Refresh()

	for oldID, newID := range changes.rekeyed {
		e.mixer.Rekey(oldID, newID)
	}

	if changes.any() {
		e.publishSessions()
	}

	if changes.masterChanged {
		e.publishMasterChange(MasterMuteEvent{
			Muted:  changes.masterMuted,
			Volume: changes.masterVolume,
		})
	}
}

// ActiveSessions returns the current immutable session snapshot list
func (e *Engine) ActiveSessions() []SessionSnapshot {
	return e.registry.Snapshot()
}

// SetSessionVolume applies a clamped volume scalar to the entity behind a
// session id string
func (e *Engine) SetSessionVolume(id string, level float32) error {
	sessionID, err := ParseSessionID(id)
	if err != nil {
		return fmt.Errorf("set session volume: %w", err)
	}

	return e.commands.SetVolume(sessionID, level)
}

// SetSessionMute applies a mute flag to the entity behind a session id string
func (e *Engine) SetSessionMute(id string, muted bool) error {
	sessionID, err := ParseSessionID(id)
	if err != nil {
		return fmt.Errorf("set session mute: %w", err)
	}

	return e.commands.SetMute(sessionID, muted)
}

// SessionPeakLevel returns the last polled peak for a session id; unknown
// ids read as silence
func (e *Engine) SessionPeakLevel(id string) float32 {
	return e.peaks.PeakFor(id)
}

// SetPollInterval reconfigures the metering cadence, clamped to 10-100 ms
func (e *Engine) SetPollInterval(ms int) {
	e.peaks.SetInterval(time.Duration(ms) * time.Millisecond)
}

// SubscribeToSessionChanges returns a channel receiving the fresh snapshot
// list whenever the tracked session population changes
func (e *Engine) SubscribeToSessionChanges() chan []SessionSnapshot {
	e.lock.Lock()
	defer e.lock.Unlock()

	c := make(chan []SessionSnapshot, 1)
	e.sessionConsumers = append(e.sessionConsumers, c)

	return c
}

// SubscribeToPeakLevels returns a channel receiving each tick's id -> peak
// map
func (e *Engine) SubscribeToPeakLevels() chan map[string]float32 {
	return e.peaks.SubscribeToPeakLevels()
}

// SubscribeToMasterChanges returns a channel receiving master mute/volume
// transitions
func (e *Engine) SubscribeToMasterChanges() chan MasterMuteEvent {
	e.lock.Lock()
	defer e.lock.Unlock()

	c := make(chan MasterMuteEvent, 1)
	e.masterConsumers = append(e.masterConsumers, c)

	return c
}

// SetFocusedVolume adjusts whichever application owns the foreground window
func (e *Engine) SetFocusedVolume(level float32) {
	e.commands.SetFocusedVolume(level)
}

func (e *Engine) publishSessions() {
	snapshot := e.registry.Snapshot()

	e.lock.Lock()
	consumers := e.sessionConsumers
	e.lock.Unlock()

	for _, consumer := range consumers {
		select {
		case consumer <- snapshot:
		default:
		}
	}
}

func (e *Engine) publishMasterChange(event MasterMuteEvent) {
	e.lock.Lock()
	consumers := e.masterConsumers
	e.lock.Unlock()

	for _, consumer := range consumers {
		select {
		case consumer <- event:
		default:
		}
	}
}
