package mideej

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const endpointRefreshCooldown = 3 * time.Second

// EndpointInfo is the read-only description of a cached endpoint
type EndpointInfo struct {
	ID   string
	Name string
	Flow DataFlow
}

// endpointDirectory caches the active render and capture endpoints. It is the
// single owner of retained native endpoint handles: peaks, volume and mute on
// cached devices are read through its methods under its lock, so a concurrent
// refresh can never dispose a handle out from under a reader
type endpointDirectory struct {
	logger *zap.SugaredLogger
	sys    systemAudio

	lock        sync.Mutex
	endpoints   map[string]natEndpoint
	lastRefresh time.Time
}

func newEndpointDirectory(logger *zap.SugaredLogger, sys systemAudio) *endpointDirectory {
	return &endpointDirectory{
		logger:    logger.Named("endpoints"),
		sys:       sys,
		endpoints: make(map[string]natEndpoint),
	}
}

// Refresh re-enumerates active endpoints and reconciles the cache, disposing
// removed handles. Rate-limited unless forced (OS device notifications force).
// Enumeration failures keep the previous cache; an unavailable subsystem
// yields an empty directory, never an error to the caller
func (d *endpointDirectory) Refresh(force bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	now := time.Now()
	if !force && d.lastRefresh.Add(endpointRefreshCooldown).After(now) {
		return
	}
	d.lastRefresh = now

	enumerated, err := d.sys.Endpoints()
	if err != nil {
		d.logger.Warnw("Failed to enumerate endpoints, keeping previous cache", "error", err)
		return
	}

	seen := make(map[string]bool, len(enumerated))

	for _, endpoint := range enumerated {
		id := endpoint.ID()
		seen[id] = true

		if _, ok := d.endpoints[id]; ok {
			// keep the retained handle, dispose the fresh duplicate
			endpoint.Release()
			continue
		}

		d.endpoints[id] = endpoint
		d.logger.Debugw("Endpoint added to directory", "endpointID", id, "name", endpoint.Name())
	}

	for id, endpoint := range d.endpoints {
		if !seen[id] {
			endpoint.Release()
			delete(d.endpoints, id)
			d.logger.Debugw("Endpoint removed from directory", "endpointID", id)
		}
	}
}

// DefaultRender fetches the current default output endpoint, fresh on every
// call; default-device changes are common and must never operate on a stale
// handle. The caller releases the returned handle
func (d *endpointDirectory) DefaultRender() (natEndpoint, error) {
	endpoint, err := d.sys.DefaultEndpoint(FlowRender)
	if err != nil {
		return nil, fmt.Errorf("get default render endpoint: %w", err)
	}

	return endpoint, nil
}

// Infos lists the cached endpoints
func (d *endpointDirectory) Infos() []EndpointInfo {
	d.lock.Lock()
	defer d.lock.Unlock()

	infos := make([]EndpointInfo, 0, len(d.endpoints))
	for _, endpoint := range d.endpoints {
		infos = append(infos, EndpointInfo{ID: endpoint.ID(), Name: endpoint.Name(), Flow: endpoint.Flow()})
	}

	return infos
}

// RenderIDs lists the cached render endpoint ids
func (d *endpointDirectory) RenderIDs() []string {
	d.lock.Lock()
	defer d.lock.Unlock()

	var ids []string
	for id, endpoint := range d.endpoints {
		if endpoint.Flow() == FlowRender {
			ids = append(ids, id)
		}
	}

	return ids
}

// SessionsOf enumerates the current native sessions of a cached render
// endpoint. The caller owns (and must release) the returned handles
func (d *endpointDirectory) SessionsOf(endpointID string) ([]natSession, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	endpoint, ok := d.endpoints[endpointID]
	if !ok {
		return nil, fmt.Errorf("endpoint %q not cached", endpointID)
	}

	return endpoint.Sessions()
}

// Peak reads a cached endpoint's current peak level; failures and unknown
// ids read as silence
func (d *endpointDirectory) Peak(endpointID string) float32 {
	d.lock.Lock()
	defer d.lock.Unlock()

	endpoint, ok := d.endpoints[endpointID]
	if !ok {
		return 0
	}

	peak, err := endpoint.PeakLevel()
	if err != nil {
		return 0
	}

	return peak
}

// VolumeState reads a cached endpoint's volume scalar and mute flag, best
// effort
func (d *endpointDirectory) VolumeState(endpointID string) (volume float32, muted bool, ok bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	endpoint, found := d.endpoints[endpointID]
	if !found {
		return 0, false, false
	}

	volume, err := endpoint.Volume()
	if err != nil {
		return 0, false, false
	}

	muted, err = endpoint.Muted()
	if err != nil {
		return volume, false, true
	}

	return volume, muted, true
}

// SetVolume applies a clamped volume scalar to a cached endpoint
func (d *endpointDirectory) SetVolume(endpointID string, level float32) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	endpoint, ok := d.endpoints[endpointID]
	if !ok {
		return fmt.Errorf("endpoint %q not cached", endpointID)
	}

	return endpoint.SetVolume(clampLevel(level))
}

// SetMute applies a mute flag to a cached endpoint
func (d *endpointDirectory) SetMute(endpointID string, muted bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	endpoint, ok := d.endpoints[endpointID]
	if !ok {
		return fmt.Errorf("endpoint %q not cached", endpointID)
	}

	return endpoint.SetMute(muted)
}

// Release disposes every cached handle. Loops must be stopped first
func (d *endpointDirectory) Release() {
	d.lock.Lock()
	defer d.lock.Unlock()

	for id, endpoint := range d.endpoints {
		endpoint.Release()
		delete(d.endpoints, id)
	}

	d.logger.Debug("Endpoint directory cleared")
}
