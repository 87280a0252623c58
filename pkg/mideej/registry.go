package mideej

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// a vanished session is retained this long to tolerate enumeration gaps
	// (streaming apps tear down and rebuild sessions every few seconds)
	sessionGracePeriod = 15 * time.Second

	// PIDs below this are the OS's own (0 idle, 4 System); never tracked
	minTrackedProcessID = 8
)

// Session is the registry's record of one logical audio stream. The record
// outlives the native object behind it: teardown/recreate cycles with the
// same PID on the same endpoint continue the existing record
type Session struct {
	ID          SessionID
	ProcessName string // canonical
	DisplayName string
	Volume      float32
	Muted       bool
	LastSeen    time.Time
	Peak        float32
}

// SessionSnapshot is the immutable external view of one controllable entity
type SessionSnapshot struct {
	ID          string
	Kind        string
	EndpointID  string
	PID         uint32
	ProcessName string
	DisplayName string
	Volume      float32
	Muted       bool
	PeakLevel   float32
}

// registryChanges describes one refresh pass's effect, so the engine can fix
// up channel bindings and notify consumers
type registryChanges struct {
	added   []SessionID
	removed []SessionID
	rekeyed map[string]SessionID // old id string -> continued identity

	masterChanged bool
	masterVolume  float32
	masterMuted   bool
}

func (c registryChanges) any() bool {
	return len(c.added) > 0 || len(c.removed) > 0 || len(c.rekeyed) > 0
}

type masterState struct {
	known      bool
	endpointID string
	name       string
	volume     float32
	muted      bool
}

// sessionRegistry tracks per-process sessions across all cached render
// endpoints, assigning stable composite identities. Single writer (the
// refresh loop); snapshot-style reads for everyone else
type sessionRegistry struct {
	logger  *zap.SugaredLogger
	dir     *endpointDirectory
	names   *processNameResolver
	invalid *invalidSessionTracker

	lock        sync.Mutex
	records     map[string]*Session
	master      masterState
	masterPeak  float32
	devicePeaks map[string]float32

	now func() time.Time
}

func newSessionRegistry(logger *zap.SugaredLogger, dir *endpointDirectory,
	names *processNameResolver, invalid *invalidSessionTracker) *sessionRegistry {
	return &sessionRegistry{
		logger:      logger.Named("registry"),
		dir:         dir,
		names:       names,
		invalid:     invalid,
		records:     make(map[string]*Session),
		devicePeaks: make(map[string]float32),
		now:         time.Now,
	}
}

// observedSession is everything read from one native session handle during a
// scan; the handle itself is released before reconciliation
type observedSession struct {
	id          SessionID
	processName string
	displayName string
	volume      float32
	volumeOK    bool
	muted       bool
	mutedOK     bool
}

// Refresh scans every cached render endpoint and reconciles the record map:
// create, update in place, re-key continuations, purge after the grace
// period. Native failures feed the invalid-session tracker and never abort
// the pass
func (r *sessionRegistry) Refresh() registryChanges {
	r.invalid.SweepExpired()

	scanTime := r.now()

	var observed []observedSession
	for _, endpointID := range r.dir.RenderIDs() {
		observed = append(observed, r.scanEndpoint(endpointID)...)
	}

	changes := registryChanges{rekeyed: make(map[string]SessionID)}

	r.lock.Lock()

	seen := make(map[string]bool, len(observed))
	for _, obs := range observed {
		seen[obs.id.String()] = true
	}

	for _, obs := range observed {
		key := obs.id.String()

		record, ok := r.records[key]
		if !ok {
			// same process, same endpoint, old instance gone: the OS silently
			// recreated the session; continue the existing record under the
			// new identity instead of flickering a new one into existence
			if continued := r.findContinuation(obs.id, seen); continued != nil {
				oldKey := continued.ID.String()
				delete(r.records, oldKey)
				continued.ID = obs.id
				r.records[key] = continued
				changes.rekeyed[oldKey] = obs.id
				record = continued

				r.logger.Debugw("Session record re-keyed as continuation",
					"oldID", oldKey, "newID", key)
			} else {
				record = &Session{ID: obs.id}
				r.records[key] = record
				changes.added = append(changes.added, obs.id)
				r.logger.Debugw("Session record created", "sessionID", key)
			}
		}

		// opportunistic best-effort updates; defaults survive failed reads
		if obs.processName != "" {
			record.ProcessName = obs.processName
		}
		if obs.displayName != "" {
			record.DisplayName = obs.displayName
		}
		if obs.volumeOK {
			record.Volume = obs.volume
		}
		if obs.mutedOK {
			record.Muted = obs.muted
		}
		record.LastSeen = scanTime
	}

	for key, record := range r.records {
		if seen[key] {
			continue
		}
		if scanTime.Sub(record.LastSeen) > sessionGracePeriod {
			delete(r.records, key)
			changes.removed = append(changes.removed, record.ID)
			r.logger.Debugw("Session record purged after grace period", "sessionID", key)
		}
	}

	r.lock.Unlock()

	r.refreshMaster(&changes)

	return changes
}

// scanEndpoint reads every session on one endpoint within a single bounded
// pass; all native handles are released before it returns
func (r *sessionRegistry) scanEndpoint(endpointID string) []observedSession {
	sessions, err := r.dir.SessionsOf(endpointID)
	if err != nil {
		r.logger.Debugw("Failed to enumerate endpoint sessions", "endpointID", endpointID, "error", err)
		return nil
	}
	defer releaseSessions(sessions)

	var observed []observedSession

	for idx, session := range sessions {
		positional := SessionID{
			Kind:       KindApplication,
			EndpointID: endpointID,
			Instance:   instanceTagForIndex(idx),
		}

		// a slot that keeps failing is skipped outright until its
		// blacklist entry expires
		if r.invalid.IsBlacklisted(positional) {
			continue
		}

		pid, err := session.ProcessID()
		if err != nil {
			// disconnected session; record the failure under its positional
			// identity so repeat offenders get blacklisted
			r.invalid.RecordFailure(positional)
			continue
		}

		if pid < minTrackedProcessID {
			continue
		}

		instance := session.InstanceID()
		if instance == "" {
			instance = instanceTagForIndex(idx)
		}

		id := SessionID{Kind: KindApplication, EndpointID: endpointID, PID: pid, Instance: instance}

		if r.invalid.IsBlacklisted(id) {
			continue
		}

		obs := observedSession{
			id:          id,
			processName: r.names.Resolve(pid),
			displayName: session.DisplayName(),
		}

		failed := false

		if volume, err := session.Volume(); err == nil {
			obs.volume = volume
			obs.volumeOK = true
		} else {
			failed = true
		}

		if muted, err := session.Muted(); err == nil {
			obs.muted = muted
			obs.mutedOK = true
		} else {
			failed = true
		}

		if failed {
			r.invalid.RecordFailure(id)
		} else {
			r.invalid.ClearFailures(id)
		}

		observed = append(observed, obs)
	}

	return observed
}

// findContinuation locates a record sharing (endpoint, pid) with the new
// identity whose own identity is absent from the current scan. Callers hold
// the lock
func (r *sessionRegistry) findContinuation(id SessionID, seen map[string]bool) *Session {
	for key, record := range r.records {
		if seen[key] {
			continue
		}
		if record.ID.Kind == KindApplication &&
			record.ID.EndpointID == id.EndpointID &&
			record.ID.PID == id.PID {
			return record
		}
	}

	return nil
}

// refreshMaster re-reads the default render endpoint (fresh handle, released
// before returning) and flags volume/mute transitions
func (r *sessionRegistry) refreshMaster(changes *registryChanges) {
	endpoint, err := r.dir.DefaultRender()
	if err != nil {
		r.logger.Debugw("Failed to get default render endpoint", "error", err)
		return
	}
	defer endpoint.Release()

	state := masterState{known: true, endpointID: endpoint.ID(), name: endpoint.Name()}

	if volume, err := endpoint.Volume(); err == nil {
		state.volume = volume
	}
	if muted, err := endpoint.Muted(); err == nil {
		state.muted = muted
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.master.known && (r.master.muted != state.muted || r.master.volume != state.volume) {
		changes.masterChanged = true
		changes.masterVolume = state.volume
		changes.masterMuted = state.muted
	}

	r.master = state
}

// SetPeak publishes a polled peak level into a record's cached field
func (r *sessionRegistry) SetPeak(id string, peak float32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if record, ok := r.records[id]; ok {
		record.Peak = peak
	}
}

// SetMasterPeak publishes the polled master peak level
func (r *sessionRegistry) SetMasterPeak(peak float32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.masterPeak = peak
}

// SetDevicePeak publishes a polled device peak level
func (r *sessionRegistry) SetDevicePeak(endpointID string, peak float32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.devicePeaks[endpointID] = peak
}

// AppSessions returns copies of the current application session records
func (r *sessionRegistry) AppSessions() []Session {
	r.lock.Lock()
	defer r.lock.Unlock()

	sessions := make([]Session, 0, len(r.records))
	for _, record := range r.records {
		sessions = append(sessions, *record)
	}

	return sessions
}

// ProcessNameFor resolves a tracked application identity to its canonical
// process name (used by the command layer to match fresh sessions)
func (r *sessionRegistry) ProcessNameFor(id SessionID) (string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	record, ok := r.records[id.String()]
	if !ok || record.ProcessName == "" {
		return "", false
	}

	return record.ProcessName, true
}

// MasterEndpointID returns the default render endpoint id seen on the last
// refresh
func (r *sessionRegistry) MasterEndpointID() string {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.master.endpointID
}

// Snapshot returns the immutable external session list: the master entry,
// one entry per cached input/output device, and application sessions
// de-duplicated to one entry per PID (prefer the session on the default
// endpoint, then the longer display name)
func (r *sessionRegistry) Snapshot() []SessionSnapshot {
	infos := r.dir.Infos()

	r.lock.Lock()
	defer r.lock.Unlock()

	var snapshot []SessionSnapshot

	if r.master.known {
		snapshot = append(snapshot, SessionSnapshot{
			ID:          SessionID{Kind: KindMaster}.String(),
			Kind:        KindMaster.String(),
			EndpointID:  r.master.endpointID,
			DisplayName: r.master.name,
			Volume:      r.master.volume,
			Muted:       r.master.muted,
			PeakLevel:   r.masterPeak,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	for _, info := range infos {
		kind := KindOutput
		if info.Flow == FlowCapture {
			kind = KindInput
		}

		id := SessionID{Kind: kind, EndpointID: info.ID}

		entry := SessionSnapshot{
			ID:          id.String(),
			Kind:        kind.String(),
			EndpointID:  info.ID,
			DisplayName: info.Name,
			PeakLevel:   r.devicePeaks[info.ID],
		}

		if volume, muted, ok := r.dir.VolumeState(info.ID); ok {
			entry.Volume = volume
			entry.Muted = muted
		}

		snapshot = append(snapshot, entry)
	}

	snapshot = append(snapshot, r.dedupedAppEntries()...)

	return snapshot
}

// dedupedAppEntries collapses application records to one per PID. Callers
// hold the lock
func (r *sessionRegistry) dedupedAppEntries() []SessionSnapshot {
	best := make(map[uint32]*Session)

	for _, record := range r.records {
		current, ok := best[record.ID.PID]
		if !ok {
			best[record.ID.PID] = record
			continue
		}

		currentOnDefault := current.ID.EndpointID == r.master.endpointID
		candidateOnDefault := record.ID.EndpointID == r.master.endpointID

		switch {
		case candidateOnDefault && !currentOnDefault:
			best[record.ID.PID] = record
		case candidateOnDefault == currentOnDefault &&
			len(record.DisplayName) > len(current.DisplayName):
			best[record.ID.PID] = record
		}
	}

	entries := make([]SessionSnapshot, 0, len(best))
	for _, record := range best {
		displayName := record.DisplayName
		if displayName == "" {
			displayName = record.ProcessName
		}

		entries = append(entries, SessionSnapshot{
			ID:          record.ID.String(),
			Kind:        KindApplication.String(),
			EndpointID:  record.ID.EndpointID,
			PID:         record.ID.PID,
			ProcessName: record.ProcessName,
			DisplayName: displayName,
			Volume:      record.Volume,
			Muted:       record.Muted,
			PeakLevel:   record.Peak,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return entries
}
