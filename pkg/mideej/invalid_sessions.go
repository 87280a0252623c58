package mideej

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// failures on this many separate scans mark a native session object as
	// truly dead (a single transient COM failure is common during teardown)
	blacklistThreshold = 3

	// records older than this are discarded wholesale, so a recovered session
	// reappears without a restart
	invalidSessionExpiry = 5 * time.Second
)

type invalidSessionRecord struct {
	failures     int
	firstFailure time.Time
	lastFailure  time.Time
}

// invalidSessionTracker remembers which session identities are currently
// failing native reads, with retry-after-expiry semantics
type invalidSessionTracker struct {
	logger *zap.SugaredLogger

	lock    sync.Mutex
	records map[string]*invalidSessionRecord

	now func() time.Time // overridable in tests
}

func newInvalidSessionTracker(logger *zap.SugaredLogger) *invalidSessionTracker {
	return &invalidSessionTracker{
		logger:  logger.Named("invalid_sessions"),
		records: make(map[string]*invalidSessionRecord),
		now:     time.Now,
	}
}

// RecordFailure increments (or creates) the failure record for an identity
func (t *invalidSessionTracker) RecordFailure(id SessionID) {
	t.lock.Lock()
	defer t.lock.Unlock()

	key := id.String()
	now := t.now()

	record, ok := t.records[key]
	if !ok {
		t.records[key] = &invalidSessionRecord{failures: 1, firstFailure: now, lastFailure: now}
		return
	}

	record.failures++
	record.lastFailure = now

	if record.failures == blacklistThreshold {
		t.logger.Debugw("Session identity blacklisted after repeated native failures",
			"sessionID", key,
			"failures", record.failures)
	}
}

// ClearFailures drops the record for an identity after a successful read
func (t *invalidSessionTracker) ClearFailures(id SessionID) {
	t.lock.Lock()
	defer t.lock.Unlock()

	delete(t.records, id.String())
}

// IsBlacklisted reports whether an identity should be skipped on this scan.
// Only identities with enough consecutive failures, within the expiry window,
// are suppressed
func (t *invalidSessionTracker) IsBlacklisted(id SessionID) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	record, ok := t.records[id.String()]
	if !ok {
		return false
	}

	if t.now().Sub(record.firstFailure) > invalidSessionExpiry {
		return false
	}

	return record.failures >= blacklistThreshold
}

// SweepExpired removes records older than the expiry window. Called once per
// registry refresh cycle
func (t *invalidSessionTracker) SweepExpired() {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := t.now()

	for key, record := range t.records {
		if now.Sub(record.firstFailure) > invalidSessionExpiry {
			delete(t.records, key)
		}
	}
}
