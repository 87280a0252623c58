package mideej

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerRequiresThresholdFailures(t *testing.T) {
	tracker := newInvalidSessionTracker(testLogger())
	id := SessionID{Kind: KindApplication, EndpointID: "ep1", PID: 100, Instance: "i1"}

	tracker.RecordFailure(id)
	assert.False(t, tracker.IsBlacklisted(id))

	tracker.RecordFailure(id)
	assert.False(t, tracker.IsBlacklisted(id), "two failures must not blacklist")

	tracker.RecordFailure(id)
	assert.True(t, tracker.IsBlacklisted(id))
}

func TestTrackerClearFailuresResets(t *testing.T) {
	tracker := newInvalidSessionTracker(testLogger())
	id := SessionID{Kind: KindApplication, EndpointID: "ep1", PID: 100, Instance: "i1"}

	tracker.RecordFailure(id)
	tracker.RecordFailure(id)
	tracker.ClearFailures(id)

	// a successful read between failures starts the count over
	tracker.RecordFailure(id)
	tracker.RecordFailure(id)
	assert.False(t, tracker.IsBlacklisted(id))
}

func TestTrackerBlacklistExpires(t *testing.T) {
	tracker := newInvalidSessionTracker(testLogger())
	id := SessionID{Kind: KindApplication, EndpointID: "ep1", PID: 100, Instance: "i1"}

	current := time.Now()
	tracker.now = func() time.Time { return current }

	tracker.RecordFailure(id)
	tracker.RecordFailure(id)
	tracker.RecordFailure(id)
	assert.True(t, tracker.IsBlacklisted(id))

	// past the expiry window the identity becomes readable again
	current = current.Add(invalidSessionExpiry + time.Second)
	assert.False(t, tracker.IsBlacklisted(id))

	tracker.SweepExpired()
	assert.Empty(t, tracker.records)

	// and a fresh failure starts a brand new record
	tracker.RecordFailure(id)
	assert.False(t, tracker.IsBlacklisted(id))
}

func TestTrackerIdentitiesAreIndependent(t *testing.T) {
	tracker := newInvalidSessionTracker(testLogger())
	failing := SessionID{Kind: KindApplication, EndpointID: "ep1", PID: 100, Instance: "i1"}
	healthy := SessionID{Kind: KindApplication, EndpointID: "ep1", PID: 200, Instance: "i2"}

	tracker.RecordFailure(failing)
	tracker.RecordFailure(failing)
	tracker.RecordFailure(failing)

	assert.True(t, tracker.IsBlacklisted(failing))
	assert.False(t, tracker.IsBlacklisted(healthy))
}
