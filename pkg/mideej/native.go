package mideej

import "strconv"

// DataFlow is the direction of an audio endpoint
type DataFlow int

const (
	FlowRender DataFlow = iota
	FlowCapture
)

type deviceEventKind int

const (
	deviceAdded deviceEventKind = iota
	deviceRemoved
	defaultDeviceChanged
)

// deviceEvent is an OS notification about the endpoint population. The
// endpoint directory reacts with a forced refresh
type deviceEvent struct {
	kind       deviceEventKind
	endpointID string
}

// natSession is one process's live audio session on a render endpoint. Every
// accessor is a direct native call and may fail at any moment: the producing
// application can tear the session down with no warning. Handles returned by
// natEndpoint.Sessions are bounded-lifetime; the caller releases each before
// its pass returns
type natSession interface {
	// ProcessID fails on disconnected sessions; such a failure feeds the
	// invalid-session tracker
	ProcessID() (uint32, error)

	// InstanceID is the best-effort stable tag distinguishing multiple
	// sessions of the same process; empty when unavailable
	InstanceID() string

	DisplayName() string

	Volume() (float32, error)
	SetVolume(level float32) error
	Muted() (bool, error)
	SetMute(muted bool) error

	// PeakLevel is the instantaneous [0,1] signal magnitude
	PeakLevel() (float32, error)

	Release()
}

// natEndpoint is a render or capture device. The endpoint directory retains
// these handles; everyone else obtains one, uses it and releases it within a
// single pass
type natEndpoint interface {
	ID() string
	Name() string
	Flow() DataFlow

	Volume() (float32, error)
	SetVolume(level float32) error
	Muted() (bool, error)
	SetMute(muted bool) error

	PeakLevel() (float32, error)

	// Sessions enumerates the endpoint's current audio sessions (render
	// endpoints only; capture endpoints return an empty slice)
	Sessions() ([]natSession, error)

	Release()
}

// systemAudio is the engine's only window onto the OS audio subsystem. The
// per-platform constructor is newSystemAudio
type systemAudio interface {
	// Endpoints enumerates all currently active endpoints. The caller owns
	// the returned handles
	Endpoints() ([]natEndpoint, error)

	// DefaultEndpoint fetches the current default device for a flow, fresh
	// on every call. The caller owns the returned handle
	DefaultEndpoint(flow DataFlow) (natEndpoint, error)

	// Events delivers device add/remove/default-change notifications
	Events() <-chan deviceEvent

	Release() error
}

// releaseSessions releases a whole enumeration pass worth of session handles
func releaseSessions(sessions []natSession) {
	for _, s := range sessions {
		s.Release()
	}
}

// instanceTagForIndex is the fallback instance tag when the native object
// exposes no stable identifier of its own
func instanceTagForIndex(idx int) string {
	return "#" + strconv.Itoa(idx)
}

func clampLevel(level float32) float32 {
	if level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}
