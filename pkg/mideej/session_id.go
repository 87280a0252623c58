package mideej

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// SessionKind distinguishes the classes of controllable audio entities
type SessionKind int

const (
	// KindMaster is the current default render endpoint's device volume
	KindMaster SessionKind = iota

	// KindOutput is a specific render endpoint's device volume
	KindOutput

	// KindInput is a specific capture endpoint's device volume
	KindInput

	// KindApplication is one process's audio session on a render endpoint
	KindApplication
)

func (k SessionKind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindOutput:
		return "output"
	case KindInput:
		return "input"
	case KindApplication:
		return "app"
	}

	return "unknown"
}

// SessionID is the stable composite identity of a controllable audio entity.
// Application identities survive the OS silently destroying and recreating the
// underlying native session, as long as the process keeps its PID on the same
// endpoint (see sessionRegistry continuation logic).
type SessionID struct {
	Kind       SessionKind
	EndpointID string
	PID        uint32
	Instance   string
}

// session id string fields are separated by this rune. Windows endpoint IDs
// contain dots and braces but never pipes, and PulseAudio sink names are
// C identifiers with dots and dashes
const sessionIDSeparator = "|"

const masterSessionKey = "master"

// String encodes the identity as a stable string that external layers may
// persist across restarts (see SessionRef for best-effort relinking)
func (id SessionID) String() string {
	switch id.Kind {
	case KindMaster:
		return masterSessionKey
	case KindOutput, KindInput:
		return id.Kind.String() + sessionIDSeparator + id.EndpointID
	case KindApplication:
		return strings.Join([]string{
			id.Kind.String(),
			id.EndpointID,
			strconv.FormatUint(uint64(id.PID), 10),
			id.Instance,
		}, sessionIDSeparator)
	}

	return ""
}

// ParseSessionID decodes a session id string produced by SessionID.String
func ParseSessionID(raw string) (SessionID, error) {
	if raw == masterSessionKey {
		return SessionID{Kind: KindMaster}, nil
	}

	parts := strings.SplitN(raw, sessionIDSeparator, 4)

	switch parts[0] {
	case "output", "input":
		if len(parts) != 2 || parts[1] == "" {
			return SessionID{}, fmt.Errorf("malformed device session id: %q", raw)
		}

		kind := KindOutput
		if parts[0] == "input" {
			kind = KindInput
		}

		return SessionID{Kind: kind, EndpointID: parts[1]}, nil

	case "app":
		if len(parts) != 4 {
			return SessionID{}, fmt.Errorf("malformed application session id: %q", raw)
		}

		pid, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return SessionID{}, fmt.Errorf("parse pid in session id %q: %w", raw, err)
		}

		return SessionID{
			Kind:       KindApplication,
			EndpointID: parts[1],
			PID:        uint32(pid),
			Instance:   parts[3],
		}, nil
	}

	return SessionID{}, fmt.Errorf("unrecognized session id: %q", raw)
}

// CanonicalProcessName lower-cases a process name and strips its executable
// extension, so that "Chrome.EXE" and "chrome" compare equal. All name
// matching in the command layer and the peak engine goes through this
func CanonicalProcessName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))

	if ext := filepath.Ext(name); ext == ".exe" || ext == ".bin" {
		name = strings.TrimSuffix(name, ext)
	}

	return name
}

// SessionRef is the persistable reference to a bound session. It carries
// enough descriptive fields for best-effort relinking when the literal id no
// longer resolves (the source application restarted, or a device came back
// under a new instance tag)
type SessionRef struct {
	ID          string `mapstructure:"id" yaml:"id"`
	Kind        string `mapstructure:"kind" yaml:"kind"`
	EndpointID  string `mapstructure:"endpoint_id" yaml:"endpoint_id"`
	PID         uint32 `mapstructure:"pid" yaml:"pid"`
	ProcessName string `mapstructure:"process_name" yaml:"process_name"`
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`
}

// Relink resolves a persisted reference against a live snapshot: by literal
// id, then endpoint id, then pid+kind, then canonical process name+kind, then
// display name+kind. Returns false when nothing in the snapshot matches
func (ref SessionRef) Relink(snapshot []SessionSnapshot) (SessionSnapshot, bool) {
	for _, s := range snapshot {
		if s.ID == ref.ID {
			return s, true
		}
	}

	if ref.EndpointID != "" {
		for _, s := range snapshot {
			if s.Kind != "app" && s.EndpointID == ref.EndpointID && s.Kind == ref.Kind {
				return s, true
			}
		}
	}

	if ref.PID != 0 {
		for _, s := range snapshot {
			if s.Kind == ref.Kind && s.PID == ref.PID {
				return s, true
			}
		}
	}

	if ref.ProcessName != "" {
		want := CanonicalProcessName(ref.ProcessName)
		for _, s := range snapshot {
			if s.Kind == ref.Kind && CanonicalProcessName(s.ProcessName) == want {
				return s, true
			}
		}
	}

	if ref.DisplayName != "" {
		for _, s := range snapshot {
			if s.Kind == ref.Kind && strings.EqualFold(s.DisplayName, ref.DisplayName) {
				return s, true
			}
		}
	}

	return SessionSnapshot{}, false
}
