package mideej

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIDStringRoundTrip(t *testing.T) {
	ids := []SessionID{
		{Kind: KindMaster},
		{Kind: KindOutput, EndpointID: "{0.0.0.00000000}.{a1b2c3}"},
		{Kind: KindInput, EndpointID: "{0.0.1.00000000}.{d4e5f6}"},
		{Kind: KindApplication, EndpointID: "{0.0.0.00000000}.{a1b2c3}", PID: 4242, Instance: "{guid}|1%b2%b"},
	}

	for _, id := range ids {
		parsed, err := ParseSessionID(id.String())
		require.NoError(t, err, "round-tripping %q", id.String())
		assert.Equal(t, id, parsed)
	}
}

func TestParseSessionIDMaster(t *testing.T) {
	id, err := ParseSessionID("master")
	require.NoError(t, err)
	assert.Equal(t, KindMaster, id.Kind)
}

func TestParseSessionIDMalformed(t *testing.T) {
	malformed := []string{
		"",
		"output",
		"output|",
		"app|ep1|notanumber|x",
		"app|ep1|123",
		"bogus|ep1",
	}

	for _, raw := range malformed {
		_, err := ParseSessionID(raw)
		assert.Error(t, err, "expected %q to fail parsing", raw)
	}
}

func TestCanonicalProcessName(t *testing.T) {
	assert.Equal(t, "chrome", CanonicalProcessName("Chrome.EXE"))
	assert.Equal(t, "chrome", CanonicalProcessName("chrome"))
	assert.Equal(t, "spotify", CanonicalProcessName("  Spotify.exe "))
	assert.Equal(t, "game.x86_64", CanonicalProcessName("Game.x86_64"))
	assert.Equal(t, "player", CanonicalProcessName("player.bin"))
	assert.Equal(t, "", CanonicalProcessName(""))
}

func TestSessionRefRelinkByLiteralID(t *testing.T) {
	snapshot := []SessionSnapshot{
		{ID: "app|ep1|100|i1", Kind: "app", EndpointID: "ep1", PID: 100, ProcessName: "chrome"},
		{ID: "app|ep1|200|i2", Kind: "app", EndpointID: "ep1", PID: 200, ProcessName: "spotify"},
	}

	ref := SessionRef{ID: "app|ep1|200|i2", Kind: "app"}
	resolved, ok := ref.Relink(snapshot)
	require.True(t, ok)
	assert.Equal(t, "app|ep1|200|i2", resolved.ID)
}

func TestSessionRefRelinkFallbackOrder(t *testing.T) {
	snapshot := []SessionSnapshot{
		{ID: "output|ep2", Kind: "output", EndpointID: "ep2", DisplayName: "Speakers"},
		{ID: "app|ep1|100|new", Kind: "app", EndpointID: "ep1", PID: 100, ProcessName: "chrome", DisplayName: "Chrome"},
		{ID: "app|ep1|300|i3", Kind: "app", EndpointID: "ep1", PID: 300, ProcessName: "game", DisplayName: "Some Game"},
	}

	// stale instance tag, same pid: resolves through the pid fallback
	ref := SessionRef{ID: "app|ep1|100|old", Kind: "app", EndpointID: "ep1", PID: 100, ProcessName: "chrome"}
	resolved, ok := ref.Relink(snapshot)
	require.True(t, ok)
	assert.Equal(t, "app|ep1|100|new", resolved.ID)

	// application restarted under a new pid: resolves by canonical name
	ref = SessionRef{ID: "app|ep1|999|old", Kind: "app", PID: 999, ProcessName: "Chrome.EXE"}
	resolved, ok = ref.Relink(snapshot)
	require.True(t, ok)
	assert.Equal(t, "app|ep1|100|new", resolved.ID)

	// nothing descriptive matches the wrong kind
	ref = SessionRef{ID: "output|gone", Kind: "output", DisplayName: "Headphones"}
	_, ok = ref.Relink(snapshot)
	assert.False(t, ok)

	// device relinks by display name when its endpoint id changed
	ref = SessionRef{ID: "output|gone", Kind: "output", DisplayName: "speakers"}
	resolved, ok = ref.Relink(snapshot)
	require.True(t, ok)
	assert.Equal(t, "output|ep2", resolved.ID)
}

func TestSessionRefRelinkDeviceByEndpointID(t *testing.T) {
	snapshot := []SessionSnapshot{
		{ID: "output|ep1", Kind: "output", EndpointID: "ep1"},
		{ID: "input|ep1", Kind: "input", EndpointID: "ep1"},
	}

	ref := SessionRef{ID: "input|stale", Kind: "input", EndpointID: "ep1"}
	resolved, ok := ref.Relink(snapshot)
	require.True(t, ok)
	assert.Equal(t, "input|ep1", resolved.ID)
}
