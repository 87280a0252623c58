package mideej

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mixerFixture struct {
	sys      *fakeSystemAudio
	registry *sessionRegistry
	peaks    *peakMonitor
	mixer    *ChannelMixer

	chrome  *fakeSession
	spotify *fakeSession
}

func newMixerFixture(t *testing.T, exclusive bool) *mixerFixture {
	t.Helper()

	chrome := &fakeSession{pid: 100, instance: "i1", display: "Chrome", peak: 0.3}
	spotify := &fakeSession{pid: 200, instance: "i2", display: "Spotify", peak: 0.6}

	speakers := &fakeEndpoint{id: "ep1", name: "Speakers", flow: FlowRender, peak: 0.7,
		sessions: []*fakeSession{chrome, spotify}}

	sys := newFakeSystemAudio("ep1", speakers)
	registry := newTestRegistry(sys, map[uint32]string{100: "chrome.exe", 200: "spotify.exe"})
	registry.Refresh()

	commands := newCommandLayer(testLogger(), registry.dir, registry, nil)
	peaks := newPeakMonitor(testLogger(), registry.dir, registry, registry.names, registry.invalid)
	mixer := newChannelMixer(testLogger(), commands, peaks, exclusive)

	return &mixerFixture{
		sys:      sys,
		registry: registry,
		peaks:    peaks,
		mixer:    mixer,
		chrome:   chrome,
		spotify:  spotify,
	}
}

func (f *mixerFixture) appSnapshot(t *testing.T, pid uint32) SessionSnapshot {
	t.Helper()

	for _, entry := range f.registry.Snapshot() {
		if entry.Kind == "app" && entry.PID == pid {
			return entry
		}
	}

	t.Fatalf("no app snapshot entry for pid %d", pid)
	return SessionSnapshot{}
}

func TestMixerExclusiveAssignmentMovesSession(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	fix.mixer.AddChannel(2)

	chrome := fix.appSnapshot(t, 100)
	require.NoError(t, fix.mixer.Assign(1, chrome))
	require.NoError(t, fix.mixer.Assign(2, chrome))

	bindings := fix.mixer.Bindings()
	assert.Empty(t, bindings[1], "exclusive assignment removes the session from its old channel")
	require.Len(t, bindings[2], 1)
	assert.Equal(t, chrome.ID, bindings[2][0].ID)
}

func TestMixerNonExclusiveAssignmentKeepsBoth(t *testing.T) {
	fix := newMixerFixture(t, false)

	fix.mixer.AddChannel(1)
	fix.mixer.AddChannel(2)

	chrome := fix.appSnapshot(t, 100)
	require.NoError(t, fix.mixer.Assign(1, chrome))
	require.NoError(t, fix.mixer.Assign(2, chrome))

	bindings := fix.mixer.Bindings()
	assert.Len(t, bindings[1], 1)
	assert.Len(t, bindings[2], 1)
}

func TestMixerAssignIsIdempotent(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	chrome := fix.appSnapshot(t, 100)

	require.NoError(t, fix.mixer.Assign(1, chrome))
	require.NoError(t, fix.mixer.Assign(1, chrome))

	assert.Len(t, fix.mixer.Bindings()[1], 1)
}

func TestMixerAssignRequiresExistingChannel(t *testing.T) {
	fix := newMixerFixture(t, true)

	chrome := fix.appSnapshot(t, 100)
	assert.Error(t, fix.mixer.Assign(7, chrome))
}

func TestMixerChannelVolumeFansOut(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))

	fix.mixer.SetChannelVolume(1, 0.25)

	assert.Equal(t, []float32{0.25}, fix.chrome.setVolumes)
	assert.Empty(t, fix.spotify.setVolumes)
}

func TestMixerSoloMutesOtherChannels(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	fix.mixer.AddChannel(2)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))
	require.NoError(t, fix.mixer.Assign(2, fix.appSnapshot(t, 200)))

	fix.mixer.SetChannelSolo(1, true)

	assert.True(t, fix.spotify.muted, "non-soloed channel's session is muted")
	assert.False(t, fix.chrome.muted, "soloed channel keeps playing")

	// dropping the solo restores the other channel's own (unmuted) state
	fix.mixer.SetChannelSolo(1, false)
	assert.False(t, fix.spotify.muted)
}

func TestMixerSoloRestoresOwnMuteFlags(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	fix.mixer.AddChannel(2)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))
	require.NoError(t, fix.mixer.Assign(2, fix.appSnapshot(t, 200)))

	// the user mutes channel 2, then solos channel 1, then drops the solo:
	// channel 2 must come back muted because that is its own state
	fix.mixer.SetChannelMute(2, true)
	require.True(t, fix.spotify.muted)

	fix.mixer.SetChannelSolo(1, true)
	fix.mixer.SetChannelSolo(1, false)

	assert.True(t, fix.spotify.muted)
	assert.False(t, fix.chrome.muted)
}

func TestMixerMuteWhileShieldedOnlyRecordsFlag(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	fix.mixer.AddChannel(2)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))
	require.NoError(t, fix.mixer.Assign(2, fix.appSnapshot(t, 200)))

	fix.mixer.SetChannelSolo(1, true)
	mutesSoFar := len(fix.spotify.setMutes)

	// while shielded by another channel's solo, its own flag changes are
	// recorded but not applied
	fix.mixer.SetChannelMute(2, false)
	assert.Len(t, fix.spotify.setMutes, mutesSoFar)

	// the recorded flag takes effect once the solo drops
	fix.mixer.SetChannelSolo(1, false)
	assert.False(t, fix.spotify.muted)
}

func TestMixerSoloNeverMutesOutputDevices(t *testing.T) {
	fix := newMixerFixture(t, true)

	var master, output SessionSnapshot
	for _, entry := range fix.registry.Snapshot() {
		switch entry.Kind {
		case "master":
			master = entry
		case "output":
			output = entry
		}
	}
	require.NotEmpty(t, master.ID)
	require.NotEmpty(t, output.ID)

	fix.mixer.AddChannel(1)
	fix.mixer.AddChannel(2)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))
	require.NoError(t, fix.mixer.Assign(2, master))
	require.NoError(t, fix.mixer.Assign(2, output))

	fix.mixer.SetChannelSolo(1, true)

	assert.Empty(t, fix.sys.endpoints[0].setMutes, "solo must never silence the output device")
}

func TestMixerAssignDuringSoloMutesNewBinding(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	fix.mixer.AddChannel(2)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))

	fix.mixer.SetChannelSolo(1, true)

	// a session bound to a non-soloed channel mid-solo is muted right away
	require.NoError(t, fix.mixer.Assign(2, fix.appSnapshot(t, 200)))
	assert.True(t, fix.spotify.muted)

	fix.mixer.SetChannelSolo(1, false)
	assert.False(t, fix.spotify.muted)
}

func TestMixerMoveIntoSoloedChannelUnmutes(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	fix.mixer.AddChannel(2)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))
	require.NoError(t, fix.mixer.Assign(2, fix.appSnapshot(t, 200)))

	fix.mixer.SetChannelSolo(1, true)
	require.True(t, fix.spotify.muted)

	// exclusive reassignment into the soloed channel lifts the forced mute
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 200)))
	assert.False(t, fix.spotify.muted)
}

func TestMixerClearChannelLiftsSoloForcedMute(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	fix.mixer.AddChannel(2)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))
	require.NoError(t, fix.mixer.Assign(2, fix.appSnapshot(t, 200)))

	fix.mixer.SetChannelSolo(1, true)
	require.True(t, fix.spotify.muted)

	fix.mixer.ClearChannel(2)
	assert.False(t, fix.spotify.muted, "an unbound session is no longer governed by the solo")
}

func TestMixerExplicitMuteReachesOutputDevice(t *testing.T) {
	fix := newMixerFixture(t, true)

	var output SessionSnapshot
	for _, entry := range fix.registry.Snapshot() {
		if entry.Kind == "output" {
			output = entry
		}
	}
	require.NotEmpty(t, output.ID)

	fix.mixer.AddChannel(1)
	require.NoError(t, fix.mixer.Assign(1, output))

	// only solo forcing spares output devices; a direct channel mute applies
	fix.mixer.SetChannelMute(1, true)
	assert.Equal(t, []bool{true}, fix.sys.endpoints[0].setMutes)

	fix.mixer.SetChannelMute(1, false)
	assert.Equal(t, []bool{true, false}, fix.sys.endpoints[0].setMutes)
}

func TestMixerChannelPeakIsMaxOfBindings(t *testing.T) {
	fix := newMixerFixture(t, false)

	fix.mixer.AddChannel(1)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 200)))

	fix.peaks.tick()

	assert.InDelta(t, 0.6, fix.mixer.ChannelPeak(1), 0.001)
	assert.Zero(t, fix.mixer.ChannelPeak(9), "unknown channel reads silence")

	fix.mixer.ClearChannel(1)
	assert.Zero(t, fix.mixer.ChannelPeak(1), "cleared channel reads silence")
}

func TestMixerChannelViews(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(2)
	fix.mixer.AddChannel(1)
	require.NoError(t, fix.mixer.Assign(1, fix.appSnapshot(t, 100)))

	channels := fix.mixer.Channels()
	require.Len(t, channels, 2)

	assert.Equal(t, 1, channels[0].Number)
	assert.Equal(t, "Chrome", channels[0].Name)
	assert.Len(t, channels[0].Bound, 1)

	assert.Equal(t, 2, channels[1].Number)
	assert.Equal(t, unassignedChannelName, channels[1].Name)
	assert.Empty(t, channels[1].Bound)
}

func TestMixerRelinkRestoresPersistedBindings(t *testing.T) {
	fix := newMixerFixture(t, true)

	// a binding persisted from a previous run, with a stale instance tag
	refs := map[int][]SessionRef{
		3: {{
			ID:          "app|ep1|100|stale",
			Kind:        "app",
			EndpointID:  "ep1",
			PID:         100,
			ProcessName: "chrome",
			DisplayName: "Chrome",
		}},
	}

	fix.mixer.Relink(refs, fix.registry.Snapshot())

	bindings := fix.mixer.Bindings()
	require.Len(t, bindings[3], 1)
	assert.Equal(t, "app|ep1|100|i1", bindings[3][0].ID)
}

func TestMixerRelinkDropsUnresolvableRefs(t *testing.T) {
	fix := newMixerFixture(t, true)

	refs := map[int][]SessionRef{
		1: {{ID: "app|ep9|999|gone", Kind: "app", PID: 999, ProcessName: "ghost"}},
	}

	fix.mixer.Relink(refs, fix.registry.Snapshot())

	assert.Empty(t, fix.mixer.Bindings()[1])
	assert.Len(t, fix.mixer.Channels(), 1, "the channel itself is still created")
}

func TestMixerRekeyFollowsContinuation(t *testing.T) {
	fix := newMixerFixture(t, true)

	fix.mixer.AddChannel(1)
	chrome := fix.appSnapshot(t, 100)
	require.NoError(t, fix.mixer.Assign(1, chrome))

	newID := SessionID{Kind: KindApplication, EndpointID: "ep1", PID: 100, Instance: "i9"}
	fix.mixer.Rekey(chrome.ID, newID)

	bindings := fix.mixer.Bindings()
	require.Len(t, bindings[1], 1)
	assert.Equal(t, newID.String(), bindings[1][0].ID)
}
