package mideej

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryRefreshPopulatesCache(t *testing.T) {
	speakers := &fakeEndpoint{id: "ep1", name: "Speakers", flow: FlowRender}
	mic := &fakeEndpoint{id: "ep2", name: "Microphone", flow: FlowCapture}

	sys := newFakeSystemAudio("ep1", speakers, mic)
	dir := newEndpointDirectory(testLogger(), sys)

	dir.Refresh(true)

	infos := dir.Infos()
	require.Len(t, infos, 2)
	assert.ElementsMatch(t, []string{"ep1"}, dir.RenderIDs())
}

func TestDirectoryRefreshIsRateLimited(t *testing.T) {
	speakers := &fakeEndpoint{id: "ep1", name: "Speakers", flow: FlowRender}
	sys := newFakeSystemAudio("ep1", speakers)
	dir := newEndpointDirectory(testLogger(), sys)

	dir.Refresh(false)
	require.Len(t, dir.Infos(), 1)

	headset := &fakeEndpoint{id: "ep2", name: "Headset", flow: FlowRender}
	sys.endpoints = append(sys.endpoints, headset)

	// within the cooldown an unforced refresh is a no-op
	dir.Refresh(false)
	assert.Len(t, dir.Infos(), 1)

	// a device notification forces through the cooldown
	dir.Refresh(true)
	assert.Len(t, dir.Infos(), 2)
}

func TestDirectoryRefreshReleasesRemovedEndpoints(t *testing.T) {
	speakers := &fakeEndpoint{id: "ep1", name: "Speakers", flow: FlowRender}
	headset := &fakeEndpoint{id: "ep2", name: "Headset", flow: FlowRender}

	sys := newFakeSystemAudio("ep1", speakers, headset)
	dir := newEndpointDirectory(testLogger(), sys)

	dir.Refresh(true)
	require.Len(t, dir.Infos(), 2)

	// unplug the headset
	sys.endpoints = []*fakeEndpoint{speakers}
	dir.Refresh(true)

	assert.Len(t, dir.Infos(), 1)
	assert.Equal(t, 1, headset.releases)
}

func TestDirectoryRefreshKeepsCacheOnEnumerationFailure(t *testing.T) {
	speakers := &fakeEndpoint{id: "ep1", name: "Speakers", flow: FlowRender}
	sys := newFakeSystemAudio("ep1", speakers)
	dir := newEndpointDirectory(testLogger(), sys)

	dir.Refresh(true)
	require.Len(t, dir.Infos(), 1)

	sys.enumErr = errors.New("audio service restarting")
	dir.Refresh(true)

	assert.Len(t, dir.Infos(), 1, "previous cache must survive a failed enumeration")
}

func TestDirectoryVolumeStateAndMutations(t *testing.T) {
	speakers := &fakeEndpoint{id: "ep1", name: "Speakers", flow: FlowRender, volume: 0.5, muted: true}
	sys := newFakeSystemAudio("ep1", speakers)
	dir := newEndpointDirectory(testLogger(), sys)
	dir.Refresh(true)

	volume, muted, ok := dir.VolumeState("ep1")
	require.True(t, ok)
	assert.InDelta(t, 0.5, volume, 0.001)
	assert.True(t, muted)

	_, _, ok = dir.VolumeState("missing")
	assert.False(t, ok)

	require.NoError(t, dir.SetVolume("ep1", 1.7))
	assert.InDelta(t, 1.0, speakers.volume, 0.001, "volume scalar is clamped to [0,1]")

	require.NoError(t, dir.SetMute("ep1", false))
	assert.False(t, speakers.muted)

	assert.Error(t, dir.SetVolume("missing", 0.5))
	assert.Error(t, dir.SetMute("missing", true))
}

func TestDirectoryPeakReadsSilenceForUnknown(t *testing.T) {
	speakers := &fakeEndpoint{id: "ep1", name: "Speakers", flow: FlowRender, peak: 0.42}
	sys := newFakeSystemAudio("ep1", speakers)
	dir := newEndpointDirectory(testLogger(), sys)
	dir.Refresh(true)

	assert.InDelta(t, 0.42, dir.Peak("ep1"), 0.001)
	assert.Zero(t, dir.Peak("missing"))
}

func TestDirectoryReleaseDisposesEverything(t *testing.T) {
	speakers := &fakeEndpoint{id: "ep1", name: "Speakers", flow: FlowRender}
	mic := &fakeEndpoint{id: "ep2", name: "Microphone", flow: FlowCapture}
	sys := newFakeSystemAudio("ep1", speakers, mic)
	dir := newEndpointDirectory(testLogger(), sys)
	dir.Refresh(true)

	dir.Release()

	assert.Empty(t, dir.Infos())
	assert.Equal(t, 1, speakers.releases)
	assert.Equal(t, 1, mic.releases)
}
