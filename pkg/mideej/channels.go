package mideej

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const unassignedChannelName = "Unassigned"

// channelBinding is one session bound to a logical channel, kept by identity
// plus the descriptive fields needed for persistence and relinking; never a
// live native handle
type channelBinding struct {
	id          SessionID
	processName string
	displayName string
}

// Channel is a user-defined mixing target holding zero or more bound session
// identities
type Channel struct {
	Number int
	Name   string
	Volume float32
	Muted  bool
	Soloed bool
	Bound  []string // bound session id strings, for display/diagnostics
}

// ChannelMixer maps tracked sessions onto a small number of logical channels,
// enforces solo and exclusive-assignment invariants, and aggregates peaks per
// channel. Channels are created and removed by the consumer; the mixer only
// resolves bindings against the live registry
type ChannelMixer struct {
	logger   *zap.SugaredLogger
	commands *commandLayer
	peaks    *peakMonitor

	lock      sync.Mutex
	channels  map[int]*mixerChannel
	exclusive bool
}

type mixerChannel struct {
	number   int
	volume   float32
	muted    bool
	soloed   bool
	bindings []channelBinding
}

func newChannelMixer(logger *zap.SugaredLogger, commands *commandLayer, peaks *peakMonitor, exclusive bool) *ChannelMixer {
	return &ChannelMixer{
		logger:    logger.Named("channels"),
		commands:  commands,
		peaks:     peaks,
		channels:  make(map[int]*mixerChannel),
		exclusive: exclusive,
	}
}

// SetExclusiveAssignment toggles the one-channel-per-session invariant for
// future assignments
func (m *ChannelMixer) SetExclusiveAssignment(exclusive bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.exclusive = exclusive
}

// AddChannel creates an empty channel with full volume
func (m *ChannelMixer) AddChannel(number int) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.channels[number]; ok {
		return
	}

	m.channels[number] = &mixerChannel{number: number, volume: 1}
	m.logger.Debugw("Channel added", "channel", number)
}

// RemoveChannel drops a channel and its bindings, lifting any solo-forced
// mute its sessions inherited
func (m *ChannelMixer) RemoveChannel(number int) {
	m.lock.Lock()
	channel, ok := m.channels[number]
	if !ok {
		m.lock.Unlock()
		return
	}
	delete(m.channels, number)
	released := channel.bindings
	lift := m.anySoloedLocked() && !channel.soloed && !channel.muted
	m.lock.Unlock()

	if lift {
		m.applyMute(number, released, false, false)
	}
}

// Assign binds a snapshot entry to a channel. Under exclusive assignment the
// session atomically leaves any other channel that held it; either way the
// session immediately takes on its new channel's effective mute, so a solo
// in progress covers bindings made while it is active
func (m *ChannelMixer) Assign(number int, session SessionSnapshot) error {
	id, err := ParseSessionID(session.ID)
	if err != nil {
		return fmt.Errorf("assign session to channel %d: %w", number, err)
	}

	m.lock.Lock()

	channel, ok := m.channels[number]
	if !ok {
		m.lock.Unlock()
		return fmt.Errorf("assign session: no channel %d", number)
	}

	if m.exclusive {
		for _, other := range m.channels {
			if other.number == number {
				continue
			}
			other.unbind(session.ID)
		}
	}

	for _, binding := range channel.bindings {
		if binding.id.String() == session.ID {
			m.lock.Unlock()
			return nil
		}
	}

	binding := channelBinding{
		id:          id,
		processName: session.ProcessName,
		displayName: session.DisplayName,
	}
	channel.bindings = append(channel.bindings, binding)

	soloActive := m.anySoloedLocked()
	target := channel.muted
	implicit := false
	if soloActive && !channel.soloed && !target {
		target = true
		implicit = true
	}
	m.lock.Unlock()

	m.logger.Debugw("Session bound to channel", "channel", number, "sessionID", session.ID)

	if soloActive || target {
		m.applyMute(number, []channelBinding{binding}, target, implicit)
	}

	return nil
}

// ClearChannel unbinds everything from a channel, reverting it to its
// unassigned display state. Sessions leaving the channel shed any
// solo-forced mute they inherited from it
func (m *ChannelMixer) ClearChannel(number int) {
	m.lock.Lock()
	channel, ok := m.channels[number]
	if !ok {
		m.lock.Unlock()
		return
	}
	released := channel.bindings
	channel.bindings = nil
	lift := m.anySoloedLocked() && !channel.soloed && !channel.muted
	m.lock.Unlock()

	if lift {
		m.applyMute(number, released, false, false)
	}
}

func (ch *mixerChannel) unbind(idStr string) {
	remaining := ch.bindings[:0]
	for _, binding := range ch.bindings {
		if binding.id.String() != idStr {
			remaining = append(remaining, binding)
		}
	}
	ch.bindings = remaining
}

// SetChannelVolume applies a volume scalar to every session bound to the
// channel
func (m *ChannelMixer) SetChannelVolume(number int, level float32) {
	m.lock.Lock()
	channel, ok := m.channels[number]
	if !ok {
		m.lock.Unlock()
		return
	}
	channel.volume = clampLevel(level)
	bindings := append([]channelBinding(nil), channel.bindings...)
	m.lock.Unlock()

	for _, binding := range bindings {
		if err := m.commands.SetVolume(binding.id, level); err != nil {
			m.logger.Warnw("Failed to set channel session volume",
				"channel", number, "sessionID", binding.id.String(), "error", err)
		}
	}
}

// SetChannelMute applies a mute flag to every session bound to the channel
// and records it as the channel's own state (restored after solo ends)
func (m *ChannelMixer) SetChannelMute(number int, muted bool) {
	m.lock.Lock()
	channel, ok := m.channels[number]
	if !ok {
		m.lock.Unlock()
		return
	}
	channel.muted = muted
	soloActive := m.anySoloedLocked()
	shielded := soloActive && !channel.soloed
	bindings := append([]channelBinding(nil), channel.bindings...)
	m.lock.Unlock()

	// while another channel is soloed this channel is force-muted anyway;
	// just record the flag for restoration
	if shielded {
		return
	}

	m.applyMute(number, bindings, muted, false)
}

// SetChannelSolo toggles solo on a channel. While any channel is soloed,
// every non-soloed channel's sessions are muted at the device level
// regardless of their own flags, except master/output device identities.
// Dropping the last solo restores each channel's own mute flag
func (m *ChannelMixer) SetChannelSolo(number int, soloed bool) {
	m.lock.Lock()
	channel, ok := m.channels[number]
	if !ok {
		m.lock.Unlock()
		return
	}
	channel.soloed = soloed
	soloActive := m.anySoloedLocked()

	type channelApply struct {
		number   int
		bindings []channelBinding
		muted    bool
		implicit bool
	}

	var applies []channelApply

	for _, ch := range m.channels {
		target := ch.muted
		implicit := false

		if soloActive && !ch.soloed && !target {
			target = true
			implicit = true
		}

		applies = append(applies, channelApply{
			number:   ch.number,
			bindings: append([]channelBinding(nil), ch.bindings...),
			muted:    target,
			implicit: implicit,
		})
	}
	m.lock.Unlock()

	for _, apply := range applies {
		m.applyMute(apply.number, apply.bindings, apply.muted, apply.implicit)
	}
}

// applyMute fans a mute flag out to a channel's bindings. Implicit mutes
// come from solo forcing and never silence master/output device identities;
// an explicit mute on the channel itself always goes through
func (m *ChannelMixer) applyMute(number int, bindings []channelBinding, muted, implicit bool) {
	for _, binding := range bindings {
		if muted && implicit && (binding.id.Kind == KindMaster || binding.id.Kind == KindOutput) {
			continue
		}

		if err := m.commands.SetMute(binding.id, muted); err != nil {
			m.logger.Warnw("Failed to set channel session mute",
				"channel", number, "sessionID", binding.id.String(), "error", err)
		}
	}
}

func (m *ChannelMixer) anySoloedLocked() bool {
	for _, channel := range m.channels {
		if channel.soloed {
			return true
		}
	}
	return false
}

// ChannelPeak aggregates a channel's peak as the maximum among its bound
// sessions' latest published readings; a channel with no live sessions reads
// 0. Max, not sum: a mix's perceived loudness is dominated by its loudest
// source
func (m *ChannelMixer) ChannelPeak(number int) float32 {
	m.lock.Lock()
	channel, ok := m.channels[number]
	if !ok {
		m.lock.Unlock()
		return 0
	}
	bindings := append([]channelBinding(nil), channel.bindings...)
	m.lock.Unlock()

	peak := float32(0)
	for _, binding := range bindings {
		if level := m.peaks.PeakFor(binding.id.String()); level > peak {
			peak = level
		}
	}

	return peak
}

// Channels returns a display-ready view of all channels
func (m *ChannelMixer) Channels() []Channel {
	m.lock.Lock()
	defer m.lock.Unlock()

	channels := make([]Channel, 0, len(m.channels))

	for _, ch := range m.channels {
		view := Channel{
			Number: ch.number,
			Name:   channelDisplayName(ch.bindings),
			Volume: ch.volume,
			Muted:  ch.muted,
			Soloed: ch.soloed,
		}

		for _, binding := range ch.bindings {
			view.Bound = append(view.Bound, binding.id.String())
		}

		channels = append(channels, view)
	}

	sort.Slice(channels, func(i, j int) bool { return channels[i].Number < channels[j].Number })

	return channels
}

func channelDisplayName(bindings []channelBinding) string {
	if len(bindings) == 0 {
		return unassignedChannelName
	}

	names := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		name := binding.displayName
		if name == "" {
			name = binding.processName
		}
		if name == "" {
			name = binding.id.String()
		}
		names = append(names, name)
	}

	return strings.Join(names, ", ")
}

// Bindings exports every channel's bound sessions as persistable references
func (m *ChannelMixer) Bindings() map[int][]SessionRef {
	m.lock.Lock()
	defer m.lock.Unlock()

	refs := make(map[int][]SessionRef, len(m.channels))

	for number, channel := range m.channels {
		for _, binding := range channel.bindings {
			refs[number] = append(refs[number], SessionRef{
				ID:          binding.id.String(),
				Kind:        binding.id.Kind.String(),
				EndpointID:  binding.id.EndpointID,
				PID:         binding.id.PID,
				ProcessName: binding.processName,
				DisplayName: binding.displayName,
			})
		}
	}

	return refs
}

// Relink rebinds persisted references against a live snapshot, best effort.
// References that resolve to nothing are dropped silently; the session may
// simply not be running yet
func (m *ChannelMixer) Relink(refs map[int][]SessionRef, snapshot []SessionSnapshot) {
	for number, channelRefs := range refs {
		m.AddChannel(number)

		for _, ref := range channelRefs {
			resolved, ok := ref.Relink(snapshot)
			if !ok {
				m.logger.Debugw("Persisted session reference did not relink",
					"channel", number, "ref", ref.ID)
				continue
			}

			if err := m.Assign(number, resolved); err != nil {
				m.logger.Warnw("Failed to rebind persisted session",
					"channel", number, "sessionID", resolved.ID, "error", err)
			}
		}
	}
}

// Rekey updates bindings in place when the registry re-keys a continued
// session identity, preserving channel assignments across teardown cycles
func (m *ChannelMixer) Rekey(oldID string, newID SessionID) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, channel := range m.channels {
		for idx, binding := range channel.bindings {
			if binding.id.String() == oldID {
				channel.bindings[idx].id = newID
			}
		}
	}
}
