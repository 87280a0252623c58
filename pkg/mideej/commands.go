package mideej

import (
	"fmt"
	"time"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/jimmyeao/Mideej-sub000/pkg/mideej/util"
)

// commandLayer applies user intent to the freshest matching native object.
// Holding a session handle across a command is the single most common source
// of silently-ignored mutations (the producing application may have already
// replaced its session), so application commands always re-enumerate the
// default endpoint and match by canonical process name
type commandLayer struct {
	logger   *zap.SugaredLogger
	dir      *endpointDirectory
	registry *sessionRegistry

	flyoutEnabled   func() bool
	lastFlyoutShown time.Time
}

func newCommandLayer(logger *zap.SugaredLogger, dir *endpointDirectory,
	registry *sessionRegistry, flyoutEnabled func() bool) *commandLayer {
	return &commandLayer{
		logger:        logger.Named("commands"),
		dir:           dir,
		registry:      registry,
		flyoutEnabled: flyoutEnabled,
	}
}

// SetVolume applies a clamped [0,1] volume scalar to the entity behind id
func (c *commandLayer) SetVolume(id SessionID, level float32) error {
	level = clampLevel(level)

	switch id.Kind {
	case KindMaster:
		endpoint, err := c.dir.DefaultRender()
		if err != nil {
			c.logger.Warnw("Failed to get default endpoint for master volume", "error", err)
			return fmt.Errorf("get default endpoint for master volume: %w", err)
		}
		defer endpoint.Release()

		if err := endpoint.SetVolume(level); err != nil {
			c.logger.Warnw("Failed to set master volume", "error", err)
			return fmt.Errorf("set master volume: %w", err)
		}

		c.maybeTriggerAudioFlyout()
		return nil

	case KindOutput, KindInput:
		if err := c.dir.SetVolume(id.EndpointID, level); err != nil {
			c.logger.Warnw("Failed to set device volume", "endpointID", id.EndpointID, "error", err)
			return fmt.Errorf("set device volume: %w", err)
		}
		return nil

	case KindApplication:
		return c.applyToMatchingSessions(id, func(session natSession) error {
			return session.SetVolume(level)
		})
	}

	return fmt.Errorf("set volume: unsupported session kind %v", id.Kind)
}

// SetMute applies a mute flag to the entity behind id
func (c *commandLayer) SetMute(id SessionID, muted bool) error {
	switch id.Kind {
	case KindMaster:
		endpoint, err := c.dir.DefaultRender()
		if err != nil {
			c.logger.Warnw("Failed to get default endpoint for master mute", "error", err)
			return fmt.Errorf("get default endpoint for master mute: %w", err)
		}
		defer endpoint.Release()

		if err := endpoint.SetMute(muted); err != nil {
			c.logger.Warnw("Failed to set master mute", "error", err)
			return fmt.Errorf("set master mute: %w", err)
		}
		return nil

	case KindOutput, KindInput:
		if err := c.dir.SetMute(id.EndpointID, muted); err != nil {
			c.logger.Warnw("Failed to set device mute", "endpointID", id.EndpointID, "error", err)
			return fmt.Errorf("set device mute: %w", err)
		}
		return nil

	case KindApplication:
		return c.applyToMatchingSessions(id, func(session natSession) error {
			return session.SetMute(muted)
		})
	}

	return fmt.Errorf("set mute: unsupported session kind %v", id.Kind)
}

// applyToMatchingSessions freshly enumerates the default render endpoint's
// sessions and applies the command to every one whose canonical process name
// exactly matches the target's. Exact matching matters both ways: the same
// executable legitimately hosts multiple sessions that must all change
// together, while a similarly-named helper binary must not be swept along.
// Matching zero sessions is a valid outcome, not an error (the target
// application may simply not be running right now)
func (c *commandLayer) applyToMatchingSessions(id SessionID, apply func(natSession) error) error {
	targetName, ok := c.registry.ProcessNameFor(id)
	if !ok {
		c.logger.Debugw("No tracked process name for session id, nothing to do", "sessionID", id.String())
		return nil
	}

	endpoint, err := c.dir.DefaultRender()
	if err != nil {
		c.logger.Warnw("Failed to get default endpoint for session command", "error", err)
		return fmt.Errorf("get default endpoint for session command: %w", err)
	}
	defer endpoint.Release()

	sessions, err := endpoint.Sessions()
	if err != nil {
		c.logger.Warnw("Failed to enumerate sessions for command", "error", err)
		return fmt.Errorf("enumerate sessions for command: %w", err)
	}
	defer releaseSessions(sessions)

	matched := 0

	for _, session := range sessions {
		pid, err := session.ProcessID()
		if err != nil || pid < minTrackedProcessID {
			continue
		}

		if c.registry.names.Resolve(pid) != targetName {
			continue
		}

		if err := apply(session); err != nil {
			// blast radius is this one session; keep going
			c.logger.Warnw("Failed to apply command to session", "pid", pid, "error", err)
			continue
		}

		matched++
	}

	c.logger.Debugw("Applied command to matching sessions",
		"target", targetName,
		"matched", matched)

	return nil
}

// SetFocusedVolume applies a volume scalar to whichever process owns the
// foreground window (including UWP child hosts). Windows only; elsewhere the
// helper returns no names and this is a no-op
func (c *commandLayer) SetFocusedVolume(level float32) {
	names, err := util.FocusedProcessNames()
	if err != nil {
		c.logger.Debugw("Failed to resolve focused window processes", "error", err)
		return
	}

	for idx, name := range names {
		names[idx] = CanonicalProcessName(name)
	}
	names = funk.UniqString(names)

	appSessions := c.registry.AppSessions()

	for _, name := range names {
		for _, session := range appSessions {
			if session.ProcessName == name {
				if err := c.SetVolume(session.ID, level); err != nil {
					c.logger.Warnw("Failed to set volume for focused process",
						"processName", name, "error", err)
				}
				break
			}
		}
	}
}

// the flyout pops at most once a second so dragging a fader doesn't spam it
func (c *commandLayer) maybeTriggerAudioFlyout() {
	if c.flyoutEnabled == nil || !c.flyoutEnabled() {
		return
	}

	now := time.Now()
	if c.lastFlyoutShown.Add(time.Second).Before(now) {
		if err := ShowAudioFlyout(); err != nil {
			c.logger.Debugw("Cannot display audio flyout", "error", err)
		}
		c.lastFlyoutShown = now
	}
}
