package mideej

import "errors"

// the volume flyout is a Windows shell affordance; desktop environments
// handle their own volume OSDs
func ShowAudioFlyout() error {
	return errors.New("audio flyout not supported on this platform")
}
