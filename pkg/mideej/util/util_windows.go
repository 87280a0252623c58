package util

import (
	"fmt"
	"time"

	"github.com/gonutz/w32/v2"
	"github.com/mitchellh/go-ps"
	"github.com/rodolfoag/gow32"
)

const focusedProcessInternalCooldown = time.Millisecond * 350

var (
	lastFocusedProcessResult []string
	lastFocusedProcessCall   = time.Now()
)

// FocusedProcessNames returns the executable names that could be producing
// audio on behalf of the foreground window. UWP apps (and other "container"
// processes like steam) render inside a parent host process, so when
// GetForegroundWindow returns the host's window we walk its child windows and
// collect every distinct owning process along the way; looking several names
// up is cheap and covers apps that hide their audio-playing inside another
// process
func FocusedProcessNames() ([]string, error) {
	// apply an internal cooldown to avoid hammering the win32 API when a
	// fader is being dragged; return the cached result during that window
	now := time.Now()
	if lastFocusedProcessCall.Add(focusedProcessInternalCooldown).After(now) {
		return lastFocusedProcessResult, nil
	}

	lastFocusedProcessCall = now

	result := []string{}

	// called for each child window of the foreground window, if it has any
	enumChildWindowsCallback := func(childHWND w32.HWND, ownerPID w32.DWORD) bool {
		_, childPID := w32.GetWindowThreadProcessId(childHWND)

		// a child owned by a different process is our actual audio candidate
		if childPID != ownerPID {
			actualProcess, err := ps.FindProcess(int(childPID))
			if err == nil {
				result = append(result, actualProcess.Executable())
			}
		}

		// keep iterating
		return true
	}

	hwnd := w32.GetForegroundWindow()
	_, ownerPID := w32.GetWindowThreadProcessId(hwnd)

	// check for system PID (0)
	if ownerPID == 0 {
		return nil, nil
	}

	process, err := ps.FindProcess(int(ownerPID))
	if err != nil {
		return nil, fmt.Errorf("get parent process for pid %d: %w", ownerPID, err)
	}

	result = append(result, process.Executable())

	w32.EnumChildWindows(hwnd, func(window w32.HWND) bool { return enumChildWindowsCallback(window, ownerPID) })

	lastFocusedProcessResult = result
	return result, nil
}

func CreateMutex(name string) error {
	// cannot use w32.CreateMutex as it doesn't return an error
	// relying on OS to release it on program exit
	_, err := gow32.CreateMutex("Global//" + name)
	return err
}
