//go:build !windows

package process

import (
	"golang.org/x/sys/unix"
)

// SendTerminationSignal sends SIGTERM to the fixture's process group.
func SendTerminationSignal(pid int) error {
	return unix.Kill(-pid, unix.SIGTERM)
}

// KillProcessGroup sends SIGKILL to the fixture's process group, so helpers the
// fixture forked cannot keep its output pipe open.
func KillProcessGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}
