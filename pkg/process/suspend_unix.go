//go:build !windows

package process

import (
	"golang.org/x/sys/unix"
)

// SuspendSupported reports whether SuspendProcess/ResumeProcess work on this platform.
const SuspendSupported = true

// SuspendProcess stops scheduling of the fixture's process group (SIGSTOP).
func SuspendProcess(pid int) error {
	return unix.Kill(-pid, unix.SIGSTOP)
}

// ResumeProcess continues a suspended process group (SIGCONT).
func ResumeProcess(pid int) error {
	return unix.Kill(-pid, unix.SIGCONT)
}
