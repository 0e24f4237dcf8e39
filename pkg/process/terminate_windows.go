//go:build windows

package process

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
)

// Windows console operation lock to prevent races between fixtures stopping at once
var consoleOperationLock sync.Mutex

const ctrlBreakTimeout = 5 * time.Second

// SendTerminationSignal delivers Ctrl+Break to the fixture's process group.
func SendTerminationSignal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}

	consoleOperationLock.Lock()
	defer consoleOperationLock.Unlock()

	dll, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return fmt.Errorf("failed to load kernel32.dll: %v", err)
	}
	defer dll.Release()

	done := make(chan error, 1)
	go func() {
		done <- generateConsoleCtrlEvent(dll, pid)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send Ctrl+Break to PID %d: %v", pid, err)
		}
		return nil
	case <-time.After(ctrlBreakTimeout):
		return fmt.Errorf("timeout sending Ctrl+Break to PID %d after %v", pid, ctrlBreakTimeout)
	}
}

// KillProcessGroup terminates the fixture process.
func KillProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func generateConsoleCtrlEvent(dll *syscall.DLL, pid int) error {
	proc, err := dll.FindProc("GenerateConsoleCtrlEvent")
	if err != nil {
		return err
	}

	result, _, err := proc.Call(
		uintptr(syscall.CTRL_BREAK_EVENT),
		uintptr(pid),
	)
	if result == 0 {
		return err
	}
	return nil
}
