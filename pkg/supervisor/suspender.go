package supervisor

import (
	"github.com/core-tools/hsu-fixture/pkg/process"
)

// Suspender freezes and continues a fixture process without terminating it.
type Suspender interface {
	Suspend(pid int) error
	Resume(pid int) error
}

// SignalSuspender uses OS scheduling signals (SIGSTOP/SIGCONT on the process group).
type SignalSuspender struct{}

func (SignalSuspender) Suspend(pid int) error { return process.SuspendProcess(pid) }
func (SignalSuspender) Resume(pid int) error  { return process.ResumeProcess(pid) }

// SuspenderFuncs adapts an application-level freeze/continue command, for
// fixtures or platforms where scheduling signals are unavailable.
type SuspenderFuncs struct {
	SuspendFunc func(pid int) error
	ResumeFunc  func(pid int) error
}

func (s SuspenderFuncs) Suspend(pid int) error { return s.SuspendFunc(pid) }
func (s SuspenderFuncs) Resume(pid int) error  { return s.ResumeFunc(pid) }

func defaultSuspender() Suspender {
	if process.SuspendSupported {
		return SignalSuspender{}
	}
	return nil
}
