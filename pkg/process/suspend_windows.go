//go:build windows

package process

import (
	"github.com/core-tools/hsu-fixture/pkg/errors"
)

const SuspendSupported = false

func SuspendProcess(pid int) error {
	return errors.NewUnsupportedError("process suspension is not available on windows", nil).WithContext("pid", pid)
}

func ResumeProcess(pid int) error {
	return errors.NewUnsupportedError("process suspension is not available on windows", nil).WithContext("pid", pid)
}
