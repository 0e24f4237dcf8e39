package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	Environment      []string `yaml:"environment,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
}

// ExecuteCmd spawns a process and returns it together with its combined stdout/stderr stream.
// The process is not bound to ctx; its lifetime belongs to the caller.
type ExecuteCmd func(ctx context.Context, execution ExecutionConfig) (*os.Process, io.ReadCloser, error)

func NewStdExecuteCmd(id string, logger logging.Logger) ExecuteCmd {
	return func(ctx context.Context, execution ExecutionConfig) (*os.Process, io.ReadCloser, error) {
		if ctx == nil {
			return nil, nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.NewCancelledError("execution cancelled before spawn", err).WithContext("id", id)
		}

		if err := ValidateExecutionConfig(execution); err != nil {
			logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
			return nil, nil, err
		}

		if err := ensureExecutable(execution.ExecutablePath); err != nil {
			return nil, nil, errors.NewPermissionError("failed to ensure process is executable", err).
				WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}

		logger.Debugf("Executing process, id: %s, executable path: '%s', args: %v, working directory: '%s'",
			id, execution.ExecutablePath, execution.Args, execution.WorkingDirectory)

		cmd := exec.Command(execution.ExecutablePath, execution.Args...)
		cmd.Dir = execution.WorkingDirectory
		cmd.Env = append(os.Environ(), execution.Environment...)

		// Platform-specific setup is handled in execute_unix.go or execute_windows.go
		setupProcessAttributes(cmd)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, errors.NewProcessError("failed to create stdout pipe", err).WithContext("id", id)
		}
		// One stream for both, so readiness markers printed to stderr are seen too.
		cmd.Stderr = cmd.Stdout

		if err := cmd.Start(); err != nil {
			stdout.Close()
			return nil, nil, errors.NewProcessError("failed to start the process", err).
				WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}

		logger.Infof("Process started, id: %s, PID: %d", id, cmd.Process.Pid)

		return cmd.Process, stdout, nil
	}
}

// ensureExecutable checks if a file is executable and makes it executable if it's not
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		ext := filepath.Ext(path)
		if ext == ".exe" || ext == ".bat" || ext == ".cmd" {
			return nil
		}
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, mode|0111); err != nil {
			return errors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
		}
	}

	return nil
}
