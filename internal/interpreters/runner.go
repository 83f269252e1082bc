package interpreters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultListTimeout bounds a package listing subprocess. Interpreter
// startup plus pip can be slow on cold caches, but must never wedge the
// tracker forever.
const DefaultListTimeout = 30 * time.Second

// ExecRunner lists packages by running the interpreter's pip module.
type ExecRunner struct {
	// Timeout bounds one listing; DefaultListTimeout applies when zero.
	Timeout time.Duration
}

var _ Runner = (*ExecRunner)(nil)

// ListPackages runs `<interpreter> -m pip list` in freeze format and
// returns its raw output.
func (r *ExecRunner) ListPackages(ctx context.Context, interpreterPath string) (string, error) {
	interpreterPath = strings.TrimSpace(interpreterPath)
	if interpreterPath == "" {
		return "", errors.New("interpreter path is required")
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultListTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreterPath,
		"-m", "pip", "list", "--format", "freeze", "--disable-pip-version-check")
	// pip forks helpers that inherit the output pipes, and killing only the
	// direct child would leave Output blocked until every helper exits. The
	// listing runs in its own process group so expiry kills the helpers too;
	// WaitDelay abandons the pipes if something escaped the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = time.Second

	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("pip list timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("pip list failed: %w (output: %s)",
				err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("pip list failed: %w", err)
	}
	return string(output), nil
}
