package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/calepin/kerneld/internal/kernel"
)

// ErrNotRunnable is returned when a kernel configuration names a command
// that cannot be executed on this host.
var ErrNotRunnable = errors.New("kernel command is not runnable")

// CommandValidator rejects kernel configurations whose command would fail
// at exec time, so a broken spec surfaces before a session is created
// instead of as a dead kernel.
type CommandValidator struct{}

var _ kernel.Validator = (*CommandValidator)(nil)

func (CommandValidator) Validate(_ context.Context, _ kernel.TargetID, desc kernel.Descriptor) error {
	if desc == nil {
		return kernel.ErrNilDescriptor
	}
	spec := desc.Spec()
	if len(spec.Argv) == 0 {
		return fmt.Errorf("%w: %s has an empty argv", ErrNotRunnable, desc.Label())
	}

	command := spec.Argv[0]
	if strings.ContainsRune(command, os.PathSeparator) {
		info, err := os.Stat(command)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotRunnable, err)
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return fmt.Errorf("%w: %s is not executable", ErrNotRunnable, command)
		}
		return nil
	}
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunnable, err)
	}
	return nil
}
