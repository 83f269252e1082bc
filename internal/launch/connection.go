package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calepin/kerneld/internal/kernel"
)

// processConnection owns one kernel subprocess and its run directory. The
// process runs in its own process group so signals reach helpers the kernel
// may have forked.
type processConnection struct {
	info   kernel.ConnectionInfo
	cmd    *exec.Cmd
	pgid   int
	runDir string
	grace  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	exitErr error
	done    chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

var _ kernel.Connection = (*processConnection)(nil)

// reap waits for the process to exit, records the outcome, and settles Done.
func (c *processConnection) reap(logFile *os.File) {
	err := c.cmd.Wait()
	logFile.Close()

	c.mu.Lock()
	c.exitErr = err
	c.mu.Unlock()
	close(c.done)
}

func (c *processConnection) Info() kernel.ConnectionInfo {
	return c.info
}

func (c *processConnection) Done() <-chan struct{} {
	return c.done
}

// Err reports how the process exited. It returns nil while the process is
// still running.
func (c *processConnection) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

func (c *processConnection) Interrupt(_ context.Context) error {
	select {
	case <-c.done:
		return fmt.Errorf("kernel process already exited")
	default:
	}

	if err := c.signal(unix.SIGINT); err != nil {
		return fmt.Errorf("send interrupt: %w", err)
	}
	return nil
}

// Shutdown terminates the process group and removes the run directory. The
// kernel first gets SIGTERM and the configured grace period; if it is still
// alive afterwards, or ctx expires, the group is killed.
func (c *processConnection) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(ctx)
	})
	return c.shutdownErr
}

func (c *processConnection) shutdown(ctx context.Context) error {
	defer func() {
		if err := os.RemoveAll(c.runDir); err != nil {
			c.logger.Warn("remove run dir failed", "dir", c.runDir, "error", err)
		}
	}()

	select {
	case <-c.done:
		return nil
	default:
	}

	// A signalling failure usually means the process just exited; the
	// reaper settles Done either way.
	_ = c.signal(unix.SIGTERM)

	grace := c.grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	c.logger.Warn("kernel ignored SIGTERM, killing process group")
	_ = c.signal(unix.SIGKILL)
	<-c.done
	return nil
}

func (c *processConnection) signal(sig unix.Signal) error {
	if c.pgid > 0 && unix.Kill(-c.pgid, sig) == nil {
		return nil
	}
	return c.cmd.Process.Signal(sig)
}
