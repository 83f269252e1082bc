// Package launch starts kernel subprocesses. Each launch gets a private run
// directory holding the connection file and captured output; readiness is
// detected by probing the kernel's shell port.
package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/calepin/kerneld/internal/kernel"
)

const (
	connectionFileName = "connection.json"
	kernelLogName      = "kernel.log"
	logTailBytes       = 2048
)

// ReadyTimeoutError reports a kernel that did not open its shell port before
// the ready deadline.
type ReadyTimeoutError struct {
	Target  kernel.TargetID
	Address string
	Elapsed time.Duration
}

func (e *ReadyTimeoutError) Error() string {
	return fmt.Sprintf("kernel for %s did not become ready on %s after %s",
		e.Target, e.Address, e.Elapsed.Round(time.Millisecond))
}

// EarlyExitError reports a kernel process that terminated before becoming
// ready. LogTail holds the end of its captured output, if any.
type EarlyExitError struct {
	Err     error
	LogTail string
}

func (e *EarlyExitError) Error() string {
	if e.LogTail != "" {
		return fmt.Sprintf("kernel exited before becoming ready: %v (output: %s)", e.Err, e.LogTail)
	}
	return fmt.Sprintf("kernel exited before becoming ready: %v", e.Err)
}

func (e *EarlyExitError) Unwrap() error { return e.Err }

// ProcessLauncher starts kernels as local subprocesses.
type ProcessLauncher struct {
	// RunRoot is the directory under which per-kernel run dirs are created.
	RunRoot string
	// GracePeriod is how long a kernel gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// PollInterval is the delay between readiness probes.
	PollInterval time.Duration
	Logger       *slog.Logger

	allocate func() (kernel.ConnectionInfo, error)
}

var _ kernel.Launcher = (*ProcessLauncher)(nil)

func NewProcessLauncher(runRoot string, logger *slog.Logger) *ProcessLauncher {
	return &ProcessLauncher{
		RunRoot:      runRoot,
		GracePeriod:  5 * time.Second,
		PollInterval: 100 * time.Millisecond,
		Logger:       logger,
	}
}

func (l *ProcessLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Launch starts the kernel described by spec and blocks until its shell port
// accepts connections or ctx expires. On failure the subprocess is killed
// and its run directory removed before the error is returned.
func (l *ProcessLauncher) Launch(ctx context.Context, target kernel.TargetID, spec kernel.Spec) (kernel.Connection, error) {
	if l.RunRoot == "" {
		return nil, errors.New("run root not configured")
	}
	if len(spec.Argv) == 0 {
		return nil, errors.New("kernel spec has no argv")
	}

	runID := uuid.NewString()
	runDir := filepath.Join(l.RunRoot, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	discard := func() { _ = os.RemoveAll(runDir) }

	logger := l.logger().With("target", target, "run_id", runID)

	info, err := l.connectionInfo()
	if err != nil {
		discard()
		return nil, fmt.Errorf("allocate kernel ports: %w", err)
	}
	info.KernelName = spec.Name

	connFile := filepath.Join(runDir, connectionFileName)
	if err := writeConnectionFile(connFile, info); err != nil {
		discard()
		return nil, err
	}

	argv, err := renderArgv(spec.Argv, connFile)
	if err != nil {
		discard()
		return nil, err
	}

	logFile, err := os.Create(filepath.Join(runDir, kernelLogName))
	if err != nil {
		discard()
		return nil, fmt.Errorf("create kernel log: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = runDir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		discard()
		return nil, fmt.Errorf("start kernel process: %w", err)
	}
	logger.Debug("kernel process started", "pid", cmd.Process.Pid, "argv0", argv[0])

	conn := &processConnection{
		info:   info,
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		runDir: runDir,
		grace:  l.GracePeriod,
		logger: logger,
		done:   make(chan struct{}),
	}
	go conn.reap(logFile)

	if err := l.waitReady(ctx, target, conn, info); err != nil {
		tail := readLogTail(filepath.Join(runDir, kernelLogName))
		_ = conn.Shutdown(context.Background())

		var early *EarlyExitError
		if errors.As(err, &early) {
			early.LogTail = tail
			logger.Warn("kernel exited before becoming ready", "error", early.Err)
			return nil, fmt.Errorf("kernel for %s: %w", target, early)
		}
		logger.Warn("kernel did not become ready", "error", err)
		return nil, err
	}

	logger.Info("kernel ready", "shell_port", info.ShellPort, "pid", cmd.Process.Pid)
	return conn, nil
}

func (l *ProcessLauncher) connectionInfo() (kernel.ConnectionInfo, error) {
	if l.allocate != nil {
		return l.allocate()
	}
	return allocateConnectionInfo()
}

// waitReady probes the shell port until it accepts a connection, the process
// exits, or ctx expires.
func (l *ProcessLauncher) waitReady(ctx context.Context, target kernel.TargetID, conn *processConnection, info kernel.ConnectionInfo) error {
	address := net.JoinHostPort(info.IP, strconv.Itoa(info.ShellPort))
	interval := l.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return &ReadyTimeoutError{Target: target, Address: address, Elapsed: time.Since(started)}
		case <-conn.Done():
			return &EarlyExitError{Err: conn.Err()}
		case <-ticker.C:
			probe, err := net.DialTimeout("tcp", address, interval)
			if err == nil {
				probe.Close()
				return nil
			}
		}
	}
}

// allocateConnectionInfo reserves five loopback ports and a fresh HMAC key.
// All listeners stay open until every port is collected so no port is
// handed out twice.
func allocateConnectionInfo() (kernel.ConnectionInfo, error) {
	const ip = "127.0.0.1"

	ports, err := reservePorts(ip, 5)
	if err != nil {
		return kernel.ConnectionInfo{}, err
	}

	return kernel.ConnectionInfo{
		Transport:       "tcp",
		IP:              ip,
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HeartbeatPort:   ports[4],
		Key:             uuid.NewString(),
		SignatureScheme: "hmac-sha256",
	}, nil
}

func reservePorts(ip string, count int) ([]int, error) {
	listeners := make([]net.Listener, 0, count)
	defer func() {
		for _, listener := range listeners {
			listener.Close()
		}
	}()

	ports := make([]int, 0, count)
	for i := 0; i < count; i++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("reserve port: %w", err)
		}
		listeners = append(listeners, listener)
		ports = append(ports, listener.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

func writeConnectionFile(path string, info kernel.ConnectionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode connection file: %w", err)
	}
	// The file contains the signing key, keep it private to the daemon.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write connection file: %w", err)
	}
	return nil
}

// renderArgv substitutes the connection file path into the argv template.
// At least one argument must carry the placeholder, otherwise the kernel
// would never learn its endpoints.
func renderArgv(argv []string, connFile string) ([]string, error) {
	rendered := make([]string, len(argv))
	replaced := false
	for i, arg := range argv {
		if strings.Contains(arg, kernel.ConnectionFilePlaceholder) {
			rendered[i] = strings.ReplaceAll(arg, kernel.ConnectionFilePlaceholder, connFile)
			replaced = true
			continue
		}
		rendered[i] = arg
	}
	if !replaced {
		return nil, fmt.Errorf("argv has no %s placeholder", kernel.ConnectionFilePlaceholder)
	}
	return rendered, nil
}

// mergeEnv layers the spec's environment over the inherited one. Spec
// entries win; they are appended in sorted order for reproducible launches.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	merged := make([]string, 0, len(base)+len(extra))
	for _, pair := range base {
		key, _, ok := strings.Cut(pair, "=")
		if ok {
			if _, shadowed := extra[key]; shadowed {
				continue
			}
		}
		merged = append(merged, pair)
	}

	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+extra[key])
	}
	return merged
}

func readLogTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > logTailBytes {
		data = data[len(data)-logTailBytes:]
	}
	return strings.TrimSpace(string(data))
}
