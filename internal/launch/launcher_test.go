package launch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/calepin/kerneld/internal/kernel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLauncher(t *testing.T) *ProcessLauncher {
	t.Helper()
	launcher := NewProcessLauncher(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	launcher.PollInterval = 20 * time.Millisecond
	return launcher
}

// shArgv builds a shell one-liner argv carrying the connection file
// placeholder in a trailing comment, the way test kernels are faked here.
func shArgv(script string) []string {
	return []string{"/bin/sh", "-c", script + " # " + kernel.ConnectionFilePlaceholder}
}

func TestRenderArgv(t *testing.T) {
	rendered, err := renderArgv(
		[]string{"/usr/bin/python3", "-m", "ipykernel_launcher", "-f", kernel.ConnectionFilePlaceholder},
		"/run/kernel/connection.json",
	)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if rendered[4] != "/run/kernel/connection.json" {
		t.Fatalf("placeholder not substituted: %v", rendered)
	}

	rendered, err = renderArgv(
		[]string{"/bin/sh", "-c", "run --conn=" + kernel.ConnectionFilePlaceholder},
		"/tmp/c.json",
	)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if rendered[2] != "run --conn=/tmp/c.json" {
		t.Fatalf("embedded placeholder not substituted: %v", rendered)
	}

	if _, err := renderArgv([]string{"/usr/bin/python3"}, "/tmp/c.json"); err == nil {
		t.Fatal("argv without placeholder should be rejected")
	}
}

func TestMergeEnv(t *testing.T) {
	merged := mergeEnv(
		[]string{"PATH=/usr/bin", "HOME=/root", "PYTHONPATH=/old"},
		map[string]string{"PYTHONPATH": "/new", "B_VAR": "2", "A_VAR": "1"},
	)

	joined := strings.Join(merged, "\n")
	if strings.Contains(joined, "PYTHONPATH=/old") {
		t.Fatalf("base entry should be shadowed: %v", merged)
	}
	if !strings.Contains(joined, "PYTHONPATH=/new") {
		t.Fatalf("override missing: %v", merged)
	}

	tail := merged[len(merged)-3:]
	want := []string{"A_VAR=1", "B_VAR=2", "PYTHONPATH=/new"}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("expected sorted overrides %v, got %v", want, tail)
		}
	}
}

func TestAllocateConnectionInfo(t *testing.T) {
	info, err := allocateConnectionInfo()
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	ports := []int{info.ShellPort, info.IOPubPort, info.StdinPort, info.ControlPort, info.HeartbeatPort}
	seen := map[int]bool{}
	for _, port := range ports {
		if port <= 0 {
			t.Fatalf("unallocated port in %v", ports)
		}
		if seen[port] {
			t.Fatalf("duplicate port in %v", ports)
		}
		seen[port] = true
	}
	if info.Key == "" || info.SignatureScheme != "hmac-sha256" {
		t.Fatalf("incomplete connection info: %+v", info)
	}
}

func TestWriteConnectionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connection.json")
	want := kernel.ConnectionInfo{
		Transport: "tcp", IP: "127.0.0.1",
		ShellPort: 9001, IOPubPort: 9002, StdinPort: 9003, ControlPort: 9004, HeartbeatPort: 9005,
		Key: "secret", SignatureScheme: "hmac-sha256",
	}
	if err := writeConnectionFile(path, want); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if stat.Mode().Perm() != 0o600 {
		t.Fatalf("connection file should be private, got %v", stat.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var got kernel.ConnectionInfo
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("connection file is not valid JSON: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: %+v != %+v", got, want)
	}
}

func TestLaunchRejectsArgvWithoutPlaceholder(t *testing.T) {
	launcher := testLauncher(t)

	_, err := launcher.Launch(context.Background(), "t", kernel.Spec{Argv: []string{"/bin/true"}})
	if err == nil || !strings.Contains(err.Error(), "placeholder") {
		t.Fatalf("expected placeholder error, got %v", err)
	}
	assertEmptyDir(t, launcher.RunRoot)
}

func TestLaunchReportsEarlyExit(t *testing.T) {
	launcher := testLauncher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := launcher.Launch(ctx, "t", kernel.Spec{Argv: shArgv("echo boom >&2; exit 3")})

	var early *EarlyExitError
	if !errors.As(err, &early) {
		t.Fatalf("expected EarlyExitError, got %v", err)
	}
	if !strings.Contains(early.LogTail, "boom") {
		t.Fatalf("expected captured output in error, got %q", early.LogTail)
	}
	if early.Err == nil || !strings.Contains(early.Err.Error(), "exit status 3") {
		t.Fatalf("expected exit status in cause, got %v", early.Err)
	}
	assertEmptyDir(t, launcher.RunRoot)
}

func TestLaunchReadyTimeout(t *testing.T) {
	launcher := testLauncher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_, err := launcher.Launch(ctx, "t", kernel.Spec{Argv: shArgv("sleep 30")})

	var timeout *ReadyTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected ReadyTimeoutError, got %v", err)
	}
	if timeout.Target != "t" {
		t.Fatalf("unexpected target in error: %+v", timeout)
	}
	assertEmptyDir(t, launcher.RunRoot)
}

func TestLaunchAndShutdown(t *testing.T) {
	launcher := testLauncher(t)
	port := hookReadyPort(t, launcher)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := launcher.Launch(ctx, "t", kernel.Spec{Name: "fake", Argv: shArgv("sleep 30")})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	if conn.Info().ShellPort != port {
		t.Fatalf("unexpected shell port %d, want %d", conn.Info().ShellPort, port)
	}
	if conn.Err() != nil {
		t.Fatalf("running kernel should have no exit error, got %v", conn.Err())
	}

	// The connection file must exist for the kernel while it runs.
	pc := conn.(*processConnection)
	data, err := os.ReadFile(filepath.Join(pc.runDir, connectionFileName))
	if err != nil {
		t.Fatalf("connection file missing: %v", err)
	}
	var written kernel.ConnectionInfo
	if err := json.Unmarshal(data, &written); err != nil {
		t.Fatalf("connection file invalid: %v", err)
	}
	if written.ShellPort != port || written.KernelName != "fake" {
		t.Fatalf("unexpected connection file: %+v", written)
	}

	if err := conn.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit after shutdown")
	}
	assertEmptyDir(t, launcher.RunRoot)
}

func TestInterruptSignalsProcessGroup(t *testing.T) {
	launcher := testLauncher(t)
	hookReadyPort(t, launcher)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := launcher.Launch(ctx, "t",
		kernel.Spec{Argv: shArgv("trap 'exit 0' INT; while :; do sleep 0.2; done")})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	defer conn.Shutdown(context.Background())

	if err := conn.Interrupt(context.Background()); err != nil {
		t.Fatalf("interrupt failed: %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("interrupt did not reach the process group")
	}
}

func TestShutdownEscalatesToKill(t *testing.T) {
	launcher := testLauncher(t)
	launcher.GracePeriod = 200 * time.Millisecond
	hookReadyPort(t, launcher)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := launcher.Launch(ctx, "t",
		kernel.Spec{Argv: shArgv("trap '' TERM; while :; do sleep 0.2; done")})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	start := time.Now()
	if err := conn.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("kill escalation took too long: %s", elapsed)
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("process survived SIGKILL")
	}
}

// hookReadyPort makes the launcher hand out a shell port owned by the test,
// so readiness probing succeeds without a real kernel listening.
func hookReadyPort(t *testing.T, launcher *ProcessLauncher) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	port := listener.Addr().(*net.TCPAddr).Port
	launcher.allocate = func() (kernel.ConnectionInfo, error) {
		return kernel.ConnectionInfo{
			Transport: "tcp", IP: "127.0.0.1",
			ShellPort: port, IOPubPort: port, StdinPort: port, ControlPort: port, HeartbeatPort: port,
			Key: "test-key", SignatureScheme: "hmac-sha256",
		}, nil
	}
	return port
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected cleaned run root, found %d entries", len(entries))
	}
}
