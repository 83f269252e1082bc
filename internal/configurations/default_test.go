package configurations

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/calepin/kerneld/internal/daemon"
	"github.com/calepin/kerneld/internal/kernel"
	"github.com/calepin/kerneld/internal/setup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *setup.Config {
	t.Helper()
	root := t.TempDir()

	cfg := setup.DefaultConfig()
	cfg.SocketPath = filepath.Join(root, "daemon.sock")
	cfg.RunDir = filepath.Join(root, "run")
	cfg.DataDir = filepath.Join(root, "data")
	cfg.InstallDir = filepath.Join(root, "kernels")
	cfg.KernelDirs = []string{cfg.InstallDir}
	if err := os.MkdirAll(cfg.InstallDir, 0o755); err != nil {
		t.Fatalf("create kernels dir: %v", err)
	}
	return cfg
}

func TestDefaultBuildsSystem(t *testing.T) {
	cfg := testConfig(t)

	system, err := Default(cfg, discardLogger())
	if err != nil {
		t.Fatalf("default configuration failed: %v", err)
	}
	if system.Manager == nil || system.Tracker == nil || system.Catalog == nil ||
		system.Installer == nil || system.Servers == nil || system.Disposables == nil {
		t.Fatal("system is missing components")
	}
	if system.Installer.TargetDir != cfg.InstallDir {
		t.Errorf("installer writes to %q, want %q", system.Installer.TargetDir, cfg.InstallDir)
	}
	if got := system.Catalog.SearchDirs; len(got) != 1 || got[0] != cfg.InstallDir {
		t.Errorf("catalog searches %v, want %v", got, cfg.KernelDirs)
	}
}

func TestDefaultRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeouts.ReadyTimeoutMS = -1

	if _, err := Default(cfg, discardLogger()); err == nil {
		t.Fatal("negative timeout should fail verification")
	}
}

func TestSettingsAdapterAppliesOverrides(t *testing.T) {
	cfg := setup.DefaultConfig()
	cfg.Timeouts = setup.TimeoutConfig{ReadyTimeoutMS: 1000, InterruptTimeoutMS: 500}
	cfg.TargetTimeouts = map[string]setup.TimeoutConfig{
		"file:///slow.ipynb": {ReadyTimeoutMS: 9000},
	}
	settings := configSettings{cfg: cfg}

	want := kernel.Timeouts{Ready: 9 * time.Second, Interrupt: 500 * time.Millisecond}
	if got := settings.TimeoutsFor("file:///slow.ipynb"); got != want {
		t.Errorf("override lookup = %+v, want %+v", got, want)
	}
	want = kernel.Timeouts{Ready: time.Second, Interrupt: 500 * time.Millisecond}
	if got := settings.TimeoutsFor("file:///other.ipynb"); got != want {
		t.Errorf("default lookup = %+v, want %+v", got, want)
	}
}

func TestRunDaemonServesSocket(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunDaemon(ctx, cfg, discardLogger()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("daemon socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := daemon.NewClient(cfg.SocketPath)
	if _, err := client.Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	entry, err := client.AddServer("http://127.0.0.1:8888", "local jupyter")
	if err != nil {
		t.Fatalf("add server failed: %v", err)
	}
	entries, err := client.Servers()
	if err != nil {
		t.Fatalf("servers failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != entry.ID {
		t.Fatalf("unexpected history: %+v", entries)
	}

	// State directories were created on startup.
	if _, err := os.Stat(cfg.RunDir); err != nil {
		t.Errorf("run dir missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, serverHistoryFile)); err != nil {
		t.Errorf("server history missing: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop in time")
	}
}
