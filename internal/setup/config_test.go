package setup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Verify(); err != nil {
		t.Fatalf("defaults should verify: %v", err)
	}
	if cfg.RunDir != filepath.Join(StateDir, "run") {
		t.Fatalf("unexpected run dir: %q", cfg.RunDir)
	}
	if cfg.Timeouts.Ready() != 60*time.Second || cfg.Timeouts.Interrupt() != 10*time.Second {
		t.Fatalf("unexpected default timeouts: %+v", cfg.Timeouts)
	}
	if cfg.SocketPath != "" {
		t.Fatalf("socket path should default downstream, got %q", cfg.SocketPath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
run_dir: /tmp/kerneld-test/run
kernel_dirs:
  - /opt/kernels
timeouts:
  ready_timeout_ms: 5000
target_timeouts:
  "file:///slow.ipynb":
    ready_timeout_ms: 120000
interesting_packages: [numpy, pandas]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.LogLevel)
	}
	if cfg.RunDir != "/tmp/kerneld-test/run" {
		t.Fatalf("unexpected run dir: %q", cfg.RunDir)
	}
	// Values the file does not mention keep their defaults.
	if cfg.DataDir != filepath.Join(StateDir, "data") {
		t.Fatalf("data dir default lost: %q", cfg.DataDir)
	}
	if cfg.Timeouts.InterruptTimeoutMS != 10_000 {
		t.Fatalf("interrupt default lost: %d", cfg.Timeouts.InterruptTimeoutMS)
	}
	if cfg.Timeouts.ReadyTimeoutMS != 5_000 {
		t.Fatalf("ready override lost: %d", cfg.Timeouts.ReadyTimeoutMS)
	}
	if len(cfg.KernelDirs) != 1 || cfg.KernelDirs[0] != "/opt/kernels" {
		t.Fatalf("unexpected kernel dirs: %v", cfg.KernelDirs)
	}
	if len(cfg.InterestingPackages) != 2 {
		t.Fatalf("unexpected interesting packages: %v", cfg.InterestingPackages)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing explicit config should fail")
	}
}

func TestLoadMissingDefaultPath(t *testing.T) {
	previous := DefaultConfigPath
	DefaultConfigPath = filepath.Join(t.TempDir(), "absent.yaml")
	defer func() { DefaultConfigPath = previous }()

	cfg, err := Load(DefaultConfigPath)
	if err != nil {
		t.Fatalf("missing default config should yield defaults: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeConfig(t, "log_level: [unclosed")

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestConfigVerify(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	if err := cfg.Verify(); err == nil {
		t.Fatal("unknown log level should fail verification")
	}

	cfg = DefaultConfig()
	cfg.RunDir = " "
	if err := cfg.Verify(); err == nil {
		t.Fatal("blank run dir should fail verification")
	}

	cfg = DefaultConfig()
	cfg.Timeouts.ReadyTimeoutMS = -1
	if err := cfg.Verify(); err == nil {
		t.Fatal("negative timeout should fail verification")
	}

	cfg = DefaultConfig()
	cfg.TargetTimeouts = map[string]TimeoutConfig{"t": {InterruptTimeoutMS: -5}}
	if err := cfg.Verify(); err == nil {
		t.Fatal("negative override should fail verification")
	}
}

func TestTimeoutFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetTimeouts = map[string]TimeoutConfig{
		"file:///slow.ipynb": {ReadyTimeoutMS: 120_000},
	}

	slow := cfg.TimeoutFor("file:///slow.ipynb")
	if slow.ReadyTimeoutMS != 120_000 {
		t.Fatalf("override not applied: %+v", slow)
	}
	// Fields the override leaves unset inherit the defaults.
	if slow.InterruptTimeoutMS != cfg.Timeouts.InterruptTimeoutMS {
		t.Fatalf("partial override should inherit interrupt default: %+v", slow)
	}

	if got := cfg.TimeoutFor("file:///other.ipynb"); got != cfg.Timeouts {
		t.Fatalf("unknown target should get the defaults: %+v", got)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("KERNELD_CONFIG", "")
	if got := ResolvePath("/explicit.yaml"); got != "/explicit.yaml" {
		t.Fatalf("explicit path should win: %q", got)
	}
	if got := ResolvePath(""); got != DefaultConfigPath {
		t.Fatalf("expected default path, got %q", got)
	}

	t.Setenv("KERNELD_CONFIG", "/from-env.yaml")
	if got := ResolvePath(""); got != "/from-env.yaml" {
		t.Fatalf("environment override lost: %q", got)
	}
	if got := ResolvePath("/explicit.yaml"); got != "/explicit.yaml" {
		t.Fatalf("explicit path should beat the environment: %q", got)
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.RunDir = filepath.Join(root, "run")
	cfg.DataDir = filepath.Join(root, "data", "nested")

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs failed: %v", err)
	}
	for _, dir := range []string{cfg.RunDir, cfg.DataDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("dir %s not created: %v", dir, err)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for value, want := range cases {
		got, err := ParseLogLevel(value)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v; want %v", value, got, err, want)
		}
	}

	if _, err := ParseLogLevel("loud"); err == nil {
		t.Fatal("unknown level should fail")
	}
}
