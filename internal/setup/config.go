package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pinned locations. Vars so packaging and tests can relocate them.
var (
	DefaultConfigPath = "/etc/kerneld/config.yaml"
	StateDir          = "/var/lib/kerneld"
)

// configPathEnv overrides the config file location when no explicit path is
// given on the command line.
const configPathEnv = "KERNELD_CONFIG"

// TimeoutConfig bounds one session's blocking operations, in milliseconds.
// Zero values inherit the configured defaults.
type TimeoutConfig struct {
	ReadyTimeoutMS     int `yaml:"ready_timeout_ms"`
	InterruptTimeoutMS int `yaml:"interrupt_timeout_ms"`
}

// Ready returns the ready deadline as a duration.
func (t TimeoutConfig) Ready() time.Duration {
	return time.Duration(t.ReadyTimeoutMS) * time.Millisecond
}

// Interrupt returns the interrupt deadline as a duration.
func (t TimeoutConfig) Interrupt() time.Duration {
	return time.Duration(t.InterruptTimeoutMS) * time.Millisecond
}

// Config is the daemon configuration, loaded from a YAML file and filled
// with defaults for everything the file leaves out.
type Config struct {
	// LogLevel is the daemon's verbosity: debug, info, warning or error.
	LogLevel string `yaml:"log_level"`
	// SocketPath is where the control socket is created. Empty means the
	// built-in default.
	SocketPath string `yaml:"socket"`
	// RunDir holds per-kernel run directories (connection files, logs).
	RunDir string `yaml:"run_dir"`
	// DataDir holds persistent daemon state such as the server history.
	DataDir string `yaml:"data_dir"`
	// KernelDirs are the kernel specification search directories. Empty
	// means the standard Jupyter locations.
	KernelDirs []string `yaml:"kernel_dirs"`
	// InstallDir is where new kernel specifications are written.
	InstallDir string `yaml:"install_dir"`
	// Timeouts are the session deadlines applied when no per-target
	// override matches.
	Timeouts TimeoutConfig `yaml:"timeouts"`
	// TargetTimeouts overrides the deadlines for individual targets, keyed
	// by the exact target identity.
	TargetTimeouts map[string]TimeoutConfig `yaml:"target_timeouts"`
	// InterestingPackages overrides the set of packages reported per
	// interpreter. Empty means the built-in notebook set.
	InterestingPackages []string `yaml:"interesting_packages"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		RunDir:     filepath.Join(StateDir, "run"),
		DataDir:    filepath.Join(StateDir, "data"),
		InstallDir: defaultInstallDir(),
		Timeouts: TimeoutConfig{
			ReadyTimeoutMS:     60_000,
			InterruptTimeoutMS: 10_000,
		},
	}
}

func defaultInstallDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "jupyter", "kernels")
	}
	return filepath.Join(StateDir, "kernels")
}

// ResolvePath picks the config file location: the explicit path if given,
// then the KERNELD_CONFIG environment variable, then the default.
func ResolvePath(explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv(configPathEnv)); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Load reads the configuration at path, layering the file over the
// defaults. A missing file at the default location is not an error; a
// missing file anywhere else is, since the caller asked for it explicitly.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Verify checks the configuration for values the daemon cannot run with.
func (c *Config) Verify() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if strings.TrimSpace(c.RunDir) == "" {
		return errors.New("run_dir must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir must not be empty")
	}
	if err := verifyTimeouts("timeouts", c.Timeouts); err != nil {
		return err
	}
	for target, timeouts := range c.TargetTimeouts {
		if err := verifyTimeouts(fmt.Sprintf("target_timeouts[%s]", target), timeouts); err != nil {
			return err
		}
	}
	return nil
}

func verifyTimeouts(name string, timeouts TimeoutConfig) error {
	if timeouts.ReadyTimeoutMS < 0 || timeouts.InterruptTimeoutMS < 0 {
		return fmt.Errorf("%s must not be negative", name)
	}
	return nil
}

// EnsureDirs creates the state directories the daemon writes into.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.RunDir, c.DataDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	getLogger().Debug("state directories ready", "run_dir", c.RunDir, "data_dir", c.DataDir)
	return nil
}

// TimeoutFor returns the session deadlines for target, applying any exact
// per-target override over the defaults. Answers from memory so callers may
// hold locks.
func (c *Config) TimeoutFor(target string) TimeoutConfig {
	override, ok := c.TargetTimeouts[target]
	if !ok {
		return c.Timeouts
	}
	if override.ReadyTimeoutMS <= 0 {
		override.ReadyTimeoutMS = c.Timeouts.ReadyTimeoutMS
	}
	if override.InterruptTimeoutMS <= 0 {
		override.InterruptTimeoutMS = c.Timeouts.InterruptTimeoutMS
	}
	return override
}

// ParseLogLevel maps a configuration value onto a slog level.
func ParseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
