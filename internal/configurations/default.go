// Package configurations assembles kerneld object graphs. Each entry point
// builds one ready-to-run arrangement of the subsystems so callers stay
// free of wiring.
package configurations

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/calepin/kerneld/internal/daemon"
	"github.com/calepin/kerneld/internal/interpreters"
	"github.com/calepin/kerneld/internal/kernel"
	"github.com/calepin/kerneld/internal/kernelspec"
	"github.com/calepin/kerneld/internal/launch"
	"github.com/calepin/kerneld/internal/logging"
	"github.com/calepin/kerneld/internal/serverstore"
	"github.com/calepin/kerneld/internal/setup"
)

// serverHistoryFile is the server history index inside the data dir.
const serverHistoryFile = "servers.json"

// System is a fully wired kerneld instance.
type System struct {
	Config      *setup.Config
	Manager     *kernel.Manager
	Tracker     *interpreters.Tracker
	Catalog     *kernelspec.Catalog
	Installer   *kernelspec.Installer
	Servers     *serverstore.Store
	Disposables *daemon.Registry
	Logger      *slog.Logger
}

// configSettings adapts the loaded configuration to the per-target timeout
// lookup the kernel manager expects.
type configSettings struct {
	cfg *setup.Config
}

var _ kernel.Settings = configSettings{}

func (s configSettings) TimeoutsFor(target kernel.TargetID) kernel.Timeouts {
	timeouts := s.cfg.TimeoutFor(target.String())
	return kernel.Timeouts{Ready: timeouts.Ready(), Interrupt: timeouts.Interrupt()}
}

// Default builds the standard object graph from the configuration: local
// subprocess kernels, pip-backed package tracking, on-disk kernel spec
// discovery and a file-backed server history.
func Default(cfg *setup.Config, logger *slog.Logger) (*System, error) {
	if cfg == nil {
		cfg = setup.DefaultConfig()
	}
	if err := cfg.Verify(); err != nil {
		return nil, fmt.Errorf("verify configuration: %w", err)
	}
	logger = logging.Ensure(logger)

	registry := daemon.NewRegistry(logger.With("component", "disposables"))
	servers := serverstore.New(filepath.Join(cfg.DataDir, serverHistoryFile), logger.With("component", "servers"))

	manager := kernel.NewManager(kernel.Deps{
		Launcher:    launch.NewProcessLauncher(cfg.RunDir, logger.With("component", "launch")),
		Settings:    configSettings{cfg: cfg},
		Validator:   launch.CommandValidator{},
		Notifier:    &daemon.LogNotifier{Logger: logger.With("component", "notify")},
		ServerURIs:  servers,
		Disposables: registry,
		Logger:      logger.With("component", "kernel"),
	})

	return &System{
		Config:      cfg,
		Manager:     manager,
		Tracker:     interpreters.NewTracker(&interpreters.ExecRunner{}, cfg.InterestingPackages, logger.With("component", "interpreters")),
		Catalog:     kernelspec.NewCatalog(cfg.KernelDirs, logger.With("component", "kernelspec")),
		Installer:   &kernelspec.Installer{TargetDir: cfg.InstallDir, Logger: logger.With("component", "kernelspec")},
		Servers:     servers,
		Disposables: registry,
		Logger:      logger,
	}, nil
}

// RunDaemon builds the default system and serves the control socket until
// ctx is cancelled or a shutdown command arrives.
func RunDaemon(ctx context.Context, cfg *setup.Config, logger *slog.Logger) error {
	system, err := Default(cfg, logger)
	if err != nil {
		return err
	}
	cfg = system.Config
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	// Spec changes are only logged for now; sessions keep the spec they
	// were started with.
	var watcher *kernelspec.Watcher
	if w, watchErr := kernelspec.NewWatcher(system.Catalog.SearchDirs, system.Logger.With("component", "kernelspec")); watchErr != nil {
		system.Logger.Warn("kernel spec watching disabled", "error", watchErr)
	} else {
		watcher = w
		defer watcher.Close()
	}

	server := daemon.NewServer(daemon.Options{
		SocketPath:  cfg.SocketPath,
		Manager:     system.Manager,
		Catalog:     system.Catalog,
		Tracker:     system.Tracker,
		Servers:     system.Servers,
		Disposables: system.Disposables,
		Watcher:     watcher,
		Logger:      system.Logger.With("component", "daemon"),
	})
	return server.Serve(ctx)
}
