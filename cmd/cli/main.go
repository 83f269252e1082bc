package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calepin/kerneld/internal/configurations"
	"github.com/calepin/kerneld/internal/daemon"
	"github.com/calepin/kerneld/internal/kernel"
	"github.com/calepin/kerneld/internal/kernelspec"
	"github.com/calepin/kerneld/internal/logging"
	"github.com/calepin/kerneld/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	logLevel := defaultLogLevel
	var configPath string
	var socketPath string

	root := &cobra.Command{
		Use:           "kerneld",
		Short:         "Manage interactive notebook kernels through the kerneld daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file")
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "Path to the daemon control socket")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := setup.ParseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	loadConfig := func() (*setup.Config, error) {
		return setup.Load(setup.ResolvePath(configPath))
	}
	resolveSocket := func() string {
		if path := strings.TrimSpace(socketPath); path != "" {
			return path
		}
		if cfg, err := loadConfig(); err == nil && strings.TrimSpace(cfg.SocketPath) != "" {
			return cfg.SocketPath
		}
		return daemon.DefaultSocketPath
	}
	newClient := func() daemon.DaemonClient {
		return daemon.NewClient(resolveSocket())
	}

	root.AddCommand(
		newDaemonCommand(logger, loadConfig, resolveSocket, newClient),
		newKernelCommand(logger, newClient),
		newSpecCommand(logger, loadConfig, newClient),
		newInterpreterCommand(newClient),
		newServerCommand(newClient),
	)
	return root
}

func newDaemonCommand(logger *slog.Logger, loadConfig func() (*setup.Config, error), resolveSocket func() string, newClient func() daemon.DaemonClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the kernel daemon",
	}

	cmd.AddCommand(
		newDaemonRunCommand(logger, loadConfig, resolveSocket),
		newDaemonStopCommand(newClient),
		newDaemonPingCommand(newClient),
	)
	return cmd
}

func newDaemonRunCommand(logger *slog.Logger, loadConfig func() (*setup.Config, error), resolveSocket func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the kernel daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.SocketPath = resolveSocket()

			cmdLogger := logger.With("command", "daemon.run")
			cmdLogger.Info("starting daemon", "socket", cfg.SocketPath)
			if err := configurations.RunDaemon(ctx, cfg, logger); err != nil {
				cmdLogger.Error("daemon failed", "error", err)
				return err
			}
			cmdLogger.Info("daemon stopped")
			return nil
		},
	}
}

func newDaemonStopCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Shutdown(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopping")
			return nil
		},
	}
}

func newDaemonPingCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check whether the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Ping()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon alive\tpid=%d\tsessions=%d\n", resp.PID, resp.Sessions)
			return nil
		},
	}
}

func newKernelCommand(logger *slog.Logger, newClient func() daemon.DaemonClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Start, inspect and stop kernel sessions",
	}

	cmd.AddCommand(
		newKernelStartCommand(logger, newClient),
		newKernelListCommand(newClient),
		newKernelInspectCommand(newClient),
		newKernelStopCommand(newClient),
		newKernelInterruptCommand(newClient),
	)
	return cmd
}

func newKernelStartCommand(logger *slog.Logger, newClient func() daemon.DaemonClient) *cobra.Command {
	var (
		specName    string
		interpreter string
	)

	cmd := &cobra.Command{
		Use:   "start <target>",
		Args:  cobra.ExactArgs(1),
		Short: "Start (or reuse) a kernel session for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(args[0])
			if target == "" {
				return fmt.Errorf("target is required")
			}

			details, err := newClient().StartKernel(daemon.StartRequest{
				Target:      target,
				SpecName:    specName,
				Interpreter: interpreter,
			})
			if err != nil {
				return err
			}

			logger.Info("kernel session ready",
				"target", details.Target, "state", details.State, "kernel", details.Label)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", details.Target, details.State, details.SessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&specName, "spec", "", "Name of an installed kernel specification")
	cmd.Flags().StringVar(&interpreter, "interpreter", "", "Path to a Python interpreter to run as a kernel")

	return cmd
}

func newKernelListCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List kernel sessions managed by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := newClient().List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(statuses) == 0 {
				fmt.Fprintln(out, "no kernels")
				return nil
			}
			for _, status := range statuses {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", status.Target, status.State, status.Kind, status.Label)
			}
			return nil
		},
	}
}

func newKernelInspectCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <target>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the full state of one kernel session",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := newClient().Inspect(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "target:\t%s\n", details.Target)
			fmt.Fprintf(out, "session:\t%s\n", details.SessionID)
			fmt.Fprintf(out, "state:\t%s\n", details.State)
			fmt.Fprintf(out, "kind:\t%s\n", details.Kind)
			fmt.Fprintf(out, "name:\t%s\n", details.Label)
			if details.SpecName != "" {
				fmt.Fprintf(out, "spec:\t%s\n", details.SpecName)
			}
			if details.Language != "" {
				fmt.Fprintf(out, "language:\t%s\n", details.Language)
			}
			fmt.Fprintf(out, "created:\t%s\n", details.CreatedAt.Format(time.RFC3339))
			if len(details.Argv) > 0 {
				fmt.Fprintf(out, "argv:\t%s\n", strings.Join(details.Argv, " "))
			}
			if details.Connection != nil {
				fmt.Fprintf(out, "shell:\t%s:%d\n", details.Connection.IP, details.Connection.ShellPort)
			}
			return nil
		},
	}
}

func newKernelStopCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <target>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop the kernel session for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(args[0])
			if err := newClient().StopKernel(target); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped", target)
			return nil
		},
	}
}

func newKernelInterruptCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt <target>",
		Args:  cobra.ExactArgs(1),
		Short: "Interrupt the running kernel for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(args[0])
			if err := newClient().Interrupt(target); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "interrupted", target)
			return nil
		},
	}
}

func newSpecCommand(logger *slog.Logger, loadConfig func() (*setup.Config, error), newClient func() daemon.DaemonClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Manage installed kernel specifications",
	}

	cmd.AddCommand(
		newSpecListCommand(logger, loadConfig, newClient),
		newSpecInstallCommand(logger, loadConfig),
		newSpecRemoveCommand(logger, loadConfig),
	)
	return cmd
}

func newSpecListCommand(logger *slog.Logger, loadConfig func() (*setup.Config, error), newClient func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the kernel specifications available on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			// Prefer the daemon's view; fall back to reading the search
			// directories when it is not running.
			if specs, err := newClient().Specs(); err == nil {
				if len(specs) == 0 {
					fmt.Fprintln(out, "no kernel specifications")
					return nil
				}
				for _, spec := range specs {
					fmt.Fprintf(out, "%s\t%s\t%s\n", spec.Name, spec.Language, spec.DisplayName)
				}
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog := kernelspec.NewCatalog(cfg.KernelDirs, logger.With("command", "spec.list"))
			entries, err := catalog.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "no kernel specifications")
				return nil
			}
			for _, entry := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\n", entry.Name, entry.Spec.Language, entry.Spec.DisplayName)
			}
			return nil
		},
	}
}

func newSpecInstallCommand(logger *slog.Logger, loadConfig func() (*setup.Config, error)) *cobra.Command {
	var (
		interpreter string
		displayName string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a kernel specification for a Python interpreter",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(interpreter)
			if path == "" {
				return fmt.Errorf("interpreter path is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "spec.install")
			installer := &kernelspec.Installer{TargetDir: cfg.InstallDir, Logger: cmdLogger}
			entry, err := installer.InstallForInterpreter(kernel.Interpreter{Path: path, DisplayName: displayName})
			if err != nil {
				cmdLogger.Error("install failed", "error", err)
				return err
			}

			cmdLogger.Info("kernel specification installed", "name", entry.Name, "dir", entry.Dir)
			fmt.Fprintln(cmd.OutOrStdout(), entry.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&interpreter, "interpreter", "", "Path to the Python interpreter the kernel runs")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Human-readable name shown in kernel pickers")

	return cmd
}

func newSpecRemoveCommand(logger *slog.Logger, loadConfig func() (*setup.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove an installed kernel specification",
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			installer := &kernelspec.Installer{TargetDir: cfg.InstallDir, Logger: logger.With("command", "spec.remove")}
			if err := installer.Remove(name); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed", name)
			return nil
		},
	}
}

func newInterpreterCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interpreter",
		Short: "Inspect language interpreter installations",
	}

	cmd.AddCommand(newInterpreterPackagesCommand(newClient))
	return cmd
}

func newInterpreterPackagesCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "packages <interpreter-path>",
		Args:  cobra.ExactArgs(1),
		Short: "Report the notable packages installed for an interpreter",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := newClient().Packages(daemon.PackagesRequest{
				Interpreter: strings.TrimSpace(args[0]),
				Refresh:     refresh,
			})
			if err != nil {
				return err
			}

			names := make([]string, 0, len(report.Packages))
			for name := range report.Packages {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintf(out, "%s\t%s\n", name, report.Packages[name])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Re-run the interpreter instead of using the cached listing")

	return cmd
}

func newServerCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the kernel server history",
	}

	cmd.AddCommand(
		newServerAddCommand(newClient),
		newServerListCommand(newClient),
		newServerRemoveCommand(newClient),
	)
	return cmd
}

func newServerAddCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	var displayName string

	cmd := &cobra.Command{
		Use:   "add <uri>",
		Args:  cobra.ExactArgs(1),
		Short: "Pin a kernel server location in the history",
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := newClient().AddServer(strings.TrimSpace(args[0]), displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&displayName, "name", "", "Human-readable name for the server")

	return cmd
}

func newServerListCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known kernel server locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := newClient().Servers()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no servers")
				return nil
			}
			for _, entry := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n",
					entry.ID, entry.URI, entry.DisplayName, entry.LastUsed.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newServerRemoveCommand(newClient func() daemon.DaemonClient) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove a kernel server from the history",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if err := newClient().RemoveServer(id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed", id)
			return nil
		},
	}
}
