package kernel

import (
	"context"
	"log/slog"
)

// Launcher starts kernel subprocesses for a resolved specification.
type Launcher interface {
	// Launch starts the kernel described by spec and blocks until it is
	// ready to accept connections or ctx expires. The returned Connection
	// owns the underlying process.
	Launch(ctx context.Context, target TargetID, spec Spec) (Connection, error)
}

// Connection is a handle on one launched kernel process.
type Connection interface {
	Info() ConnectionInfo
	// Interrupt delivers an interrupt to the running kernel.
	Interrupt(ctx context.Context) error
	// Shutdown terminates the kernel and releases its resources. It is
	// safe to call more than once.
	Shutdown(ctx context.Context) error
	// Done is closed once the kernel process has exited for any reason.
	Done() <-chan struct{}
	// Err reports the process exit error after Done is closed.
	Err() error
}

// Settings supplies per-target tuning. Implementations must answer from
// memory without blocking: lookups happen while the manager holds its lock.
type Settings interface {
	TimeoutsFor(target TargetID) Timeouts
}

// Validator inspects a configuration before its kernel is launched.
type Validator interface {
	Validate(ctx context.Context, target TargetID, desc Descriptor) error
}

// Notifier surfaces session events to the user.
type Notifier interface {
	Info(target TargetID, message string)
	Warn(target TargetID, message string)
}

// ServerURIStore keeps a history of kernel server locations. Sessions
// record their endpoint once the kernel is reachable; recording failures
// must never affect the session.
type ServerURIStore interface {
	Record(uri, displayName string) error
}

// Disposable is a resource with explicit teardown.
type Disposable interface {
	Dispose() error
}

// DisposableRegistry collects disposables owned by the process so they can
// be shut down together on exit.
type DisposableRegistry interface {
	Register(d Disposable)
}

// Deps bundles the collaborators a Manager threads into the sessions it
// creates. Launcher is required for sessions to start; the rest may be nil.
type Deps struct {
	Launcher    Launcher
	Settings    Settings
	Validator   Validator
	Notifier    Notifier
	ServerURIs  ServerURIStore
	Disposables DisposableRegistry
	Logger      *slog.Logger
}
