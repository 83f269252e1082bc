package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDisposed is returned by operations on a disposed session.
	ErrDisposed = errors.New("session disposed")
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrNotRunning is returned when an operation needs a live kernel.
	ErrNotRunning = errors.New("kernel not running")
	// ErrNoLauncher is returned when a session has no launcher to start with.
	ErrNoLauncher = errors.New("no kernel launcher configured")
	// ErrInterruptUnsupported is returned for kernels that only accept
	// interrupts over their control channel.
	ErrInterruptUnsupported = errors.New("interrupt mode not supported")
)

// Session wraps one kernel subprocess bound to a target. Sessions are
// created by a Manager in the pending state and hold no process until Start
// is called; construction never blocks and never fails.
//
// A session is disposed at most once. Disposal terminates the kernel,
// settles the Disposed channel, and fires registered callbacks exactly once;
// repeated Dispose calls return the outcome of the first.
type Session struct {
	id         string
	target     TargetID
	descriptor Descriptor
	spec       Spec
	timeouts   Timeouts
	createdAt  time.Time

	launcher  Launcher
	validator Validator
	notifier  Notifier
	servers   ServerURIStore
	logger    *slog.Logger

	mu            sync.Mutex
	state         State
	conn          Connection
	monitorDone   chan struct{}
	callbacks     []func()
	callbacksDone bool

	disposeOnce sync.Once
	disposeErr  error
	disposed    chan struct{}
}

var _ Disposable = (*Session)(nil)

func newSession(target TargetID, descriptor Descriptor, timeouts Timeouts, deps Deps) *Session {
	id := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		id:         id,
		target:     target,
		descriptor: descriptor,
		spec:       descriptor.Spec(),
		timeouts:   timeouts,
		createdAt:  time.Now(),
		launcher:   deps.Launcher,
		validator:  deps.Validator,
		notifier:   deps.Notifier,
		servers:    deps.ServerURIs,
		logger:     logger.With("component", "kernel.session", "session_id", id, "target", target),
		state:      StatePending,
		disposed:   make(chan struct{}),
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Target() TargetID       { return s.target }
func (s *Session) Descriptor() Descriptor { return s.descriptor }
func (s *Session) Spec() Spec             { return s.spec }
func (s *Session) Timeouts() Timeouts     { return s.timeouts }
func (s *Session) CreatedAt() time.Time   { return s.createdAt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionInfo returns the transport endpoints of the running kernel.
func (s *Session) ConnectionInfo() (ConnectionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ConnectionInfo{}, false
	}
	return s.conn.Info(), true
}

// Disposed is closed once the session has been fully disposed.
func (s *Session) Disposed() <-chan struct{} {
	return s.disposed
}

func (s *Session) isDisposed() bool {
	select {
	case <-s.disposed:
		return true
	default:
		return false
	}
}

// OnDisposed registers fn to run once the session is disposed. If the
// session is already disposed, fn runs immediately on the calling
// goroutine. Callbacks are fired at most once.
func (s *Session) OnDisposed(fn func()) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	if s.callbacksDone {
		s.mu.Unlock()
		fn()
		return
	}
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Start launches the kernel subprocess and blocks until it is ready or the
// session's ready timeout expires. A failed start leaves the session in the
// pending state so it can be retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StatePending:
	case StateDisposed:
		s.mu.Unlock()
		return ErrDisposed
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	if s.launcher == nil {
		s.revertToPending()
		return ErrNoLauncher
	}

	if s.validator != nil {
		if err := s.validator.Validate(ctx, s.target, s.descriptor); err != nil {
			s.revertToPending()
			s.notifyWarn(fmt.Sprintf("Kernel configuration %q was rejected: %v", s.descriptor.Label(), err))
			return fmt.Errorf("validate configuration: %w", err)
		}
	}

	launchCtx := ctx
	if s.timeouts.Ready > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, s.timeouts.Ready)
		defer cancel()
	}

	s.logger.Debug("launching kernel", "spec", s.spec.Name)
	conn, err := s.launcher.Launch(launchCtx, s.target, s.spec)
	if err != nil {
		s.revertToPending()
		s.logger.Warn("kernel launch failed", "error", err)
		s.notifyWarn(fmt.Sprintf("Failed to start kernel %q: %v", s.descriptor.Label(), err))
		return fmt.Errorf("launch kernel for %s: %w", s.target, err)
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		// Disposed while launching; the fresh kernel must not outlive it.
		s.mu.Unlock()
		_ = conn.Shutdown(context.Background())
		return ErrDisposed
	}
	s.conn = conn
	s.state = StateRunning
	monitorDone := make(chan struct{})
	s.monitorDone = monitorDone
	s.mu.Unlock()

	go s.monitor(conn, monitorDone)
	s.recordServerURI(conn.Info())
	s.logger.Info("kernel running", "shell_port", conn.Info().ShellPort)
	return nil
}

// recordServerURI notes the kernel's endpoint in the server history. The
// history is diagnostic; failures are logged and otherwise ignored.
func (s *Session) recordServerURI(info ConnectionInfo) {
	if s.servers == nil {
		return
	}
	uri := fmt.Sprintf("%s://%s:%d", info.Transport, info.IP, info.ShellPort)
	if err := s.servers.Record(uri, s.descriptor.Label()); err != nil {
		s.logger.Debug("recording server uri failed", "uri", uri, "error", err)
	}
}

func (s *Session) revertToPending() {
	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StatePending
	}
	s.mu.Unlock()
}

// monitor watches the kernel process and marks the session dead if it exits
// without having been disposed. It closes done on return; Dispose waits on
// it so the monitor never outlives the session.
func (s *Session) monitor(conn Connection, done chan<- struct{}) {
	defer close(done)

	select {
	case <-conn.Done():
	case <-s.disposed:
		return
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	s.mu.Unlock()

	err := conn.Err()
	s.logger.Warn("kernel exited unexpectedly", "error", err)
	if err != nil {
		s.notifyWarn(fmt.Sprintf("Kernel %q exited unexpectedly: %v", s.descriptor.Label(), err))
	} else {
		s.notifyWarn(fmt.Sprintf("Kernel %q exited unexpectedly", s.descriptor.Label()))
	}
}

// Interrupt delivers an interrupt to the running kernel, bounded by the
// session's interrupt timeout.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	s.mu.Unlock()

	if state != StateRunning || conn == nil {
		return ErrNotRunning
	}
	if s.spec.InterruptMode == InterruptMessage {
		return ErrInterruptUnsupported
	}

	interruptCtx := ctx
	if s.timeouts.Interrupt > 0 {
		var cancel context.CancelFunc
		interruptCtx, cancel = context.WithTimeout(ctx, s.timeouts.Interrupt)
		defer cancel()
	}

	if err := conn.Interrupt(interruptCtx); err != nil {
		return fmt.Errorf("interrupt kernel for %s: %w", s.target, err)
	}
	s.logger.Debug("kernel interrupted")
	return nil
}

// Dispose terminates the kernel and settles the session. It is idempotent:
// every call observes the outcome of the first. No session goroutine
// survives a completed Dispose.
func (s *Session) Dispose() error {
	s.disposeOnce.Do(s.dispose)
	return s.disposeErr
}

func (s *Session) dispose() {
	s.mu.Lock()
	previous := s.state
	s.state = StateDisposed
	conn := s.conn
	s.conn = nil
	monitorDone := s.monitorDone
	s.mu.Unlock()

	if conn != nil {
		// Shutdown escalates internally and always returns, so no extra
		// deadline is imposed: a slow kernel keeps its grace period.
		if err := conn.Shutdown(context.Background()); err != nil {
			s.disposeErr = fmt.Errorf("shut down kernel: %w", err)
		}
	}

	close(s.disposed)
	if monitorDone != nil {
		// The disposed channel wakes the monitor; wait for it to finish.
		<-monitorDone
	}

	s.mu.Lock()
	callbacks := s.callbacks
	s.callbacks = nil
	s.callbacksDone = true
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}

	s.logger.Debug("session disposed", "previous_state", previous)
}

func (s *Session) notifyWarn(message string) {
	if s.notifier != nil {
		s.notifier.Warn(s.target, message)
	}
}
