package kernel

import (
	"context"
	"log/slog"
	"sync"
)

// Manager owns the per-target session cache. It guarantees at most one live
// session per target: a request with an equivalent configuration returns the
// cached session, and a request with a different configuration replaces it.
//
// Replacement is asynchronous. The old session is unregistered before its
// teardown begins, so a concurrent request for the same target can already
// create a successor while the displaced kernel is still shutting down in
// the background. Shutdown waits for those teardowns to settle.
type Manager struct {
	mu        sync.Mutex
	registry  *sessionRegistry
	disposals *disposalSet
	deps      Deps
	logger    *slog.Logger
}

func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		registry:  newSessionRegistry(),
		disposals: newDisposalSet(),
		deps:      deps,
		logger:    logger.With("component", "kernel.manager"),
	}
}

// GetOrCreate returns the session serving target. An existing session is
// reused when its configuration is equivalent to the requested one per
// ShouldReuse; otherwise it is unregistered, its teardown starts in the
// background, and a fresh pending session takes its place. The returned
// session must be started by the caller.
func (m *Manager) GetOrCreate(target TargetID, descriptor Descriptor) (*Session, error) {
	if target == "" {
		return nil, ErrInvalidTarget
	}
	if descriptor == nil {
		return nil, ErrNilDescriptor
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.registry.Lookup(target); ok {
		if !entry.session.isDisposed() && ShouldReuse(entry.descriptor, descriptor) {
			m.logger.Debug("reusing kernel session",
				"target", target, "session_id", entry.session.ID())
			return entry.session, nil
		}

		// Configuration changed or the session is already gone:
		// unregister synchronously, tear down in the background.
		m.registry.Remove(target)
		if old := entry.session; !old.isDisposed() {
			m.logger.Info("replacing kernel session",
				"target", target, "session_id", old.ID())
			m.disposals.Track(m.logger, string(target), old.Dispose)
		}
	}

	session := newSession(target, descriptor, m.timeoutsFor(target), m.deps)
	m.registry.Put(target, descriptor, session)
	session.OnDisposed(func() {
		// Guarded removal: if the target was already handed to a
		// successor session, the entry stays.
		m.registry.RemoveIf(target, session)
	})
	if m.deps.Disposables != nil {
		m.deps.Disposables.Register(session)
	}

	m.logger.Info("created kernel session",
		"target", target, "session_id", session.ID(), "kind", descriptor.Kind())
	return session, nil
}

// Get returns the live session for target, if any. Disposed sessions are
// never returned, even if their removal callback has not landed yet.
func (m *Manager) Get(target TargetID) (*Session, bool) {
	entry, ok := m.registry.Lookup(target)
	if !ok || entry.session.isDisposed() {
		return nil, false
	}
	return entry.session, true
}

// List returns the live sessions ordered by target.
func (m *Manager) List() []*Session {
	sessions := m.registry.Sessions()
	live := make([]*Session, 0, len(sessions))
	for _, session := range sessions {
		if !session.isDisposed() {
			live = append(live, session)
		}
	}
	return live
}

// Stop unregisters the session for target and disposes it in the
// background. It reports whether a session was registered.
func (m *Manager) Stop(target TargetID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.registry.Lookup(target)
	if !ok {
		return false
	}
	m.registry.Remove(target)
	if !entry.session.isDisposed() {
		m.disposals.Track(m.logger, string(target), entry.session.Dispose)
	}
	return true
}

// PendingDisposals reports how many background teardowns have not settled.
func (m *Manager) PendingDisposals() int {
	return m.disposals.Len()
}

// Dispose waits for every background disposal in flight at the time of the
// call. It does not touch the registry: live sessions stay registered and
// are torn down by the process-wide disposable registry they were handed to
// at creation. Disposals tracked after the call are not waited for.
func (m *Manager) Dispose(ctx context.Context) error {
	pending := m.disposals.Len()
	if pending > 0 {
		m.logger.Debug("draining kernel disposals", "pending", pending)
	}
	return m.disposals.AwaitAll(ctx)
}

// Shutdown disposes every registered session and waits until those
// teardowns, and any background disposals already in flight, settle or ctx
// expires. It is the complete teardown for a manager used without a
// process-wide disposable registry.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, session := range m.registry.Sessions() {
		m.registry.Remove(session.Target())
		if !session.isDisposed() {
			m.disposals.Track(m.logger, string(session.Target()), session.Dispose)
		}
	}
	m.mu.Unlock()

	return m.Dispose(ctx)
}

func (m *Manager) timeoutsFor(target TargetID) Timeouts {
	if m.deps.Settings == nil {
		return DefaultTimeouts
	}
	timeouts := m.deps.Settings.TimeoutsFor(target)
	if timeouts.Ready <= 0 {
		timeouts.Ready = DefaultTimeouts.Ready
	}
	if timeouts.Interrupt <= 0 {
		timeouts.Interrupt = DefaultTimeouts.Interrupt
	}
	return timeouts
}
