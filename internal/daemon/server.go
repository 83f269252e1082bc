package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/calepin/kerneld/internal/interpreters"
	"github.com/calepin/kerneld/internal/kernel"
	"github.com/calepin/kerneld/internal/kernelspec"
	"github.com/calepin/kerneld/internal/serverstore"
)

// ErrNoSession is returned when a command addresses a target that has no
// live session.
var ErrNoSession = errors.New("no session for target")

const (
	defaultDrainTimeout = 30 * time.Second
	connIOTimeout       = 30 * time.Second
)

// Options wires the daemon server to the subsystems it fronts. Manager is
// required; the rest degrade to per-command errors when absent.
type Options struct {
	SocketPath  string
	Manager     *kernel.Manager
	Catalog     *kernelspec.Catalog
	Tracker     *interpreters.Tracker
	Servers     *serverstore.Store
	Disposables *Registry
	Watcher     *kernelspec.Watcher
	// DrainTimeout bounds the final teardown after the listener stops.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Server answers IPC requests on a unix socket, one request per
// connection. It owns nothing it fronts: collaborators are constructed by
// the caller and torn down through the disposable registry when serving
// ends.
type Server struct {
	socketPath   string
	manager      *kernel.Manager
	catalog      *kernelspec.Catalog
	tracker      *interpreters.Tracker
	servers      *serverstore.Store
	disposables  *Registry
	watcher      *kernelspec.Watcher
	drainTimeout time.Duration
	logger       *slog.Logger

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewServer(opts Options) *Server {
	socketPath := strings.TrimSpace(opts.SocketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath:   socketPath,
		manager:      opts.Manager,
		catalog:      opts.Catalog,
		tracker:      opts.Tracker,
		servers:      opts.Servers,
		disposables:  opts.Disposables,
		watcher:      opts.Watcher,
		drainTimeout: drain,
		logger:       logger,
		shutdownCh:   make(chan struct{}),
	}
}

// Serve listens on the unix socket and answers requests until ctx is
// cancelled or a shutdown command arrives, then drains every disposable
// before returning. It blocks for the lifetime of the daemon.
func (s *Server) Serve(ctx context.Context) error {
	if s.manager == nil {
		return errors.New("daemon server requires a kernel manager")
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if conn, err := net.DialTimeout("unix", s.socketPath, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("daemon already listening on %s", s.socketPath)
	}
	// A leftover socket from an unclean exit would block the listener.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(s.socketPath)
	s.logger.Info("daemon listening", "socket", s.socketPath)

	finished := make(chan struct{})
	defer close(finished)

	closerDone := make(chan struct{})
	go func() {
		defer close(closerDone)
		select {
		case <-ctx.Done():
		case <-s.shutdownCh:
		case <-finished:
			return
		}
		listener.Close()
	}()

	if s.watcher != nil {
		go s.watchSpecs(ctx, finished)
	}

	var acceptErr error
	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !s.isShuttingDown() && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("accept connection: %w", err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	if s.disposables != nil {
		if err := s.disposables.DisposeAll(drainCtx); err != nil {
			s.logger.Warn("disposable drain interrupted", "error", err)
		}
	}
	if err := s.manager.Dispose(drainCtx); err != nil {
		return fmt.Errorf("drain kernel disposals: %w", err)
	}
	<-closerDone
	s.logger.Info("daemon stopped")
	return acceptErr
}

// Shutdown asks a serving daemon to stop. Safe to call more than once and
// from any goroutine.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("daemon shutdown requested")
		close(s.shutdownCh)
	})
}

func (s *Server) isShuttingDown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

func (s *Server) watchSpecs(ctx context.Context, finished <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case <-finished:
			return
		case _, ok := <-s.watcher.Changes():
			if !ok {
				return
			}
			s.logger.Info("kernel specifications changed on disk")
		}
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(connIOTimeout))
	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.respond(conn, IPCResponse{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}

	logger := s.logger.With("command", req.Command)
	logger.Debug("handling request", "id", req.ID)

	data, err := s.dispatch(ctx, req)
	if err != nil {
		logger.Debug("request failed", "error", err)
		s.respond(conn, IPCResponse{Error: err.Error()})
		return
	}
	s.respond(conn, IPCResponse{OK: true, Data: data})
}

func (s *Server) respond(conn net.Conn, resp IPCResponse) {
	_ = conn.SetWriteDeadline(time.Now().Add(connIOTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req IPCRequest) (any, error) {
	switch req.Command {
	case CommandPing:
		return PingResponse{PID: os.Getpid(), Sessions: len(s.manager.List())}, nil
	case CommandStart:
		return s.handleStart(ctx, req.Payload)
	case CommandGet:
		return s.handleGet(req.ID)
	case CommandList:
		return s.handleList(), nil
	case CommandStop:
		return nil, s.handleStop(req.ID)
	case CommandInterrupt:
		return nil, s.handleInterrupt(ctx, req.ID)
	case CommandPackages:
		return s.handlePackages(ctx, req.Payload)
	case CommandSpecs:
		return s.handleSpecs()
	case CommandServers:
		return s.handleServers()
	case CommandServerAdd:
		return s.handleServerAdd(req.Payload)
	case CommandServerRemove:
		return nil, s.handleServerRemove(req.ID)
	case CommandShutdown:
		s.Shutdown()
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}

func (s *Server) handleStart(ctx context.Context, payload json.RawMessage) (any, error) {
	var req StartRequest
	if err := unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	target, err := kernel.ResolveTarget(req.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, req.Target)
	}
	descriptor, err := s.descriptorFor(req)
	if err != nil {
		return nil, err
	}

	session, err := s.manager.GetOrCreate(target, descriptor)
	if err != nil {
		return nil, err
	}
	if session.State() == kernel.StatePending {
		// A concurrent start of the same session is not an error; the
		// caller gets the session either way.
		if err := session.Start(ctx); err != nil && !errors.Is(err, kernel.ErrAlreadyStarted) {
			return nil, err
		}
	}
	return s.details(session), nil
}

func (s *Server) descriptorFor(req StartRequest) (kernel.Descriptor, error) {
	specName := strings.TrimSpace(req.SpecName)
	interpreter := strings.TrimSpace(req.Interpreter)
	switch {
	case specName != "" && interpreter != "":
		return nil, errors.New("spec_name and interpreter are mutually exclusive")
	case specName != "":
		if s.catalog == nil {
			return nil, errors.New("kernel specifications are not configured")
		}
		entry, err := s.catalog.Find(specName)
		if err != nil {
			return nil, err
		}
		return &kernel.SpecDescriptor{KernelSpec: entry.Spec}, nil
	case interpreter != "":
		return kernel.NewInterpreterDescriptor(kernel.Interpreter{Path: interpreter}), nil
	default:
		return nil, errors.New("either spec_name or interpreter is required")
	}
}

func (s *Server) handleGet(rawTarget string) (any, error) {
	session, err := s.sessionFor(rawTarget)
	if err != nil {
		return nil, err
	}
	return s.details(session), nil
}

func (s *Server) handleList() []SessionStatus {
	sessions := s.manager.List()
	statuses := make([]SessionStatus, 0, len(sessions))
	for _, session := range sessions {
		statuses = append(statuses, statusOf(session))
	}
	return statuses
}

func (s *Server) handleStop(rawTarget string) error {
	target, err := kernel.ResolveTarget(rawTarget)
	if err != nil {
		return fmt.Errorf("%w: %q", err, rawTarget)
	}
	if !s.manager.Stop(target) {
		return fmt.Errorf("%w: %s", ErrNoSession, target)
	}
	return nil
}

func (s *Server) handleInterrupt(ctx context.Context, rawTarget string) error {
	session, err := s.sessionFor(rawTarget)
	if err != nil {
		return err
	}
	return session.Interrupt(ctx)
}

func (s *Server) handlePackages(ctx context.Context, payload json.RawMessage) (any, error) {
	if s.tracker == nil {
		return nil, errors.New("package tracking is not configured")
	}
	var req PackagesRequest
	if err := unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(req.Interpreter)
	if path == "" {
		return nil, errors.New("interpreter path is required")
	}

	var lookup *interpreters.Lookup
	if req.Refresh {
		lookup = s.tracker.Refresh(path)
	} else {
		lookup = s.tracker.Packages(path)
	}
	packages, err := lookup.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("list packages for %s: %w", path, err)
	}
	return PackagesReport{Interpreter: path, Packages: packages}, nil
}

func (s *Server) handleSpecs() (any, error) {
	if s.catalog == nil {
		return nil, errors.New("kernel specifications are not configured")
	}
	entries, err := s.catalog.List()
	if err != nil {
		return nil, err
	}
	specs := make([]SpecInfo, 0, len(entries))
	for _, entry := range entries {
		specs = append(specs, SpecInfo{
			Name:        entry.Name,
			DisplayName: entry.Spec.DisplayName,
			Language:    entry.Spec.Language,
			Dir:         entry.Dir,
			Argv:        append([]string(nil), entry.Spec.Argv...),
		})
	}
	return specs, nil
}

func (s *Server) handleServers() (any, error) {
	if s.servers == nil {
		return nil, errors.New("server history is not configured")
	}
	entries, err := s.servers.List()
	if err != nil {
		return nil, err
	}
	out := make([]ServerEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, serverEntry(entry))
	}
	return out, nil
}

func (s *Server) handleServerAdd(payload json.RawMessage) (any, error) {
	if s.servers == nil {
		return nil, errors.New("server history is not configured")
	}
	var req AddServerRequest
	if err := unmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	entry, err := s.servers.Add(req.URI, req.DisplayName)
	if err != nil {
		return nil, err
	}
	return serverEntry(entry), nil
}

func (s *Server) handleServerRemove(id string) error {
	if s.servers == nil {
		return errors.New("server history is not configured")
	}
	return s.servers.Remove(id)
}

func (s *Server) sessionFor(rawTarget string) (*kernel.Session, error) {
	target, err := kernel.ResolveTarget(rawTarget)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, rawTarget)
	}
	session, ok := s.manager.Get(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, target)
	}
	return session, nil
}

func (s *Server) details(session *kernel.Session) SessionDetails {
	spec := session.Spec()
	details := SessionDetails{
		SessionStatus:      statusOf(session),
		Language:           spec.Language,
		Argv:               append([]string(nil), spec.Argv...),
		ReadyTimeoutMS:     session.Timeouts().Ready.Milliseconds(),
		InterruptTimeoutMS: session.Timeouts().Interrupt.Milliseconds(),
	}
	if info, ok := session.ConnectionInfo(); ok {
		info.Key = ""
		details.Connection = &info
	}
	return details
}

func statusOf(session *kernel.Session) SessionStatus {
	return SessionStatus{
		Target:    session.Target().String(),
		SessionID: session.ID(),
		State:     string(session.State()),
		Kind:      string(session.Descriptor().Kind()),
		Label:     session.Descriptor().Label(),
		SpecName:  session.Spec().Name,
		CreatedAt: session.CreatedAt(),
	}
}

func serverEntry(entry serverstore.Entry) ServerEntry {
	return ServerEntry{
		ID:          entry.ID,
		URI:         entry.URI,
		DisplayName: entry.DisplayName,
		LastUsed:    entry.LastUsed,
	}
}

func unmarshalPayload(payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}
