package daemon

import (
	"context"
	"log/slog"
	"sync"

	"github.com/calepin/kerneld/internal/kernel"
)

// Registry collects every disposable the process creates so that shutdown
// can tear them down together. Kernel sessions register themselves here at
// construction time.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	items []kernel.Disposable
}

var _ kernel.DisposableRegistry = (*Registry)(nil)

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func (r *Registry) Register(item kernel.Disposable) {
	if item == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

// Len reports how many disposables are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// DisposeAll disposes every registered item concurrently and waits for all
// of them to settle, or for ctx to expire. Individual failures are logged
// rather than returned; disposing an already disposed item is a no-op by
// contract, so a second call is safe.
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.mu.Lock()
	items := make([]kernel.Disposable, len(r.items))
	copy(items, r.items)
	r.items = nil
	r.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	r.logger.Debug("disposing registered items", "count", len(items))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, item := range items {
			wg.Add(1)
			go func(item kernel.Disposable) {
				defer wg.Done()
				if err := item.Dispose(); err != nil {
					r.logger.Warn("disposable teardown failed", "error", err)
				}
			}(item)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
