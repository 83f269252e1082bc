package kernel

import (
	"context"
	"log/slog"
	"sync"
)

// disposalSet tracks teardowns that have been started but not yet finished.
// Replaced sessions are disposed in the background; the set lets process
// shutdown wait for teardowns already in flight.
type disposalSet struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan struct{}
}

func newDisposalSet() *disposalSet {
	return &disposalSet{pending: make(map[uint64]chan struct{})}
}

// Track runs op on its own goroutine and records it until it settles. A
// disposal that errors is still a finished disposal: failures are logged
// and never propagated.
func (d *disposalSet) Track(logger *slog.Logger, subject string, op func() error) {
	done := make(chan struct{})

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.pending[id] = done
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.pending, id)
			d.mu.Unlock()
			close(done)
		}()

		if err := op(); err != nil {
			logger.Warn("background disposal failed", "subject", subject, "error", err)
		}
	}()
}

// AwaitAll waits for every disposal pending at the time of the call.
// Disposals tracked after the snapshot is taken are not waited for.
func (d *disposalSet) AwaitAll(ctx context.Context) error {
	return d.await(ctx, d.snapshot())
}

// snapshot copies the done channels of the currently pending disposals.
func (d *disposalSet) snapshot() []chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending := make([]chan struct{}, 0, len(d.pending))
	for _, done := range d.pending {
		pending = append(pending, done)
	}
	return pending
}

func (d *disposalSet) await(ctx context.Context, pending []chan struct{}) error {
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *disposalSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}
