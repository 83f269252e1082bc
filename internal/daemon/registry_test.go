package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingDisposable struct {
	mu       sync.Mutex
	calls    int
	err      error
	block    chan struct{}
	released chan struct{}
}

func (d *countingDisposable) Dispose() error {
	d.mu.Lock()
	d.calls++
	block := d.block
	err := d.err
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if d.released != nil {
		close(d.released)
	}
	return err
}

func (d *countingDisposable) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestRegistryDisposesEverythingOnce(t *testing.T) {
	registry := NewRegistry(discardLogger())

	items := []*countingDisposable{{}, {err: errors.New("boom")}, {}}
	for _, item := range items {
		registry.Register(item)
	}
	if got := registry.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := registry.DisposeAll(ctx); err != nil {
		t.Fatalf("dispose all failed: %v", err)
	}
	for i, item := range items {
		if got := item.callCount(); got != 1 {
			t.Errorf("item %d disposed %d times, want 1", i, got)
		}
	}
	if got := registry.Len(); got != 0 {
		t.Errorf("registry still holds %d items", got)
	}

	// The registry was drained, so a second pass has nothing to do.
	if err := registry.DisposeAll(ctx); err != nil {
		t.Fatalf("second dispose failed: %v", err)
	}
	for i, item := range items {
		if got := item.callCount(); got != 1 {
			t.Errorf("item %d re-disposed, %d calls", i, got)
		}
	}
}

func TestRegistryIgnoresNil(t *testing.T) {
	registry := NewRegistry(discardLogger())
	registry.Register(nil)
	if got := registry.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestRegistryDisposeAllHonorsContext(t *testing.T) {
	registry := NewRegistry(discardLogger())

	blocked := &countingDisposable{
		block:    make(chan struct{}),
		released: make(chan struct{}),
	}
	registry.Register(blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := registry.DisposeAll(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	// Let the stuck disposal finish so nothing lingers.
	close(blocked.block)
	select {
	case <-blocked.released:
	case <-time.After(2 * time.Second):
		t.Fatal("disposal never completed")
	}
}
