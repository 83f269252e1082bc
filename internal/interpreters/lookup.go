package interpreters

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Result while a lookup has not settled yet.
var ErrPending = errors.New("package lookup still pending")

// Packages maps hashed package names to detected versions. Interesting
// packages missing from an interpreter's environment carry the NotInstalled
// sentinel, so every lookup result covers the full interesting set.
type Packages map[string]string

// Lookup is a write-once future for one package listing. It settles exactly
// once, with either a result or an error; all callers that hold the same
// Lookup observe the same outcome.
type Lookup struct {
	done chan struct{}

	once     sync.Once
	packages Packages
	err      error
}

func newLookup() *Lookup {
	return &Lookup{done: make(chan struct{})}
}

// settle records the outcome. Later calls are ignored.
func (l *Lookup) settle(packages Packages, err error) {
	l.once.Do(func() {
		l.packages = packages
		l.err = err
		close(l.done)
	})
}

// Done is closed once the lookup has settled.
func (l *Lookup) Done() <-chan struct{} {
	return l.done
}

// Result returns the settled outcome, or ErrPending if the computation is
// still running.
func (l *Lookup) Result() (Packages, error) {
	select {
	case <-l.done:
		return l.packages, l.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until the lookup settles or ctx expires.
func (l *Lookup) Wait(ctx context.Context) (Packages, error) {
	select {
	case <-l.done:
		return l.packages, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
