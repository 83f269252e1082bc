// Package interpreters inspects language interpreter installations. Its
// Tracker memoizes which notable packages each interpreter carries, so
// diagnostics can report an environment without re-running the interpreter
// on every request.
package interpreters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// NotInstalled is the version sentinel recorded for interesting packages
// absent from an interpreter's environment.
const NotInstalled = "NOT INSTALLED"

// defaultInterestingPackages are the package names worth reporting for a
// notebook workload. Matching is case-insensitive.
var defaultInterestingPackages = []string{
	"ipykernel",
	"ipywidgets",
	"jupyter",
	"keras",
	"matplotlib",
	"nbconvert",
	"nbformat",
	"numpy",
	"pandas",
	"scikit-learn",
	"scipy",
	"statsmodels",
	"tensorflow",
	"torch",
	"xarray",
}

// Runner executes an interpreter to enumerate its installed packages. The
// returned text is parsed as one package per line.
type Runner interface {
	ListPackages(ctx context.Context, interpreterPath string) (string, error)
}

// Tracker caches per-interpreter package listings. Listings are computed at
// most once per interpreter: concurrent requests share the in-flight
// computation, and later requests reuse the settled result until a refresh
// is forced.
type Tracker struct {
	runner      Runner
	interesting map[string]string
	logger      *slog.Logger

	mu       sync.Mutex
	results  map[string]*Lookup
	inflight map[string]*Lookup
}

// NewTracker builds a tracker over the given runner. When interesting is
// empty the default notebook package set is used.
func NewTracker(runner Runner, interesting []string, logger *slog.Logger) *Tracker {
	if len(interesting) == 0 {
		interesting = defaultInterestingPackages
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Hashes are precomputed once: the same names are stamped into every
	// lookup result.
	hashed := make(map[string]string, len(interesting))
	for _, name := range interesting {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		hashed[name] = hashName(name)
	}

	return &Tracker{
		runner:      runner,
		interesting: hashed,
		logger:      logger.With("component", "interpreters.tracker"),
		results:     make(map[string]*Lookup),
		inflight:    make(map[string]*Lookup),
	}
}

// Packages returns the lookup for the interpreter at path, starting the
// listing if none exists yet. The lookup may still be pending; callers
// await it. A settled failure stays cached until a refresh is forced.
func (t *Tracker) Packages(path string) *Lookup {
	return t.lookup(path, false)
}

// Refresh discards any cached result for path and starts a fresh listing,
// even while an earlier one is still running.
func (t *Tracker) Refresh(path string) *Lookup {
	return t.lookup(path, true)
}

func (t *Tracker) lookup(path string, force bool) *Lookup {
	path = strings.TrimSpace(path)
	if path == "" {
		failed := newLookup()
		failed.settle(nil, errors.New("interpreter path is required"))
		return failed
	}

	t.mu.Lock()
	if !force {
		if existing, ok := t.results[path]; ok {
			t.mu.Unlock()
			return existing
		}
	}

	lookup := newLookup()
	t.results[path] = lookup
	// The in-flight entry now names this computation; a displaced one keeps
	// running but may no longer clear the entry when it settles.
	t.inflight[path] = lookup
	t.mu.Unlock()

	t.logger.Debug("listing interpreter packages", "interpreter", path, "forced", force)
	go t.compute(path, lookup)
	return lookup
}

// InFlight reports how many listings are currently running.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.inflight)
}

func (t *Tracker) compute(path string, lookup *Lookup) {
	defer func() {
		t.mu.Lock()
		if t.inflight[path] == lookup {
			delete(t.inflight, path)
		}
		t.mu.Unlock()
	}()

	output, err := t.runner.ListPackages(context.Background(), path)
	if err != nil {
		t.logger.Warn("package listing failed", "interpreter", path, "error", err)
		lookup.settle(nil, err)
		return
	}
	lookup.settle(t.digest(output), nil)
}

// digest reduces a raw listing to the interesting set: versions for packages
// that are present, NotInstalled for the rest, keyed by hashed name.
func (t *Tracker) digest(output string) Packages {
	versions := parseListing(output)

	packages := make(Packages, len(t.interesting))
	for name, hashed := range t.interesting {
		if version, ok := versions[name]; ok {
			packages[hashed] = version
		} else {
			packages[hashed] = NotInstalled
		}
	}
	return packages
}

// parseListing reads line-oriented package listings. Both pip's freeze
// format (name==version) and plain "name version" columns are accepted;
// header and separator lines are skipped.
func parseListing(output string) map[string]string {
	versions := make(map[string]string)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}

		var name, version string
		if before, after, ok := strings.Cut(line, "=="); ok {
			name, version = before, after
		} else {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			name, version = fields[0], fields[1]
		}

		name = strings.ToLower(strings.TrimSpace(name))
		version = strings.TrimSpace(version)
		if name == "" || version == "" {
			continue
		}
		// pip's column output starts with a "Package Version" header.
		if name == "package" && strings.EqualFold(version, "version") {
			continue
		}
		versions[name] = version
	}
	return versions
}

// hashName obscures a package name before it is stored or reported.
func hashName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
