// Package serverstore persists the history of kernel server locations in a
// single JSON index file. Sessions record their endpoints here as they come
// up, and users can pin additional servers by hand; the history is bounded,
// keeping only the most recently used entries.
package serverstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calepin/kerneld/internal/kernel"
)

// ErrNotFound is returned when no entry has the requested id.
var ErrNotFound = errors.New("server entry not found")

// DefaultMaxEntries bounds the history length.
const DefaultMaxEntries = 10

// Entry is one known server location.
type Entry struct {
	ID          string    `json:"id"`
	URI         string    `json:"uri"`
	DisplayName string    `json:"display_name,omitempty"`
	LastUsed    time.Time `json:"last_used"`
}

// Store is a file-backed server history. All operations rewrite the index
// atomically, so a crash never leaves a half-written file behind.
type Store struct {
	// MaxEntries caps the history; least recently used entries are evicted
	// first. DefaultMaxEntries applies when zero.
	MaxEntries int
	Logger     *slog.Logger

	path string
	now  func() time.Time

	mu      sync.Mutex
	loaded  bool
	entries []Entry
}

var _ kernel.ServerURIStore = (*Store)(nil)

// New builds a store over the index file at path. The file and its
// directory are created on first write.
func New(path string, logger *slog.Logger) *Store {
	return &Store{
		Logger: logger,
		path:   path,
		now:    time.Now,
	}
}

// Record upserts uri in the history, stamping it as most recently used.
// It is the session-facing write path.
func (s *Store) Record(uri, displayName string) error {
	_, err := s.Add(uri, displayName)
	return err
}

// Add upserts uri in the history and returns its entry. An existing entry
// with the same uri keeps its id; a fresh one is assigned otherwise. The
// history is truncated to MaxEntries afterwards, dropping the least
// recently used entries.
func (s *Store) Add(uri, displayName string) (Entry, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Entry{}, errors.New("server uri is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return Entry{}, err
	}

	var entry Entry
	found := false
	for i := range s.entries {
		if s.entries[i].URI == uri {
			s.entries[i].LastUsed = s.now()
			if displayName != "" {
				s.entries[i].DisplayName = displayName
			}
			entry = s.entries[i]
			found = true
			break
		}
	}
	if !found {
		entry = Entry{
			ID:          uuid.NewString(),
			URI:         uri,
			DisplayName: displayName,
			LastUsed:    s.now(),
		}
		s.entries = append(s.entries, entry)
	}

	s.sortAndTrim()
	if err := s.save(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Touch stamps the entry with the given id as most recently used.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].LastUsed = s.now()
			s.sortAndTrim()
			return s.save()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Remove deletes the entry with the given id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return s.save()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns the history, most recently used first.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}
	return append([]Entry(nil), s.entries...), nil
}

func (s *Store) sortAndTrim() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].LastUsed.After(s.entries[j].LastUsed)
	})

	max := s.MaxEntries
	if max <= 0 {
		max = DefaultMaxEntries
	}
	if len(s.entries) > max {
		for _, evicted := range s.entries[max:] {
			s.logger().Debug("evicting server history entry",
				"uri", evicted.URI, "last_used", evicted.LastUsed)
		}
		s.entries = s.entries[:max]
	}
}

// load reads the index once; a missing file is an empty history.
func (s *Store) load() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read server index: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse server index %s: %w", s.path, err)
	}
	s.entries = entries
	s.loaded = true
	return nil
}

// save rewrites the index atomically via a temp file in the same directory.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create server index dir: %w", err)
	}

	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode server index: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".servers-*.json")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace server index: %w", err)
	}
	return nil
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
