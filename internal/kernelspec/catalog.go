// Package kernelspec discovers and manages installed kernel specifications,
// stored as one kernel.json per directory in the Jupyter layout.
package kernelspec

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

	"github.com/calepin/kerneld/internal/kernel"
)

// ErrNotFound is returned when no installed specification has the requested
// name.
var ErrNotFound = errors.New("kernel specification not found")

const specFileName = "kernel.json"

// Entry is a discovered specification. Name is the directory name the spec
// was installed under.
type Entry struct {
	Name string
	Dir  string
	Spec kernel.Spec
}

// Catalog finds kernel specifications across the configured search
// directories. Earlier directories shadow later ones when names collide.
type Catalog struct {
	SearchDirs []string
	Logger     *slog.Logger
}

func NewCatalog(dirs []string, logger *slog.Logger) *Catalog {
	if len(dirs) == 0 {
		dirs = DefaultSearchDirs()
	}
	return &Catalog{SearchDirs: dirs, Logger: logger}
}

// DefaultSearchDirs returns the standard Jupyter kernel directories,
// optionally preceded by entries from KERNELD_KERNEL_DIRS.
func DefaultSearchDirs() []string {
	var dirs []string
	if extra := os.Getenv("KERNELD_KERNEL_DIRS"); extra != "" {
		dirs = append(dirs, filepath.SplitList(extra)...)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "jupyter", "kernels"))
	}
	dirs = append(dirs,
		"/usr/local/share/jupyter/kernels",
		"/usr/share/jupyter/kernels",
	)
	return dirs
}

func (c *Catalog) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// List returns every installed specification, sorted by name. Directories
// without a parseable kernel.json are skipped with a warning.
func (c *Catalog) List() ([]Entry, error) {
	seen := map[string]bool{}
	var entries []Entry

	for _, dir := range c.SearchDirs {
		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read kernel dir %s: %w", dir, err)
		}

		for _, dirEntry := range dirEntries {
			if !dirEntry.IsDir() || seen[dirEntry.Name()] {
				continue
			}
			specDir := filepath.Join(dir, dirEntry.Name())
			spec, err := readSpecDir(dirEntry.Name(), specDir)
			if err != nil {
				c.logger().Warn("skipping invalid kernel spec", "dir", specDir, "error", err)
				continue
			}
			seen[dirEntry.Name()] = true
			entries = append(entries, Entry{Name: dirEntry.Name(), Dir: specDir, Spec: spec})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Find returns the installed specification with the given name, honoring
// search directory precedence.
func (c *Catalog) Find(name string) (Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entry{}, ErrNotFound
	}

	for _, dir := range c.SearchDirs {
		specDir := filepath.Join(dir, name)
		if _, err := os.Stat(filepath.Join(specDir, specFileName)); err != nil {
			continue
		}
		spec, err := readSpecDir(name, specDir)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Name: name, Dir: specDir, Spec: spec}, nil
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// specFile mirrors the on-disk kernel.json layout.
type specFile struct {
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

func readSpecDir(name, dir string) (kernel.Spec, error) {
	data, err := os.ReadFile(filepath.Join(dir, specFileName))
	if err != nil {
		return kernel.Spec{}, fmt.Errorf("read kernel.json: %w", err)
	}

	var file specFile
	if err := json.Unmarshal(data, &file); err != nil {
		return kernel.Spec{}, fmt.Errorf("parse kernel.json: %w", err)
	}
	if len(file.Argv) == 0 {
		return kernel.Spec{}, errors.New("kernel.json has no argv")
	}
	hasPlaceholder := false
	for _, arg := range file.Argv {
		if strings.Contains(arg, kernel.ConnectionFilePlaceholder) {
			hasPlaceholder = true
			break
		}
	}
	if !hasPlaceholder {
		return kernel.Spec{}, fmt.Errorf("argv has no %s placeholder", kernel.ConnectionFilePlaceholder)
	}

	display := file.DisplayName
	if display == "" {
		display = name
	}
	return kernel.Spec{
		Name:          name,
		DisplayName:   display,
		Language:      file.Language,
		Argv:          file.Argv,
		Env:           file.Env,
		InterruptMode: kernel.InterruptMode(file.InterruptMode),
		Metadata:      file.Metadata,
		ResourceDir:   dir,
	}, nil
}
