package kernelspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/calepin/kerneld/internal/kernel"
)

// Installer writes kernel specifications into a target directory, usually
// the user's own kernels directory.
type Installer struct {
	TargetDir string
	Logger    *slog.Logger
}

func (i *Installer) logger() *slog.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}

// InstallForInterpreter materializes the specification derived from interp
// as an on-disk kernel, so it shows up in regular discovery.
func (i *Installer) InstallForInterpreter(interp kernel.Interpreter) (Entry, error) {
	if interp.Path == "" {
		return Entry{}, errors.New("interpreter path is required")
	}
	return i.Install(kernel.NewInterpreterDescriptor(interp).Spec())
}

// Install writes spec under its name. An existing specification with the
// same name is overwritten.
func (i *Installer) Install(spec kernel.Spec) (Entry, error) {
	if i.TargetDir == "" {
		return Entry{}, errors.New("target dir not configured")
	}
	if err := validateSpecName(spec.Name); err != nil {
		return Entry{}, err
	}
	if len(spec.Argv) == 0 {
		return Entry{}, errors.New("spec has no argv")
	}

	dir := filepath.Join(i.TargetDir, spec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("create spec dir: %w", err)
	}

	file := specFile{
		Argv:          spec.Argv,
		DisplayName:   spec.DisplayName,
		Language:      spec.Language,
		InterruptMode: string(spec.InterruptMode),
		Env:           spec.Env,
		Metadata:      spec.Metadata,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("encode kernel.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, specFileName), data, 0o644); err != nil {
		return Entry{}, fmt.Errorf("write kernel.json: %w", err)
	}

	spec.ResourceDir = dir
	i.logger().Info("installed kernel specification", "name", spec.Name, "dir", dir)
	return Entry{Name: spec.Name, Dir: dir, Spec: spec}, nil
}

// Remove deletes the installed specification with the given name. Removing
// a specification that does not exist is not an error.
func (i *Installer) Remove(name string) error {
	if i.TargetDir == "" {
		return errors.New("target dir not configured")
	}
	if err := validateSpecName(name); err != nil {
		return err
	}

	dir := filepath.Join(i.TargetDir, name)
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove spec dir: %w", err)
	}
	i.logger().Info("removed kernel specification", "name", name)
	return nil
}

// validateSpecName rejects names that would escape the target directory.
func validateSpecName(name string) error {
	if name == "" {
		return errors.New("spec name is required")
	}
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid spec name %q", name)
	}
	return nil
}
