package launch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calepin/kerneld/internal/kernel"
)

func specWithArgv(argv []string) kernel.Descriptor {
	return &kernel.SpecDescriptor{KernelSpec: kernel.Spec{
		Name:        "probe",
		DisplayName: "Probe",
		Argv:        argv,
	}}
}

func TestValidateAcceptsExecutablePath(t *testing.T) {
	validator := CommandValidator{}
	desc := specWithArgv(shArgv("true"))
	if err := validator.Validate(context.Background(), "file:///nb.ipynb", desc); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
}

func TestValidateAcceptsCommandOnPath(t *testing.T) {
	validator := CommandValidator{}
	desc := specWithArgv([]string{"sh", "-c", "true # " + kernel.ConnectionFilePlaceholder})
	if err := validator.Validate(context.Background(), "file:///nb.ipynb", desc); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
}

func TestValidateRejectsMissingCommand(t *testing.T) {
	validator := CommandValidator{}
	cases := []struct {
		name string
		desc kernel.Descriptor
	}{
		{"nil descriptor", nil},
		{"empty argv", specWithArgv(nil)},
		{"missing path", specWithArgv([]string{filepath.Join(t.TempDir(), "nope")})},
		{"unknown name", specWithArgv([]string{"kerneld-test-no-such-command"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.Validate(context.Background(), "file:///nb.ipynb", tc.desc)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.desc != nil && !errors.Is(err, ErrNotRunnable) {
				t.Errorf("error %v is not ErrNotRunnable", err)
			}
		})
	}
}

func TestValidateRejectsNonExecutableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.txt")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	validator := CommandValidator{}
	err := validator.Validate(context.Background(), "file:///nb.ipynb", specWithArgv([]string{path}))
	if !errors.Is(err, ErrNotRunnable) {
		t.Fatalf("error = %v, want ErrNotRunnable", err)
	}
}
