package kernel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func pythonSpec() Spec {
	return Spec{
		Name:          "python3",
		DisplayName:   "Python 3",
		Language:      "python",
		Argv:          []string{"/usr/bin/python3", "-m", "ipykernel_launcher", "-f", ConnectionFilePlaceholder},
		Env:           map[string]string{"PYTHONUNBUFFERED": "1"},
		InterruptMode: InterruptSignal,
		Metadata:      map[string]any{"debugger": true},
		ResourceDir:   "/usr/share/jupyter/kernels/python3",
	}
}

func TestResolveTarget(t *testing.T) {
	target, err := ResolveTarget("  file:///work/notebook.ipynb ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != "file:///work/notebook.ipynb" {
		t.Fatalf("unexpected target: %q", target)
	}

	if _, err := ResolveTarget("   "); err != ErrInvalidTarget {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
}

func TestShouldReuseSpecDescriptors(t *testing.T) {
	base := pythonSpec()

	cases := []struct {
		name   string
		mutate func(*Spec)
		expect bool
	}{
		{name: "identical", mutate: func(*Spec) {}, expect: true},
		{name: "changed display name", mutate: func(s *Spec) {
			s.DisplayName = "Python 3 (conda)"
		}, expect: false},
		{name: "changed argv entry", mutate: func(s *Spec) {
			s.Argv = append([]string(nil), s.Argv...)
			s.Argv[0] = "/usr/local/bin/python3"
		}, expect: false},
		{name: "reordered argv", mutate: func(s *Spec) {
			s.Argv = []string{"-m", "/usr/bin/python3", "ipykernel_launcher", "-f", ConnectionFilePlaceholder}
		}, expect: false},
		{name: "extra env entry", mutate: func(s *Spec) {
			s.Env = map[string]string{"PYTHONUNBUFFERED": "1", "EXTRA": "y"}
		}, expect: false},
		{name: "changed metadata", mutate: func(s *Spec) {
			s.Metadata = map[string]any{"debugger": false}
		}, expect: false},
		{name: "changed resource dir", mutate: func(s *Spec) {
			s.ResourceDir = "/home/user/.local/share/jupyter/kernels/python3"
		}, expect: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requested := base
			tc.mutate(&requested)

			existing := &SpecDescriptor{KernelSpec: base}
			got := ShouldReuse(existing, &SpecDescriptor{KernelSpec: requested})
			if got != tc.expect {
				t.Errorf("ShouldReuse = %t, want %t\nspec diff: %s",
					got, tc.expect, cmp.Diff(base, requested))
			}
		})
	}
}

func TestShouldReuseEmptyEnvVariants(t *testing.T) {
	withNil := pythonSpec()
	withNil.Env = nil
	withNil.Metadata = nil

	withEmpty := pythonSpec()
	withEmpty.Env = map[string]string{}
	withEmpty.Metadata = map[string]any{}

	if !ShouldReuse(&SpecDescriptor{KernelSpec: withNil}, &SpecDescriptor{KernelSpec: withEmpty}) {
		t.Fatal("nil and empty collections should compare equal")
	}
}

func TestShouldReuseMixedKinds(t *testing.T) {
	spec := &SpecDescriptor{KernelSpec: pythonSpec()}
	interp := NewInterpreterDescriptor(Interpreter{Path: "/usr/bin/python3"})

	if ShouldReuse(spec, interp) {
		t.Fatal("spec and interpreter configurations must not match")
	}
	if ShouldReuse(interp, spec) {
		t.Fatal("interpreter and spec configurations must not match")
	}
}

func TestShouldReuseInterpreterDescriptors(t *testing.T) {
	a := NewInterpreterDescriptor(Interpreter{Path: "/usr/bin/python3", Version: "3.12.1"})
	b := NewInterpreterDescriptor(Interpreter{Path: "/usr/bin/python3", Version: "3.12.1"})
	if !ShouldReuse(a, b) {
		t.Fatal("identical interpreters should be reused")
	}

	// Interpreter configurations compare in full: auxiliary fields count.
	c := NewInterpreterDescriptor(Interpreter{Path: "/usr/bin/python3", Version: "3.12.2"})
	if ShouldReuse(a, c) {
		t.Fatal("differing interpreter versions must not be reused")
	}

	d := NewInterpreterDescriptor(Interpreter{Path: "/opt/python/bin/python3", Version: "3.12.1"})
	if ShouldReuse(a, d) {
		t.Fatal("differing interpreter paths must not be reused")
	}
}

func TestShouldReuseNilDescriptors(t *testing.T) {
	if !ShouldReuse(nil, nil) {
		t.Fatal("two absent configurations compare equal")
	}
	if ShouldReuse(nil, &SpecDescriptor{KernelSpec: pythonSpec()}) {
		t.Fatal("absent configuration must not match a present one")
	}
}

func TestSpecEqualMetadata(t *testing.T) {
	cases := []struct {
		name   string
		a, b   map[string]any
		expect bool
	}{
		{
			name:   "nested objects",
			a:      map[string]any{"kernel": map[string]any{"path": "/usr/bin/python3", "pids": []any{1.0, 2.0}}},
			b:      map[string]any{"kernel": map[string]any{"path": "/usr/bin/python3", "pids": []any{1.0, 2.0}}},
			expect: true,
		},
		{
			name:   "numbers compare across go types",
			a:      map[string]any{"port": 9000},
			b:      map[string]any{"port": 9000.0},
			expect: true,
		},
		{
			name:   "array order is significant",
			a:      map[string]any{"pids": []any{1.0, 2.0}},
			b:      map[string]any{"pids": []any{2.0, 1.0}},
			expect: false,
		},
		{
			name:   "missing key",
			a:      map[string]any{"debugger": true, "extra": "x"},
			b:      map[string]any{"debugger": true},
			expect: false,
		},
		{
			name:   "nil value versus absent key",
			a:      map[string]any{"debugger": nil},
			b:      map[string]any{},
			expect: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := pythonSpec()
			a.Metadata = tc.a
			b := pythonSpec()
			b.Metadata = tc.b

			if got := a.Equal(b); got != tc.expect {
				t.Errorf("Equal = %t, want %t\nmetadata diff: %s",
					got, tc.expect, cmp.Diff(tc.a, tc.b))
			}
		})
	}
}

func TestNewInterpreterDescriptorDerivesSpec(t *testing.T) {
	desc := NewInterpreterDescriptor(Interpreter{Path: "/usr/bin/python3"})

	spec := desc.Spec()
	if spec.Language != "python" {
		t.Fatalf("unexpected language: %q", spec.Language)
	}
	if len(spec.Argv) == 0 || spec.Argv[0] != "/usr/bin/python3" {
		t.Fatalf("unexpected argv: %v", spec.Argv)
	}
	found := false
	for _, arg := range spec.Argv {
		if arg == ConnectionFilePlaceholder {
			found = true
		}
	}
	if !found {
		t.Fatalf("argv missing connection file placeholder: %v", spec.Argv)
	}

	// Derivation is deterministic so equal interpreters stay reusable.
	again := NewInterpreterDescriptor(Interpreter{Path: "/usr/bin/python3"})
	if diff := cmp.Diff(desc.Spec(), again.Spec()); diff != "" {
		t.Fatalf("derived specs differ: %s", diff)
	}
}
