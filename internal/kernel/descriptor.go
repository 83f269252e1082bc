package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
)

// ErrNilDescriptor is returned when an operation requires a kernel
// configuration but none was provided.
var ErrNilDescriptor = errors.New("nil kernel descriptor")

// ConnectionFilePlaceholder marks the argv position where the path of the
// connection file is substituted at launch time.
const ConnectionFilePlaceholder = "{connection_file}"

// Kind discriminates the supported descriptor variants.
type Kind string

const (
	// KindSpec describes a kernel backed by an installed specification.
	KindSpec Kind = "spec"
	// KindInterpreter describes a kernel derived from a bare interpreter.
	KindInterpreter Kind = "interpreter"
)

// Descriptor is a requested kernel configuration. Implementations live in
// this package; equality between descriptors is defined by ShouldReuse.
type Descriptor interface {
	Kind() Kind
	// Spec returns the runnable specification for this configuration.
	Spec() Spec
	// Label returns a short human-readable name for logs and listings.
	Label() string

	equal(other Descriptor) bool
}

// SpecDescriptor requests a kernel from an installed specification.
type SpecDescriptor struct {
	KernelSpec Spec
}

func (d *SpecDescriptor) Kind() Kind { return KindSpec }
func (d *SpecDescriptor) Spec() Spec { return d.KernelSpec }

func (d *SpecDescriptor) Label() string {
	if d.KernelSpec.DisplayName != "" {
		return d.KernelSpec.DisplayName
	}
	return d.KernelSpec.Name
}

func (d *SpecDescriptor) equal(other Descriptor) bool {
	o, ok := other.(*SpecDescriptor)
	return ok && d.KernelSpec.Equal(o.KernelSpec)
}

// InterpreterDescriptor requests a kernel started directly from a language
// interpreter, without an installed specification.
type InterpreterDescriptor struct {
	Interpreter Interpreter
	KernelSpec  Spec
}

// NewInterpreterDescriptor derives a runnable specification from the given
// interpreter using the standard ipykernel launch arguments.
func NewInterpreterDescriptor(interp Interpreter) *InterpreterDescriptor {
	display := interp.DisplayName
	if display == "" {
		display = fmt.Sprintf("Python (%s)", filepath.Base(interp.Path))
	}
	return &InterpreterDescriptor{
		Interpreter: interp,
		KernelSpec: Spec{
			Name:        "python-" + shortHash(interp.Path),
			DisplayName: display,
			Language:    "python",
			Argv: []string{
				interp.Path,
				"-m", "ipykernel_launcher",
				"-f", ConnectionFilePlaceholder,
			},
			InterruptMode: InterruptSignal,
		},
	}
}

func (d *InterpreterDescriptor) Kind() Kind { return KindInterpreter }
func (d *InterpreterDescriptor) Spec() Spec { return d.KernelSpec }

func (d *InterpreterDescriptor) Label() string {
	if d.Interpreter.DisplayName != "" {
		return d.Interpreter.DisplayName
	}
	return d.Interpreter.Path
}

func (d *InterpreterDescriptor) equal(other Descriptor) bool {
	o, ok := other.(*InterpreterDescriptor)
	return ok && d.Interpreter == o.Interpreter && d.KernelSpec.Equal(o.KernelSpec)
}

// ShouldReuse reports whether a session created for the existing
// configuration can serve a request for the requested one.
//
// When both configurations are specification-backed, only the specifications
// themselves are compared: the surrounding descriptor fields carry
// presentation details that differ between otherwise identical requests.
// In every other case the full descriptors are compared, and configurations
// of different kinds never match.
func ShouldReuse(existing, requested Descriptor) bool {
	if existing == nil || requested == nil {
		return existing == requested
	}
	if existing.Kind() == KindSpec && requested.Kind() == KindSpec {
		return existing.Spec().Equal(requested.Spec())
	}
	return existing.equal(requested)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || av != bv {
			return false
		}
	}
	return true
}

func equalMetadata(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || !equalValue(av, bv) {
			return false
		}
	}
	return true
}

// equalValue compares two metadata values structurally. Arrays are order
// sensitive; numeric values compare by magnitude regardless of Go type.
func equalValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return false
		}
		return equalMetadata(av, bv)
	default:
		return reflect.DeepEqual(a, b)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
