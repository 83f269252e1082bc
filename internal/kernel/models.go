// Package kernel manages interactive kernel sessions: identity, reuse,
// replacement, and disposal. A session wraps one kernel subprocess and is
// cached per target so repeated requests with an equivalent configuration
// share the same live kernel.
package kernel

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidTarget is returned when a raw target identity cannot be resolved.
var ErrInvalidTarget = errors.New("invalid target identity")

// TargetID identifies the resource a kernel session is bound to, typically a
// document or workspace URI. The value is opaque to this package.
type TargetID string

// ResolveTarget canonicalizes a raw target identity. Leading and trailing
// whitespace is stripped; an empty result is rejected.
func ResolveTarget(raw string) (TargetID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidTarget
	}
	return TargetID(trimmed), nil
}

func (t TargetID) String() string {
	return string(t)
}

// State describes the lifecycle position of a session.
type State string

const (
	// StatePending means the session exists but Start has not been called.
	StatePending State = "pending"
	// StateStarting means the kernel subprocess is being launched.
	StateStarting State = "starting"
	// StateRunning means the kernel subprocess is up and reachable.
	StateRunning State = "running"
	// StateDead means the kernel subprocess exited without being disposed.
	StateDead State = "dead"
	// StateDisposed means the session was shut down and unregistered.
	StateDisposed State = "disposed"
)

// InterruptMode selects how a running kernel is interrupted.
type InterruptMode string

const (
	// InterruptSignal interrupts the kernel by signalling its process group.
	InterruptSignal InterruptMode = "signal"
	// InterruptMessage interrupts the kernel over its control channel.
	InterruptMessage InterruptMode = "message"
)

// Spec is a runnable kernel specification, mirroring the on-disk kernel.json
// format. Two specs are equivalent only when every field matches; see Equal.
type Spec struct {
	Name          string            `json:"name,omitempty"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env,omitempty"`
	InterruptMode InterruptMode     `json:"interrupt_mode,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	ResourceDir   string            `json:"resource_dir,omitempty"`
}

// Equal reports whether two specs are equivalent field by field. Argv order
// is significant; nil and empty maps or slices are interchangeable.
func (s Spec) Equal(other Spec) bool {
	if s.Name != other.Name ||
		s.DisplayName != other.DisplayName ||
		s.Language != other.Language ||
		s.InterruptMode != other.InterruptMode ||
		s.ResourceDir != other.ResourceDir {
		return false
	}
	if !equalStringSlices(s.Argv, other.Argv) {
		return false
	}
	if !equalStringMaps(s.Env, other.Env) {
		return false
	}
	return equalMetadata(s.Metadata, other.Metadata)
}

// Interpreter identifies a language interpreter installation. Path is the
// identity anchor; the remaining fields describe it for display.
type Interpreter struct {
	Path        string `json:"path"`
	DisplayName string `json:"display_name,omitempty"`
	Version     string `json:"version,omitempty"`
}

// ConnectionInfo carries the transport endpoints a launched kernel listens
// on, in the layout of a Jupyter connection file.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HeartbeatPort   int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// Timeouts bounds the blocking operations of a single session.
type Timeouts struct {
	Ready     time.Duration
	Interrupt time.Duration
}

// DefaultTimeouts applies when no per-target settings are configured.
var DefaultTimeouts = Timeouts{
	Ready:     60 * time.Second,
	Interrupt: 10 * time.Second,
}
