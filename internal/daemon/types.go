// Package daemon is kerneld's control plane: a JSON request/response
// protocol over a unix socket, the server answering it, and the client the
// CLI talks through.
package daemon

import (
	"encoding/json"
	"time"

	"github.com/calepin/kerneld/internal/kernel"
)

// DefaultSocketPath is where the daemon listens unless configured otherwise.
const DefaultSocketPath = "/var/run/kerneld/daemon.sock"

// Commands understood by the daemon.
const (
	CommandPing         = "ping"
	CommandStart        = "start"
	CommandGet          = "get"
	CommandList         = "list"
	CommandStop         = "stop"
	CommandInterrupt    = "interrupt"
	CommandPackages     = "packages"
	CommandSpecs        = "specs"
	CommandServers      = "servers"
	CommandServerAdd    = "server-add"
	CommandServerRemove = "server-remove"
	CommandShutdown     = "shutdown"
)

// IPCRequest is one request to the daemon. ID carries the argument of
// commands that address a single object (a target identity, or a server
// history entry id); Payload carries structured arguments.
type IPCRequest struct {
	Command string          `json:"command"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse is the daemon's answer. Error is set when OK is false.
type IPCResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// StartRequest asks for a kernel session on a target. Exactly one of
// SpecName or Interpreter selects the configuration.
type StartRequest struct {
	Target      string `json:"target"`
	SpecName    string `json:"spec_name,omitempty"`
	Interpreter string `json:"interpreter,omitempty"`
}

// SessionStatus summarizes one session for listings.
type SessionStatus struct {
	Target    string    `json:"target"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Kind      string    `json:"kind"`
	Label     string    `json:"label"`
	SpecName  string    `json:"spec_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionDetails adds the launch configuration and endpoints to the
// summary. The connection's signing key never leaves the daemon.
type SessionDetails struct {
	SessionStatus
	Language           string                 `json:"language,omitempty"`
	Argv               []string               `json:"argv,omitempty"`
	ReadyTimeoutMS     int64                  `json:"ready_timeout_ms"`
	InterruptTimeoutMS int64                  `json:"interrupt_timeout_ms"`
	Connection         *kernel.ConnectionInfo `json:"connection,omitempty"`
}

// PackagesRequest asks for the notable packages of an interpreter. Refresh
// forces a fresh listing even when a cached one exists.
type PackagesRequest struct {
	Interpreter string `json:"interpreter"`
	Refresh     bool   `json:"refresh,omitempty"`
}

// PackagesReport maps hashed package names to versions for one interpreter.
type PackagesReport struct {
	Interpreter string            `json:"interpreter"`
	Packages    map[string]string `json:"packages"`
}

// SpecInfo describes one installed kernel specification.
type SpecInfo struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Language    string   `json:"language,omitempty"`
	Dir         string   `json:"dir,omitempty"`
	Argv        []string `json:"argv,omitempty"`
}

// ServerEntry is one record of the kernel server history.
type ServerEntry struct {
	ID          string    `json:"id"`
	URI         string    `json:"uri"`
	DisplayName string    `json:"display_name,omitempty"`
	LastUsed    time.Time `json:"last_used"`
}

// AddServerRequest pins a server location in the history.
type AddServerRequest struct {
	URI         string `json:"uri"`
	DisplayName string `json:"display_name,omitempty"`
}

// PingResponse reports daemon liveness.
type PingResponse struct {
	PID      int `json:"pid"`
	Sessions int `json:"sessions"`
}
