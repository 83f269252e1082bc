package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DaemonClient is the CLI-facing surface of the control socket.
type DaemonClient interface {
	Ping() (PingResponse, error)
	StartKernel(req StartRequest) (SessionDetails, error)
	Inspect(target string) (SessionDetails, error)
	List() ([]SessionStatus, error)
	StopKernel(target string) error
	Interrupt(target string) error
	Packages(req PackagesRequest) (PackagesReport, error)
	Specs() ([]SpecInfo, error)
	Servers() ([]ServerEntry, error)
	AddServer(uri, displayName string) (ServerEntry, error)
	RemoveServer(id string) error
	Shutdown() error
}

// Client talks to a running daemon over its unix socket. One connection is
// dialed per request.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) DaemonClient {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(request IPCRequest, response any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("marshal response payload: %w", err)
		}
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

func (c *Client) Ping() (PingResponse, error) {
	var resp PingResponse
	if err := c.send(IPCRequest{Command: CommandPing}, &resp); err != nil {
		return PingResponse{}, err
	}
	return resp, nil
}

func (c *Client) StartKernel(req StartRequest) (SessionDetails, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return SessionDetails{}, err
	}
	var details SessionDetails
	if err := c.send(IPCRequest{Command: CommandStart, Payload: payload}, &details); err != nil {
		return SessionDetails{}, err
	}
	return details, nil
}

func (c *Client) Inspect(target string) (SessionDetails, error) {
	var details SessionDetails
	if err := c.send(IPCRequest{Command: CommandGet, ID: target}, &details); err != nil {
		return SessionDetails{}, err
	}
	return details, nil
}

func (c *Client) List() ([]SessionStatus, error) {
	var statuses []SessionStatus
	if err := c.send(IPCRequest{Command: CommandList}, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) StopKernel(target string) error {
	return c.send(IPCRequest{Command: CommandStop, ID: target}, nil)
}

func (c *Client) Interrupt(target string) error {
	return c.send(IPCRequest{Command: CommandInterrupt, ID: target}, nil)
}

func (c *Client) Packages(req PackagesRequest) (PackagesReport, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return PackagesReport{}, err
	}
	var report PackagesReport
	if err := c.send(IPCRequest{Command: CommandPackages, Payload: payload}, &report); err != nil {
		return PackagesReport{}, err
	}
	return report, nil
}

func (c *Client) Specs() ([]SpecInfo, error) {
	var specs []SpecInfo
	if err := c.send(IPCRequest{Command: CommandSpecs}, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func (c *Client) Servers() ([]ServerEntry, error) {
	var entries []ServerEntry
	if err := c.send(IPCRequest{Command: CommandServers}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) AddServer(uri, displayName string) (ServerEntry, error) {
	payload, err := json.Marshal(AddServerRequest{URI: uri, DisplayName: displayName})
	if err != nil {
		return ServerEntry{}, err
	}
	var entry ServerEntry
	if err := c.send(IPCRequest{Command: CommandServerAdd, Payload: payload}, &entry); err != nil {
		return ServerEntry{}, err
	}
	return entry, nil
}

func (c *Client) RemoveServer(id string) error {
	return c.send(IPCRequest{Command: CommandServerRemove, ID: id}, nil)
}

func (c *Client) Shutdown() error {
	return c.send(IPCRequest{Command: CommandShutdown}, nil)
}
