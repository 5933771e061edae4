package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/Finesssee/CoreWarden/internal/corelog"
	"github.com/Finesssee/CoreWarden/internal/supervisor"
	"github.com/Finesssee/CoreWarden/internal/sysproxy"
)

// DefaultDialTimeout bounds connecting to the daemon socket.
const DefaultDialTimeout = 2 * time.Second

// Client is a one-shot control-channel client. Each call opens a fresh
// connection, sends one request line and reads one response line.
type Client struct {
	socketPath string

	// Timeout bounds the whole round trip. Long commands (start, stop) can
	// legitimately block for several seconds while the daemon reconciles.
	Timeout time.Duration
}

// NewClient returns a client for the daemon socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, Timeout: 30 * time.Second}
}

// Do performs one request/response exchange.
func (c *Client) Do(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, DefaultDialTimeout)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("sending request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("reading response: %w", err)
		}
		return Response{}, fmt.Errorf("daemon closed the connection without responding")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

// do runs one exchange and decodes a successful response's data into out.
func (c *Client) do(req Request, out interface{}) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decoding %s data: %w", req.Command, err)
		}
	}
	return nil
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	return c.do(Request{Command: CmdPing}, nil)
}

// Version fetches the daemon's build information.
func (c *Client) Version() (VersionInfo, error) {
	var info VersionInfo
	err := c.do(Request{Command: CmdVersion}, &info)
	return info, err
}

// Start asks the daemon to launch the core process.
func (c *Client) Start(configPath, corePath string, proxy *sysproxy.Override) (supervisor.StartResult, error) {
	var res supervisor.StartResult
	err := c.do(Request{
		Command:     CmdStart,
		ConfigPath:  configPath,
		CorePath:    corePath,
		SystemProxy: proxy,
	}, &res)
	return res, err
}

// Stop asks the daemon to terminate the core process.
func (c *Client) Stop() error {
	return c.do(Request{Command: CmdStop}, nil)
}

// Restart asks the daemon to restart with the last used start parameters.
func (c *Client) Restart() (supervisor.StartResult, error) {
	var res supervisor.StartResult
	err := c.do(Request{Command: CmdRestart}, &res)
	return res, err
}

// Status fetches the daemon's view of the core process state.
func (c *Client) Status() (supervisor.StatusReport, error) {
	var report supervisor.StatusReport
	err := c.do(Request{Command: CmdStatus}, &report)
	return report, err
}

// Logs fetches captured core output, newest last. tail <= 0 returns the
// whole buffer.
func (c *Client) Logs(tail int) ([]corelog.Entry, error) {
	var entries []corelog.Entry
	err := c.do(Request{Command: CmdLogs, Tail: tail}, &entries)
	return entries, err
}
