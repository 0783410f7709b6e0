// Package monitor implements the engine-monitor client: a
// line-oriented TCP client to the engine's monitor port, with a JSON
// request/response dialect for structured commands.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/renode-ws-proxy/ws-proxy/internal/wsproto"
)

const (
	DefaultTimeout     = 60 * time.Second
	ExecMonitorTimeout = 10 * time.Second

	promptToken = "(monitor)"
)

// Client speaks the engine's monitor-port protocol: plain command lines
// for exec-monitor, and a JSON request/response dialect for exec-renode.
// A single mutex serializes access — only one outstanding command at a
// time.
type Client struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// New dials the monitor port. The connection is kept open across calls;
// Close releases it.
func New(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wsproto.NewError(wsproto.ErrIO, fmt.Errorf("dial monitor %s: %w", addr, err))
	}
	return &Client{addr: addr, conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// ExecMonitor sends a sequence of plain command strings, each newline
// terminated, and collects the response lines up to the prompt token.
func (c *Client) ExecMonitor(ctx context.Context, commands []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setDeadline(ctx, ExecMonitorTimeout)
	defer c.clearDeadline()

	var lines []string
	for _, cmd := range commands {
		if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
			return nil, wsproto.NewError(wsproto.ErrIO, err)
		}
		out, err := c.readUntilPrompt()
		if err != nil {
			return nil, err
		}
		lines = append(lines, out...)
	}
	return lines, nil
}

// execRenodeRequest/Response are the JSON dialect spoken over the same
// line-oriented socket for structured commands (uarts, machines,
// sensors, sensor-get, sensor-set, etc).
type execRenodeRequest struct {
	Command string `json:"command"`
	Args    any    `json:"args,omitempty"`
}

type execRenodeResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ExecRenode sends one structured command and returns its decoded data.
func (c *Client) ExecRenode(ctx context.Context, command string, args any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.setDeadline(ctx, timeout)
	defer c.clearDeadline()

	req := execRenodeRequest{Command: command, Args: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, wsproto.NewError(wsproto.ErrBadRequest, err)
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", payload); err != nil {
		return nil, wsproto.NewError(wsproto.ErrIO, err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		return nil, wsproto.NewError(wsproto.ErrIO, err)
	}
	var resp execRenodeResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &resp); err != nil {
		return nil, wsproto.NewError(wsproto.ErrIO, fmt.Errorf("malformed monitor response: %w", err))
	}
	if resp.Status != "success" {
		return nil, wsproto.NewError(wsproto.ErrIO, fmt.Errorf("monitor command %q failed: %s", command, resp.Error))
	}
	return resp.Data, nil
}

func (c *Client) readUntilPrompt() ([]string, error) {
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, wsproto.NewError(wsproto.ErrIO, err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.Contains(trimmed, promptToken) {
			return lines, nil
		}
		lines = append(lines, trimmed)
	}
}

func (c *Client) setDeadline(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	c.conn.SetDeadline(deadline)
}

func (c *Client) clearDeadline() {
	c.conn.SetDeadline(time.Time{})
}
