package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

func newFakeMonitor(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return lis.Addr().String()
}

func TestExecMonitorReadsUntilPrompt(t *testing.T) {
	addr := newFakeMonitor(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		if strings.TrimSpace(line) != "peripherals" {
			t.Errorf("unexpected command: %q", line)
		}
		conn.Write([]byte("sysbus.uart0\n"))
		conn.Write([]byte("sysbus.timer0\n"))
		conn.Write([]byte("(monitor)\n"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := New(ctx, addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	lines, err := c.ExecMonitor(ctx, []string{"peripherals"})
	if err != nil {
		t.Fatalf("ExecMonitor: %v", err)
	}
	if len(lines) != 2 || lines[0] != "sysbus.uart0" || lines[1] != "sysbus.timer0" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestExecRenodeDecodesSuccess(t *testing.T) {
	addr := newFakeMonitor(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		var req execRenodeRequest
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &req); err != nil {
			t.Errorf("bad request json: %v", err)
		}
		if req.Command != "uarts" {
			t.Errorf("command = %q, want uarts", req.Command)
		}
		resp := execRenodeResponse{Status: "success", Data: json.RawMessage(`["sysbus.uart0"]`)}
		payload, _ := json.Marshal(resp)
		conn.Write(append(payload, '\n'))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := New(ctx, addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	data, err := c.ExecRenode(ctx, "uarts", nil, 0)
	if err != nil {
		t.Fatalf("ExecRenode: %v", err)
	}
	var uarts []string
	if err := json.Unmarshal(data, &uarts); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(uarts) != 1 || uarts[0] != "sysbus.uart0" {
		t.Fatalf("unexpected uarts: %v", uarts)
	}
}

func TestExecRenodeReturnsErrorOnFailureStatus(t *testing.T) {
	addr := newFakeMonitor(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		r.ReadString('\n')
		resp := execRenodeResponse{Status: "failure", Error: "no such sensor"}
		payload, _ := json.Marshal(resp)
		conn.Write(append(payload, '\n'))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := New(ctx, addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	_, err = c.ExecRenode(ctx, "sensor-get", map[string]string{"name": "bogus"}, 0)
	if err == nil {
		t.Fatal("expected error on failure status")
	}
}
