package listener

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/renode-ws-proxy/ws-proxy/internal/wsproto"
)

func newTestListener(t *testing.T) (*Listener, *httptest.Server) {
	t.Helper()
	l := New(Config{
		SandboxRoot: t.TempDir(),
		TempDir:     t.TempDir(),
	})
	srv := httptest.NewServer(l)
	t.Cleanup(srv.Close)
	return l, srv
}

func TestProxyRouteStatusRoundTrip(t *testing.T) {
	_, srv := newTestListener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/proxy/ws1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := wsproto.Request{Version: wsproto.ServerVersion, ID: 1, Action: wsproto.ActionStatus, Payload: json.RawMessage(`{}`)}
	data, _ := json.Marshal(req)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, respData, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp wsproto.Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("status action failed: %+v", resp)
	}
}

func TestProxyRouteRejectsDuplicateWorkspace(t *testing.T) {
	_, srv := newTestListener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	first, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/proxy/shared", nil)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")

	_, _, err = websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/proxy/shared", nil)
	if err == nil {
		t.Fatal("expected second connection to the same workspace to be rejected")
	}
}

func TestUnknownRouteReturns404WithoutUpgrade(t *testing.T) {
	_, srv := newTestListener(t)

	resp, err := http.Get(srv.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTelnetRouteBridgesToLocalPort(t *testing.T) {
	l, srv := newTestListener(t)
	_ = l

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
		conn.Close()
	}()

	port := echo.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wsAddr := "ws" + srv.URL[len("http"):] + "/telnet/" + strconv.Itoa(port)
	conn, _, err := websocket.Dial(ctx, wsAddr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ping" {
		t.Fatalf("got %q, want %q", data, "ping")
	}
}
