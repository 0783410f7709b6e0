package bridge

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// newWSPipe starts an httptest server that upgrades one connection and
// hands the accepted *websocket.Conn to onAccept, returning a client-side
// *websocket.Conn dialed against it.
func newWSPipe(t *testing.T, onAccept func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		onAccept(c)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client
}

func TestBridgeTCPToWS(t *testing.T) {
	tcpServer, tcpClient := net.Pipe()
	received := make(chan []byte, 1)

	wsClient := newWSPipe(t, func(serverSide *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, data, err := serverSide.Read(ctx)
		if err == nil {
			received <- data
		}
		serverSide.Close(websocket.StatusNormalClosure, "")
	})

	b := New("test", tcpClient, wsClient)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go b.Run(ctx)

	go func() {
		tcpServer.Write([]byte("hello over tcp"))
	}()

	select {
	case data := <-received:
		if string(data) != "hello over tcp" {
			t.Fatalf("got %q, want %q", data, "hello over tcp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for WS frame")
	}
	b.Close()
}

func TestBridgeWSToTCP(t *testing.T) {
	tcpServer, tcpClient := net.Pipe()

	serverReady := make(chan *websocket.Conn, 1)
	wsClient := newWSPipe(t, func(serverSide *websocket.Conn) {
		serverReady <- serverSide
		<-time.After(2 * time.Second) // keep handler alive for the test's duration
	})

	b := New("test", tcpClient, wsClient)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go b.Run(ctx)

	serverSide := <-serverReady
	if err := serverSide.Write(ctx, websocket.MessageBinary, []byte("hello over ws")); err != nil {
		t.Fatalf("ws write: %v", err)
	}

	buf := make([]byte, 64)
	tcpServer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := tcpServer.Read(buf)
	if err != nil {
		t.Fatalf("tcp read: %v", err)
	}
	if string(buf[:n]) != "hello over ws" {
		t.Fatalf("got %q, want %q", buf[:n], "hello over ws")
	}
	b.Close()
}

func TestRegistryAddGetRemove(t *testing.T) {
	reg := NewRegistry()
	tcpServer, tcpClient := net.Pipe()
	defer tcpServer.Close()
	wsClient := newWSPipe(t, func(*websocket.Conn) {})

	b := New("uart0", tcpClient, wsClient)
	reg.Add(b)

	got, ok := reg.Get(b.ID)
	if !ok || got != b {
		t.Fatalf("Get after Add failed")
	}
	reg.Remove(b.ID)
	if _, ok := reg.Get(b.ID); ok {
		t.Fatal("bridge still present after Remove")
	}
	b.Close()
}
