package engine

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

// TestMain intercepts re-exec of the test binary as a fake engine process
// — the same trick net/http and os/exec use to test process lifecycles
// without a real external binary.
func TestMain(m *testing.M) {
	if os.Getenv("WSPROXY_FAKE_ENGINE") == "1" {
		runFakeEngine()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeEngine() {
	addr := ""
	for i, a := range os.Args {
		if a == "--port" && i+1 < len(os.Args) {
			addr = os.Args[i+1]
		}
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		os.Exit(1)
	}
	defer lis.Close()

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	<-sigCh
}

func TestSpawnWaitsForMonitorThenKillReaps(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	os.Setenv("WSPROXY_FAKE_ENGINE", "1")
	defer os.Unsetenv("WSPROXY_FAKE_ENGINE")

	exited := make(chan ExitInfo, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	opts := SpawnOptions{Binary: self, Name: "renode", CWD: os.TempDir()}
	h, err := Spawn(ctx, opts, func(i ExitInfo) { exited <- i })
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.PID == 0 {
		t.Fatal("expected nonzero PID")
	}

	conn, err := net.DialTimeout("tcp", h.MonitorAddr, time.Second)
	if err != nil {
		t.Fatalf("dial monitor addr %s: %v", h.MonitorAddr, err)
	}
	conn.Close()

	if err := h.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case info := <-exited:
		_ = info
	case <-time.After(5 * time.Second):
		t.Fatal("onExit callback never fired after Kill")
	}
}
