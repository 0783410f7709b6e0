// Package engine supervises the simulator process: spawn,
// graceful kill, stdout/stderr capture, and exit notification.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mattn/go-isatty"

	"github.com/renode-ws-proxy/ws-proxy/internal/wsproto"
)

// MirrorToStdout is on when ws-proxy's own stdout is a terminal, in
// which case spawned engines' pty output is teed there as well as
// into the capture ring, so `ws-proxy` run in a foreground shell
// shows live engine console output.
var MirrorToStdout = isatty.IsTerminal(os.Stdout.Fd())

const (
	spawnProbeInterval = 100 * time.Millisecond
	spawnTimeout       = 10 * time.Second
	killGraceWindow    = 2 * time.Second
	captureRingSize    = 256 * 1024
)

// SpawnOptions mirrors the spawn action's payload.
type SpawnOptions struct {
	Binary      string
	Name        string // "renode"
	CWD         string // sandbox-resolved working directory
	GUI         bool
	GDBBinary   string // "" disables GDB port binding
	GUIDisabled bool   // RENODE_PROXY_GUI_DISABLED
	GUIForced   bool   // RENODE_HYPERVISOR_GUI_ENABLED (legacy)
}

// ExitInfo is delivered to the spawn caller's onExit callback, and becomes
// the renode-quitted event payload.
type ExitInfo struct {
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

// Handle is the live state of one spawned engine process. At most one
// Handle is ever live per session.
type Handle struct {
	PID         int
	MonitorAddr string
	GDBAddr     string
	CWD         string

	cmd     *exec.Cmd
	ptmx    *os.File
	monLis  net.Listener // never set: freePort releases the monitor port before the engine starts
	capture *ring

	mu       sync.Mutex
	exited   bool
	exitInfo ExitInfo
	waiters  []chan struct{}
}

// Spawn launches the engine binary and blocks until its monitor port
// accepts connections, or until spawnTimeout / process-exit-during-startup.
// onExit is invoked exactly once, from a background goroutine, once the
// process has been reaped — regardless of whether Kill or a natural exit
// caused it.
func Spawn(ctx context.Context, opts SpawnOptions, onExit func(ExitInfo)) (*Handle, error) {
	monitorPort, err := freePort()
	if err != nil {
		return nil, wsproto.NewError(wsproto.ErrSpawnFailed, fmt.Errorf("allocate monitor port: %w", err))
	}
	monitorAddr := fmt.Sprintf("127.0.0.1:%d", monitorPort)

	var gdbAddr string
	gui := opts.GUI && !opts.GUIDisabled || opts.GUIForced

	args := buildArgs(opts, monitorAddr, &gdbAddr, gui)

	cmd := exec.CommandContext(context.Background(), opts.Binary, args...)
	cmd.Dir = opts.CWD
	cmd.Env = append(os.Environ(), "TERM=xterm")

	cap := newRing(captureRingSize)
	setProcessGroup(cmd)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, wsproto.NewError(wsproto.ErrSpawnFailed, fmt.Errorf("start engine: %w", err))
	}

	h := &Handle{
		PID:         cmd.Process.Pid,
		MonitorAddr: monitorAddr,
		GDBAddr:     gdbAddr,
		CWD:         opts.CWD,
		cmd:         cmd,
		ptmx:        ptmx,
		capture:     cap,
	}

	go h.readCapture()
	go h.waitAndReap(onExit)

	if err := h.waitForMonitor(ctx, monitorAddr); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) waitForMonitor(ctx context.Context, addr string) error {
	deadline := time.Now().Add(spawnTimeout)
	ticker := time.NewTicker(spawnProbeInterval)
	defer ticker.Stop()
	for {
		if h.isExited() {
			return wsproto.NewError(wsproto.ErrSpawnFailed, fmt.Errorf("engine exited during startup: %s", h.capture.TailString(4096)))
		}
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return wsproto.NewError(wsproto.ErrSpawnTimeout, fmt.Errorf("monitor port %s did not open within %s", addr, spawnTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Kill performs graceful termination: SIGTERM, wait killGraceWindow,
// SIGKILL, reap. Safe to call multiple times.
func (h *Handle) Kill(ctx context.Context) error {
	if h.isExited() {
		return nil
	}
	signalGroup(h.cmd, syscall.SIGTERM)

	done := make(chan struct{})
	h.mu.Lock()
	h.waiters = append(h.waiters, done)
	h.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(killGraceWindow):
	case <-ctx.Done():
		return ctx.Err()
	}
	if h.isExited() {
		return nil
	}
	signalGroup(h.cmd, syscall.SIGKILL)
	<-done
	return nil
}

func (h *Handle) isExited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *Handle) waitAndReap(onExit func(ExitInfo)) {
	err := h.cmd.Wait()
	info := ExitInfo{}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		info.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			info.Signal = status.Signal().String()
		}
	} else if err != nil {
		info.ExitCode = -1
	}
	h.ptmx.Close()

	h.mu.Lock()
	h.exited = true
	h.exitInfo = info
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if onExit != nil {
		onExit(info)
	}
}

func (h *Handle) readCapture() {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			h.capture.Write(buf[:n])
			if MirrorToStdout {
				os.Stdout.Write(buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

// ring is a fixed-size byte ring buffer used to capture the engine's
// stdout/stderr for the spawn-failed error's stderr tail.
type ring struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]byte, size)}
}

func (r *ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		r.buf[r.pos] = b
		r.pos = (r.pos + 1) % len(r.buf)
		if r.pos == 0 {
			r.full = true
		}
	}
}

// TailString returns up to n of the most recently written bytes.
func (r *ring) TailString(n int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ordered []byte
	if r.full {
		ordered = append(append(ordered, r.buf[r.pos:]...), r.buf[:r.pos]...)
	} else {
		ordered = append(ordered, r.buf[:r.pos]...)
	}
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return string(bytes.TrimRight(ordered, "\x00"))
}

func freePort() (int, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port, nil
}
