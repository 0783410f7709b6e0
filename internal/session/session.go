// Package session implements the control-session RPC dispatcher: one
// per accepted /proxy/<workspace> connection, multiplexing
// spawn/kill/exec-*/fs/*/tweak-socket requests and uart-opened /
// renode-quitted / fs-changed events over a single control WebSocket.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/renode-ws-proxy/ws-proxy/internal/bridge"
	"github.com/renode-ws-proxy/ws-proxy/internal/engine"
	"github.com/renode-ws-proxy/ws-proxy/internal/logger"
	"github.com/renode-ws-proxy/ws-proxy/internal/monitor"
	"github.com/renode-ws-proxy/ws-proxy/internal/pathfs"
	"github.com/renode-ws-proxy/ws-proxy/internal/wsproto"
)

const (
	defaultTimeout     = 60 * time.Second
	spawnTimeout       = 10500 * time.Millisecond
	execMonitorTimeout = 10 * time.Second
	eventEnqueueWindow = 5 * time.Second
	eventBufferSize    = 64
)

// Config carries the process-wide settings a session needs at creation —
// read once at startup "no global mutable state" rule.
type Config struct {
	Workspace     string
	EngineBinary  string
	GDBBinary     string
	GUIDisabled   bool
	GUIForced     bool
	SandboxRoot   string
	TempDir       string
	FetchRateByte int

	// OnUARTDiscovered lets the listener's routing table learn a
	// machine/name → local TCP port mapping for /uart/<machine>/<name>
	// without the session package depending on the listener.
	OnUARTDiscovered func(machine, name string, port int)

	// OnPortBound lets the listener learn of any other local port this
	// session owns (the engine's monitor port, a GDB port, an
	// analyzer-socket port from tweak/socket) so /telnet/<port> and
	// /run/<port> bridges to it are registered against this session.
	OnPortBound func(port int)
}

// Session is one control connection's live state.
type Session struct {
	cfg Config
	ws  *websocket.Conn
	fs  *pathfs.Service

	writeMu sync.Mutex // coder/websocket permits only one writer at a time

	state atomic.Int32

	// engineMu guards eng and mon. spawn holds it for the whole launch;
	// kill and exec-* hold it only to read the current handle, so they
	// are not serialized against each other by it (exec-* calls are
	// serialized by monitor.Client's own mutex).
	engineMu sync.Mutex
	eng      *engine.Handle
	mon      *monitor.Client

	bridges *bridge.Registry
	watcher *pathfs.Watcher

	events   chan wsproto.Event
	dropped  atomic.Int64
	startedAt time.Time

	nextUART atomic.Int32 // unused: uart ports come from the engine's "uarts" reply

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a session bound to an already-upgraded WS connection. The
// caller is responsible for calling Run and then Close.
func New(cfg Config, conn *websocket.Conn) (*Session, error) {
	fs, err := pathfs.NewService(cfg.SandboxRoot, cfg.TempDir, cfg.FetchRateByte)
	if err != nil {
		return nil, fmt.Errorf("init filesystem service: %w", err)
	}
	s := &Session{
		cfg:       cfg,
		ws:        conn,
		fs:        fs,
		bridges:   bridge.NewRegistry(),
		events:    make(chan wsproto.Event, eventBufferSize),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnected))

	w, err := fs.StartWatch(func(paths []string) {
		s.emit(wsproto.NewEvent(wsproto.EventFSChanged, map[string]any{"paths": paths}))
	})
	if err != nil {
		logger.Warn("session: fs watch unavailable", "workspace", cfg.Workspace, "err", err)
	} else {
		s.watcher = w
	}
	return s, nil
}

// RegisterBridge and UnregisterBridge let the listener track the bridges
// routed to this session's ports, so Close tears them down explicitly
// rather than relying on the engine process dying underneath them.
func (s *Session) RegisterBridge(b *bridge.Bridge) { s.bridges.Add(b) }

func (s *Session) UnregisterBridge(b *bridge.Bridge) { s.bridges.Remove(b.ID) }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run drives the dispatcher loop until the connection closes or ctx is
// cancelled. Each request is handled in its own goroutine
// concurrency model — requests are never serialized against each other,
// only specific engine operations are.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.Close()

	go s.eventPump(ctx)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			return err
		}
		var req wsproto.Request
		if jsonErr := json.Unmarshal(data, &req); jsonErr != nil {
			s.writeResponse(ctx, wsproto.Failure(0, wsproto.ErrBadRequest))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleRequest(ctx, req)
		}()
	}
}

func (s *Session) handleRequest(ctx context.Context, req wsproto.Request) {
	if !wsproto.Compatible(req.Version) {
		s.writeResponse(ctx, wsproto.Failure(req.ID, wsproto.ErrVersionMismatch))
		return
	}
	if s.State() == StateClosed {
		s.writeResponse(ctx, wsproto.Failure(req.ID, wsproto.ErrEngineNotRunning))
		return
	}

	timeout := defaultTimeout
	switch req.Action {
	case wsproto.ActionSpawn:
		timeout = spawnTimeout
	case wsproto.ActionExecMonitor:
		timeout = execMonitorTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan wsproto.Response, 1)
	go func() {
		done <- s.dispatch(reqCtx, req)
	}()

	select {
	case resp := <-done:
		s.writeResponse(ctx, resp)
	case <-reqCtx.Done():
		s.writeResponse(ctx, wsproto.Failure(req.ID, wsproto.ErrTimeout))
	}
}

func (s *Session) dispatch(ctx context.Context, req wsproto.Request) wsproto.Response {
	switch req.Action {
	case wsproto.ActionSpawn:
		return s.handleSpawn(ctx, req)
	case wsproto.ActionKill:
		return s.handleKill(ctx, req)
	case wsproto.ActionExecMonitor:
		return s.handleExecMonitor(ctx, req)
	case wsproto.ActionExecRenode:
		return s.handleExecRenode(ctx, req)
	case wsproto.ActionTweakSocket:
		return s.handleTweakSocket(ctx, req)
	case wsproto.ActionStatus:
		return s.handleStatus(req)
	case wsproto.ActionFSList, wsproto.ActionFSStat, wsproto.ActionFSDownload,
		wsproto.ActionFSUpload, wsproto.ActionFSMkdir, wsproto.ActionFSRemove,
		wsproto.ActionFSMove, wsproto.ActionFSCopy, wsproto.ActionFSZip, wsproto.ActionFSFetch:
		return s.handleFS(ctx, req)
	default:
		return wsproto.Failure(req.ID, wsproto.ErrUnsupportedAction)
	}
}

func (s *Session) writeResponse(ctx context.Context, resp wsproto.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		logger.Warn("session: write response failed", "workspace", s.cfg.Workspace, "err", err)
	}
}

// emit enqueues an event, best-effort: it is dropped after
// a 5s enqueue timeout under control-WS backpressure.
func (s *Session) emit(ev wsproto.Event) {
	select {
	case s.events <- ev:
	case <-time.After(eventEnqueueWindow):
		s.dropped.Add(1)
		logger.Warn("session: dropped event", "workspace", s.cfg.Workspace, "event", ev.Event)
	}
}

func (s *Session) eventPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			s.writeMu.Lock()
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = s.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close tears down the engine, all bridges, and the watcher. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.bridges.CloseAll()
		s.engineMu.Lock()
		eng := s.eng
		s.engineMu.Unlock()
		if eng != nil {
			killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			eng.Kill(killCtx)
			cancel()
		}
	})
}
