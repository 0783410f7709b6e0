// Package listener implements the HTTP/WS router:
// it accepts upgrades on /proxy/<workspace>, /telnet/<port>,
// /uart/<machine>/<name>, and /run/<port>, dispatching the first to a
// control Session and the rest to ad hoc TCP⇄WS Bridges.
package listener

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/renode-ws-proxy/ws-proxy/internal/bridge"
	"github.com/renode-ws-proxy/ws-proxy/internal/logger"
	"github.com/renode-ws-proxy/ws-proxy/internal/session"
)

// Config is the process-wide configuration read once at startup and
// handed to every session this listener creates.
type Config struct {
	EngineBinary  string
	GDBBinary     string
	GUIDisabled   bool
	GUIForced     bool
	SandboxRoot   string
	TempDir       string
	FetchRateByte int
}

// Listener owns the HTTP mux and the process-wide routing tables shared
// across sessions (workspace occupancy, discovered UART ports).
type Listener struct {
	cfg      Config
	mux      *http.ServeMux
	sessions *sessionRegistry
	uarts    *uartRegistry
	ports    *portRegistry
}

func New(cfg Config) *Listener {
	l := &Listener{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		sessions: newSessionRegistry(),
		uarts:    newUARTRegistry(),
		ports:    newPortRegistry(),
	}
	l.mux.HandleFunc("GET /proxy/{workspace}", l.handleProxy)
	l.mux.HandleFunc("GET /telnet/{port}", l.handleTelnet)
	l.mux.HandleFunc("GET /uart/{machine}/{name}", l.handleUART)
	l.mux.HandleFunc("GET /run/{port}", l.handleRun)
	return l
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mux.ServeHTTP(w, r)
}

func (l *Listener) handleProxy(w http.ResponseWriter, r *http.Request) {
	workspace := r.PathValue("workspace")
	if err := l.sessions.claim(workspace, nil); err != nil {
		http.Error(w, "busy", http.StatusConflict)
		return
	}
	defer l.sessions.release(workspace)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	var sess *session.Session
	cfg := session.Config{
		Workspace:     workspace,
		EngineBinary:  l.cfg.EngineBinary,
		GDBBinary:     l.cfg.GDBBinary,
		GUIDisabled:   l.cfg.GUIDisabled,
		GUIForced:     l.cfg.GUIForced,
		SandboxRoot:   l.cfg.SandboxRoot,
		TempDir:       l.cfg.TempDir,
		FetchRateByte: l.cfg.FetchRateByte,
		OnUARTDiscovered: func(machine, name string, port int) {
			l.uarts.set(machine, name, port)
			l.ports.bind(port, sess)
		},
		OnPortBound: func(port int) {
			l.ports.bind(port, sess)
		},
	}
	sess, err = session.New(cfg, conn)
	if err != nil {
		logger.Error("listener: session init failed", "workspace", workspace, "err", err)
		conn.Close(websocket.StatusInternalError, "session init failed")
		return
	}

	l.sessions.mu.Lock()
	l.sessions.sessions[workspace] = sess
	l.sessions.mu.Unlock()
	defer l.ports.release(sess)

	if err := sess.Run(r.Context()); err != nil {
		logger.Info("listener: session ended", "workspace", workspace, "err", err)
	}
	sess.Close()
}

func (l *Listener) handleTelnet(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	l.bridgeToPort(w, r, "telnet", port)
}

func (l *Listener) handleRun(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	l.bridgeToPort(w, r, "run", port)
}

func (l *Listener) handleUART(w http.ResponseWriter, r *http.Request) {
	machine := r.PathValue("machine")
	name := r.PathValue("name")
	port, ok := l.uarts.lookup(machine, name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	l.bridgeToPort(w, r, fmt.Sprintf("uart:%s/%s", machine, name), port)
}

func (l *Listener) bridgeToPort(w http.ResponseWriter, r *http.Request, name string, port int) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	tcpConn, err := bridge.DialTCP(r.Context(), addr)
	if err != nil {
		http.Error(w, "engine endpoint unreachable", http.StatusBadGateway)
		return
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		tcpConn.Close()
		return
	}

	b := bridge.New(name, tcpConn, wsConn)
	if owner, ok := l.ports.lookup(port); ok {
		owner.RegisterBridge(b)
		defer owner.UnregisterBridge(b)
	}
	if err := b.Run(context.Background()); err != nil {
		logger.Error("listener: bridge closed", "name", name, "err", err)
	}
}
