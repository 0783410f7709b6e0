package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/renode-ws-proxy/ws-proxy/internal/engine"
	"github.com/renode-ws-proxy/ws-proxy/internal/monitor"
	"github.com/renode-ws-proxy/ws-proxy/internal/wsproto"
)

func badRequest(id uint64) wsproto.Response {
	return wsproto.Failure(id, wsproto.ErrBadRequest)
}

func (s *Session) handleSpawn(ctx context.Context, req wsproto.Request) wsproto.Response {
	var payload spawnPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return badRequest(req.ID)
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	if s.eng != nil {
		return wsproto.Failure(req.ID, wsproto.ErrEngineBusy)
	}

	cwd := s.fs.Sandbox().Root()
	if payload.CWD != "" {
		resolved, err := s.fs.Sandbox().Resolve(payload.CWD)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		cwd = resolved
	}

	s.setState(StateEngineStarting)
	opts := engine.SpawnOptions{
		Binary:      s.cfg.EngineBinary,
		Name:        payload.Name,
		CWD:         cwd,
		GUI:         payload.GUI,
		GDBBinary:   s.cfg.GDBBinary,
		GUIDisabled: s.cfg.GUIDisabled,
		GUIForced:   s.cfg.GUIForced,
	}

	eng, err := engine.Spawn(ctx, opts, s.onEngineExit)
	if err != nil {
		s.setState(StateEngineDown)
		return wsproto.Failure(req.ID, wsproto.CodeOf(err))
	}

	mon, err := monitor.New(ctx, eng.MonitorAddr)
	if err != nil {
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		eng.Kill(killCtx)
		cancel()
		s.setState(StateEngineDown)
		return wsproto.Failure(req.ID, wsproto.ErrSpawnFailed)
	}

	s.eng = eng
	s.mon = mon
	s.setState(StateEngineRunning)

	s.bindPort(eng.MonitorAddr)
	data := map[string]any{}
	if eng.GDBAddr != "" {
		if port, ok := portOf(eng.GDBAddr); ok {
			s.bindPort(eng.GDBAddr)
			data["gdbPort"] = port
		}
	}

	go s.discoverUARTs(context.Background())

	return wsproto.Success(req.ID, data)
}

// bindPort tells the listener this session now owns addr's port, so
// /telnet/<port> and /run/<port> bridges to it are registered against
// this session for explicit teardown.
func (s *Session) bindPort(addr string) {
	if s.cfg.OnPortBound == nil {
		return
	}
	if port, ok := portOf(addr); ok {
		s.cfg.OnPortBound(port)
	}
}

func portOf(addr string) (int, bool) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, false
	}
	return port, true
}

// onEngineExit is the background watcher's callback: it runs
// once the engine has been reaped, regardless of whether Kill or a
// natural crash caused the exit.
func (s *Session) onEngineExit(info engine.ExitInfo) {
	s.engineMu.Lock()
	s.eng = nil
	if s.mon != nil {
		s.mon.Close()
		s.mon = nil
	}
	s.engineMu.Unlock()

	if s.State() != StateClosed {
		s.setState(StateEngineDown)
	}
	s.emit(wsproto.NewEvent(wsproto.EventRenodeQuit, info))
}

func (s *Session) handleKill(ctx context.Context, req wsproto.Request) wsproto.Response {
	s.engineMu.Lock()
	eng := s.eng
	s.engineMu.Unlock()

	if eng == nil {
		return wsproto.Failure(req.ID, wsproto.ErrEngineNotRunning)
	}
	if err := eng.Kill(ctx); err != nil {
		return wsproto.Failure(req.ID, wsproto.CodeOf(err))
	}
	return wsproto.Success(req.ID, map[string]any{})
}

func (s *Session) handleExecMonitor(ctx context.Context, req wsproto.Request) wsproto.Response {
	var payload execMonitorPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return badRequest(req.ID)
	}

	s.engineMu.Lock()
	mon := s.mon
	s.engineMu.Unlock()
	if mon == nil {
		return wsproto.Failure(req.ID, wsproto.ErrEngineNotRunning)
	}

	lines, err := mon.ExecMonitor(ctx, payload.Commands)
	if err != nil {
		return wsproto.Failure(req.ID, wsproto.CodeOf(err))
	}
	return wsproto.Success(req.ID, map[string]any{"lines": lines})
}

func (s *Session) handleExecRenode(ctx context.Context, req wsproto.Request) wsproto.Response {
	var payload execRenodePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return badRequest(req.ID)
	}

	s.engineMu.Lock()
	mon := s.mon
	s.engineMu.Unlock()
	if mon == nil {
		return wsproto.Failure(req.ID, wsproto.ErrEngineNotRunning)
	}

	var args any
	if len(payload.Args) > 0 {
		if err := json.Unmarshal(payload.Args, &args); err != nil {
			return badRequest(req.ID)
		}
	}

	data, err := mon.ExecRenode(ctx, payload.Command, args, 0)
	if err != nil {
		return wsproto.Failure(req.ID, wsproto.CodeOf(err))
	}
	return wsproto.Success(req.ID, json.RawMessage(data))
}

// handleTweakSocket allocates a fresh local TCP port and instructs the
// engine (via the monitor's structured dialect) to rebind its analyzer
// socket onto it, so the port can subsequently be reached through
// /run/<port>.
func (s *Session) handleTweakSocket(ctx context.Context, req wsproto.Request) wsproto.Response {
	var payload tweakSocketPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return badRequest(req.ID)
	}

	s.engineMu.Lock()
	mon := s.mon
	s.engineMu.Unlock()
	if mon == nil {
		return wsproto.Failure(req.ID, wsproto.ErrEngineNotRunning)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return wsproto.Failure(req.ID, wsproto.ErrIO)
	}
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()

	if _, err := mon.ExecRenode(ctx, "tweak-socket", map[string]int{"port": port}, 0); err != nil {
		return wsproto.Failure(req.ID, wsproto.CodeOf(err))
	}
	if s.cfg.OnPortBound != nil {
		s.cfg.OnPortBound(port)
	}
	return wsproto.Success(req.ID, map[string]any{"port": port})
}

func (s *Session) handleStatus(req wsproto.Request) wsproto.Response {
	return wsproto.Success(req.ID, map[string]any{
		"version":       wsproto.ServerVersion,
		"state":         s.State().String(),
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"droppedEvents": s.dropped.Load(),
	})
}

// uartInfo mirrors the uart-opened event payload, and the shape expected
// back from the monitor's "uarts" structured command.
type uartInfo struct {
	Port        int    `json:"port"`
	Name        string `json:"name"`
	MachineName string `json:"machineName"`
}

// discoverUARTs consults exec-renode uarts after a successful spawn and
// emits uart-opened for each one found.
func (s *Session) discoverUARTs(ctx context.Context) {
	s.engineMu.Lock()
	mon := s.mon
	s.engineMu.Unlock()
	if mon == nil {
		return
	}
	data, err := mon.ExecRenode(ctx, "uarts", nil, 0)
	if err != nil {
		return
	}
	var uarts []uartInfo
	if err := json.Unmarshal(data, &uarts); err != nil {
		return
	}
	for _, u := range uarts {
		if s.cfg.OnUARTDiscovered != nil {
			s.cfg.OnUARTDiscovered(u.MachineName, u.Name, u.Port)
		}
		s.emit(wsproto.NewEvent(wsproto.EventUARTOpened, u))
	}
}

func (s *Session) handleFS(ctx context.Context, req wsproto.Request) wsproto.Response {
	var payload fsPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return badRequest(req.ID)
	}

	arg := func(i int) (string, error) {
		if i >= len(payload.Args) {
			return "", fmt.Errorf("missing argument %d", i)
		}
		return payload.Args[i], nil
	}

	switch req.Action {
	case wsproto.ActionFSList:
		p, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		entries, err := s.fs.List(p)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, entries)

	case wsproto.ActionFSStat:
		p, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		st, err := s.fs.Stat(p)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, st)

	case wsproto.ActionFSDownload:
		p, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		data, err := s.fs.Download(p)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, data)

	case wsproto.ActionFSUpload:
		p, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		path, err := s.fs.Upload(p, payload.Data)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, map[string]any{"path": path})

	case wsproto.ActionFSMkdir:
		p, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		if err := s.fs.Mkdir(p); err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, map[string]any{})

	case wsproto.ActionFSRemove:
		p, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		path, err := s.fs.Remove(p)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, map[string]any{"path": path})

	case wsproto.ActionFSMove:
		from, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		to, err := arg(1)
		if err != nil {
			return badRequest(req.ID)
		}
		fromRel, toRel, err := s.fs.Move(from, to)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, map[string]any{"from": fromRel, "to": toRel})

	case wsproto.ActionFSCopy:
		from, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		to, err := arg(1)
		if err != nil {
			return badRequest(req.ID)
		}
		fromRel, toRel, err := s.fs.Copy(from, to)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, map[string]any{"from": fromRel, "to": toRel})

	case wsproto.ActionFSZip:
		url, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		dest, err := s.fs.Zip(ctx, url)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, map[string]any{"path": dest})

	case wsproto.ActionFSFetch:
		url, err := arg(0)
		if err != nil {
			return badRequest(req.ID)
		}
		dest, err := s.fs.Fetch(ctx, url)
		if err != nil {
			return wsproto.Failure(req.ID, wsproto.CodeOf(err))
		}
		return wsproto.Success(req.ID, map[string]any{"path": dest})

	default:
		return wsproto.Failure(req.ID, wsproto.ErrUnsupportedAction)
	}
}
