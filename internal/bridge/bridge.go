// Package bridge implements the TCP⇄WS byte pump:
// one binary WS frame per TCP read, one tcp write per inbound WS frame,
// with high/low water-mark backpressure. When either direction ends, both
// sides are closed at once; neither side is half-closed.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/renode-ws-proxy/ws-proxy/internal/logger"
)

const (
	tcpReadBuf   = 4 * 1024
	highWaterMark = 1 << 20     // 1 MiB
	lowWaterMark  = 256 * 1024  // 256 KiB
	pingInterval  = 30 * time.Second
	maxMissedPongs = 3
)

// Bridge pumps bytes between one TCP connection and one WS connection
// until either side closes or errors.
type Bridge struct {
	ID   uuid.UUID
	Name string // log/event label, e.g. "uart:machine0/sysbus.uart0"

	tcp net.Conn
	ws  *websocket.Conn

	tcpToWSQueued atomic.Int64 // bytes buffered waiting to be sent over WS
	wsToTCPQueued atomic.Int64 // bytes buffered waiting to be written to TCP

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an already-established TCP connection and WS connection into a
// Bridge. Both are owned by the Bridge after this call — callers must not
// use them directly.
func New(name string, tcp net.Conn, ws *websocket.Conn) *Bridge {
	return &Bridge{
		ID:   uuid.New(),
		Name: name,
		tcp:  tcp,
		ws:   ws,
		done: make(chan struct{}),
	}
}

// Run pumps both directions until ctx is cancelled or either side closes.
// It blocks until both halves have observed EOF or error.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var tcpToWSErr, wsToTCPErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		tcpToWSErr = b.pumpTCPToWS(ctx)
	}()
	go func() {
		defer wg.Done()
		wsToTCPErr = b.pumpWSToTCP(ctx)
	}()

	go b.pingLoop(ctx)

	wg.Wait()
	close(b.done)

	if tcpToWSErr != nil && !isClosedErr(tcpToWSErr) {
		return fmt.Errorf("bridge %s: tcp->ws: %w", b.Name, tcpToWSErr)
	}
	if wsToTCPErr != nil && !isClosedErr(wsToTCPErr) {
		return fmt.Errorf("bridge %s: ws->tcp: %w", b.Name, wsToTCPErr)
	}
	return nil
}

// Close tears down both sides; safe to call multiple times and from any
// goroutine, including from within Run's own pumps on error.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.tcp.Close()
		b.ws.Close(websocket.StatusNormalClosure, "bridge closed")
	})
}

func (b *Bridge) pumpTCPToWS(ctx context.Context) error {
	defer b.halfClose()
	buf := make([]byte, tcpReadBuf)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.waitBelowHighWater(&b.wsToTCPQueued)
		n, err := b.tcp.Read(buf)
		if n > 0 {
			b.tcpToWSQueued.Add(int64(n))
			werr := b.ws.Write(ctx, websocket.MessageBinary, buf[:n])
			b.tcpToWSQueued.Add(-int64(n))
			if werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (b *Bridge) pumpWSToTCP(ctx context.Context) error {
	defer b.halfClose()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.waitBelowHighWater(&b.tcpToWSQueued)
		typ, data, err := b.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		b.wsToTCPQueued.Add(int64(len(data)))
		_, werr := b.tcp.Write(data)
		b.wsToTCPQueued.Add(-int64(len(data)))
		if werr != nil {
			return werr
		}
	}
}

// waitBelowHighWater blocks (with a short sleep/poll loop) while the
// opposite sink's queued byte count sits above the high-water mark,
// resuming once it drops to the low-water mark. Queue depth here means
// "bytes handed to Write and not yet confirmed sent" — a crude proxy for
// the peer stalling, since neither net.Conn nor websocket.Conn exposes a
// real outbound queue depth.
func (b *Bridge) waitBelowHighWater(queued *atomic.Int64) {
	if queued.Load() < highWaterMark {
		return
	}
	for queued.Load() > lowWaterMark {
		time.Sleep(5 * time.Millisecond)
	}
}

func (b *Bridge) halfClose() {
	// Either pump exiting means its source is done; tear the whole bridge
	// down rather than leaving the other pump running against a dead peer.
	b.Close()
}

func (b *Bridge) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingInterval/3)
			err := b.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				missed++
				logger.Warn("bridge: missed pong", "name", b.Name, "missed", missed, "max", maxMissedPongs, "err", err)
				if missed >= maxMissedPongs {
					logger.Warn("bridge: tearing down after missed pongs", "name", b.Name, "missed", missed)
					b.Close()
					return
				}
				continue
			}
			missed = 0
		}
	}
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return false
}
