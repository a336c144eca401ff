// Package relaylink implements the Agent-Relay Link (spec.md §4.5, C5): an
// optional outbound WebSocket client that lets an agent "pull" a connection
// to a public relay instead of exposing its HTTP surface directly. Grounded
// on the teacher's internal/relay/node_handler.go write/read-loop shape and
// internal/connection/websocket.go's wrapper, run in the opposite direction
// (agent dials out, rather than relay accepting in).
package relaylink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/tetherterm/tetherterm/internal/connection"
	"github.com/tetherterm/tetherterm/internal/protocol"
	"github.com/tetherterm/tetherterm/internal/pty"
)

// errSessionStopped is returned by forwardOutput when the local PTY
// session's broadcaster closes the subscription channel (session stopped).
var errSessionStopped = errors.New("pty session stopped")

// backoff schedule from spec.md §5: 5, 10, 20, 40, 60, 60… seconds, reset
// on a fully-established session.
var backoffSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

const heartbeatInterval = 30 * time.Second

// Config describes how to reach the relay and which session to serve.
type Config struct {
	RelayURL string // e.g. "wss://relay.example.com/ws/agent/<id>?key=<key>"
	Session  *pty.Session
}

// Link runs the reconnect-with-backoff loop described in spec.md §4.5.
// Connected reports whether a session is currently fully established, for
// the agent's /health relay_connected flag (spec_full §4.2 expansion).
type Link struct {
	cfg       Config
	connected atomic.Bool
}

// New constructs a Link for cfg. Call Run in a goroutine; it blocks until
// ctx is cancelled.
func New(cfg Config) *Link {
	return &Link{cfg: cfg}
}

// Connected reports whether a relay session is currently established.
func (l *Link) Connected() *bool {
	v := l.connected.Load()
	return &v
}

// Run dials the relay, and on any failure reconnects with the backoff
// schedule above, resetting to the start of the schedule once a session
// stays up long enough to be considered established.
func (l *Link) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		establishedAt, err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		// Only a session that actually dialed counts toward resetting the
		// backoff; a zero establishedAt means the dial itself failed (the
		// relay is down/unreachable), which must still escalate the delay.
		dialed := !establishedAt.IsZero()
		if err == nil || (dialed && time.Since(establishedAt) > heartbeatInterval) {
			attempt = 0
		}

		delay := backoffSchedule[len(backoffSchedule)-1]
		if attempt < len(backoffSchedule) {
			delay = backoffSchedule[attempt]
		}
		attempt++
		slog.Warn("relay link disconnected, reconnecting", "err", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce dials once, runs the supervised worker set until any one of them
// fails, tears the rest down, and returns the time the session was
// considered established (dial succeeded) plus the error that ended it.
func (l *Link) runOnce(ctx context.Context) (establishedAt time.Time, err error) {
	conn, _, dialErr := websocket.Dial(ctx, l.cfg.RelayURL, nil)
	if dialErr != nil {
		return time.Time{}, dialErr
	}
	establishedAt = time.Now()
	defer conn.CloseNow()

	l.connected.Store(true)
	defer l.connected.Store(false)

	sock := connection.New(conn)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	subID, outputCh := l.cfg.Session.Subscribe()
	defer l.cfg.Session.Unsubscribe(subID)

	errCh := make(chan error, 3)
	go func() { errCh <- forwardOutput(sessCtx, sock, outputCh) }()
	go func() { errCh <- sendHeartbeats(sessCtx, sock) }()
	go func() { errCh <- receiveDispatch(sessCtx, sock, l.cfg.Session) }()

	// As soon as any one worker fails, cancel sessCtx so the others unwind;
	// collect all three before returning so no goroutine outlives runOnce.
	first := <-errCh
	cancel()
	<-errCh
	<-errCh

	return establishedAt, first
}

// forwardOutput pushes decoded PTY chunks up as "output" frames (spec.md §4.5).
func forwardOutput(ctx context.Context, sock *connection.WS, ch <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return errSessionStopped
			}
			data, err := protocol.Marshal(protocol.AgentFrame{Type: protocol.TypeOutput, Data: string(chunk)})
			if err != nil {
				continue
			}
			if err := sock.WriteRaw(ctx, data); err != nil {
				return err
			}
		}
	}
}

// sendHeartbeats emits a heartbeat frame every 30s (spec.md §4.5/§5).
func sendHeartbeats(ctx context.Context, sock *connection.WS) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			data, _ := protocol.Marshal(protocol.AgentFrame{Type: protocol.TypeHeartbeat})
			if err := sock.WriteRaw(ctx, data); err != nil {
				return err
			}
		}
	}
}

// receiveDispatch reads frames from the relay and applies input frames to
// the local session (spec.md §4.5). There is no resize frame type on this
// link; any frame type other than input and heartbeat_ack is logged and
// ignored.
func receiveDispatch(ctx context.Context, sock *connection.WS, session *pty.Session) error {
	for {
		raw, err := sock.ReadRaw(ctx)
		if err != nil {
			return err
		}
		typ, err := protocol.PeekType(raw)
		if err != nil {
			return err // malformed JSON closes this peer
		}

		var frame protocol.AgentFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return err
		}

		switch typ {
		case protocol.TypeInput:
			session.WriteInput([]byte(frame.Data))
		case protocol.TypeHeartbeatAck:
			// No-op: only used to confirm the relay is still listening.
		default:
			slog.Debug("unknown relay frame type", "type", typ)
		}
	}
}
