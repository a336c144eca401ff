// Package agenthttp implements the Agent Transport (spec.md §4.2, C2): a
// token-gated HTTP surface exposing one PTY Session's terminal, input and
// resize endpoints plus an unauthenticated health probe. Grounded on the
// teacher's demo/broker/main.go for the plain net/http mux + graceful
// shutdown shape, and internal/auth for the token/cookie gate.
package agenthttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tetherterm/tetherterm/internal/auth"
	"github.com/tetherterm/tetherterm/internal/pty"
)

// sseIdleTimeout is the idle wait before a heartbeat event is emitted
// (spec.md §5: "SSE output wait has a 30s idle timeout").
const sseIdleTimeout = 30 * time.Second

// Server exposes one PTY Session over HTTP. Exactly one Session lives for
// the lifetime of the Server (spec.md §4.2 invariant).
type Server struct {
	session     *pty.Session
	accessToken string
	cookieSecure bool

	// RelayConnected reports whether the optional Agent-Relay Link is
	// currently attached, for /health (spec_full §4.2 expansion). Nil when
	// the agent was never configured with a relay.
	RelayConnected func() *bool

	mu       sync.Mutex
	streams  map[*sseStream]struct{}
	shutdown bool
}

type sseStream struct {
	cancel context.CancelFunc
}

// New creates a Server bound to session, gated by accessToken.
func New(session *pty.Session, accessToken string, cookieSecure bool) *Server {
	return &Server{
		session:      session,
		accessToken:  accessToken,
		cookieSecure: cookieSecure,
		streams:      make(map[*sseStream]struct{}),
	}
}

// Handler returns the http.Handler implementing spec.md §6's agent surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.authGate(s.handleIndex))
	mux.HandleFunc("GET /sse", s.authGate(s.handleSSE))
	mux.HandleFunc("POST /input", s.authGate(s.handleInput))
	mux.HandleFunc("POST /resize", s.authGate(s.handleResize))
	return mux
}

// authGate enforces spec.md §4.6: a valid token via query param or cookie;
// a valid query-param token (first contact) is exchanged for an http-only,
// SameSite=Lax, 24h cookie so later requests can omit it.
func (s *Server) authGate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, fromQuery := auth.TokenFromRequest(r)
		if token == "" || !auth.ConstantTimeEqual(token, s.accessToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if fromQuery {
			auth.IssueCookie(w, s.accessToken, s.cookieSecure)
		}
		next(w, r)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// The bundled terminal HTML/JS is an external asset (spec.md §1 out of
	// scope); this just confirms the gate passed and the agent is alive.
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<!doctype html><title>tetherterm</title><body>connected</body>"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status          string `json:"status"`
		ChildAlive      bool   `json:"child_alive"`
		SSEConnections  int    `json:"sse_connections"`
		RelayConnected  *bool  `json:"relay_connected,omitempty"`
	}{
		Status:         "healthy",
		ChildAlive:      s.session.ChildAlive(),
		SSEConnections: s.activeStreamCount(),
	}
	if s.RelayConnected != nil {
		resp.RelayConnected = s.RelayConnected()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	s.session.WriteInput([]byte(body.Data))
	writeOK(w)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	rows := clamp(body.Rows, 1, 1000)
	cols := clamp(body.Cols, 1, 1000)
	if err := s.session.Resize(uint16(cols), uint16(rows)); err != nil {
		slog.Warn("resize failed", "err", err)
	}
	writeOK(w)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Shutdown cancels every active SSE stream. Call before tearing down the
// underlying PTY Session (spec.md §4.2/§5 ordered shutdown).
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	streams := make([]*sseStream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.cancel()
	}
}

func (s *Server) activeStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Server) registerStream(st *sseStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.streams[st] = struct{}{}
	return true
}

func (s *Server) unregisterStream(st *sseStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, st)
}
