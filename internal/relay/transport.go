package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/tetherterm/tetherterm/internal/connection"
	"github.com/tetherterm/tetherterm/internal/protocol"
)

// heartbeatInterval/pingTimeout implement spec.md §5: application-level
// heartbeats every 30s, each bounded by a 10s write deadline standing in
// for the transport-level ping/pong timeout — a write that can't complete
// within pingTimeout means the peer is as good as gone.
const (
	heartbeatInterval = 30 * time.Second
	pingTimeout       = 10 * time.Second
)

// buildMux wires the relay's HTTP/WS surface (spec.md §6) over one Broker.
// auditEnabled gates the read-only audit events endpoint and is reported
// by /health as audit_enabled.
func buildMux(b *Broker, auditEnabled bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents", registerAgentHandler(b))
	mux.HandleFunc("GET /api/agents", listAgentsHandler(b))
	mux.HandleFunc("GET /api/agents/{id}", getAgentHandler(b))
	mux.HandleFunc("GET /ws/agent/{id}", agentWSHandler(b))
	mux.HandleFunc("GET /ws/client/{id}", clientWSHandler(b))
	mux.HandleFunc("GET /health", healthHandler(b, auditEnabled))
	if auditEnabled {
		mux.HandleFunc("GET /api/agents/{id}/events", agentEventsHandler(b))
	}
	return mux
}

func registerAgentHandler(b *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		agent, err := b.RegisterAgent(name)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"agent_id":  agent.ID,
			"agent_key": agent.Key,
			"name":      agent.Name,
			"message":   "store this key now — it will not be shown again",
		})
	}
}

func listAgentsHandler(b *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshotsToResponse(b.ListAgents()))
	}
}

func getAgentHandler(b *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, ok := b.AgentByID(r.PathValue("id"))
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshotToResponse(agent.snapshot()))
	}
}

func agentEventsHandler(b *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := b.AgentByID(id); !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		n := 50
		if raw := r.URL.Query().Get("tail"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				n = parsed
			}
		}
		events, err := b.audit.Tail(r.Context(), id, n)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}
}

func healthHandler(b *Broker, auditEnabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, online, clients := b.Counts()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":            "healthy",
			"agents_total":      total,
			"agents_online":     online,
			"clients_connected": clients,
			"audit_enabled":     auditEnabled,
		})
	}
}

type agentResponse struct {
	AgentID       string     `json:"agent_id"`
	Name          string     `json:"name"`
	Online        bool       `json:"online"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

func snapshotToResponse(s Snapshot) agentResponse {
	resp := agentResponse{AgentID: s.ID, Name: s.Name, Online: s.Online}
	if !s.ConnectedAt.IsZero() {
		resp.ConnectedAt = &s.ConnectedAt
	}
	if !s.LastHeartbeat.IsZero() {
		resp.LastHeartbeat = &s.LastHeartbeat
	}
	return resp
}

func snapshotsToResponse(snaps []Snapshot) []agentResponse {
	out := make([]agentResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotToResponse(s))
	}
	return out
}

// agentWSHandler implements WS /ws/agent/{id}?key=… (spec.md §4.4): verify,
// attach, drive a single receive loop, detach on disconnect.
func agentWSHandler(b *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		key := r.URL.Query().Get("key")

		agent, ok := b.Verify(id, key)
		if !ok {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			conn.Close(websocket.StatusCode(4001), "Invalid agent credentials")
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(1 << 20)
		sock := connection.New(conn)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		b.AttachAgentSocket(agent, sock, cancel)
		defer b.DetachAgentSocket(agent, sock)
		defer conn.CloseNow()

		go agentHeartbeatLoop(ctx, b, agent, sock)

		for {
			raw, err := sock.ReadRaw(ctx)
			if err != nil {
				return
			}
			typ, err := protocol.PeekType(raw)
			if err != nil {
				// Malformed JSON closes only this peer (spec.md §8 invariant 12).
				sock.Close(websocket.StatusUnsupportedData, "malformed frame")
				return
			}

			var frame protocol.AgentFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				sock.Close(websocket.StatusUnsupportedData, "malformed frame")
				return
			}

			switch typ {
			case protocol.TypeHeartbeat:
				b.RecordHeartbeat(agent)
			case protocol.TypeOutput:
				b.BroadcastToClients(agent.ID, protocol.ClientFrame{Type: protocol.TypeOutput, Data: frame.Data})
			case protocol.TypeError:
				b.BroadcastToClients(agent.ID, protocol.ClientFrame{Type: protocol.TypeError, Message: frame.Message})
			case protocol.TypeStatus:
				// Status frames are accepted but carry no defined client-facing
				// effect yet; logged for operators, never closes the peer.
				slog.Debug("agent status frame", "agent_id", agent.ID)
			default:
				// Unknown type: logged and ignored (spec.md §4.3).
				slog.Debug("unknown agent frame type", "type", typ, "agent_id", agent.ID)
			}
		}
	}
}

func agentHeartbeatLoop(ctx context.Context, b *Broker, agent *Agent, sock *connection.WS) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, _ := protocol.Marshal(protocol.AgentFrame{Type: protocol.TypeHeartbeatAck})
			writeCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := sock.WriteRaw(writeCtx, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// clientWSHandler implements WS /ws/client/{id} (spec.md §4.4): bind to the
// named agent (or close 4004), accept input/ping frames, forward to the
// agent or reply "Agent is offline".
func clientWSHandler(b *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.PathValue("id")

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(1 << 20)
		sock := connection.New(conn)
		defer conn.CloseNow()

		clientID := uuid.NewString()
		client := b.NewClient(clientID, sock)

		agent, ok := b.BindClient(client, agentID)
		if !ok {
			sock.Close(websocket.StatusCode(4004), "Agent not found")
			b.RemoveClient(client)
			return
		}
		defer b.RemoveClient(client)

		ctx := r.Context()
		online := agent.Online()
		connectedFrame := protocol.ClientFrame{
			Type:        protocol.TypeConnected,
			ClientID:    clientID,
			AgentID:     agentID,
			AgentOnline: &online,
		}
		data, _ := protocol.Marshal(connectedFrame)
		if err := sock.WriteRaw(ctx, data); err != nil {
			return
		}

		for {
			raw, err := sock.ReadRaw(ctx)
			if err != nil {
				return
			}
			typ, err := protocol.PeekType(raw)
			if err != nil {
				sock.Close(websocket.StatusUnsupportedData, "malformed frame")
				return
			}

			var frame protocol.ClientFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				sock.Close(websocket.StatusUnsupportedData, "malformed frame")
				return
			}

			switch typ {
			case protocol.TypePing:
				pong, _ := protocol.Marshal(protocol.ClientFrame{Type: protocol.TypePong})
				if err := sock.WriteRaw(ctx, pong); err != nil {
					return
				}
			case protocol.TypeInput:
				b.ForwardToAgent(ctx, agent, protocol.AgentFrame{
					Type:     protocol.TypeInput,
					Data:     frame.Data,
					ClientID: clientID,
				}, client)
			default:
				slog.Debug("unknown client frame type", "type", typ, "client_id", clientID)
			}
		}
	}
}
