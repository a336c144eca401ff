// Package relay implements the Relay Broker and Relay Transport (spec.md
// §4.3/§4.4, C3/C4): in-memory connection tables, credential checks, and
// fan-out of terminal frames between one agent and its bound clients.
// Grounded on the teacher's internal/relay/node_handler.go for the
// WebSocket accept/read-loop/write-loop shape, generalized from a
// single-hub "one node, one SSH session" model to spec.md §3's
// agents/clients/clients_by_agent tables.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/tetherterm/tetherterm/internal/auth"
	"github.com/tetherterm/tetherterm/internal/connection"
	"github.com/tetherterm/tetherterm/internal/protocol"
	"nhooyr.io/websocket"
)

// Agent is the relay's record of a registered agent (spec.md §3).
type Agent struct {
	ID   string
	Key  string
	Name string

	mu            sync.Mutex
	socket        *connection.WS
	socketCancel  context.CancelFunc
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// Online reports whether a live socket is currently attached.
func (a *Agent) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.socket != nil
}

// Snapshot is a point-in-time, lock-free view of an Agent for API responses.
type Snapshot struct {
	ID            string
	Name          string
	Online        bool
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

func (a *Agent) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ID:            a.ID,
		Name:          a.Name,
		Online:        a.socket != nil,
		ConnectedAt:   a.connectedAt,
		LastHeartbeat: a.lastHeartbeat,
	}
}

// Client is the relay's record of one connected browser/viewer (spec.md §3).
type Client struct {
	ID          string
	socket      *connection.WS
	boundAgent  string
	connectedAt time.Time
}

// Broker owns the three tables from spec.md §4.3 and every operation that
// mutates them. All table mutations happen under mu; any blocking I/O
// (socket writes) happens after the lock is released, per spec.md §5's
// "non-yielding critical sections are kept short" rule.
type Broker struct {
	mu               sync.Mutex
	agentsByID       map[string]*Agent
	clientsByID      map[string]*Client
	clientsByAgent   map[string]map[string]struct{}

	audit *AuditLog // nil when auditing is disabled (spec_full §6 --audit=false)
}

// NewBroker constructs an empty Broker. audit may be nil.
func NewBroker(audit *AuditLog) *Broker {
	return &Broker{
		agentsByID:     make(map[string]*Agent),
		clientsByID:    make(map[string]*Client),
		clientsByAgent: make(map[string]map[string]struct{}),
		audit:          audit,
	}
}

// RegisterAgent creates a new Agent record with a fresh id and key
// (spec.md §4.3 register_agent). In-memory only; lost on relay restart.
func (b *Broker) RegisterAgent(name string) (*Agent, error) {
	id, err := auth.GenerateAgentID()
	if err != nil {
		return nil, err
	}
	key, err := auth.GenerateAgentKey()
	if err != nil {
		return nil, err
	}
	agent := &Agent{ID: id, Key: key, Name: name}

	b.mu.Lock()
	b.agentsByID[id] = agent
	b.mu.Unlock()

	b.audit.record(EventAgentRegistered, id, name)
	return agent, nil
}

// Verify checks agent_id/key in constant time (spec.md §4.3 verify, §8
// invariant 5). Returns the record and true on success.
func (b *Broker) Verify(agentID, key string) (*Agent, bool) {
	b.mu.Lock()
	agent, ok := b.agentsByID[agentID]
	b.mu.Unlock()
	if !ok {
		b.audit.record(EventAgentAuthFailed, agentID, "unknown agent")
		return nil, false
	}
	if !auth.ConstantTimeEqual(key, agent.Key) {
		b.audit.record(EventAgentAuthFailed, agentID, "bad key")
		return nil, false
	}
	return agent, true
}

// AgentByID looks up an agent record by id (for GET /api/agents/{id}).
func (b *Broker) AgentByID(id string) (*Agent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agentsByID[id]
	return a, ok
}

// ListAgents returns a snapshot of every registered agent.
func (b *Broker) ListAgents() []Snapshot {
	b.mu.Lock()
	agents := make([]*Agent, 0, len(b.agentsByID))
	for _, a := range b.agentsByID {
		agents = append(agents, a)
	}
	b.mu.Unlock()

	out := make([]Snapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.snapshot())
	}
	return out
}

// Counts returns the agents_total/agents_online/clients_connected numbers
// for the relay's /health endpoint.
func (b *Broker) Counts() (agentsTotal, agentsOnline, clientsConnected int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	agentsTotal = len(b.agentsByID)
	clientsConnected = len(b.clientsByID)
	for _, a := range b.agentsByID {
		if a.Online() {
			agentsOnline++
		}
	}
	return
}

// AttachAgentSocket installs sock as agent's live socket (spec.md §4.3
// attach_agent_socket, §8 invariant 9). If a prior socket exists it is
// closed with reason "replaced" and no frame is ever delivered to it again.
func (b *Broker) AttachAgentSocket(agent *Agent, sock *connection.WS, cancel context.CancelFunc) {
	agent.mu.Lock()
	prev := agent.socket
	prevCancel := agent.socketCancel
	agent.socket = sock
	agent.socketCancel = cancel
	agent.connectedAt = time.Now()
	agent.lastHeartbeat = agent.connectedAt
	agent.mu.Unlock()

	if prev != nil {
		// Cancel the old connection's read loop first so it cannot race a
		// frame delivery against the socket swap above, then close it.
		if prevCancel != nil {
			prevCancel()
		}
		_ = prev.Close(websocket.StatusNormalClosure, "replaced")
	}

	b.audit.record(EventAgentConnected, agent.ID, "")
	b.broadcastToClients(agent.ID, protocol.ClientFrame{Type: protocol.TypeAgentOnline, AgentID: agent.ID})
}

// DetachAgentSocket clears agent's live socket and notifies bound clients
// (spec.md §4.3 detach_agent_socket).
func (b *Broker) DetachAgentSocket(agent *Agent, sock *connection.WS) {
	agent.mu.Lock()
	if agent.socket != sock {
		// Already replaced by a newer connection; this is the stale
		// connection's own cleanup path, not a real detach.
		agent.mu.Unlock()
		return
	}
	agent.socket = nil
	agent.socketCancel = nil
	agent.mu.Unlock()

	b.audit.record(EventAgentDisconnected, agent.ID, "")
	b.broadcastToClients(agent.ID, protocol.ClientFrame{Type: protocol.TypeAgentOffline, AgentID: agent.ID})
}

// RecordHeartbeat updates an agent's last-heartbeat timestamp.
func (b *Broker) RecordHeartbeat(agent *Agent) {
	agent.mu.Lock()
	agent.lastHeartbeat = time.Now()
	agent.mu.Unlock()
}

// NewClient registers a client socket, unbound (spec.md §3 Client record
// lifecycle: "created on WebSocket accept").
func (b *Broker) NewClient(id string, sock *connection.WS) *Client {
	c := &Client{ID: id, socket: sock, connectedAt: time.Now()}
	b.mu.Lock()
	b.clientsByID[id] = c
	b.mu.Unlock()
	return c
}

// BindClient attaches client to agentID (spec.md §4.3 bind_client). Returns
// the agent (for its online status in the "connected" reply) and whether
// the bind succeeded; it fails only when the agent id is unknown.
func (b *Broker) BindClient(client *Client, agentID string) (agent *Agent, ok bool) {
	b.mu.Lock()
	agent, ok = b.agentsByID[agentID]
	if !ok {
		b.mu.Unlock()
		return nil, false
	}
	client.boundAgent = agentID
	set, exists := b.clientsByAgent[agentID]
	if !exists {
		set = make(map[string]struct{})
		b.clientsByAgent[agentID] = set
	}
	set[client.ID] = struct{}{}
	b.mu.Unlock()

	b.audit.record(EventClientConnected, agentID, client.ID)
	return agent, true
}

// RemoveClient deletes client from every table (spec.md §3: "removed on
// socket close").
func (b *Broker) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clientsByID, client.ID)
	if client.boundAgent != "" {
		if set, ok := b.clientsByAgent[client.boundAgent]; ok {
			delete(set, client.ID)
			if len(set) == 0 {
				delete(b.clientsByAgent, client.boundAgent)
			}
		}
	}
	agentID := client.boundAgent
	b.mu.Unlock()

	b.audit.record(EventClientDisconnected, agentID, client.ID)
}

// ForwardToAgent sends frame to agent's live socket (spec.md §4.3
// forward_to_agent). If the agent is offline, it replies to the
// originating client with an error frame instead of queuing the input
// (spec.md §8 invariant 13: dropped, not buffered).
func (b *Broker) ForwardToAgent(ctx context.Context, agent *Agent, frame protocol.AgentFrame, origin *Client) {
	agent.mu.Lock()
	sock := agent.socket
	agent.mu.Unlock()

	if sock == nil {
		b.sendToClient(ctx, origin, protocol.ClientFrame{
			Type:    protocol.TypeError,
			Message: "Agent is offline",
		})
		return
	}

	data, err := protocol.Marshal(frame)
	if err != nil {
		return
	}
	if err := sock.WriteRaw(ctx, data); err != nil {
		// TransportError on the agent's socket: treat like any other
		// write failure — the agent's own read loop will observe the
		// broken connection and run the detach path.
		return
	}
}

// broadcastToClients fans frame out to every client bound to agentID
// (spec.md §4.3 broadcast_to_clients). A send failure removes that one
// client without aborting delivery to the rest (spec.md §8 invariant 10).
func (b *Broker) broadcastToClients(agentID string, frame protocol.ClientFrame) {
	b.mu.Lock()
	set := b.clientsByAgent[agentID]
	recipients := make([]*Client, 0, len(set))
	for id := range set {
		if c, ok := b.clientsByID[id]; ok {
			recipients = append(recipients, c)
		}
	}
	b.mu.Unlock()

	data, err := protocol.Marshal(frame)
	if err != nil {
		return
	}
	ctx := context.Background()
	for _, c := range recipients {
		if err := c.socket.WriteRaw(ctx, data); err != nil {
			b.RemoveClient(c)
		}
	}
}

// BroadcastToClients is the exported form used by the agent's read loop to
// fan out "output"/"error"/"status" frames it received (spec.md §4.3).
func (b *Broker) BroadcastToClients(agentID string, frame protocol.ClientFrame) {
	b.broadcastToClients(agentID, frame)
}

func (b *Broker) sendToClient(ctx context.Context, client *Client, frame protocol.ClientFrame) {
	data, err := protocol.Marshal(frame)
	if err != nil {
		return
	}
	if err := client.socket.WriteRaw(ctx, data); err != nil {
		b.RemoveClient(client)
	}
}
