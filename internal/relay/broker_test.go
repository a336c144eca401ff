package relay

import (
	"testing"

	"github.com/tetherterm/tetherterm/internal/connection"
)

// newTestBroker returns a Broker with auditing disabled. Tests here only
// exercise table bookkeeping, never real I/O, so clients are given a
// connection.New(nil) socket; paths where WriteRaw/ReadRaw matter are
// covered by the HTTP-level tests instead.
func newTestBroker() *Broker {
	return NewBroker(nil)
}

func TestRegisterAgentReturnsOfflineRecordWithIDAndKey(t *testing.T) {
	b := newTestBroker()
	a, err := b.RegisterAgent("laptop")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if len(a.ID) < 10 {
		t.Fatalf("agent_id too short: %q", a.ID)
	}
	if len(a.Key) < 40 {
		t.Fatalf("agent_key too short: %q", a.Key)
	}
	if a.Name != "laptop" {
		t.Fatalf("expected name laptop, got %q", a.Name)
	}
	if a.Online() {
		t.Fatal("freshly registered agent must be offline")
	}
}

func TestVerifyRejectsUnknownAgentAndBadKey(t *testing.T) {
	b := newTestBroker()
	a, _ := b.RegisterAgent("x")

	if _, ok := b.Verify("no-such-agent", a.Key); ok {
		t.Fatal("expected verify to fail for unknown agent id")
	}
	if _, ok := b.Verify(a.ID, "wrong-key"); ok {
		t.Fatal("expected verify to fail for wrong key")
	}
	if got, ok := b.Verify(a.ID, a.Key); !ok || got != a {
		t.Fatal("expected verify to succeed with correct id/key")
	}
}

func TestBindClientFailsForUnknownAgent(t *testing.T) {
	b := newTestBroker()
	client := b.NewClient("c1", connection.New(nil))
	if _, ok := b.BindClient(client, "ghost"); ok {
		t.Fatal("expected bind to fail for unknown agent")
	}
}

func TestRemoveClientClearsClientsByAgent(t *testing.T) {
	b := newTestBroker()
	a, _ := b.RegisterAgent("x")
	client := b.NewClient("c1", connection.New(nil))
	b.BindClient(client, a.ID)

	b.mu.Lock()
	_, bound := b.clientsByAgent[a.ID][client.ID]
	b.mu.Unlock()
	if !bound {
		t.Fatal("expected client to be bound after BindClient")
	}

	b.RemoveClient(client)

	b.mu.Lock()
	_, stillPresent := b.clientsByID[client.ID]
	set := b.clientsByAgent[a.ID]
	b.mu.Unlock()
	if stillPresent {
		t.Fatal("expected client removed from clients_by_id")
	}
	if _, ok := set[client.ID]; ok {
		t.Fatal("expected client removed from clients_by_agent")
	}
}
