package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Audit event kinds (spec_full §3 AuditEvent.kind).
const (
	EventAgentRegistered   = "agent_registered"
	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"
	EventAgentAuthFailed   = "agent_auth_failed"
	EventClientConnected   = "client_connected"
	EventClientDisconnected = "client_disconnected"
)

// AuditEvent is one row of the append-only audit table (spec_full §3).
type AuditEvent struct {
	ID      int64
	Ts      time.Time
	Kind    string
	AgentID string
	Detail  string
}

// AuditLog is the relay's best-effort, non-authoritative event record
// (spec_full §2 C7). It is written via a buffered channel and a single
// writer goroutine so a slow or full disk can never make a broker
// operation block; under backpressure events are simply dropped (spec_full
// §8 property 14). A nil *AuditLog is valid and every method on it is a
// no-op, matching --audit=false (spec_full §6).
type AuditLog struct {
	db     *sql.DB
	events chan auditWrite
	done   chan struct{}
}

type auditWrite struct {
	kind, agentID, detail string
	ts                    time.Time
}

// OpenAuditLog opens (creating if necessary) a SQLite database under
// dataDir and starts its writer goroutine. Grounded on the teacher's
// internal/store sqlite driver choice (modernc.org/sqlite, no cgo).
func OpenAuditLog(dataDir string) (*AuditLog, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	path := filepath.Join(dataDir, "audit.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer avoids SQLITE_BUSY

	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	kind TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	detail TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	a := &AuditLog{
		db:     db,
		events: make(chan auditWrite, 256),
		done:   make(chan struct{}),
	}
	go a.writeLoop()
	return a, nil
}

func (a *AuditLog) writeLoop() {
	defer close(a.done)
	stmt, err := a.db.Prepare(`INSERT INTO audit_events (ts, kind, agent_id, detail) VALUES (?, ?, ?, ?)`)
	if err != nil {
		slog.Warn("audit log: preparing insert failed, disabling writer", "err", err)
		for range a.events {
			// Drain without writing so senders never block forever.
		}
		return
	}
	defer stmt.Close()

	for ev := range a.events {
		if _, err := stmt.Exec(ev.ts.UnixNano(), ev.kind, ev.agentID, ev.detail); err != nil {
			slog.Warn("audit log: insert failed", "kind", ev.kind, "err", err)
		}
	}
}

// record is the fire-and-forget entry point every broker operation calls.
// It never blocks: a full channel drops the event (spec_full §8 property
// 14), and a nil receiver (audit disabled) is a no-op.
func (a *AuditLog) record(kind, agentID, detail string) {
	if a == nil {
		return
	}
	select {
	case a.events <- auditWrite{kind: kind, agentID: agentID, detail: detail, ts: time.Now()}:
	default:
		slog.Warn("audit log: channel full, dropping event", "kind", kind, "agent_id", agentID)
	}
}

// Tail returns the most recent n events for agentID, newest first, for
// GET /api/agents/{id}/events (spec_full §4.4 expansion).
func (a *AuditLog) Tail(ctx context.Context, agentID string, n int) ([]AuditEvent, error) {
	if a == nil {
		return nil, nil
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, ts, kind, agent_id, detail FROM audit_events WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var tsNano int64
		if err := rows.Scan(&ev.ID, &tsNano, &ev.Kind, &ev.AgentID, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Ts = time.Unix(0, tsNano)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close stops accepting new events, flushes the writer goroutine, and
// closes the database. Bounded by a short deadline so relay shutdown never
// hangs on a stuck disk (spec_full §5 expansion).
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	close(a.events)
	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
		slog.Warn("audit log: writer did not flush in time, closing anyway")
	}
	return a.db.Close()
}
