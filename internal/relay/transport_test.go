package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func newTestServer(t *testing.T) (*httptest.Server, *Broker) {
	t.Helper()
	b := NewBroker(nil)
	srv := httptest.NewServer(buildMux(b, false))
	t.Cleanup(srv.Close)
	return srv, b
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// TestS1Register covers spec.md §8 scenario S1.
func TestS1Register(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/agents?name=laptop", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		AgentID string `json:"agent_id"`
		AgentKey string `json:"agent_key"`
		Name    string `json:"name"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.AgentID) < 10 {
		t.Fatalf("agent_id too short: %q", body.AgentID)
	}
	if len(body.AgentKey) < 40 {
		t.Fatalf("agent_key too short: %q", body.AgentKey)
	}
	if body.Name != "laptop" {
		t.Fatalf("expected name laptop, got %q", body.Name)
	}

	getResp, err := http.Get(srv.URL + "/api/agents/" + body.AgentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	var got struct {
		Online bool `json:"online"`
	}
	json.NewDecoder(getResp.Body).Decode(&got)
	if got.Online {
		t.Fatal("expected online=false before any agent socket attaches")
	}
}

func registerAgent(t *testing.T, srv *httptest.Server, name string) (id, key string) {
	t.Helper()
	resp, err := http.Post(fmt.Sprintf("%s/api/agents?name=%s", srv.URL, name), "", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		AgentID string `json:"agent_id"`
		AgentKey string `json:"agent_key"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	return body.AgentID, body.AgentKey
}

// TestS2HappyPath covers spec.md §8 scenario S2.
func TestS2HappyPath(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	id, key := registerAgent(t, srv, "laptop")

	agentConn := dial(t, ctx, wsURL(srv.URL, fmt.Sprintf("/ws/agent/%s?key=%s", id, key)))
	clientConn := dial(t, ctx, wsURL(srv.URL, "/ws/client/"+id))

	var connected map[string]any
	readJSON(t, ctx, clientConn, &connected)
	if connected["type"] != "connected" {
		t.Fatalf("expected connected frame, got %v", connected)
	}

	writeJSON(t, ctx, agentConn, map[string]string{"type": "output", "data": "hello\n"})
	var out map[string]any
	readJSON(t, ctx, clientConn, &out)
	if out["type"] != "output" || out["data"] != "hello\n" {
		t.Fatalf("unexpected output frame: %v", out)
	}

	writeJSON(t, ctx, clientConn, map[string]string{"type": "input", "data": "x"})
	var in map[string]any
	readJSON(t, ctx, agentConn, &in)
	if in["type"] != "input" || in["data"] != "x" || in["client_id"] == "" {
		t.Fatalf("unexpected input frame at agent: %v", in)
	}
}

// TestS3FanOut covers spec.md §8 scenario S3.
func TestS3FanOut(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	id, key := registerAgent(t, srv, "laptop")

	agentConn := dial(t, ctx, wsURL(srv.URL, fmt.Sprintf("/ws/agent/%s?key=%s", id, key)))
	c1 := dial(t, ctx, wsURL(srv.URL, "/ws/client/"+id))
	c2 := dial(t, ctx, wsURL(srv.URL, "/ws/client/"+id))

	var ignore map[string]any
	readJSON(t, ctx, c1, &ignore)
	readJSON(t, ctx, c2, &ignore)

	writeJSON(t, ctx, agentConn, map[string]string{"type": "output", "data": "ok"})

	var o1, o2 map[string]any
	readJSON(t, ctx, c1, &o1)
	readJSON(t, ctx, c2, &o2)
	if o1["data"] != "ok" || o2["data"] != "ok" {
		t.Fatalf("expected both clients to see the same frame, got %v / %v", o1, o2)
	}
}

// TestS4OfflineInput covers spec.md §8 scenario S4.
func TestS4OfflineInput(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	id, _ := registerAgent(t, srv, "laptop")

	clientConn := dial(t, ctx, wsURL(srv.URL, "/ws/client/"+id))
	var connected map[string]any
	readJSON(t, ctx, clientConn, &connected)
	if connected["agent_online"] != false {
		t.Fatalf("expected agent_online=false, got %v", connected)
	}

	writeJSON(t, ctx, clientConn, map[string]string{"type": "input", "data": "x"})
	var errFrame map[string]any
	readJSON(t, ctx, clientConn, &errFrame)
	if errFrame["type"] != "error" || errFrame["message"] != "Agent is offline" {
		t.Fatalf("expected offline error frame, got %v", errFrame)
	}
}

// TestS6AuthFailure covers spec.md §8 scenario S6.
func TestS6AuthFailure(t *testing.T) {
	srv, b := newTestServer(t)
	ctx := context.Background()
	id, _ := registerAgent(t, srv, "laptop")

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, fmt.Sprintf("/ws/agent/%s?key=wrong", id)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// The server accepts the handshake, then immediately closes with 4001 —
	// the close arrives as the first read, not as a Dial error.
	_, _, readErr := conn.Read(ctx)
	if readErr == nil {
		t.Fatal("expected the read to surface the server's close")
	}
	var closeErr websocket.CloseError
	if !errors.As(readErr, &closeErr) {
		t.Fatalf("expected a websocket.CloseError, got %v", readErr)
	}
	if closeErr.Code != websocket.StatusCode(4001) {
		t.Fatalf("expected close code 4001, got %d", closeErr.Code)
	}
	if !strings.Contains(closeErr.Reason, "Invalid") {
		t.Fatalf("expected reason to contain Invalid, got %q", closeErr.Reason)
	}

	agent, _ := b.AgentByID(id)
	if agent.Online() {
		t.Fatal("failed auth attempt must not mark the agent online")
	}
}

// TestAgentSocketReplacementClosesStale covers spec.md §8 invariant 9.
func TestAgentSocketReplacementClosesStale(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	id, key := registerAgent(t, srv, "laptop")

	first := dial(t, ctx, wsURL(srv.URL, fmt.Sprintf("/ws/agent/%s?key=%s", id, key)))
	second := dial(t, ctx, wsURL(srv.URL, fmt.Sprintf("/ws/agent/%s?key=%s", id, key)))
	_ = second

	deadline := time.Now().Add(2 * time.Second)
	var readErr error
	for time.Now().Before(deadline) {
		rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		_, _, readErr = first.Read(rctx)
		cancel()
		if readErr != nil {
			break
		}
	}
	if readErr == nil {
		t.Fatal("expected the replaced agent socket to observe a close")
	}
}
