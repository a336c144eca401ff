package protocol

// SSEEvent is the payload shape the agent's /sse endpoint emits for each
// dequeued output chunk, and for idle heartbeats.
type SSEEvent struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// NewOutputEvent wraps a decoded PTY output chunk for the SSE stream.
func NewOutputEvent(data string) SSEEvent {
	return SSEEvent{Type: "output", Data: data}
}

// HeartbeatEvent is emitted on the 30s SSE idle timeout to keep proxies alive.
var HeartbeatEvent = SSEEvent{Type: "heartbeat"}
