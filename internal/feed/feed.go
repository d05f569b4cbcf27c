package feed

import (
	"context"
	"encoding/json"
	"time"
)

// RawEvent is one venue payload as received from the wire, before
// normalization. Payload stays opaque here; the normalizer owns its shape.
type RawEvent struct {
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
	Origin     string          `json:"origin"` // "stream" or "poll"
}

// Client is a source of raw trade notifications. Streaming and polling
// clients are interchangeable behind this interface.
type Client interface {
	// Start begins producing events. Context cancellation stops the client.
	Start(ctx context.Context) (<-chan RawEvent, error)

	// Close shuts down the client and releases resources.
	Close() error

	// State reports the connection state for metrics.
	State() State

	// Stats returns a point-in-time snapshot of connection health.
	Stats() Stats
}

// State is the connector's connection state machine position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded // connected but missing liveness probes
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Stats is the observability surface for the dashboard.
type Stats struct {
	State                string        `json:"state"`
	Mode                 string        `json:"mode"` // stream | poll
	EndpointIndex        int           `json:"endpoint_index"`
	TotalReconnects      int64         `json:"total_reconnects"`
	SuccessfulReconnects int64         `json:"successful_reconnects"`
	FailedAttempts       int64         `json:"failed_attempts"`
	ConsecutiveFailures  int64         `json:"consecutive_failures"`
	ProbeTimeouts        int64         `json:"consecutive_probe_timeouts"`
	Quality              int64         `json:"connection_quality"` // 0-100
	SinceLastEvent       time.Duration `json:"since_last_event"`
	Buffered             int           `json:"buffered_events"`
}
