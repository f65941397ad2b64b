// Package wire implements the transport fabric: JSON envelopes framed
// over HTTP, WebSocket, or a unix socket, producers with heartbeat
// liveness and single-in-flight delivery acknowledgement, and consumers
// demultiplexing incoming frames.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope actions.
const (
	ActionPing              = "Ping"
	ActionPong              = "Pong"
	ActionQueryRequest      = "QueryRequest"
	ActionQueryResponse     = "QueryResponse"
	ActionOutboxStreamBatch = "OutboxStreamBatch"
	ActionOutboxStreamAck   = "OutboxStreamAck"
)

// EnvelopeOverhead is the fixed framing allowance added to the serialized
// envelope length before comparing against the message size cap.
const EnvelopeOverhead = 256

// Envelope is the container framing every wire message.
type Envelope struct {
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// NewEnvelope builds an envelope with the payload marshalled and the
// timestamp stamped.
func NewEnvelope(action string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Action: action, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", action, err)
		}
		env.Payload = data
	}
	return env, nil
}

// WireEvent is one outbox event as framed in an OutboxStreamBatch.
type WireEvent struct {
	ModelName    string `json:"modelName"`
	EventType    string `json:"eventType"`
	EventVersion int64  `json:"eventVersion"`
	RequestID    string `json:"requestId"`
	BlockHeight  int64  `json:"blockHeight"`
	Payload      string `json:"payload"` // Decompressed JSON.
	Timestamp    int64  `json:"timestamp"`
}

// StreamBatchPayload is the OutboxStreamBatch body.
type StreamBatchPayload struct {
	Events []WireEvent `json:"events"`
}

// Ack is the OutboxStreamAck body. Absent OkIndices with AllOk true means
// the whole batch was accepted.
type Ack struct {
	AllOk     bool  `json:"allOk"`
	OkIndices []int `json:"okIndices,omitempty"`
}

// NeutralAck is returned when no streaming producer is selected: nothing
// was sent, nothing failed.
func NeutralAck() *Ack {
	return &Ack{AllOk: true, OkIndices: []int{}}
}

// QueryRequestPayload is the QueryRequest body.
type QueryRequestPayload struct {
	Name string          `json:"name"`
	DTO  json.RawMessage `json:"dto,omitempty"`
}

// QueryResponsePayload is the QueryResponse body.
type QueryResponsePayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"err,omitempty"`
}

// PongPayload carries the responder's clock.
type PongPayload struct {
	Timestamp int64 `json:"ts"`
}
