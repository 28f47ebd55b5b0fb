package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"claude-relay/internal/hookevent"
	"claude-relay/internal/state"
)

// Message is the envelope for all WebSocket messages on the bridge.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeStateSnapshot = "state.snapshot"
	TypeStateDelta    = "state.delta"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeDecisionSubmit = "decision.submit"
)

// Error codes.
const (
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrRequestResolved = "REQUEST_RESOLVED"
)

// SnapshotPayload is the initial full-state batch sent on connect.
type SnapshotPayload struct {
	Sessions []*state.Session `json:"sessions"`
}

// DeltaPayload carries the complete updated snapshot of one session.
type DeltaPayload struct {
	Session *state.Session `json:"session"`
}

// DecisionSubmitPayload is a permission decision submitted by an observer.
type DecisionSubmitPayload struct {
	RequestID string             `json:"requestId"`
	Decision  hookevent.Decision `json:"decision"`
	Reason    string             `json:"reason,omitempty"`
}

// ErrorPayload reports a client-facing error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeDecisionSubmit: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeDecisionSubmit:
		var p DecisionSubmitPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("missing required field 'requestId' in %s payload", msg.Type)
		}
		if p.Decision != hookevent.DecisionApprove && p.Decision != hookevent.DecisionDeny {
			return nil, fmt.Errorf("invalid decision %q in %s payload", p.Decision, msg.Type)
		}
	}

	return &msg, nil
}
