package hookevent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the inbound hook event variants.
type Kind string

const (
	KindSessionStarted      Kind = "sessionStarted"
	KindToolUseStarted      Kind = "toolUseStarted"
	KindToolUseEnded        Kind = "toolUseEnded"
	KindUserInputWaiting    Kind = "userInputWaiting"
	KindPermissionRequested Kind = "permissionRequested"
	KindPermissionDecided   Kind = "permissionDecided"
	KindCompactionStarted   Kind = "compactionStarted"
	KindCompactionEnded     Kind = "compactionEnded"
	KindSessionEnded        Kind = "sessionEnded"
	KindFileUpdated         Kind = "fileUpdated"
	KindSubagentUpdated     Kind = "subagentUpdated"
)

// Event is the envelope for all inbound hook messages. Payload shape
// depends on Kind.
type Event struct {
	SessionID string          `json:"sessionId"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decision is the outcome of a permission request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// RiskLevel classifies a requested tool invocation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// DecisionFrame is written back to the hook connection that issued the
// matching permissionRequested event.
type DecisionFrame struct {
	RequestID string   `json:"requestId"`
	Decision  Decision `json:"decision"`
	Reason    string   `json:"reason,omitempty"`
}

// Per-kind payloads.

type SessionStartedPayload struct {
	WorkDir string `json:"workDir,omitempty"`
	Model   string `json:"model,omitempty"`
}

type ToolUsePayload struct {
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId,omitempty"`
}

type PermissionRequestedPayload struct {
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	RiskLevel RiskLevel       `json:"riskLevel,omitempty"`
}

type PermissionDecidedPayload struct {
	RequestID string   `json:"requestId"`
	Decision  Decision `json:"decision"`
	Reason    string   `json:"reason,omitempty"`
	// TimedOut marks decisions synthesized by the gateway timer rather
	// than an external caller.
	TimedOut bool `json:"timedOut,omitempty"`
}

type SessionEndedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type FileUpdatedPayload struct {
	Path      string `json:"path,omitempty"`
	FileCount int    `json:"fileCount"`
}

type SubagentUpdatedPayload struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// New creates an event with the given payload, stamped with the current time.
func New(sessionID string, kind Kind, payload interface{}) (*Event, error) {
	ev := &Event{
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// NewPermissionDecided builds the event the gateway submits when a pending
// request resolves, by either path.
func NewPermissionDecided(sessionID, requestID string, decision Decision, reason string, timedOut bool) *Event {
	ev, _ := New(sessionID, KindPermissionDecided, PermissionDecidedPayload{
		RequestID: requestID,
		Decision:  decision,
		Reason:    reason,
		TimedOut:  timedOut,
	})
	return ev
}
