package state

import (
	"encoding/json"
	"time"

	"claude-relay/internal/hookevent"
)

// PhaseKind identifies the lifecycle state of a session.
type PhaseKind string

const (
	PhaseIdle               PhaseKind = "idle"
	PhaseProcessing         PhaseKind = "processing"
	PhaseWaitingForInput    PhaseKind = "waitingForInput"
	PhaseWaitingForApproval PhaseKind = "waitingForApproval"
	PhaseCompacting         PhaseKind = "compacting"
	PhaseEnded              PhaseKind = "ended"

	// phaseNone is the audit marker for events addressing a session id
	// with no live record.
	phaseNone PhaseKind = "none"
)

// PermissionContext describes an in-flight approval request. It exists
// only while the owning session's phase is waitingForApproval.
type PermissionContext struct {
	RequestID   string              `json:"requestId"`
	ToolName    string              `json:"toolName"`
	ToolInput   json.RawMessage     `json:"toolInput,omitempty"`
	RiskLevel   hookevent.RiskLevel `json:"riskLevel,omitempty"`
	RequestedAt time.Time           `json:"requestedAt"`
}

// Phase is the current lifecycle state of a session. Approval is non-nil
// exactly when Kind is waitingForApproval.
type Phase struct {
	Kind     PhaseKind          `json:"kind"`
	Approval *PermissionContext `json:"approval,omitempty"`
}

func phaseOf(kind PhaseKind) Phase {
	return Phase{Kind: kind}
}

func (p Phase) clone() Phase {
	if p.Approval == nil {
		return p
	}
	ctx := *p.Approval
	return Phase{Kind: p.Kind, Approval: &ctx}
}
