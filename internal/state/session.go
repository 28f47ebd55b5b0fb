package state

import (
	"time"

	"github.com/oklog/ulid/v2"

	"claude-relay/internal/hookevent"
)

// HistoryItemKind classifies a session history entry.
type HistoryItemKind string

const (
	HistoryToolUse    HistoryItemKind = "toolUse"
	HistoryPermission HistoryItemKind = "permission"
	HistoryCompaction HistoryItemKind = "compaction"
	HistorySubagent   HistoryItemKind = "subagent"
	HistoryLifecycle  HistoryItemKind = "lifecycle"
)

// HistoryItem is one entry in a session's ordered history.
type HistoryItem struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      HistoryItemKind `json:"kind"`
	Text      string          `json:"text"`
	ToolName  string          `json:"toolName,omitempty"`
}

// ToolTracker holds the tool-execution state of a session.
type ToolTracker struct {
	ActiveTool      string    `json:"activeTool,omitempty"`
	ActiveToolUseID string    `json:"activeToolUseId,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	Completed       int       `json:"completed"`
}

// SubagentState tracks an optional sub-agent reported by collaborator watchers.
type SubagentState struct {
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is the tracked state of one external CLI run. Records are created
// on the first event for an unseen id and mutated only by the Coordinator.
type Session struct {
	ID          string         `json:"id"`
	Phase       Phase          `json:"phase"`
	WorkDir     string         `json:"workDir,omitempty"`
	Model       string         `json:"model,omitempty"`
	History     []HistoryItem  `json:"history"`
	Tools       ToolTracker    `json:"tools"`
	Subagent    *SubagentState `json:"subagent,omitempty"`
	FileCount   int            `json:"fileCount"`
	StartedAt   time.Time      `json:"startedAt"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// clone returns a deep copy safe to hand to subscribers.
func (s *Session) clone() *Session {
	cp := *s
	cp.Phase = s.Phase.clone()
	cp.History = make([]HistoryItem, len(s.History))
	copy(cp.History, s.History)
	if s.Subagent != nil {
		sub := *s.Subagent
		cp.Subagent = &sub
	}
	return &cp
}

func (s *Session) appendHistory(kind HistoryItemKind, text, toolName string, ts time.Time) {
	s.History = append(s.History, HistoryItem{
		ID:        ulid.Make().String(),
		Timestamp: ts,
		Kind:      kind,
		Text:      text,
		ToolName:  toolName,
	})
}

// OutcomeStatus is the audited result class of one processed event.
type OutcomeStatus string

const (
	StatusApplied  OutcomeStatus = "applied"
	StatusRejected OutcomeStatus = "rejected"
	StatusTimeout  OutcomeStatus = "timeout"
)

// Outcome is the result of Coordinator.Process. Invalid transitions are a
// first-class rejected outcome, never an error.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Phase  PhaseKind     `json:"phase,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// IsApplied reports whether the event mutated state.
func (o Outcome) IsApplied() bool {
	return o.Status != StatusRejected
}

// AuditEntry is one immutable record of a processed event. The trail is
// append-only and never reordered.
type AuditEntry struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Event       hookevent.Kind `json:"event"`
	PhaseBefore PhaseKind      `json:"phaseBefore"`
	PhaseAfter  PhaseKind      `json:"phaseAfter"`
	Status      OutcomeStatus  `json:"status"`
	Reason      string         `json:"reason,omitempty"`
}
