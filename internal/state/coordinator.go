package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"claude-relay/internal/hookevent"
)

// PermissionRegistrar arms the approval timeout for a permission request.
// Implemented by the permission gateway; Register must not block.
// Cancel releases a pending request whose session reached a terminal phase;
// no permissionDecided round-trip follows.
type PermissionRegistrar interface {
	Register(sessionID, requestID string)
	Cancel(requestID, reason string)
}

// Coordinator is the single mutation authority for session state. All
// writes funnel through Process; reads go through Sessions/Audit or the
// broadcast stream, which only ever see deep copies.
type Coordinator struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	audits    map[string][]AuditEntry
	bcast     *Broadcaster
	registrar PermissionRegistrar
}

// New creates a Coordinator. registrar may be nil, in which case permission
// requests transition state but no timeout is armed (useful in tests).
func New(registrar PermissionRegistrar, subscriberBuf int) *Coordinator {
	return &Coordinator{
		sessions:  make(map[string]*Session),
		audits:    make(map[string][]AuditEntry),
		bcast:     newBroadcaster(subscriberBuf),
		registrar: registrar,
	}
}

// SetRegistrar installs the permission registrar. The coordinator and the
// gateway reference each other; the composition root builds the coordinator
// first and wires the gateway in afterward, before events flow.
func (c *Coordinator) SetRegistrar(r PermissionRegistrar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrar = r
}

// Process applies one hook event to the state machine. Exactly one audit
// entry is appended per call, applied or rejected. On an applied outcome the
// updated session snapshot is published to all subscribers.
//
// No I/O happens while the state lock is held: broadcaster delivery is a
// non-blocking channel send with drop-oldest overflow.
func (c *Coordinator) Process(ev *hookevent.Event) Outcome {
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	c.mu.Lock()

	s := c.sessions[ev.SessionID]

	before := phaseNone
	if s != nil {
		before = s.Phase.Kind
	}

	// Ending a session mid-approval abandons the pending request. It is
	// released after the lock drops so the waiting peer gets its deny
	// immediately instead of riding out the timer.
	var abandoned string
	if ev.Kind == hookevent.KindSessionEnded && s != nil &&
		s.Phase.Kind == PhaseWaitingForApproval && s.Phase.Approval != nil {
		abandoned = s.Phase.Approval.RequestID
	}

	out, fresh := c.apply(s, ev, now)

	if out.IsApplied() {
		s = c.sessions[ev.SessionID]
		s.LastUpdated = now
	}

	after := before
	if s != nil && out.IsApplied() {
		after = s.Phase.Kind
	}

	entry := AuditEntry{
		ID:          ulid.Make().String(),
		Timestamp:   now,
		Event:       ev.Kind,
		PhaseBefore: before,
		PhaseAfter:  after,
		Status:      out.Status,
		Reason:      out.Reason,
	}
	if fresh {
		// A restarted session id begins a new record with an empty trail.
		entry.PhaseBefore = phaseNone
		c.audits[ev.SessionID] = nil
	}
	c.audits[ev.SessionID] = append(c.audits[ev.SessionID], entry)

	if out.IsApplied() {
		c.bcast.publish(s.clone())
	}
	reg := c.registrar
	c.mu.Unlock()

	if out.IsApplied() && abandoned != "" && reg != nil {
		reg.Cancel(abandoned, "session ended")
	}
	return out
}

// apply evaluates the transition table. It mutates the session (or creates
// one) and reports whether a fresh record was created.
func (c *Coordinator) apply(s *Session, ev *hookevent.Event, now time.Time) (Outcome, bool) {
	if ev.Kind == hookevent.KindSessionStarted {
		if s != nil && s.Phase.Kind != PhaseEnded {
			return rejected("session %s already active in phase %s", ev.SessionID, s.Phase.Kind), false
		}
		var p hookevent.SessionStartedPayload
		decodePayload(ev, &p)
		c.sessions[ev.SessionID] = &Session{
			ID:        ev.SessionID,
			Phase:     phaseOf(PhaseIdle),
			WorkDir:   p.WorkDir,
			Model:     p.Model,
			StartedAt: now,
		}
		return applied(PhaseIdle), true
	}

	if s == nil {
		return rejected("unknown session %s", ev.SessionID), false
	}
	if s.Phase.Kind == PhaseEnded {
		return rejected("session %s has ended", ev.SessionID), false
	}

	switch ev.Kind {
	case hookevent.KindToolUseStarted:
		if s.Phase.Kind != PhaseIdle && s.Phase.Kind != PhaseWaitingForInput {
			return c.invalid(s, ev), false
		}
		var p hookevent.ToolUsePayload
		decodePayload(ev, &p)
		s.Phase = phaseOf(PhaseProcessing)
		s.Tools.ActiveTool = p.ToolName
		s.Tools.ActiveToolUseID = p.ToolUseID
		s.Tools.StartedAt = now
		s.appendHistory(HistoryToolUse, "tool started", p.ToolName, now)
		return applied(PhaseProcessing), false

	case hookevent.KindToolUseEnded:
		if s.Phase.Kind != PhaseProcessing {
			return c.invalid(s, ev), false
		}
		var p hookevent.ToolUsePayload
		decodePayload(ev, &p)
		s.Phase = phaseOf(PhaseWaitingForInput)
		s.Tools.ActiveTool = ""
		s.Tools.ActiveToolUseID = ""
		s.Tools.Completed++
		s.appendHistory(HistoryToolUse, "tool completed", p.ToolName, now)
		return applied(PhaseWaitingForInput), false

	case hookevent.KindUserInputWaiting:
		if s.Phase.Kind != PhaseIdle && s.Phase.Kind != PhaseProcessing {
			return c.invalid(s, ev), false
		}
		s.Phase = phaseOf(PhaseWaitingForInput)
		return applied(PhaseWaitingForInput), false

	case hookevent.KindPermissionRequested:
		if s.Phase.Kind != PhaseProcessing {
			return c.invalid(s, ev), false
		}
		var p hookevent.PermissionRequestedPayload
		decodePayload(ev, &p)
		s.Phase = Phase{
			Kind: PhaseWaitingForApproval,
			Approval: &PermissionContext{
				RequestID:   p.RequestID,
				ToolName:    p.ToolName,
				ToolInput:   p.ToolInput,
				RiskLevel:   p.RiskLevel,
				RequestedAt: now,
			},
		}
		s.appendHistory(HistoryPermission, "approval requested", p.ToolName, now)
		if c.registrar != nil {
			c.registrar.Register(ev.SessionID, p.RequestID)
		}
		return applied(PhaseWaitingForApproval), false

	case hookevent.KindPermissionDecided:
		var p hookevent.PermissionDecidedPayload
		decodePayload(ev, &p)
		if s.Phase.Kind != PhaseWaitingForApproval {
			return c.invalid(s, ev), false
		}
		if s.Phase.Approval.RequestID != p.RequestID {
			return rejected("unknown request id %s", p.RequestID), false
		}
		tool := s.Phase.Approval.ToolName
		s.Phase = phaseOf(PhaseProcessing)
		s.appendHistory(HistoryPermission, fmt.Sprintf("approval resolved: %s", p.Decision), tool, now)
		if p.TimedOut {
			return Outcome{Status: StatusTimeout, Phase: PhaseProcessing, Reason: "timeout"}, false
		}
		return applied(PhaseProcessing), false

	case hookevent.KindCompactionStarted:
		if s.Phase.Kind != PhaseProcessing && s.Phase.Kind != PhaseWaitingForInput {
			return c.invalid(s, ev), false
		}
		s.Phase = phaseOf(PhaseCompacting)
		s.appendHistory(HistoryCompaction, "compaction started", "", now)
		return applied(PhaseCompacting), false

	case hookevent.KindCompactionEnded:
		if s.Phase.Kind != PhaseCompacting {
			return c.invalid(s, ev), false
		}
		s.Phase = phaseOf(PhaseProcessing)
		s.appendHistory(HistoryCompaction, "compaction ended", "", now)
		return applied(PhaseProcessing), false

	case hookevent.KindSessionEnded:
		var p hookevent.SessionEndedPayload
		decodePayload(ev, &p)
		s.Phase = phaseOf(PhaseEnded)
		s.Tools.ActiveTool = ""
		s.Tools.ActiveToolUseID = ""
		text := "session ended"
		if p.Reason != "" {
			text = "session ended: " + p.Reason
		}
		s.appendHistory(HistoryLifecycle, text, "", now)
		return applied(PhaseEnded), false

	case hookevent.KindFileUpdated:
		var p hookevent.FileUpdatedPayload
		decodePayload(ev, &p)
		s.FileCount = p.FileCount
		return applied(s.Phase.Kind), false

	case hookevent.KindSubagentUpdated:
		var p hookevent.SubagentUpdatedPayload
		decodePayload(ev, &p)
		s.Subagent = &SubagentState{Name: p.Name, Active: p.Active, UpdatedAt: now}
		s.appendHistory(HistorySubagent, "subagent updated", p.Name, now)
		return applied(s.Phase.Kind), false
	}

	return rejected("unknown event kind %s", ev.Kind), false
}

func (c *Coordinator) invalid(s *Session, ev *hookevent.Event) Outcome {
	return rejected("invalid transition: %s in phase %s", ev.Kind, s.Phase.Kind)
}

func applied(p PhaseKind) Outcome {
	return Outcome{Status: StatusApplied, Phase: p}
}

func rejected(format string, args ...interface{}) Outcome {
	return Outcome{Status: StatusRejected, Reason: fmt.Sprintf(format, args...)}
}

func decodePayload(ev *hookevent.Event, dst interface{}) {
	// Field-level validation already happened at the transport boundary;
	// a nil payload just leaves zero values.
	if ev.Payload != nil {
		_ = json.Unmarshal(ev.Payload, dst)
	}
}

// Sessions returns deep copies of all tracked sessions.
func (c *Coordinator) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		result = append(result, s.clone())
	}
	return result
}

// Session returns a deep copy of one session, or nil if the id is unknown.
func (c *Coordinator) Session(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return nil
	}
	return s.clone()
}

// Audit returns a copy of the audit trail for a session id.
func (c *Coordinator) Audit(id string) []AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	trail := c.audits[id]
	result := make([]AuditEntry, len(trail))
	copy(result, trail)
	return result
}

// Subscribe registers a subscriber. The initial full-state batch is queued
// on the returned channel before any delta.
func (c *Coordinator) Subscribe(subscriberID string) (<-chan Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snaps := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		snaps = append(snaps, s.clone())
	}
	return c.bcast.add(subscriberID, snaps)
}

// Unsubscribe removes a subscriber and closes its channel. No further sends
// are attempted afterward.
func (c *Coordinator) Unsubscribe(subscriberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bcast.remove(subscriberID)
}

// Shutdown closes all subscriber channels.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bcast.shutdown()
}
