// Package permission tracks pending approval requests and guarantees each
// one resolves exactly once, by external decision or by timeout.
package permission

import (
	"log"
	"sync"
	"time"

	"claude-relay/internal/hookevent"
	"claude-relay/internal/state"
)

// DefaultTimeout is how long a request may stay pending before the gateway
// synthesizes a denial.
const DefaultTimeout = 5 * time.Minute

// Processor is the mutation entry point decisions are funneled through.
// Satisfied by *state.Coordinator.
type Processor interface {
	Process(ev *hookevent.Event) state.Outcome
}

// Resolution describes how a pending request was settled. Sinks receive it
// after the state transition has been recorded.
type Resolution struct {
	SessionID string
	RequestID string
	Decision  hookevent.Decision
	Reason    string
	TimedOut  bool
}

type pendingRequest struct {
	sessionID string
	created   time.Time
	deadline  time.Time
	timer     *time.Timer
	resolved  bool
}

// Gateway owns the pending-request table and its timers. It implements
// state.PermissionRegistrar.
type Gateway struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	timeout time.Duration
	proc    Processor
	notify  func(Resolution)
}

// NewGateway creates a gateway resolving through proc. A non-positive
// timeout selects DefaultTimeout.
func NewGateway(proc Processor, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
		proc:    proc,
	}
}

// SetNotify installs the resolution sink (the transport's decision
// write-back). Must be called before events start flowing.
func (g *Gateway) SetNotify(fn func(Resolution)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notify = fn
}

// Register arms the timeout for a request. Called by the coordinator while
// it holds the state lock, so it must not block or call back into Process.
func (g *Gateway) Register(sessionID, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.pending[requestID]; ok && !old.resolved {
		// Re-registration replaces the timer; the old one must not fire.
		old.timer.Stop()
	}

	now := time.Now().UTC()
	p := &pendingRequest{
		sessionID: sessionID,
		created:   now,
		deadline:  now.Add(g.timeout),
	}
	p.timer = time.AfterFunc(g.timeout, func() {
		g.timeoutFired(requestID)
	})
	g.pending[requestID] = p
}

// Resolve settles a request with an external decision. It returns true if
// this call won the race; a duplicate or unknown request id is a no-op
// returning false.
func (g *Gateway) Resolve(requestID string, decision hookevent.Decision, reason string) bool {
	return g.resolve(requestID, decision, reason, false)
}

func (g *Gateway) timeoutFired(requestID string) {
	if g.resolve(requestID, hookevent.DecisionDeny, "timeout", true) {
		log.Printf("permission: request %s timed out, denied", requestID)
	}
}

// resolve flips the pending entry exactly once. The loser of a concurrent
// decision/timer race observes resolved and backs off.
func (g *Gateway) resolve(requestID string, decision hookevent.Decision, reason string, timedOut bool) bool {
	g.mu.Lock()
	p, ok := g.pending[requestID]
	if !ok || p.resolved {
		g.mu.Unlock()
		return false
	}
	p.resolved = true
	p.timer.Stop()
	delete(g.pending, requestID)
	sessionID := p.sessionID
	notify := g.notify
	g.mu.Unlock()

	ev := hookevent.NewPermissionDecided(sessionID, requestID, decision, reason, timedOut)
	out := g.proc.Process(ev)
	if !out.IsApplied() {
		log.Printf("permission: decision for request %s not applied: %s", requestID, out.Reason)
	}

	if notify != nil {
		notify(Resolution{
			SessionID: sessionID,
			RequestID: requestID,
			Decision:  decision,
			Reason:    reason,
			TimedOut:  timedOut,
		})
	}
	return true
}

// Cancel settles a pending request whose session already reached a terminal
// phase: the entry is released and the peer gets a deny, but no
// permissionDecided event is synthesized since there is no approval state
// left to transition. Unknown or already-resolved ids are no-ops.
func (g *Gateway) Cancel(requestID, reason string) {
	g.mu.Lock()
	p, ok := g.pending[requestID]
	if !ok || p.resolved {
		g.mu.Unlock()
		return
	}
	p.resolved = true
	p.timer.Stop()
	delete(g.pending, requestID)
	sessionID := p.sessionID
	notify := g.notify
	g.mu.Unlock()

	if notify != nil {
		notify(Resolution{
			SessionID: sessionID,
			RequestID: requestID,
			Decision:  hookevent.DecisionDeny,
			Reason:    reason,
		})
	}
}

// PendingCount reports how many requests are awaiting resolution.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Shutdown denies every pending request and cancels its timer so no
// waiting-for-decision state survives the process.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.resolve(id, hookevent.DecisionDeny, "shutting down", false)
	}
}
