package hookserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"claude-relay/internal/hookevent"
	"claude-relay/internal/permission"
	"claude-relay/internal/state"
)

func newTestServer(t *testing.T, timeout time.Duration) (*Server, *state.Coordinator, *permission.Gateway) {
	t.Helper()

	coord := state.New(nil, 0)
	gw := permission.NewGateway(coord, timeout)
	coord.SetRegistrar(gw)

	srv := New(filepath.Join(t.TempDir(), "hook.sock"), coord, gw, nil)
	gw.SetNotify(srv.DeliverDecision)

	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	return srv, coord, gw
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", srv.path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, sessionID string, kind hookevent.Kind, payload interface{}) {
	t.Helper()
	ev, err := hookevent.New(sessionID, kind, payload)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// waitForPhase polls until the session reaches the phase or the deadline hits.
func waitForPhase(t *testing.T, coord *state.Coordinator, sessionID string, want state.PhaseKind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := coord.Session(sessionID); s != nil && s.Phase.Kind == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := coord.Session(sessionID)
	if s == nil {
		t.Fatalf("session %s never appeared", sessionID)
	}
	t.Fatalf("session %s: expected phase %s, got %s", sessionID, want, s.Phase.Kind)
}

func readDecision(t *testing.T, conn net.Conn) hookevent.DecisionFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read decision frame: %v", err)
	}
	var frame hookevent.DecisionFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		t.Fatalf("decode decision frame: %v", err)
	}
	return frame
}

func TestServer_AppliesEvents(t *testing.T) {
	srv, coord, _ := newTestServer(t, time.Minute)
	conn := dialServer(t, srv)

	sendFrame(t, conn, "s1", hookevent.KindSessionStarted, nil)
	waitForPhase(t, coord, "s1", state.PhaseIdle)

	sendFrame(t, conn, "s1", hookevent.KindToolUseStarted, hookevent.ToolUsePayload{ToolName: "Bash"})
	waitForPhase(t, coord, "s1", state.PhaseProcessing)

	sendFrame(t, conn, "s1", hookevent.KindSessionEnded, nil)
	waitForPhase(t, coord, "s1", state.PhaseEnded)
}

func TestServer_MalformedFrameKeepsConnection(t *testing.T) {
	srv, coord, _ := newTestServer(t, time.Minute)
	conn := dialServer(t, srv)

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	sendFrame(t, conn, "s1", hookevent.KindSessionStarted, nil)

	// The valid frame after the malformed one still lands.
	waitForPhase(t, coord, "s1", state.PhaseIdle)
}

func TestServer_PermissionRoundTrip(t *testing.T) {
	srv, coord, gw := newTestServer(t, time.Minute)
	conn := dialServer(t, srv)

	sendFrame(t, conn, "s1", hookevent.KindSessionStarted, nil)
	sendFrame(t, conn, "s1", hookevent.KindToolUseStarted, hookevent.ToolUsePayload{ToolName: "Bash"})
	sendFrame(t, conn, "s1", hookevent.KindPermissionRequested, hookevent.PermissionRequestedPayload{
		RequestID: "r1", ToolName: "Bash", RiskLevel: hookevent.RiskHigh,
	})
	waitForPhase(t, coord, "s1", state.PhaseWaitingForApproval)

	if !gw.Resolve("r1", hookevent.DecisionApprove, "looks fine") {
		t.Fatal("resolve failed")
	}

	frame := readDecision(t, conn)
	if frame.RequestID != "r1" {
		t.Errorf("expected request id r1, got %s", frame.RequestID)
	}
	if frame.Decision != hookevent.DecisionApprove {
		t.Errorf("expected approve, got %s", frame.Decision)
	}

	waitForPhase(t, coord, "s1", state.PhaseProcessing)
}

func TestServer_RejectedRequestGetsImmediateDeny(t *testing.T) {
	srv, coord, _ := newTestServer(t, time.Minute)
	conn := dialServer(t, srv)

	sendFrame(t, conn, "s1", hookevent.KindSessionStarted, nil)
	waitForPhase(t, coord, "s1", state.PhaseIdle)

	// permissionRequested is invalid in idle; the hook must not hang.
	sendFrame(t, conn, "s1", hookevent.KindPermissionRequested, hookevent.PermissionRequestedPayload{
		RequestID: "r1", ToolName: "Bash",
	})

	frame := readDecision(t, conn)
	if frame.Decision != hookevent.DecisionDeny {
		t.Errorf("expected deny for rejected request, got %s", frame.Decision)
	}
}

func TestServer_ConnectionCloseDeniesPending(t *testing.T) {
	srv, coord, gw := newTestServer(t, time.Hour)
	conn := dialServer(t, srv)

	sendFrame(t, conn, "s1", hookevent.KindSessionStarted, nil)
	sendFrame(t, conn, "s1", hookevent.KindToolUseStarted, hookevent.ToolUsePayload{ToolName: "Bash"})
	sendFrame(t, conn, "s1", hookevent.KindPermissionRequested, hookevent.PermissionRequestedPayload{
		RequestID: "r1", ToolName: "Bash",
	})
	waitForPhase(t, coord, "s1", state.PhaseWaitingForApproval)

	// Without waiting for the one-hour timer.
	conn.Close()

	waitForPhase(t, coord, "s1", state.PhaseProcessing)
	if gw.PendingCount() != 0 {
		t.Errorf("expected no pending requests, got %d", gw.PendingCount())
	}
}

func TestServer_DecisionFrameResolvesRequest(t *testing.T) {
	srv, coord, _ := newTestServer(t, time.Minute)
	hookConn := dialServer(t, srv)

	sendFrame(t, hookConn, "s1", hookevent.KindSessionStarted, nil)
	sendFrame(t, hookConn, "s1", hookevent.KindToolUseStarted, hookevent.ToolUsePayload{ToolName: "Bash"})
	sendFrame(t, hookConn, "s1", hookevent.KindPermissionRequested, hookevent.PermissionRequestedPayload{
		RequestID: "r1", ToolName: "Bash",
	})
	waitForPhase(t, coord, "s1", state.PhaseWaitingForApproval)

	// Decision arrives on a second connection, routed via the gateway.
	otherConn := dialServer(t, srv)
	sendFrame(t, otherConn, "s1", hookevent.KindPermissionDecided, hookevent.PermissionDecidedPayload{
		RequestID: "r1", Decision: hookevent.DecisionDeny, Reason: "nope",
	})

	// The deny is written back on the connection that asked.
	frame := readDecision(t, hookConn)
	if frame.Decision != hookevent.DecisionDeny {
		t.Errorf("expected deny, got %s", frame.Decision)
	}
	waitForPhase(t, coord, "s1", state.PhaseProcessing)
}

func TestServer_SessionEndReleasesPermission(t *testing.T) {
	srv, coord, gw := newTestServer(t, time.Hour)
	conn := dialServer(t, srv)

	sendFrame(t, conn, "s1", hookevent.KindSessionStarted, nil)
	sendFrame(t, conn, "s1", hookevent.KindToolUseStarted, hookevent.ToolUsePayload{ToolName: "Bash"})
	sendFrame(t, conn, "s1", hookevent.KindPermissionRequested, hookevent.PermissionRequestedPayload{
		RequestID: "r1", ToolName: "Bash",
	})
	waitForPhase(t, coord, "s1", state.PhaseWaitingForApproval)

	// The session ends while the approval is pending; the hook gets its
	// deny right away instead of riding out the one-hour timer.
	otherConn := dialServer(t, srv)
	sendFrame(t, otherConn, "s1", hookevent.KindSessionEnded, nil)

	frame := readDecision(t, conn)
	if frame.RequestID != "r1" {
		t.Errorf("expected request id r1, got %s", frame.RequestID)
	}
	if frame.Decision != hookevent.DecisionDeny {
		t.Errorf("expected deny, got %s", frame.Decision)
	}

	waitForPhase(t, coord, "s1", state.PhaseEnded)
	if gw.PendingCount() != 0 {
		t.Errorf("expected no pending requests, got %d", gw.PendingCount())
	}
}

func TestServer_OversizedFrameClosesConnection(t *testing.T) {
	srv, coord, _ := newTestServer(t, time.Minute)
	conn := dialServer(t, srv)

	big := make([]byte, maxFrameSize+2)
	for i := range big {
		big[i] = 'x'
	}
	big[len(big)-1] = '\n'
	if _, err := conn.Write(big); err != nil {
		// The server may close mid-write once the frame limit is hit.
		t.Logf("oversized write interrupted: %v", err)
	}

	// The scanner cannot resync, so this connection closes.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection to be closed after oversized frame")
	}

	// The listener survives and new connections still work.
	other := dialServer(t, srv)
	sendFrame(t, other, "s1", hookevent.KindSessionStarted, nil)
	waitForPhase(t, coord, "s1", state.PhaseIdle)
}

func TestServer_ManySimultaneousConnections(t *testing.T) {
	srv, coord, _ := newTestServer(t, time.Minute)

	const n = 10
	for i := 0; i < n; i++ {
		conn := dialServer(t, srv)
		id := fmt.Sprintf("s%d", i)
		sendFrame(t, conn, id, hookevent.KindSessionStarted, nil)
	}

	for i := 0; i < n; i++ {
		waitForPhase(t, coord, fmt.Sprintf("s%d", i), state.PhaseIdle)
	}
	if got := len(coord.Sessions()); got != n {
		t.Errorf("expected %d sessions, got %d", n, got)
	}
}
