package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"claude-relay/internal/hookevent"
	"claude-relay/internal/permission"
	"claude-relay/internal/state"
)

func newTestServer(t *testing.T) (*Server, *state.Coordinator, *permission.Gateway) {
	t.Helper()
	coord := state.New(nil, 0)
	gw := permission.NewGateway(coord, time.Minute)
	coord.SetRegistrar(gw)
	return New(coord, gw, ""), coord, gw
}

func apply(t *testing.T, coord *state.Coordinator, sessionID string, kind hookevent.Kind, payload interface{}) {
	t.Helper()
	ev, err := hookevent.New(sessionID, kind, payload)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if out := coord.Process(ev); !out.IsApplied() {
		t.Fatalf("%s rejected: %s", kind, out.Reason)
	}
}

func dialWS(t *testing.T, handler http.Handler) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(handler)
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func TestServer_Handler(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var sessions []*state.Session
	json.NewDecoder(w.Body).Decode(&sessions)
	if len(sessions) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(sessions))
	}
}

func TestServer_GetSessionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_GetAudit(t *testing.T) {
	srv, coord, _ := newTestServer(t)
	apply(t, coord, "s1", hookevent.KindSessionStarted, nil)

	req := httptest.NewRequest("GET", "/sessions/s1/audit", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var trail []state.AuditEntry
	if err := json.NewDecoder(w.Body).Decode(&trail); err != nil {
		t.Fatalf("decode trail: %v", err)
	}
	if len(trail) != 1 {
		t.Errorf("expected 1 audit entry, got %d", len(trail))
	}
}

func TestServer_DecisionUnknownRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/requests/nope/decision", strings.NewReader(`{"decision":"approve"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestServer_DecisionBadBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/requests/r1/decision", strings.NewReader("bad"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_DecisionResolvesPending(t *testing.T) {
	srv, coord, gw := newTestServer(t)
	apply(t, coord, "s1", hookevent.KindSessionStarted, nil)
	apply(t, coord, "s1", hookevent.KindToolUseStarted, hookevent.ToolUsePayload{ToolName: "Bash"})
	apply(t, coord, "s1", hookevent.KindPermissionRequested, hookevent.PermissionRequestedPayload{
		RequestID: "r1", ToolName: "Bash",
	})

	req := httptest.NewRequest("POST", "/requests/r1/decision", strings.NewReader(`{"decision":"approve"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if gw.PendingCount() != 0 {
		t.Errorf("expected no pending requests, got %d", gw.PendingCount())
	}
	if coord.Session("s1").Phase.Kind != state.PhaseProcessing {
		t.Errorf("expected processing, got %s", coord.Session("s1").Phase.Kind)
	}
}

func TestServer_WebSocketSnapshotThenDelta(t *testing.T) {
	srv, coord, _ := newTestServer(t)
	apply(t, coord, "s1", hookevent.KindSessionStarted, nil)

	ws := dialWS(t, srv.Handler())

	first := readMessage(t, ws)
	if first.Type != TypeStateSnapshot {
		t.Fatalf("expected %s first, got %s", TypeStateSnapshot, first.Type)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(first.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].ID != "s1" {
		t.Fatalf("expected snapshot with s1, got %+v", snap.Sessions)
	}

	apply(t, coord, "s1", hookevent.KindUserInputWaiting, nil)

	second := readMessage(t, ws)
	if second.Type != TypeStateDelta {
		t.Fatalf("expected %s, got %s", TypeStateDelta, second.Type)
	}
	var delta DeltaPayload
	if err := json.Unmarshal(second.Payload, &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if delta.Session.Phase.Kind != state.PhaseWaitingForInput {
		t.Errorf("expected waitingForInput, got %s", delta.Session.Phase.Kind)
	}
}

func TestServer_WebSocketDecisionSubmit(t *testing.T) {
	srv, coord, gw := newTestServer(t)
	apply(t, coord, "s1", hookevent.KindSessionStarted, nil)
	apply(t, coord, "s1", hookevent.KindToolUseStarted, hookevent.ToolUsePayload{ToolName: "Bash"})
	apply(t, coord, "s1", hookevent.KindPermissionRequested, hookevent.PermissionRequestedPayload{
		RequestID: "r1", ToolName: "Bash",
	})

	ws := dialWS(t, srv.Handler())
	readMessage(t, ws) // initial snapshot

	msg := map[string]interface{}{
		"type":      TypeDecisionSubmit,
		"payload":   map[string]interface{}{"requestId": "r1", "decision": "deny", "reason": "no"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write decision: %v", err)
	}

	// The decision lands and produces a delta back to the observer.
	next := readMessage(t, ws)
	if next.Type != TypeStateDelta {
		t.Fatalf("expected delta after decision, got %s", next.Type)
	}
	if gw.PendingCount() != 0 {
		t.Errorf("expected no pending requests, got %d", gw.PendingCount())
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ws := dialWS(t, srv.Handler())

	readMessage(t, ws) // initial snapshot

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	resp := readMessage(t, ws)
	if resp.Type != TypeError {
		t.Errorf("expected error type, got %s", resp.Type)
	}
}

func TestServer_RapidClientChurn(t *testing.T) {
	srv, coord, _ := newTestServer(t)
	apply(t, coord, "s1", hookevent.KindSessionStarted, nil)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	// Keep deltas flowing the whole time so disconnects race live sends.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n := 1
		for {
			select {
			case <-done:
				return
			default:
			}
			ev, _ := hookevent.New("s1", hookevent.KindFileUpdated, hookevent.FileUpdatedPayload{FileCount: n})
			coord.Process(ev)
			n++
		}
	}()

	for i := 0; i < 100; i++ {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		if i%2 == 0 {
			ws.SetReadDeadline(time.Now().Add(time.Second))
			ws.ReadMessage()
		}
		ws.Close()
	}
	close(done)
	wg.Wait()

	// A fresh client still connects cleanly after the churn.
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial after churn: %v", err)
	}
	defer ws.Close()
	if msg := readMessage(t, ws); msg.Type != TypeStateSnapshot {
		t.Errorf("expected snapshot after churn, got %s", msg.Type)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}
