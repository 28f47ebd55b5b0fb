// Package bridge exposes the coordinator's subscription stream to UI
// observers over WebSocket, plus a small REST surface for one-shot reads
// and permission decisions.
package bridge

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"claude-relay/internal/permission"
	"claude-relay/internal/state"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server relays session-state updates to WebSocket clients and forwards
// their permission decisions to the gateway.
type Server struct {
	coord   *state.Coordinator
	gateway *permission.Gateway

	clients   map[*client]bool
	clientsMu sync.RWMutex
	staticDir string
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	subID  string

	sendMu     sync.Mutex
	sendClosed bool
}

// New creates a bridge server.
func New(coord *state.Coordinator, gateway *permission.Gateway, staticDir string) *Server {
	return &Server{
		coord:     coord,
		gateway:   gateway,
		clients:   make(map[*client]bool),
		staticDir: staticDir,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/audit", s.handleGetAudit)
	mux.HandleFunc("POST /requests/{id}/decision", s.handleDecision)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades the connection and subscribes it to the
// coordinator. The first message on the wire is always the full snapshot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bridge: websocket upgrade error: %v", err)
		return
	}

	subID := uuid.New().String()
	updates, err := s.coord.Subscribe(subID)
	if err != nil {
		log.Printf("bridge: subscribe %s: %v", subID, err)
		conn.Close()
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
		subID:  subID,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.relayPump(updates)
	go c.writePump()
	go c.readPump()
}

// relayPump converts coordinator updates into wire messages. It owns the
// send channel: once the subscription stream ends (unsubscribe or
// coordinator shutdown) it closes send, which is what stops writePump.
func (c *client) relayPump(updates <-chan state.Update) {
	for u := range updates {
		var msg *Message
		var err error
		switch u.Kind {
		case state.UpdateSnapshot:
			msg, err = NewMessage(TypeStateSnapshot, SnapshotPayload{Sessions: u.Sessions})
		case state.UpdateDelta:
			msg, err = NewMessage(TypeStateDelta, DeltaPayload{Session: u.Session})
		default:
			continue
		}
		if err != nil {
			continue
		}

		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		c.enqueue(data)
	}
	c.closeSend()
}

// enqueue hands data to writePump without ever blocking. A full buffer drops
// the message; the next delta carries the complete snapshot anyway.
func (c *client) enqueue(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// closeSend closes the send channel exactly once, under the same lock
// enqueue holds, so a late send can never hit a closed channel.
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("bridge: websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client. Unsubscribing closes the
// update stream, which ends relayPump; relayPump then closes send and
// writePump stops.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if !s.clients[c] {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.coord.Unsubscribe(c.subID)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case TypeDecisionSubmit:
		var payload DecisionSubmitPayload
		json.Unmarshal(msg.Payload, &payload)

		if !s.gateway.Resolve(payload.RequestID, payload.Decision, payload.Reason) {
			s.sendError(c, ErrRequestResolved, "request already resolved or unknown: "+payload.RequestID)
		}
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := NewMessage(TypeError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}
