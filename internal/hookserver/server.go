// Package hookserver accepts hook-script connections on a local unix socket,
// decodes newline-delimited JSON event frames, and routes permission
// decisions back to the connection that asked for them.
package hookserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"claude-relay/internal/hookevent"
	"claude-relay/internal/permission"
	"claude-relay/internal/state"
)

const (
	maxFrameSize     = 1024 * 1024 // 1 MB
	writeDeadline    = 10 * time.Second
	acceptBackoff    = 10 * time.Millisecond
	acceptBackoffMax = time.Second
)

// Watcher is the optional file-watch collaborator started per session.
type Watcher interface {
	Watch(sessionID, dir string) error
	Unwatch(sessionID string)
}

// Server is the transport front of the coordinator: one accepted connection
// per hook-script invocation.
type Server struct {
	path    string
	coord   *state.Coordinator
	gateway *permission.Gateway
	watch   Watcher // may be nil

	ln net.Listener

	mu     sync.Mutex
	conns  map[*conn]bool
	owners map[string]*conn // request id → owning connection
	closed bool

	wg sync.WaitGroup
}

type conn struct {
	c       net.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	owned map[string]bool // outstanding request ids
}

// New creates a transport server listening (once started) on the unix
// socket at path. watch may be nil.
func New(path string, coord *state.Coordinator, gateway *permission.Gateway, watch Watcher) *Server {
	return &Server{
		path:    path,
		coord:   coord,
		gateway: gateway,
		watch:   watch,
		conns:   make(map[*conn]bool),
		owners:  make(map[string]*conn),
	}
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a previous run is removed first.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	log.Printf("hookserver: listening on %s", s.path)
	return nil
}

// acceptLoop accepts connections until the listener closes. Transient
// accept failures back off and retry; they never stop the loop.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	backoff := acceptBackoff
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("hookserver: accept error: %v (retrying in %v)", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > acceptBackoffMax {
				backoff = acceptBackoffMax
			}
			continue
		}
		backoff = acceptBackoff

		cn := &conn{c: c, owned: make(map[string]bool)}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[cn] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readLoop(cn)
	}
}

// readLoop consumes frames from one connection. A malformed frame is
// dropped and logged; the connection stays open.
func (s *Server) readLoop(cn *conn) {
	defer s.wg.Done()
	defer s.teardown(cn)

	scanner := bufio.NewScanner(cn.c)
	scanner.Buffer(make([]byte, maxFrameSize), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, err := hookevent.Validate(line)
		if err != nil {
			log.Printf("hookserver: dropping malformed frame: %v", err)
			continue
		}

		s.dispatch(cn, ev)
	}

	if err := scanner.Err(); err != nil {
		switch {
		case errors.Is(err, bufio.ErrTooLong):
			// The scanner cannot resync past an oversized line, so the
			// connection has to go.
			log.Printf("hookserver: closing connection: frame exceeds %d bytes", maxFrameSize)
		case errors.Is(err, net.ErrClosed):
		default:
			log.Printf("hookserver: connection read error: %v", err)
		}
	}
}

func (s *Server) dispatch(cn *conn, ev *hookevent.Event) {
	switch ev.Kind {
	case hookevent.KindPermissionRequested:
		s.handlePermissionRequested(cn, ev)

	case hookevent.KindPermissionDecided:
		s.handlePermissionDecided(ev)

	case hookevent.KindSessionStarted:
		out := s.coord.Process(ev)
		if !out.IsApplied() {
			log.Printf("hookserver: %s rejected: %s", ev.Kind, out.Reason)
			return
		}
		var p hookevent.SessionStartedPayload
		json.Unmarshal(ev.Payload, &p)
		if s.watch != nil && p.WorkDir != "" {
			if err := s.watch.Watch(ev.SessionID, p.WorkDir); err != nil {
				log.Printf("hookserver: watch %s: %v", p.WorkDir, err)
			}
		}

	case hookevent.KindSessionEnded:
		out := s.coord.Process(ev)
		if out.IsApplied() && s.watch != nil {
			s.watch.Unwatch(ev.SessionID)
		}

	default:
		if out := s.coord.Process(ev); !out.IsApplied() {
			log.Printf("hookserver: %s rejected: %s", ev.Kind, out.Reason)
		}
	}
}

// handlePermissionRequested binds the connection to the request id before
// the transition so the decision frame can be routed back. A rejected
// request gets an immediate deny so the hook script never hangs.
func (s *Server) handlePermissionRequested(cn *conn, ev *hookevent.Event) {
	var p hookevent.PermissionRequestedPayload
	json.Unmarshal(ev.Payload, &p)

	s.mu.Lock()
	s.owners[p.RequestID] = cn
	s.mu.Unlock()
	cn.mu.Lock()
	cn.owned[p.RequestID] = true
	cn.mu.Unlock()

	out := s.coord.Process(ev)
	if !out.IsApplied() {
		log.Printf("hookserver: permission request %s rejected: %s", p.RequestID, out.Reason)
		s.releaseOwner(p.RequestID)
		s.writeDecision(cn, hookevent.DecisionFrame{
			RequestID: p.RequestID,
			Decision:  hookevent.DecisionDeny,
			Reason:    out.Reason,
		})
	}
}

// handlePermissionDecided routes an inbound decision through the gateway so
// it races fairly with the timeout. An id the gateway does not know still
// goes through Process to be audited as rejected.
func (s *Server) handlePermissionDecided(ev *hookevent.Event) {
	var p hookevent.PermissionDecidedPayload
	json.Unmarshal(ev.Payload, &p)

	if s.gateway.Resolve(p.RequestID, p.Decision, p.Reason) {
		return
	}
	if out := s.coord.Process(ev); !out.IsApplied() {
		log.Printf("hookserver: decision for %s not applied: %s", p.RequestID, out.Reason)
	}
}

// DeliverDecision writes the decision frame back on the connection that
// issued the matching request. Installed as the gateway's resolution sink.
func (s *Server) DeliverDecision(res permission.Resolution) {
	s.mu.Lock()
	cn := s.owners[res.RequestID]
	delete(s.owners, res.RequestID)
	s.mu.Unlock()

	if cn == nil {
		// Resolution for a request not owned by any live connection
		// (e.g. it arrived before a restart); nothing to write to.
		return
	}

	cn.mu.Lock()
	delete(cn.owned, res.RequestID)
	cn.mu.Unlock()

	s.writeDecision(cn, hookevent.DecisionFrame{
		RequestID: res.RequestID,
		Decision:  res.Decision,
		Reason:    res.Reason,
	})
}

func (s *Server) writeDecision(cn *conn, frame hookevent.DecisionFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	data = append(data, '\n')

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()

	cn.c.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := cn.c.Write(data); err != nil {
		log.Printf("hookserver: write decision %s: %v", frame.RequestID, err)
	}
}

func (s *Server) releaseOwner(requestID string) {
	s.mu.Lock()
	cn := s.owners[requestID]
	delete(s.owners, requestID)
	s.mu.Unlock()

	if cn != nil {
		cn.mu.Lock()
		delete(cn.owned, requestID)
		cn.mu.Unlock()
	}
}

// teardown cleans up a closed connection. Any request it still owns is
// denied immediately rather than waiting for the timer.
func (s *Server) teardown(cn *conn) {
	cn.c.Close()

	s.mu.Lock()
	delete(s.conns, cn)
	s.mu.Unlock()

	cn.mu.Lock()
	owned := make([]string, 0, len(cn.owned))
	for id := range cn.owned {
		owned = append(owned, id)
	}
	cn.owned = make(map[string]bool)
	cn.mu.Unlock()

	for _, id := range owned {
		s.releaseOwner(id)
		s.gateway.Resolve(id, hookevent.DecisionDeny, "connection closed")
	}
}

// Shutdown stops accepting, closes every connection, and waits for the
// read loops to drain. Pending requests owned by those connections resolve
// as denied on the way down.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for cn := range s.conns {
		conns = append(conns, cn)
	}
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	for _, cn := range conns {
		cn.c.Close()
	}
	s.wg.Wait()

	os.Remove(s.path)
}
