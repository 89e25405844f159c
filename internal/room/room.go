// Package room implements the persistent agent event channel:
// one long-lived websocket connection per agent, used to push envelopes
// out (subtask dispatch, cancellation notices) and to pass the agent's
// inbound envelopes (join_room, pong) to an optional Handler. Heartbeats
// and subtask results travel over HTTP, not this channel. It
// satisfies the dispatch.Transport and scheduler.Transport interfaces.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrNotConnected is returned by Send when the named agent has no open
// connection — the caller (Dispatcher/Scheduler) treats this like any other
// transport failure and rolls the dispatch back.
var ErrNotConnected = errors.New("room: agent not connected")

// Envelope is the wire format for both directions of the channel.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler processes an inbound envelope from an agent's connection.
type Handler interface {
	HandleInbound(ctx context.Context, agentName, kind string, payload json.RawMessage) error
}

// conn wraps one agent's live websocket connection.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.ws, env)
}

// Server tracks one conn per connected agent and dispatches inbound traffic
// to a Handler. Reconnects simply replace the prior entry (an agent
// that reconnects re-joins its room under the same name).
type Server struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	// AllowOrigins restricts cross-origin websocket upgrades; nil permits
	// same-origin only, matching the websocket library's default.
	AllowOrigins []string

	// OnConnect/OnDisconnect, if set, are invoked as connections join and
	// leave — used to drive presence bookkeeping without coupling this
	// package to the presence tracker.
	OnConnect    func(agentName string)
	OnDisconnect func(agentName string)

	handler Handler
}

// New builds a room Server. handler may be nil if inbound traffic is not
// expected on this deployment (e.g. a dispatch-only test harness).
func New(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{conns: make(map[string]*conn), handler: handler, logger: logger}
}

// ServeAgent upgrades the request to a websocket and blocks for the
// connection's lifetime, registering it under agentName so Send can reach
// it. Call from an HTTP handler after the agent has authenticated/
// registered via the REST surface.
func (s *Server) ServeAgent(w http.ResponseWriter, r *http.Request, agentName string) error {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.AllowOrigins})
	if err != nil {
		return fmt.Errorf("accept websocket: %w", err)
	}
	c := &conn{ws: ws}

	s.mu.Lock()
	s.conns[agentName] = c
	s.mu.Unlock()
	if s.OnConnect != nil {
		s.OnConnect(agentName)
	}
	s.logger.Info("room: agent connected", "agent", agentName)

	defer func() {
		s.mu.Lock()
		if s.conns[agentName] == c {
			delete(s.conns, agentName)
		}
		s.mu.Unlock()
		if s.OnDisconnect != nil {
			s.OnDisconnect(agentName)
		}
		s.logger.Info("room: agent disconnected", "agent", agentName)
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var env Envelope
		if err := wsjson.Read(r.Context(), ws, &env); err != nil {
			return nil // connection closed; not an error worth propagating
		}
		if s.handler != nil {
			if err := s.handler.HandleInbound(r.Context(), agentName, env.Kind, env.Payload); err != nil {
				s.logger.Warn("room: inbound handler failed", "agent", agentName, "kind", env.Kind, "error", err)
			}
		}
	}
}

// Send pushes one envelope to agentName's connection. Returns
// ErrNotConnected if the agent has no open connection.
func (s *Server) Send(ctx context.Context, agentName, kind string, payload any) error {
	s.mu.RLock()
	c, ok := s.conns[agentName]
	s.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.send(ctx, Envelope{Kind: kind, Payload: raw}); err != nil {
		return fmt.Errorf("send to %s: %w", agentName, err)
	}
	return nil
}

// Connected reports whether agentName currently has a live connection.
func (s *Server) Connected(agentName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[agentName]
	return ok
}

// ConnectedAgents lists every agent with a live connection.
func (s *Server) ConnectedAgents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.conns))
	for name := range s.conns {
		names = append(names, name)
	}
	return names
}
