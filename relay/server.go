// Package relay is the chat relay: a room-per-job WebSocket broadcaster with
// no persistence. One hub goroutine processes every inbound message, so all
// members of a room observe the same order.
package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobboard/errors"
)

const (
	// MaxClients is the maximum number of concurrent connections
	MaxClients = 1000
	// ClientQueueSize is the per-connection outbound buffer
	ClientQueueSize = 256
	// ShutdownTimeout bounds Stop
	ShutdownTimeout = 10 * time.Second
	// DefaultMaxMessageBytes is the read limit per frame
	DefaultMaxMessageBytes = 8 * 1024
)

// State is the server lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a relay Server.
type Config struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
	// MessagesPerSecond limits sendMessage per connection; 0 disables the limit.
	MessagesPerSecond float64
	Burst             int
}

type inbound struct {
	client *Client
	event  string
	data   json.RawMessage
}

// Server is the relay hub and its HTTP surface.
type Server struct {
	cfg     Config
	origins atomic.Pointer[[]string]
	logger  *zap.SugaredLogger

	// Hub-owned; mu guards reads from other goroutines
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	state      atomic.Int32
	drops      atomic.Int64
	stopOnce   sync.Once
}

// New creates a relay and starts its hub.
func New(cfg Config, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, ClientQueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.SetAllowedOrigins(cfg.AllowedOrigins)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	return s
}

// SetAllowedOrigins replaces the origin allow-list. Safe to call while serving.
func (s *Server) SetAllowedOrigins(origins []string) {
	cp := append([]string(nil), origins...)
	s.origins.Store(&cp)
	s.logger.Infow("Allowed origins updated", "count", len(cp))
}

// State returns the lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// run is the hub loop. It is the only writer of clients, rooms and client
// send channels.
func (s *Server) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Relay hub stopping")
			return
		case c := <-s.register:
			s.handleRegister(c)
		case c := <-s.unregister:
			s.handleUnregister(c)
		case in := <-s.inbound:
			s.handleInbound(in)
		}
	}
}

func (s *Server) handleRegister(c *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection", "client_id", c.id, "count", MaxClients)
		c.close()
		return
	}
	s.clients[c] = struct{}{}
	if c.jobID != "" {
		s.joinLocked(c, c.jobID.Room())
	}
	total := len(s.clients)
	s.mu.Unlock()

	if c.jobID == "" {
		s.logger.Warnw("Client connected without a jobId", "client_id", c.id, "user_id", c.userID)
	}
	s.logger.Infow("Client connected",
		"client_id", c.id,
		"user_id", c.userID,
		"room", c.jobID.Room(),
		"total_count", total)
}

func (s *Server) joinLocked(c *Client, room string) {
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		s.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (s *Server) leaveLocked(c *Client, room string) {
	if members, ok := s.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (s *Server) handleUnregister(c *Client) {
	if !s.remove(c) {
		return
	}
	s.logger.Infow("Client disconnected", "client_id", c.id, "user_id", c.userID)
}

// remove drops c from every room and closes its queue. It reports whether c
// was still registered.
func (s *Server) remove(c *Client) bool {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.clients, c)
	for room := range c.rooms {
		s.leaveLocked(c, room)
	}
	s.mu.Unlock()
	c.close()
	return true
}

func (s *Server) handleInbound(in inbound) {
	switch in.event {
	case EventSendMessage:
		s.handleSendMessage(in.client, in.data)
	case EventLeaveRoom:
		var ref JobRef
		if err := json.Unmarshal(in.data, &ref); err != nil || ref == "" {
			s.logger.Warnw("Invalid leaveRoom payload", "client_id", in.client.id, "error", err)
			return
		}
		s.mu.Lock()
		s.leaveLocked(in.client, ref.Room())
		s.mu.Unlock()
		s.logger.Infow("Client left room", "client_id", in.client.id, "room", ref.Room())
	}
}

// handleSendMessage validates a message and relays its original bytes to the
// room named by its jobId, sender included. The sender must have joined that
// room and may only speak as its own userId or as System.
func (s *Server) handleSendMessage(from *Client, data json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warnw("Dropping malformed message", "client_id", from.id, "error", err)
		return
	}
	if err := msg.Validate(); err != nil {
		s.logger.Warnw("Dropping invalid message", "client_id", from.id, "reason", err.Error())
		return
	}

	room := msg.JobID.Room()
	if msg.Sender != SystemSender && !strings.EqualFold(msg.Sender, from.userID) {
		s.logger.Warnw("Dropping message with foreign sender", "client_id", from.id, "user_id", from.userID, "sender", msg.Sender)
		return
	}

	frame, err := json.Marshal(Frame{Event: EventReceiveMessage, Data: data})
	if err != nil {
		s.logger.Errorw("Failed to encode broadcast", "client_id", from.id, "error", err)
		return
	}

	s.mu.RLock()
	if _, joined := from.rooms[room]; !joined {
		s.mu.RUnlock()
		s.logger.Warnw("Dropping message for a room the client has not joined", "client_id", from.id, "room", room)
		return
	}
	members := make([]*Client, 0, len(s.rooms[room]))
	for c := range s.rooms[room] {
		members = append(members, c)
	}
	s.mu.RUnlock()

	var slow []*Client
	for _, c := range members {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		s.drops.Add(1)
		s.remove(c)
		s.logger.Warnw("Client queue full, removing client", "client_id", c.id, "room", room)
	}

	s.logger.Debugw("Message relayed", "room", room, "client_id", from.id, "count", len(members)-len(slow))
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Clients int
	Rooms   map[string]int
	Drops   int64
}

// Stats reports connection and room counts.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Clients: len(s.clients), Rooms: make(map[string]int, len(s.rooms)), Drops: s.drops.Load()}
	for room, members := range s.rooms {
		st.Rooms[room] = len(members)
	}
	return st
}

// Start serves on port until Stop. It returns http.ErrServerClosed after a
// clean Stop.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infow("Relay listening", "address", ln.Addr().String())
	return srv.Serve(ln)
}

// Stop closes every connection, stops the hub and the HTTP server.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateDraining))
		s.logger.Infow("Relay shutting down", "state", StateDraining.String())

		s.mu.Lock()
		srv := s.httpServer
		conns := make([]*Client, 0, len(s.clients))
		for c := range s.clients {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if srv != nil {
			err = srv.Shutdown(ctx)
		}
		for _, c := range conns {
			c.conn.Close()
		}
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warnw("Relay shutdown timed out", "duration_ms", ShutdownTimeout.Milliseconds())
		}

		s.state.Store(int32(StateStopped))
		s.logger.Infow("Relay stopped", "state", StateStopped.String(), "count", s.drops.Load())
	})
	return err
}
