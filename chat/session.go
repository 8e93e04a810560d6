package chat

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
	"github.com/teranos/jobboard/relay"
	"github.com/teranos/jobboard/version"
)

const (
	// DefaultReconnectAttempts bounds dial attempts per outage.
	DefaultReconnectAttempts = 3
	// DefaultReconnectBackoff is the base delay between attempts.
	DefaultReconnectBackoff = time.Second

	// DefaultReadyWait bounds how long SendSystem waits for a dial in progress.
	DefaultReadyWait = 5 * time.Second

	writeWait = 10 * time.Second
)

// State is the connection state of a Session.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	// StateDisconnected means reconnection gave up. Send is refused until
	// the gate closes and opens again.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "closed"
	}
}

// Config configures a Session.
type Config struct {
	RelayURL          string
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	ReadyWait         time.Duration
	Dialer            *websocket.Dialer
}

// Session owns at most one relay connection for one job view. Update opens
// and closes it as the gate changes; Close releases it for good.
type Session struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	writeMu  sync.Mutex
	job      *job.Job
	viewer   common.Address
	conn     *websocket.Conn
	state    State
	messages []relay.Message
	gen      uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ready    chan struct{}
	isReady  bool
	closed   bool

	onMessage func(relay.Message)
	onState   func(State)
}

// NewSession creates a closed session.
func NewSession(cfg Config, logger *zap.SugaredLogger) *Session {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = DefaultReadyWait
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{cfg: cfg, logger: logger}
}

// OnMessage registers fn for every message received from the relay.
func (s *Session) OnMessage(fn func(relay.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnState registers fn for connection state changes.
func (s *Session) OnState(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the messages received since the gate last opened, in
// relay order.
func (s *Session) Messages() []relay.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Message(nil), s.messages...)
}

// Update re-evaluates the gate for the latest projection of the job. A change
// of job or viewer closes the old channel first.
func (s *Session) Update(j *job.Job, viewer common.Address) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	open := GateOpenFor(j, viewer)
	active := s.cancel != nil
	switched := active && (s.job == nil || j == nil || s.job.ID != j.ID || s.viewer != viewer)

	var fired []func()
	if active && (!open || switched) {
		fired = append(fired, s.shutdownLocked("gate closed"))
		active = false
	}
	s.job, s.viewer = j, viewer

	if open && !active {
		fired = append(fired, s.startLocked())
	}
	s.mu.Unlock()

	for _, fire := range fired {
		if fire != nil {
			fire()
		}
	}
}

// startLocked launches the connection loop and returns the state callback to
// run once the lock is released.
func (s *Session) startLocked() func() {
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ready, s.isReady = make(chan struct{}), false
	s.messages = nil

	gen, jobID, viewer := s.gen, s.job.ID, s.viewer
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connect(ctx, gen, jobID, viewer)
	}()
	return s.setStateLocked(StateConnecting)
}

// shutdownLocked announces leaveRoom, closes the socket and drops buffered
// messages. It returns the state callback to run once the lock is released.
func (s *Session) shutdownLocked(reason string) func() {
	if s.conn != nil {
		frame, err := relay.EncodeFrame(relay.EventLeaveRoom, relay.FromID(s.job.ID))
		if err == nil {
			s.write(s.conn, frame)
		}
		s.conn.Close()
		s.conn = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.messages = nil
	s.logger.Infow("Chat closed", "job_id", s.job.ID, "reason", reason)
	return s.setStateLocked(StateClosed)
}

func (s *Session) setStateLocked(st State) func() {
	if s.state == st {
		return nil
	}
	s.state = st
	if fn := s.onState; fn != nil {
		return func() { fn(st) }
	}
	return nil
}

// setState applies st if gen is still current.
func (s *Session) setState(gen uint64, st State) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	fire := s.setStateLocked(st)
	s.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// connect dials and reads until ctx ends. Each outage gets at most
// ReconnectAttempts dials; after that the session is Disconnected.
func (s *Session) connect(ctx context.Context, gen uint64, jobID uint64, viewer common.Address) {
	log := s.logger.With("job_id", jobID, "viewer", viewer.Hex())
	target := s.dialURL(jobID, viewer)

	for attempt := 1; ; attempt++ {
		conn, _, err := s.cfg.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debugw("Chat dial failed", "attempt", attempt, "error", err)
			if attempt >= s.cfg.ReconnectAttempts {
				log.Warnw("Chat unavailable, giving up", "attempt", attempt, "url", target)
				s.setState(gen, StateDisconnected)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconnectBackoff * time.Duration(attempt)):
			}
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		if !s.isReady {
			s.isReady = true
			close(s.ready)
		}
		fire := s.setStateLocked(StateConnected)
		s.mu.Unlock()
		if fire != nil {
			fire()
		}
		log.Infow("Chat connected", "room", relay.FromID(jobID).Room())

		s.read(gen, conn, log)
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if s.gen == gen {
			s.conn = nil
		}
		s.mu.Unlock()
		s.setState(gen, StateConnecting)
		attempt = 0
	}
}

func (s *Session) read(gen uint64, conn *websocket.Conn, log *zap.SugaredLogger) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debugw("Chat read ended", "error", err)
			return
		}
		var frame relay.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event != relay.EventReceiveMessage {
			continue
		}
		var msg relay.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.Text == "" || msg.SenderDisplay == "" {
			log.Debugw("Ignoring malformed chat message", "error", err)
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.messages = append(s.messages, msg)
		fn := s.onMessage
		s.mu.Unlock()

		if fn != nil {
			fn(msg)
		}
	}
}

func (s *Session) dialURL(jobID uint64, viewer common.Address) string {
	q := url.Values{}
	q.Set("userId", viewer.Hex())
	q.Set("jobId", strconv.FormatUint(jobID, 10))
	q.Set("protocol", version.ChatProtocol)
	sep := "?"
	if strings.Contains(s.cfg.RelayURL, "?") {
		sep = "&"
	}
	return s.cfg.RelayURL + sep + q.Encode()
}

func (s *Session) write(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Send posts text as the viewer. Nothing is rendered locally; the message
// appears in Messages when the relay echoes it.
func (s *Session) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.NewInvalidRequestError("message cannot be empty")
	}

	s.mu.Lock()
	conn, j, viewer := s.conn, s.job, s.viewer
	connected := s.state == StateConnected && conn != nil
	s.mu.Unlock()

	if viewer == (common.Address{}) {
		return errors.Wrap(errors.ErrChatUnavailable, "no account connected")
	}
	if !connected {
		return errors.Wrap(errors.ErrChatUnavailable, "chat not connected")
	}
	return s.emit(conn, relay.Message{
		JobID:         relay.FromID(j.ID),
		Sender:        viewer.Hex(),
		SenderDisplay: SenderDisplay(j, viewer),
		Text:          text,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// SendSystem posts a lifecycle notice into jobID's chat. A first dial still
// in progress is awaited for up to ReadyWait; otherwise it fails with
// ErrChatUnavailable when that job's channel is not connected.
func (s *Session) SendSystem(ctx context.Context, jobID uint64, text string) error {
	s.mu.Lock()
	ready := s.ready
	pending := s.state == StateConnecting && s.job != nil && s.job.ID == jobID
	s.mu.Unlock()

	if pending && ready != nil {
		timer := time.NewTimer(s.cfg.ReadyWait)
		select {
		case <-ready:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	s.mu.Lock()
	conn, j := s.conn, s.job
	connected := s.state == StateConnected && conn != nil && j != nil && j.ID == jobID
	s.mu.Unlock()

	if !connected {
		return errors.Wrapf(errors.ErrChatUnavailable, "job %d chat not connected", jobID)
	}
	return s.emit(conn, relay.Message{
		JobID:         relay.FromID(jobID),
		Sender:        relay.SystemSender,
		SenderDisplay: relay.SystemSender,
		Text:          text,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Session) emit(conn *websocket.Conn, msg relay.Message) error {
	frame, err := relay.EncodeFrame(relay.EventSendMessage, msg)
	if err != nil {
		return err
	}
	if err := s.write(conn, frame); err != nil {
		return errors.Mark(errors.Wrap(err, "send chat message"), errors.ErrChatUnavailable)
	}
	return nil
}

// Close releases the connection and waits for its goroutine. Later Updates
// are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var fire func()
	if s.cancel != nil {
		fire = s.shutdownLocked("session closed")
	}
	s.mu.Unlock()

	if fire != nil {
		fire()
	}
	s.wg.Wait()
}
