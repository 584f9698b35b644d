package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/timmy/studiodesk/internal/logger"
	"github.com/timmy/studiodesk/internal/progress"
)

// ErrNoIdentity is returned by Open when no user is known. Any open connection is closed.
var ErrNoIdentity = errors.New("user identity is unknown")

const (
	progressPath       = "/api/v1/progress/ws"
	defaultEventBuffer = 64
	closeWait          = time.Second
	// defaultPongWait must exceed the server's ping interval.
	defaultPongWait = 60 * time.Second

	closedReason    = "the progress channel was closed"
	heartbeatReason = "no heartbeat from the server"
)

// ConnState is the state of the progress connection.
type ConnState int

const (
	StateClosed ConnState = iota
	StateConnecting
	StateOpen
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ChannelState is a snapshot of the connection.
type ChannelState struct {
	UserID      string
	State       ConnState
	LastEventAt time.Time
	// Reason says why the last connection ended or could not be opened.
	Reason string
}

// ChannelConfig configures Channel.
type ChannelConfig struct {
	// ServerURL is the http(s) or ws(s) base URL of the server.
	ServerURL string
	Token     string
	Buffer    int
	Dialer    *websocket.Dialer
	// PongWait is how long the connection may stay silent, pings included,
	// before it is considered lost.
	PongWait time.Duration
}

type session struct {
	conn *websocket.Conn
	gen  uint64
	quit chan struct{}
}

// Channel is the user-scoped progress connection. It holds at most one connection;
// events from every connection it opens are delivered on the same Events channel.
type Channel struct {
	cfg      ChannelConfig
	dialer   *websocket.Dialer
	events   chan progress.Event
	decode   func([]byte) (progress.Event, error)
	pongWait time.Duration

	mu          sync.Mutex
	sess        *session
	gen         uint64
	userID      string
	state       ConnState
	lastEventAt time.Time
	reason      string
}

// NewChannel creates a closed channel.
func NewChannel(cfg ChannelConfig) *Channel {
	buf := cfg.Buffer
	if buf <= 0 {
		buf = defaultEventBuffer
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	return &Channel{
		cfg:      cfg,
		dialer:   dialer,
		events:   make(chan progress.Event, buf),
		decode:   progress.Decode,
		pongWait: pongWait,
	}
}

// Events returns the stream of decoded events. It is never closed.
func (c *Channel) Events() <-chan progress.Event {
	return c.events
}

// State returns a snapshot of the connection.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelState{UserID: c.userID, State: c.state, LastEventAt: c.lastEventAt, Reason: c.reason}
}

// Open connects for userID. It does nothing when already connected or connecting
// for the same user and replaces the connection of a different user.
func (c *Channel) Open(ctx context.Context, userID string) error {
	if userID == "" {
		c.Close()
		return ErrNoIdentity
	}

	c.mu.Lock()
	if c.userID == userID && c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	prev := c.detach()
	c.gen++
	gen := c.gen
	c.userID = userID
	c.state = StateConnecting
	c.lastEventAt = time.Time{}
	c.mu.Unlock()

	prev.shutdown()

	log := logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldComponent: "progress_channel",
		logger.FieldUserID:    userID,
	})

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, channelURL(c.cfg.ServerURL, userID), header)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateClosed
			c.reason = err.Error()
		}
		c.mu.Unlock()
		log.WithError(err).Warn("Failed to open progress channel")
		return fmt.Errorf("failed to open progress channel: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// Closed or reopened while dialing.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s := &session{conn: conn, gen: gen, quit: make(chan struct{})}
	c.sess = s
	c.state = StateOpen
	c.reason = ""
	c.mu.Unlock()

	c.keepAlive(conn)

	log.Info("Progress channel opened")
	go c.readLoop(s, log)
	return nil
}

// Close releases the connection. It is safe to call at any time and never
// produces a ConnectionLost event.
func (c *Channel) Close() {
	c.mu.Lock()
	prev := c.detach()
	c.gen++
	c.state = StateClosed
	c.reason = closedReason
	c.mu.Unlock()

	prev.shutdown()
}

// keepAlive arms the read deadline and extends it on every server ping, so a
// half-open connection ends the read loop instead of blocking it forever.
func (c *Channel) keepAlive(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(closeWait))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
}

// detach must be called with c.mu held.
func (c *Channel) detach() *session {
	s := c.sess
	c.sess = nil
	return s
}

func (s *session) shutdown() {
	if s == nil {
		return
	}
	close(s.quit)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	_ = s.conn.Close()
}

func (c *Channel) readLoop(s *session, log *logger.Logger) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			c.lost(s, err, log)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		ev, err := c.safeDecode(data)
		if err != nil {
			log.WithError(err).WithField("bytes", len(data)).Warn("Dropped malformed progress message")
			continue
		}

		c.mu.Lock()
		if c.gen != s.gen {
			c.mu.Unlock()
			return
		}
		c.lastEventAt = time.Now()
		c.mu.Unlock()

		if !c.emit(s, ev) {
			return
		}
	}
}

func (c *Channel) safeDecode(data []byte) (ev progress.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = nil
			err = fmt.Errorf("%w: decoder panic: %v", progress.ErrMalformed, r)
		}
	}()
	return c.decode(data)
}

func (c *Channel) lost(s *session, cause error, log *logger.Logger) {
	c.mu.Lock()
	if c.gen != s.gen {
		c.mu.Unlock()
		return
	}
	reason := lostReason(cause)
	c.sess = nil
	c.state = StateClosed
	c.reason = reason
	c.mu.Unlock()

	_ = s.conn.Close()
	log.WithField("reason", reason).Warn("Progress channel lost")
	c.emit(s, progress.ConnectionLost{Reason: reason})
}

func (c *Channel) emit(s *session, ev progress.Event) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

func lostReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return fmt.Sprintf("server closed the connection (%d %s)", ce.Code, ce.Text)
		}
		return fmt.Sprintf("server closed the connection (%d)", ce.Code)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return heartbeatReason
	}
	return err.Error()
}

func channelURL(base, userID string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + progressPath + "?user_id=" + url.QueryEscape(userID)
}
