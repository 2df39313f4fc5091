package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultURL is the public gateway endpoint, JSON encoding
const DefaultURL = "wss://gateway.discord.gg/?v=9&encoding=json"

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultInitialBackoff   = 1 * time.Second
	defaultMaxBackoff       = 60 * time.Second
)

var (
	// ErrNotConnected is returned by SendStatus outside the Connected state
	ErrNotConnected = errors.New("gateway not connected")

	errHeartbeatTimeout = errors.New("heartbeat not acknowledged")
	errReconnectRequest = errors.New("server requested reconnect")
	errInvalidSession   = errors.New("session invalidated by server")
)

// State is the lifecycle state of a Session
type State int32

const (
	Disconnected State = iota
	Handshaking
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the session settings
type Config struct {
	URL              string
	Token            string
	ActivityType     int
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
}

// Session keeps one identified gateway connection alive.
// Run owns the connection; IsConnected, SendStatus and Ready are safe from
// any goroutine.
type Session struct {
	logger *zap.Logger
	cfg    Config
	dial   Dialer

	state atomic.Int32
	ready chan struct{}

	mu   sync.Mutex
	conn Conn
}

// NewSession creates a session dialing with the websocket transport
func NewSession(logger *zap.Logger, cfg Config) *Session {
	return NewSessionWithDialer(logger, cfg, DialWebsocket)
}

// NewSessionWithDialer creates a session with a custom transport
func NewSessionWithDialer(logger *zap.Logger, cfg Config, dial Dialer) *Session {
	cfg.applyDefaults()
	return &Session{
		logger: logger,
		cfg:    cfg,
		dial:   dial,
		ready:  make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnected reports whether the session completed its handshake
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// Ready receives one value after every successful handshake. Signals that
// nobody consumed yet are merged.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// SendStatus pushes a presence update carrying text, or clears it when empty
func (s *Session) SendStatus(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !s.IsConnected() {
		return ErrNotConnected
	}

	frame := outbound{Op: opPresenceUpdate, D: presenceFor(text, s.cfg.ActivityType)}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send presence update: %w", err)
	}
	return nil
}

// Run connects and reconnects until ctx is cancelled. It always returns
// ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	defer s.setState(Disconnected)

	for {
		s.setState(Handshaking)
		err := s.connect(ctx, b)
		if ctx.Err() != nil {
			s.logger.Info("Gateway session stopped")
			return ctx.Err()
		}

		s.setState(Reconnecting)
		wait := b.NextBackOff()
		s.logger.Warn("Gateway connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("retry_in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Gateway session stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connect runs a single connection from dial to loss
func (s *Session) connect(ctx context.Context, b backoff.BackOff) error {
	conn, err := s.dial(ctx, s.cfg.URL)
	if err != nil {
		return err
	}
	link := &link{conn: conn}

	defer func() {
		if ctx.Err() == nil {
			s.setState(Reconnecting)
		}
		s.detach()
		if err := conn.Close(); err != nil {
			s.logger.Debug("Error closing gateway connection", zap.Error(err))
		}
	}()

	interval, err := s.handshake(ctx, link)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	b.Reset()
	s.attach(conn)
	s.setState(Connected)
	s.logger.Info("Gateway connected", zap.Duration("heartbeat_interval", interval))
	select {
	case s.ready <- struct{}{}:
	default:
	}

	return s.serve(ctx, link, interval)
}

// handshake waits for Hello, identifies and waits for READY. A watchdog
// closes the connection if the handshake timeout expires first.
func (s *Session) handshake(ctx context.Context, l *link) (time.Duration, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() {
		_ = l.conn.Close()
	})
	defer stop()

	var hello inbound
	if err := l.conn.ReadJSON(&hello); err != nil {
		return 0, handshakeErr(hctx, fmt.Errorf("read hello: %w", err))
	}
	if hello.Op != opHello {
		return 0, fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var h helloData
	if err := json.Unmarshal(hello.D, &h); err != nil {
		return 0, fmt.Errorf("decode hello: %w", err)
	}
	if h.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("invalid heartbeat interval: %d", h.HeartbeatInterval)
	}
	interval := time.Duration(h.HeartbeatInterval) * time.Millisecond

	identify := outbound{Op: opIdentify, D: identifyData{
		Token: s.cfg.Token,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "nowcast",
			Device:  "nowcast",
		},
	}}
	if err := l.conn.WriteJSON(identify); err != nil {
		return 0, handshakeErr(hctx, fmt.Errorf("send identify: %w", err))
	}

	for {
		var msg inbound
		if err := l.conn.ReadJSON(&msg); err != nil {
			return 0, handshakeErr(hctx, fmt.Errorf("read: %w", err))
		}
		l.track(msg)

		switch msg.Op {
		case opDispatch:
			if msg.T == eventReady {
				return interval, nil
			}
		case opHeartbeat:
			if err := l.heartbeat(); err != nil {
				return 0, err
			}
		case opReconnect:
			return 0, errReconnectRequest
		case opInvalidSession:
			return 0, errInvalidSession
		}
	}
}

func handshakeErr(hctx context.Context, err error) error {
	if errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("handshake timed out: %w", err)
	}
	return err
}

// serve heartbeats and reads until the connection is lost or ctx ends
func (s *Session) serve(ctx context.Context, l *link, interval time.Duration) error {
	msgs := make(chan inbound)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg inbound
			if err := l.conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	acked := true

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if !acked {
				return errHeartbeatTimeout
			}
			acked = false
			if err := l.heartbeat(); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case msg := <-msgs:
			l.track(msg)
			switch msg.Op {
			case opHeartbeatAck:
				acked = true
			case opHeartbeat:
				if err := l.heartbeat(); err != nil {
					return fmt.Errorf("send heartbeat: %w", err)
				}
			case opReconnect:
				return errReconnectRequest
			case opInvalidSession:
				return errInvalidSession
			case opDispatch:
				s.logger.Debug("Gateway dispatch", zap.String("event", msg.T))
			}
		}
	}
}

func (s *Session) attach(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) detach() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("Gateway state change",
			zap.Stringer("from", prev),
			zap.Stringer("to", next))
	}
}

// link is one connection plus its sequence number. Only the Run goroutine
// touches seq.
type link struct {
	conn Conn
	seq  *int64
}

func (l *link) track(msg inbound) {
	if msg.S != nil {
		seq := *msg.S
		l.seq = &seq
	}
}

func (l *link) heartbeat() error {
	return l.conn.WriteJSON(outbound{Op: opHeartbeat, D: l.seq})
}
