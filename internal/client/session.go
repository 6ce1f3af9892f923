package client

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
)

const (
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultStableAfter    = 10 * time.Second
	eventBuffer           = 128
)

type SessionConfig struct {
	// URL of the websocket endpoint, e.g. ws://host:8080/ws
	URL            string
	Actor          domain.Actor
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// StableAfter is how long a connection must last before the next
	// reconnect is attempted without delay.
	StableAfter time.Duration
	Dialer      *websocket.Dialer
}

// Session is one actor's real-time connection. It owns the socket: there is
// no shared connection, and the socket lives from Run until ctx is done.
type Session struct {
	cfg    SessionConfig
	logger *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[string]struct{}

	events      chan domain.Event
	reconnected chan struct{}
}

func NewSession(cfg SessionConfig, logger *zap.Logger) *Session {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Session{
		cfg:         cfg,
		logger:      logger,
		rooms:       map[string]struct{}{domain.ActorChannel(cfg.Actor.ID): {}},
		events:      make(chan domain.Event, eventBuffer),
		reconnected: make(chan struct{}, 1),
	}
}

// Events carries every signal the server sends. Treat them as hints to refetch.
func (s *Session) Events() <-chan domain.Event {
	return s.events
}

// Reconnected fires after every reconnect. Events may have been missed, so
// listeners must do a full refresh.
func (s *Session) Reconnected() <-chan struct{} {
	return s.reconnected
}

// Run connects and keeps the session connected until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	// spaces out reconnects to servers that accept and then drop the socket
	redial := s.newBackOff()
	first := true
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := s.attach(conn); err != nil {
			s.logger.Warn("rejoining rooms failed", zap.Error(err))
			conn.Close()
			if err := s.pause(ctx, redial); err != nil {
				return nil
			}
			continue
		}

		if !first {
			select {
			case s.reconnected <- struct{}{}:
			default:
			}
		}
		first = false

		connectedAt := time.Now()
		err = s.readLoop(ctx, conn)
		s.detach(conn)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Info("realtime connection lost, reconnecting", zap.Error(err))

		if time.Since(connectedAt) >= s.cfg.StableAfter {
			redial.Reset()
			continue
		}
		if err := s.pause(ctx, redial); err != nil {
			return nil
		}
	}
}

func (s *Session) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// pause waits for the next backoff interval or until ctx is done.
func (s *Session) pause(ctx context.Context, b backoff.BackOff) error {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = s.cfg.MaxBackoff
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Session) Join(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[channel] = struct{}{}
	return s.writeLocked(frame{Action: "join", Channel: channel})
}

func (s *Session) Leave(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel == domain.ActorChannel(s.cfg.Actor.ID) {
		return nil
	}
	delete(s.rooms, channel)
	return s.writeLocked(frame{Action: "leave", Channel: channel})
}

// JoinLineage opens the lineage room, typically while its detail view is open.
func (s *Session) JoinLineage(bidID string) error {
	return s.Join(domain.LineageChannel(bidID))
}

func (s *Session) LeaveLineage(bidID string) error {
	return s.Leave(domain.LineageChannel(bidID))
}

func (s *Session) Typing(bidID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(frame{Action: "typing", BidID: bidID})
}

func (s *Session) StopTyping(bidID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(frame{Action: "stop_typing", BidID: bidID})
}

// Rooms lists the channels the session re-joins on every reconnect.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	return out
}

type frame struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	BidID   string `json:"bidId,omitempty"`
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	q := target.Query()
	q.Set("actorId", s.cfg.Actor.ID)
	q.Set("actorType", string(s.cfg.Actor.Type))
	target.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("X-Actor-Id", s.cfg.Actor.ID)
	header.Set("X-Actor-Type", string(s.cfg.Actor.Type))

	b := s.newBackOff()

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := s.cfg.Dialer.DialContext(ctx, target.String(), header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("realtime dial failed", zap.Duration("retry_in", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) attach(conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	for room := range s.rooms {
		if err := s.writeLocked(frame{Action: "join", Channel: room}); err != nil {
			s.conn = nil
			return err
		}
	}
	return nil
}

func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	conn.Close()
}

// writeLocked sends a frame if connected. While disconnected the frame is
// dropped; room changes are replayed by attach.
func (s *Session) writeLocked(f frame) error {
	if s.conn == nil {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(f)
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var event domain.Event
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		select {
		case s.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
