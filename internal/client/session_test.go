package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/adapter/realtime"
	"github.com/rl1809/negotiation/internal/core/domain"
)

// wsServer serves hub sessions and can drop them from the server side.
type wsServer struct {
	hub   *realtime.Hub
	srv   *httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{hub: realtime.NewHub(nil, 0, zap.NewNop())}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := domain.Actor{
			ID:   r.URL.Query().Get("actorId"),
			Type: domain.ActorType(r.URL.Query().Get("actorType")),
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		s.hub.Serve(ws, actor, 0)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func nextEvent(t *testing.T, s *Session) domain.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return domain.Event{}
	}
}

func TestSession_ReceivesAndRejoinsAfterReconnect(t *testing.T) {
	server := newWSServer(t)
	actor := domain.Actor{ID: "op-1", Type: domain.ActorTypeOperator}
	personal := domain.ActorChannel(actor.ID)
	lineage := domain.LineageChannel("b1")

	session := NewSession(SessionConfig{
		URL:            server.url(),
		Actor:          actor,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	require.Eventually(t, func() bool { return server.hub.RoomSize(personal) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, session.JoinLineage("b1"))
	require.Eventually(t, func() bool { return server.hub.RoomSize(lineage) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.EventPresenceJoined, nextEvent(t, session).Type)

	require.NoError(t, server.hub.Publish(ctx, personal, domain.Event{Type: domain.EventOfferSubmitted, RecordID: "r1"}))
	assert.Equal(t, "r1", nextEvent(t, session).RecordID)

	server.dropAll()

	select {
	case <-session.Reconnected():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not reconnect")
	}
	require.Eventually(t, func() bool { return server.hub.RoomSize(lineage) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{personal, lineage}, session.Rooms())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSession_LeaveKeepsPersonalChannel(t *testing.T) {
	actor := domain.Actor{ID: "cust-1", Type: domain.ActorTypeCustomer}
	session := NewSession(SessionConfig{URL: "ws://unused", Actor: actor}, zap.NewNop())

	// while disconnected room changes are only remembered
	require.NoError(t, session.JoinLineage("b1"))
	require.NoError(t, session.Leave(domain.ActorChannel(actor.ID)))
	require.NoError(t, session.LeaveLineage("b1"))
	require.NoError(t, session.Typing("b1"))

	assert.Equal(t, []string{domain.ActorChannel(actor.ID)}, session.Rooms())
}

func TestSession_ForbiddenHandshakeStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	session := NewSession(SessionConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Actor:          domain.Actor{ID: "x", Type: domain.ActorTypeCustomer},
		InitialBackoff: time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, session.Run(ctx))
}

func TestSession_BacksOffWhenServerDropsImmediately(t *testing.T) {
	var upgrades atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgrades.Add(1)
		ws.Close()
	}))
	defer srv.Close()

	session := NewSession(SessionConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Actor:          domain.Actor{ID: "op-1", Type: domain.ActorTypeOperator},
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.NoError(t, session.Run(ctx))

	n := upgrades.Load()
	assert.GreaterOrEqual(t, n, int32(2), "the session keeps reconnecting")
	assert.LessOrEqual(t, n, int32(15), "reconnects are spaced out")
}

func TestThreadList_FollowRefreshesOnReconnect(t *testing.T) {
	server := newWSServer(t)
	actor := domain.Actor{ID: "op-1", Type: domain.ActorTypeOperator}
	session := NewSession(SessionConfig{
		URL:            server.url(),
		Actor:          actor,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, zap.NewNop())

	f := &stubFetcher{threads: viewWith(domain.RecordStatusPending)}
	list := NewThreadList(f.fetch, Scope{}, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)
	go list.Follow(ctx, session)

	personal := domain.ActorChannel(actor.ID)
	require.Eventually(t, func() bool { return server.hub.RoomSize(personal) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.count() >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, server.hub.Publish(ctx, personal, domain.Event{Type: domain.EventCounterOffer, ProductID: "p1"}))
	require.Eventually(t, func() bool { return f.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	before := f.count()
	server.dropAll()
	require.Eventually(t, func() bool { return f.count() > before }, 3*time.Second, 5*time.Millisecond)
}
