package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/port"
)

var (
	ErrForbiddenChannel = errors.New("channel belongs to another actor")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrNotMember        = errors.New("not a member of the lineage room")
)

var (
	_ port.EventPublisher  = (*Hub)(nil)
	_ port.EventSubscriber = (*Hub)(nil)
)

const (
	DefaultSendBuffer = 64
	accessTimeout     = 5 * time.Second
)

// Backbone carries events between server instances. Without one, rooms are
// local to the process.
type Backbone interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Run(ctx context.Context, deliver func(channel string, payload []byte)) error
}

// LineageAccess reports whether an actor may observe a lineage room.
type LineageAccess func(ctx context.Context, bidID string, actor domain.Actor) (bool, error)

type HubOption func(*Hub)

// WithLineageAccess restricts lineage rooms to the actors the check admits.
// Without it every session may join any lineage room.
func WithLineageAccess(check LineageAccess) HubOption {
	return func(h *Hub) {
		h.access = check
	}
}

type typingKey struct {
	bidID   string
	actorID string
}

// Hub owns room membership, typing state and fan-out for one server instance.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	typing map[typingKey]struct{}

	backbone   Backbone
	access     LineageAccess
	sendBuffer int
	logger     *zap.Logger
	now        func() time.Time
}

func NewHub(backbone Backbone, sendBuffer int, logger *zap.Logger, opts ...HubOption) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	h := &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		typing:     make(map[typingKey]struct{}),
		backbone:   backbone,
		sendBuffer: sendBuffer,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Client is one connected session. Events are read from Events until Done
// is closed.
type Client struct {
	ID    string
	Actor domain.Actor

	hub       *Hub
	send      chan domain.Event
	rooms     map[string]struct{} // guarded by hub.mu
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) Events() <-chan domain.Event {
	return c.send
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) enqueue(event domain.Event) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- event:
	default:
		// a slow session is cut off; it reconnects and refetches
		c.hub.logger.Warn("realtime send buffer full, disconnecting session",
			zap.String("client_id", c.ID),
			zap.String("actor_id", c.Actor.ID),
		)
		go c.hub.Unregister(c)
	}
}

// Register creates a session and joins it to the actor's personal channel.
func (h *Hub) Register(actor domain.Actor) *Client {
	c := h.newClient(actor)
	h.mu.Lock()
	h.addLocked(c, domain.ActorChannel(actor.ID))
	h.mu.Unlock()

	h.logger.Debug("realtime session registered",
		zap.String("client_id", c.ID),
		zap.String("actor_id", actor.ID),
	)
	return c
}

// Unregister leaves every room, clears the session's typing state and stops
// delivery. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
		h.removeLocked(c, room)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		if bidID, ok := domain.ParseLineageChannel(room); ok {
			h.afterLeave(c, bidID)
		}
	}

	c.closeOnce.Do(func() { close(c.done) })
}

// Join adds the session to a room. Joining twice is a no-op.
func (h *Hub) Join(c *Client, channel string) error {
	if actorID, ok := domain.ParseActorChannel(channel); ok {
		if actorID != c.Actor.ID {
			return ErrForbiddenChannel
		}
	} else if bidID, ok := domain.ParseLineageChannel(channel); !ok {
		return ErrUnknownChannel
	} else if err := h.checkAccess(c, bidID); err != nil {
		return err
	}

	h.mu.Lock()
	if _, member := c.rooms[channel]; member {
		h.mu.Unlock()
		return nil
	}
	h.addLocked(c, channel)
	h.mu.Unlock()

	if bidID, ok := domain.ParseLineageChannel(channel); ok {
		h.publishLocal(context.Background(), domain.Event{
			Type:          domain.EventPresenceJoined,
			Channel:       channel,
			BidID:         bidID,
			ActorID:       c.Actor.ID,
			FromActorType: c.Actor.Type,
			OccurredAt:    h.now(),
		})
	}
	return nil
}

func (h *Hub) Leave(c *Client, channel string) {
	if channel == domain.ActorChannel(c.Actor.ID) {
		// the personal channel lives as long as the session
		return
	}

	h.mu.Lock()
	_, member := c.rooms[channel]
	if member {
		h.removeLocked(c, channel)
	}
	h.mu.Unlock()

	if !member {
		return
	}
	if bidID, ok := domain.ParseLineageChannel(channel); ok {
		h.afterLeave(c, bidID)
	}
}

// SetTyping records that the actor is or stopped typing in a lineage. Repeated
// signals with the same value publish nothing.
func (h *Hub) SetTyping(c *Client, bidID string, typing bool) error {
	channel := domain.LineageChannel(bidID)
	key := typingKey{bidID: bidID, actorID: c.Actor.ID}

	h.mu.Lock()
	if _, member := c.rooms[channel]; !member {
		h.mu.Unlock()
		return ErrNotMember
	}
	_, already := h.typing[key]
	if typing == already {
		h.mu.Unlock()
		return nil
	}
	if typing {
		h.typing[key] = struct{}{}
	} else {
		delete(h.typing, key)
	}
	h.mu.Unlock()

	eventType := domain.EventTypingStopped
	if typing {
		eventType = domain.EventTypingStarted
	}
	h.publishLocal(context.Background(), domain.Event{
		Type:          eventType,
		Channel:       channel,
		BidID:         bidID,
		ActorID:       c.Actor.ID,
		FromActorType: c.Actor.Type,
		OccurredAt:    h.now(),
	})
	return nil
}

func (h *Hub) checkAccess(c *Client, bidID string) error {
	if h.access == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), accessTimeout)
	defer cancel()

	allowed, err := h.access(ctx, bidID, c.Actor)
	if err != nil {
		return fmt.Errorf("check lineage access: %w", err)
	}
	if !allowed {
		return ErrForbiddenChannel
	}
	return nil
}

// IsTyping reports the current typing state for a lineage and actor.
func (h *Hub) IsTyping(bidID, actorID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.typing[typingKey{bidID: bidID, actorID: actorID}]
	return ok
}

// Publish implements port.EventPublisher.
func (h *Hub) Publish(ctx context.Context, channel string, event domain.Event) error {
	event.Channel = channel
	if h.backbone == nil {
		h.deliver(channel, event)
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.backbone.Publish(ctx, channel, payload)
}

// Subscribe implements port.EventSubscriber for in-process consumers. The
// stream is closed once cancel is called, ctx is done or the subscriber is
// cut off for falling behind.
func (h *Hub) Subscribe(ctx context.Context, channel string) (<-chan domain.Event, func()) {
	c := h.newClient(domain.Actor{})
	h.mu.Lock()
	h.addLocked(c, channel)
	h.mu.Unlock()

	var once sync.Once
	cancel := func() { once.Do(func() { h.Unregister(c) }) }

	out := make(chan domain.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-c.done:
				return
			case ev := <-c.send:
				select {
				case out <- ev:
				case <-ctx.Done():
					cancel()
					return
				case <-c.done:
					return
				}
			}
		}
	}()
	return out, cancel
}

// RunBackbone feeds events from other instances into local rooms until ctx
// is done.
func (h *Hub) RunBackbone(ctx context.Context) error {
	if h.backbone == nil {
		<-ctx.Done()
		return nil
	}
	return h.backbone.Run(ctx, func(channel string, payload []byte) {
		var event domain.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			h.logger.Warn("dropping malformed backbone event",
				zap.String("channel", channel),
				zap.Error(err),
			)
			return
		}
		h.deliver(channel, event)
	})
}

// RoomSize returns the number of local sessions in a room.
func (h *Hub) RoomSize(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channel])
}

func (h *Hub) deliver(channel string, event domain.Event) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[channel]))
	for c := range h.rooms[channel] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(event)
	}
}

func (h *Hub) publishLocal(ctx context.Context, event domain.Event) {
	if err := h.Publish(ctx, event.Channel, event); err != nil {
		h.logger.Debug("advisory event not published",
			zap.String("channel", event.Channel),
			zap.String("event", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (h *Hub) afterLeave(c *Client, bidID string) {
	if c.Actor.ID == "" {
		return
	}
	key := typingKey{bidID: bidID, actorID: c.Actor.ID}

	h.mu.Lock()
	_, wasTyping := h.typing[key]
	delete(h.typing, key)
	h.mu.Unlock()

	channel := domain.LineageChannel(bidID)
	if wasTyping {
		h.publishLocal(context.Background(), domain.Event{
			Type:          domain.EventTypingStopped,
			Channel:       channel,
			BidID:         bidID,
			ActorID:       c.Actor.ID,
			FromActorType: c.Actor.Type,
			OccurredAt:    h.now(),
		})
	}
	h.publishLocal(context.Background(), domain.Event{
		Type:          domain.EventPresenceLeft,
		Channel:       channel,
		BidID:         bidID,
		ActorID:       c.Actor.ID,
		FromActorType: c.Actor.Type,
		OccurredAt:    h.now(),
	})
}

func (h *Hub) newClient(actor domain.Actor) *Client {
	return &Client{
		ID:    uuid.NewString(),
		Actor: actor,
		hub:   h,
		send:  make(chan domain.Event, h.sendBuffer),
		rooms: make(map[string]struct{}),
		done:  make(chan struct{}),
	}
}

func (h *Hub) addLocked(c *Client, channel string) {
	room, ok := h.rooms[channel]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[channel] = room
	}
	room[c] = struct{}{}
	c.rooms[channel] = struct{}{}
}

func (h *Hub) removeLocked(c *Client, channel string) {
	delete(c.rooms, channel)
	room, ok := h.rooms[channel]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, channel)
	}
}
