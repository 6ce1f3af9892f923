package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/adapter/storage"
	"github.com/rl1809/negotiation/internal/core/domain"
)

type publishedEvent struct {
	channel string
	event   domain.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{channel: channel, event: event})
	return p.err
}

func (p *recordingPublisher) all() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

func (p *recordingPublisher) ofType(t domain.EventType) []publishedEvent {
	var out []publishedEvent
	for _, e := range p.all() {
		if e.event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// stuckLocker never grants the lock.
type stuckLocker struct{}

func (stuckLocker) Lock(ctx context.Context, bidID string) (func(), error) {
	<-ctx.Done()
	return nil, errors.Join(storage.ErrLockNotAcquired, ctx.Err())
}

type recordingEnqueuer struct {
	mu      sync.Mutex
	records []domain.Record
}

func (e *recordingEnqueuer) Enqueue(record domain.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
}

func (e *recordingEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// steppingClock advances by one second per call.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	store     *storage.MemoryAdapter
	events    *recordingPublisher
	orders    *recordingEnqueuer
	svc       *NegotiationService
	aggregate *ThreadAggregator
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		store:     storage.NewMemoryAdapter(),
		events:    &recordingPublisher{},
		orders:    &recordingEnqueuer{},
		aggregate: NewThreadAggregator(zap.NewNop()),
	}
	clock := newSteppingClock()
	opts = append([]Option{WithClock(clock.Now), WithOrderEnqueuer(f.orders)}, opts...)
	f.svc = NewNegotiationService(f.store, storage.NewLocalLocker(), f.events, zap.NewNop(), opts...)
	return f
}
