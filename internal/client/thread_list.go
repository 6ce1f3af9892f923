package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/reconcile"
)

const DefaultOverrideTTL = 30 * time.Second

// Fetcher loads the authoritative thread list from the server.
type Fetcher func(ctx context.Context) ([]domain.ThreadView, error)

// Scope narrows which events a list cares about. The zero Scope matches
// every negotiation event.
type Scope struct {
	ProductID      string
	CounterpartyID string
}

func (s Scope) Matches(event domain.Event) bool {
	switch event.Type {
	case domain.EventOfferSubmitted, domain.EventCounterOffer,
		domain.EventOfferAccepted, domain.EventOfferRejected:
	default:
		return false
	}
	if s.ProductID == "" && s.CounterpartyID == "" {
		return true
	}
	return (s.ProductID != "" && s.ProductID == event.ProductID) ||
		(s.CounterpartyID != "" && s.CounterpartyID == event.CounterpartyID)
}

// ThreadList is a cached thread list that is only ever replaced by a full
// refetch. Event payloads are never merged into it.
type ThreadList struct {
	fetch     Fetcher
	scope     Scope
	overrides *reconcile.Cache[string, domain.RecordStatus]
	logger    *zap.Logger

	mu      sync.RWMutex
	threads []domain.ThreadView
	fetched time.Time
}

func NewThreadList(fetch Fetcher, scope Scope, overrideTTL time.Duration, logger *zap.Logger) *ThreadList {
	if overrideTTL <= 0 {
		overrideTTL = DefaultOverrideTTL
	}
	return &ThreadList{
		fetch:     fetch,
		scope:     scope,
		overrides: reconcile.New[string, domain.RecordStatus](overrideTTL),
		logger:    logger,
	}
}

// Refresh discards the cached threads and loads them again.
func (l *ThreadList) Refresh(ctx context.Context) error {
	threads, err := l.fetch(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.threads = threads
	l.fetched = time.Now()
	l.mu.Unlock()
	return nil
}

// HandleEvent refetches when the event concerns this list. It reports whether
// a refetch happened.
func (l *ThreadList) HandleEvent(ctx context.Context, event domain.Event) (bool, error) {
	if !l.scope.Matches(event) {
		return false, nil
	}
	return true, l.Refresh(ctx)
}

// MarkStatus shows status for the record until the server agrees or the
// override expires.
func (l *ThreadList) MarkStatus(recordID string, status domain.RecordStatus) {
	l.overrides.Set(recordID, status)
}

// Threads returns the cached list with pending overrides applied.
func (l *ThreadList) Threads() []domain.ThreadView {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.ThreadView, len(l.threads))
	for i, view := range l.threads {
		records := make([]domain.Record, len(view.Records))
		changed := false
		for j, r := range view.Records {
			records[j] = r.Clone()
			if status := l.overrides.Resolve(r.ID, r.Status); status != r.Status {
				records[j].Status = status
				changed = true
			}
		}
		view.Records = records
		if changed {
			view.Derive()
		}
		out[i] = view
	}
	return out
}

func (l *ThreadList) LastFetched() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fetched
}

// Follow keeps the list current from a session until ctx is done. Fetch
// failures are logged; the next event or reconnect retries.
func (l *ThreadList) Follow(ctx context.Context, session *Session) error {
	if err := l.Refresh(ctx); err != nil {
		l.logger.Warn("initial thread fetch failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Reconnected():
			if err := l.Refresh(ctx); err != nil {
				l.logger.Warn("thread refresh after reconnect failed", zap.Error(err))
			}
		case event := <-session.Events():
			if _, err := l.HandleEvent(ctx, event); err != nil {
				l.logger.Warn("thread refresh failed",
					zap.String("event", string(event.Type)),
					zap.Error(err),
				)
			}
		}
	}
}
