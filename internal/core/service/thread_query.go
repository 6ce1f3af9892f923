package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/port"
)

type ThreadFilter struct {
	Actor    domain.Actor
	Statuses []domain.RecordStatus
	Page     domain.Page
}

// ThreadQueryService is the read side: store query, aggregation and display
// enrichment. It never writes.
type ThreadQueryService struct {
	store      port.NegotiationRepository
	aggregator *ThreadAggregator
	directory  port.ActorDirectory
	catalog    port.Catalog
	logger     *zap.Logger
}

func NewThreadQueryService(
	store port.NegotiationRepository,
	aggregator *ThreadAggregator,
	directory port.ActorDirectory,
	catalog port.Catalog,
	logger *zap.Logger,
) *ThreadQueryService {
	return &ThreadQueryService{
		store:      store,
		aggregator: aggregator,
		directory:  directory,
		catalog:    catalog,
		logger:     logger,
	}
}

func (s *ThreadQueryService) ListThreads(ctx context.Context, filter ThreadFilter) ([]domain.ThreadView, error) {
	if filter.Actor.ID == "" {
		return nil, fmt.Errorf("%w: actor id is required", domain.ErrInvalidQuery)
	}

	records, err := s.store.QueryByActor(ctx, port.RecordQuery{
		ActorID:  filter.Actor.ID,
		Statuses: filter.Statuses,
		Page:     filter.Page.Normalize(),
	})
	if err != nil {
		return nil, transient("query records", err)
	}

	return s.enrich(ctx, s.aggregator.Aggregate(records)), nil
}

func (s *ThreadQueryService) GetThread(ctx context.Context, productID, counterpartyID string, page domain.Page) (*domain.ThreadView, error) {
	records, err := s.store.QueryByProductAndCounterparty(ctx, productID, counterpartyID, page.Normalize())
	if err != nil {
		return nil, transient("query thread", err)
	}

	views := s.enrich(ctx, s.aggregator.Aggregate(records))
	if len(views) == 0 {
		return nil, domain.ErrNotFound
	}
	return &views[0], nil
}

func (s *ThreadQueryService) GetLineage(ctx context.Context, bidID string) ([]domain.Record, error) {
	records, err := s.store.QueryByLineage(ctx, bidID)
	if err != nil {
		return nil, transient("query lineage", err)
	}
	if len(records) == 0 {
		return nil, domain.ErrNotFound
	}
	return records, nil
}

// IsLineageParticipant reports whether the actor is a side of the lineage.
// Unknown lineages have no participants.
func (s *ThreadQueryService) IsLineageParticipant(ctx context.Context, bidID string, actor domain.Actor) (bool, error) {
	records, err := s.GetLineage(ctx, bidID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// every record of a lineage is between the same two actors
	return records[0].Involves(actor), nil
}

// enrich attaches display data. Lookup failures leave raw ids; a product the
// catalog reports as gone drops its thread.
func (s *ThreadQueryService) enrich(ctx context.Context, threads []domain.Thread) []domain.ThreadView {
	actors := make(map[string]*domain.ActorProfile)
	products := make(map[string]*domain.ProductSummary)
	gone := make(map[string]bool)

	views := make([]domain.ThreadView, 0, len(threads))
	for _, t := range threads {
		if _, ok := products[t.ProductID]; !ok && !gone[t.ProductID] {
			p, err := s.resolveProduct(ctx, t.ProductID)
			if errors.Is(err, domain.ErrNotFound) {
				gone[t.ProductID] = true
			}
			products[t.ProductID] = p
		}
		if gone[t.ProductID] {
			s.logger.Info("dropping thread for missing product",
				zap.String("product_id", t.ProductID),
				zap.String("counterparty_id", t.CounterpartyID),
			)
			continue
		}

		if _, ok := actors[t.CounterpartyID]; !ok {
			actors[t.CounterpartyID] = s.resolveActor(ctx, t.CounterpartyID)
		}

		views = append(views, domain.ThreadView{
			Thread:       t,
			Counterparty: actors[t.CounterpartyID],
			Product:      products[t.ProductID],
		})
	}
	return views
}

func (s *ThreadQueryService) resolveActor(ctx context.Context, id string) *domain.ActorProfile {
	if s.directory == nil {
		return nil
	}
	profile, err := s.directory.ResolveActor(ctx, id)
	if err != nil {
		s.logger.Debug("actor lookup failed", zap.String("actor_id", id), zap.Error(err))
		return nil
	}
	return profile
}

func (s *ThreadQueryService) resolveProduct(ctx context.Context, id string) (*domain.ProductSummary, error) {
	if s.catalog == nil {
		return nil, nil
	}
	product, err := s.catalog.ResolveProduct(ctx, id)
	if err != nil {
		s.logger.Debug("product lookup failed", zap.String("product_id", id), zap.Error(err))
		return nil, err
	}
	return product, nil
}
