package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/port"
)

const DefaultLockTimeout = 3 * time.Second

type SubmitOfferInput struct {
	ProductID string
	From      domain.Actor
	To        domain.Actor
	Price     domain.Money
	Quantity  *int
	Message   string
}

type CounterInput struct {
	RecordID string
	Acting   domain.Actor
	Price    domain.Money
	Message  string
}

// OrderEnqueuer receives accepted record ids for asynchronous order creation.
type OrderEnqueuer interface {
	Enqueue(record domain.Record)
}

// NegotiationService is the only writer of negotiation records.
type NegotiationService struct {
	store       port.NegotiationRepository
	locker      port.LineageLocker
	events      port.EventPublisher
	orders      OrderEnqueuer
	logger      *zap.Logger
	lockTimeout time.Duration
	now         func() time.Time
}

type Option func(*NegotiationService)

func WithLockTimeout(d time.Duration) Option {
	return func(s *NegotiationService) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *NegotiationService) { s.now = now }
}

func WithOrderEnqueuer(orders OrderEnqueuer) Option {
	return func(s *NegotiationService) { s.orders = orders }
}

func NewNegotiationService(
	store port.NegotiationRepository,
	locker port.LineageLocker,
	events port.EventPublisher,
	logger *zap.Logger,
	opts ...Option,
) *NegotiationService {
	s := &NegotiationService{
		store:       store,
		locker:      locker,
		events:      events,
		logger:      logger,
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *NegotiationService) SubmitOffer(ctx context.Context, in SubmitOfferInput) (*domain.Record, error) {
	if err := validateSubmit(in); err != nil {
		return nil, err
	}

	now := s.now()
	record := domain.Record{
		ID:            ulid.Make().String(),
		BidID:         uuid.NewString(),
		ProductID:     in.ProductID,
		FromActorID:   in.From.ID,
		FromActorType: in.From.Type,
		ToActorID:     in.To.ID,
		ToActorType:   in.To.Type,
		OfferPrice:    in.Price,
		Quantity:      in.Quantity,
		Message:       in.Message,
		Status:        domain.RecordStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// a fresh bid id has no other writer, so no lineage lock is needed
	stored, err := s.store.Append(ctx, record)
	if err != nil {
		return nil, transient("append offer", err)
	}

	s.publish(ctx, domain.NewRecordEvent(domain.EventOfferSubmitted, stored, in.From.ID, now), stored)
	s.logger.Info("offer submitted",
		zap.String("record_id", stored.ID),
		zap.String("bid_id", stored.BidID),
		zap.String("product_id", stored.ProductID),
	)
	return &stored, nil
}

// Counter appends a new offer to the lineage with the sides swapped. Either
// participant may counter while the lineage has no accepted record.
func (s *NegotiationService) Counter(ctx context.Context, in CounterInput) (*domain.Record, error) {
	if !in.Price.Positive() {
		return nil, fmt.Errorf("%w: counter price must be positive", domain.ErrInvalidOffer)
	}

	var result domain.Record
	err := s.withLineage(ctx, in.RecordID, func(existing domain.Record, lineage []domain.Record) error {
		if !existing.Involves(in.Acting) {
			return domain.ErrNotRecipient
		}
		if domain.AcceptedRecord(lineage) != nil {
			return domain.ErrLineageLocked
		}

		price := in.Price
		if price.Currency == "" {
			price.Currency = existing.OfferPrice.Currency
		}
		if price.Currency != existing.OfferPrice.Currency {
			return fmt.Errorf("%w: currency %s does not match %s", domain.ErrInvalidOffer, price.Currency, existing.OfferPrice.Currency)
		}

		// the counter is always authored by the acting side and addressed to
		// the other participant
		from, to := existing.To(), existing.From()
		if existing.From().Is(in.Acting) {
			from, to = existing.From(), existing.To()
		}

		previous := existing.OfferPrice
		now := s.nextTimestamp(lineage)
		counter := domain.Record{
			ID:                 ulid.Make().String(),
			BidID:              existing.BidID,
			ProductID:          existing.ProductID,
			FromActorID:        from.ID,
			FromActorType:      from.Type,
			ToActorID:          to.ID,
			ToActorType:        to.Type,
			OfferPrice:         price,
			PreviousOfferPrice: &previous,
			Quantity:           existing.Clone().Quantity,
			Message:            in.Message,
			Status:             domain.RecordStatusPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}

		stored, err := s.store.Append(ctx, counter)
		if err != nil {
			return transient("append counter", err)
		}
		result = stored

		s.publish(ctx, domain.NewRecordEvent(domain.EventCounterOffer, stored, in.Acting.ID, now), stored)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("counter offer",
		zap.String("record_id", result.ID),
		zap.String("bid_id", result.BidID),
		zap.String("countered_record_id", in.RecordID),
	)
	return &result, nil
}

// Accept makes the record binding and locks its lineage. Only the record's
// recipient may accept, and only the newest pending record of the lineage.
func (s *NegotiationService) Accept(ctx context.Context, recordID string, acting domain.Actor, message string) (*domain.Record, error) {
	var result domain.Record
	err := s.withLineage(ctx, recordID, func(record domain.Record, lineage []domain.Record) error {
		if domain.AcceptedRecord(lineage) != nil {
			return domain.ErrLineageLocked
		}
		if !record.To().Is(acting) {
			return domain.ErrNotRecipient
		}
		if record.Status != domain.RecordStatusPending {
			return domain.ErrNotPending
		}
		if newest := domain.NewestPending(lineage); newest == nil || newest.ID != record.ID {
			return domain.ErrSuperseded
		}

		now := s.now()
		updated, err := s.store.CASUpdateStatus(ctx, port.StatusUpdate{
			RecordID:        record.ID,
			Expected:        domain.RecordStatusPending,
			New:             domain.RecordStatusAccepted,
			ResponseMessage: message,
			UpdatedAt:       now,
		})
		if err != nil {
			return storeError("accept offer", err)
		}
		result = *updated

		s.publish(ctx, domain.NewRecordEvent(domain.EventOfferAccepted, result, acting.ID, now), result)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("offer accepted",
		zap.String("record_id", result.ID),
		zap.String("bid_id", result.BidID),
		zap.String("accepted_by", acting.ID),
	)

	if s.orders != nil {
		s.orders.Enqueue(result.Clone())
	}
	return &result, nil
}

// Reject closes a single pending offer. Either side may reject and the rest of
// the lineage stays open.
func (s *NegotiationService) Reject(ctx context.Context, recordID string, acting domain.Actor, message string) (*domain.Record, error) {
	var result domain.Record
	err := s.withLineage(ctx, recordID, func(record domain.Record, lineage []domain.Record) error {
		if domain.AcceptedRecord(lineage) != nil {
			return domain.ErrLineageLocked
		}
		if !record.Involves(acting) {
			return domain.ErrNotRecipient
		}
		if record.Status != domain.RecordStatusPending {
			return domain.ErrNotPending
		}

		now := s.now()
		updated, err := s.store.CASUpdateStatus(ctx, port.StatusUpdate{
			RecordID:        record.ID,
			Expected:        domain.RecordStatusPending,
			New:             domain.RecordStatusRejected,
			ResponseMessage: message,
			UpdatedAt:       now,
		})
		if err != nil {
			return storeError("reject offer", err)
		}
		result = *updated

		s.publish(ctx, domain.NewRecordEvent(domain.EventOfferRejected, result, acting.ID, now), result)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("offer rejected",
		zap.String("record_id", result.ID),
		zap.String("bid_id", result.BidID),
		zap.String("rejected_by", acting.ID),
	)
	return &result, nil
}

// withLineage resolves the record, takes the lineage lock and hands fn a fresh
// read of the whole lineage. Events published inside fn are ordered by the lock.
func (s *NegotiationService) withLineage(ctx context.Context, recordID string, fn func(record domain.Record, lineage []domain.Record) error) error {
	record, err := s.store.GetByID(ctx, recordID)
	if err != nil {
		return storeError("load record", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	unlock, err := s.locker.Lock(lockCtx, record.BidID)
	if err != nil {
		s.logger.Warn("lineage lock not acquired",
			zap.String("bid_id", record.BidID),
			zap.Error(err),
		)
		return transient("lock lineage "+record.BidID, err)
	}
	defer unlock()

	lineage, err := s.store.QueryByLineage(ctx, record.BidID)
	if err != nil {
		return transient("load lineage", err)
	}

	current := domain.FindRecord(lineage, recordID)
	if current == nil {
		return domain.ErrNotFound
	}
	return fn(*current, lineage)
}

// nextTimestamp keeps createdAt monotonic inside a lineage even if the clock
// steps backwards. Equal timestamps are ordered by store sequence.
func (s *NegotiationService) nextTimestamp(lineage []domain.Record) time.Time {
	now := s.now()
	for _, r := range lineage {
		if r.CreatedAt.After(now) {
			now = r.CreatedAt
		}
	}
	return now
}

func (s *NegotiationService) publish(ctx context.Context, event domain.Event, record domain.Record) {
	if s.events == nil {
		return
	}
	for _, channel := range domain.RecordChannels(record) {
		ev := event
		ev.Channel = channel
		if err := s.events.Publish(ctx, channel, ev); err != nil {
			// clients refetch on reconnect, so a lost signal only delays them
			s.logger.Warn("publish negotiation event failed",
				zap.String("channel", channel),
				zap.String("event", string(event.Type)),
				zap.Error(err),
			)
		}
	}
}

func validateSubmit(in SubmitOfferInput) error {
	switch {
	case in.ProductID == "":
		return fmt.Errorf("%w: product id is required", domain.ErrInvalidOffer)
	case in.From.ID == "" || in.To.ID == "":
		return fmt.Errorf("%w: both actor ids are required", domain.ErrInvalidOffer)
	case !in.From.Type.Valid() || !in.To.Type.Valid():
		return fmt.Errorf("%w: unknown actor type", domain.ErrInvalidOffer)
	case in.From.Type == in.To.Type:
		return fmt.Errorf("%w: offers go between a customer and an operator", domain.ErrInvalidOffer)
	case !in.Price.Positive():
		return fmt.Errorf("%w: price must be positive", domain.ErrInvalidOffer)
	case in.Price.Currency == "":
		return fmt.Errorf("%w: currency is required", domain.ErrInvalidOffer)
	case in.Quantity != nil && *in.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOffer)
	}
	return nil
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrTransient, op, err)
}

// storeError passes domain errors through and marks everything else transient.
func storeError(op string, err error) error {
	for _, known := range []error{
		domain.ErrNotFound,
		domain.ErrNotPending,
		domain.ErrLineageLocked,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return transient(op, err)
}
