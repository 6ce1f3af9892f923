package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/port"
)

var (
	ErrOrderQueueFull    = errors.New("order queue full")
	ErrOrderLinkerClosed = errors.New("order linker closed")
)

const defaultOrderTimeout = 5 * time.Second

// OrderLinker turns accepted records into orders in the background. Failures
// are reported for manual follow-up; the acceptance itself is never undone.
type OrderLinker struct {
	orders   port.OrderService
	store    port.NegotiationRepository
	cache    port.CacheRepository
	reporter port.FailureReporter
	logger   *zap.Logger
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Record
	wg     sync.WaitGroup
}

func NewOrderLinker(
	orders port.OrderService,
	store port.NegotiationRepository,
	cache port.CacheRepository,
	reporter port.FailureReporter,
	logger *zap.Logger,
	queueSize int,
	timeout time.Duration,
) *OrderLinker {
	if timeout <= 0 {
		timeout = defaultOrderTimeout
	}
	return &OrderLinker{
		orders:   orders,
		store:    store,
		cache:    cache,
		reporter: reporter,
		logger:   logger,
		timeout:  timeout,
		queue:    make(chan domain.Record, queueSize),
	}
}

// Enqueue never blocks the accepting request. Records that cannot be queued
// are reported.
func (l *OrderLinker) Enqueue(record domain.Record) {
	if err := l.offer(record); err != nil {
		l.logger.Error("order not queued", zap.String("record_id", record.ID), zap.Error(err))
		l.report(context.Background(), record, err)
	}
}

func (l *OrderLinker) offer(record domain.Record) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrOrderLinkerClosed
	}
	select {
	case l.queue <- record:
		return nil
	default:
		return ErrOrderQueueFull
	}
}

// Start launches the worker pool. Workers exit after Close drains the queue.
func (l *OrderLinker) Start(workers int) {
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go func(id int) {
			defer l.wg.Done()
			l.workerLoop(id)
		}(i)
	}
	l.logger.Info("order linker started", zap.Int("workers", workers))
}

func (l *OrderLinker) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *OrderLinker) workerLoop(id int) {
	for record := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		if err := l.Link(ctx, record); err != nil {
			l.logger.Warn("order link failed",
				zap.Int("worker", id),
				zap.String("record_id", record.ID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Link creates the order for one accepted record at most once.
func (l *OrderLinker) Link(ctx context.Context, record domain.Record) error {
	key := idempotencyKey(record.ID)

	ok, err := l.cache.SetIdempotency(ctx, key)
	if err != nil {
		l.report(ctx, record, err)
		return fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		l.logger.Debug("order already requested", zap.String("record_id", record.ID))
		return nil
	}

	orderID, err := l.orders.CreateOrderFromAcceptedNegotiation(ctx, record.ID)
	if err != nil {
		// allow a manual retry to go through
		if clearErr := l.cache.ClearIdempotency(ctx, key); clearErr != nil {
			l.logger.Error("clear order idempotency key failed",
				zap.String("record_id", record.ID),
				zap.Error(clearErr),
			)
		}
		l.report(ctx, record, err)
		return fmt.Errorf("create order: %w", err)
	}

	if err := l.store.SetOrderID(ctx, record.ID, orderID); err != nil {
		l.report(ctx, record, fmt.Errorf("order %s created but not linked: %w", orderID, err))
		return fmt.Errorf("link order: %w", err)
	}

	l.logger.Info("order linked",
		zap.String("record_id", record.ID),
		zap.String("order_id", orderID),
	)
	return nil
}

func (l *OrderLinker) report(ctx context.Context, record domain.Record, cause error) {
	if l.reporter == nil {
		return
	}
	failure := domain.OrderFailure{
		RecordID:   record.ID,
		BidID:      record.BidID,
		Error:      cause.Error(),
		OccurredAt: time.Now().UTC(),
	}
	if err := l.reporter.ReportOrderFailure(ctx, failure); err != nil {
		l.logger.Error("CRITICAL order failure report lost",
			zap.String("record_id", record.ID),
			zap.String("cause", cause.Error()),
			zap.Error(err),
		)
	}
}

func idempotencyKey(recordID string) string {
	return "order:negotiation:" + recordID
}
