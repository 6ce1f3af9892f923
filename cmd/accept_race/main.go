package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/negotiation/internal/adapter/realtime"
	"github.com/rl1809/negotiation/internal/adapter/storage"
	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/core/service"
	"github.com/rl1809/negotiation/internal/logging"
	"github.com/rl1809/negotiation/internal/port"
)

const (
	redisAddr     = "localhost:6379"
	productID     = "race-product"
	totalAccepts  = 50
	totalCounters = 50
	lockTimeout   = 5 * time.Second
	customerID    = "customer-race"
	operatorID    = "operator-race"
	offerAmount   = "100.00"
	counterAmount = "95.00"
	eventBuffer   = 4 * (totalAccepts + totalCounters)
	offerCurrency = "USD"
)

// Fires concurrent accepts and counters at one lineage through the Redis
// lineage lock and checks that exactly one accept wins.
func main() {
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	logger, err := logging.New("warn", true)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	store := storage.NewMemoryAdapter()
	locker := storage.NewRedisLocker(rdb, lockTimeout, logger)
	hub := realtime.NewHub(nil, eventBuffer, logger)
	svc := service.NewNegotiationService(store, locker, hub, logger, service.WithLockTimeout(lockTimeout))

	customer := domain.Actor{ID: customerID, Type: domain.ActorTypeCustomer}
	operator := domain.Actor{ID: operatorID, Type: domain.ActorTypeOperator}

	offer, err := svc.SubmitOffer(ctx, service.SubmitOfferInput{
		ProductID: productID,
		From:      customer,
		To:        operator,
		Price:     domain.Money{Amount: decimal.RequireFromString(offerAmount), Currency: offerCurrency},
	})
	if err != nil {
		log.Fatalf("failed to submit offer: %v", err)
	}

	// every committed transition is published on the lineage room
	var subscriber port.EventSubscriber = hub
	events, stopEvents := subscriber.Subscribe(ctx, domain.LineageChannel(offer.BidID))
	type eventCounts struct{ accepted, countered int }
	counted := make(chan eventCounts, 1)
	go func() {
		var c eventCounts
		for ev := range events {
			switch ev.Type {
			case domain.EventOfferAccepted:
				c.accepted++
			case domain.EventCounterOffer:
				c.countered++
			}
		}
		counted <- c
	}()

	var (
		accepted    atomic.Int32
		locked      atomic.Int32
		countered   atomic.Int32
		superseded  atomic.Int32
		otherErrors atomic.Int32
	)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalAccepts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Accept(ctx, offer.ID, operator, "")
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, domain.ErrLineageLocked):
				locked.Add(1)
			case errors.Is(err, domain.ErrSuperseded):
				superseded.Add(1)
			default:
				otherErrors.Add(1)
			}
		}()
	}
	for i := 0; i < totalCounters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Counter(ctx, service.CounterInput{
				RecordID: offer.ID,
				Acting:   operator,
				Price:    domain.Money{Amount: decimal.RequireFromString(counterAmount)},
			})
			switch {
			case err == nil:
				countered.Add(1)
			case errors.Is(err, domain.ErrLineageLocked):
				locked.Add(1)
			default:
				otherErrors.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// let the consumer catch up before closing the stream
	time.Sleep(100 * time.Millisecond)
	stopEvents()
	published := <-counted

	lineage, err := store.QueryByLineage(ctx, offer.BidID)
	if err != nil {
		log.Fatalf("failed to read lineage: %v", err)
	}
	acceptedRecords := 0
	for _, r := range lineage {
		if r.Status == domain.RecordStatusAccepted {
			acceptedRecords++
		}
	}

	fmt.Println("========== ACCEPT RACE RESULTS ==========")
	fmt.Printf("Accept Requests:   %d\n", totalAccepts)
	fmt.Printf("Counter Requests:  %d\n", totalCounters)
	fmt.Printf("Accepted:          %d\n", accepted.Load())
	fmt.Printf("Countered:         %d\n", countered.Load())
	fmt.Printf("Lineage Locked:    %d\n", locked.Load())
	fmt.Printf("Superseded:        %d\n", superseded.Load())
	fmt.Printf("Other Errors:      %d\n", otherErrors.Load())
	fmt.Printf("Lineage Records:   %d\n", len(lineage))
	fmt.Printf("Accept Events:     %d\n", published.accepted)
	fmt.Printf("Counter Events:    %d\n", published.countered)
	fmt.Printf("Duration:          %v\n", elapsed)
	fmt.Println("==========================================")

	if accepted.Load() <= 1 && acceptedRecords <= 1 {
		fmt.Println("PASS: at most one accept committed")
	} else {
		fmt.Printf("FAIL: %d accepts succeeded, %d records accepted\n", accepted.Load(), acceptedRecords)
	}

	if published.accepted == int(accepted.Load()) && published.countered == int(countered.Load()) {
		fmt.Println("PASS: one event per committed transition")
	} else {
		fmt.Println("FAIL: published events do not match committed transitions")
	}

	if accepted.Load() == 1 && countered.Load() > 0 {
		fmt.Println("FAIL: counter offers were appended alongside an accepted offer")
	} else if otherErrors.Load() == 0 {
		fmt.Println("PASS: every loser saw a typed conflict")
	} else {
		fmt.Printf("FAIL: %d untyped errors\n", otherErrors.Load())
	}
}
