package service

import (
	"sort"

	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
)

// ThreadAggregator groups records into (customer, product) threads. It keeps
// no state between calls.
type ThreadAggregator struct {
	logger *zap.Logger
}

func NewThreadAggregator(logger *zap.Logger) *ThreadAggregator {
	return &ThreadAggregator{logger: logger}
}

// Aggregate never fails. Records it cannot place are dropped and logged.
// Threads come back newest activity first; ties fall back to the key.
func (a *ThreadAggregator) Aggregate(records []domain.Record) []domain.Thread {
	groups := make(map[domain.ThreadKey]*domain.Thread)
	seen := make(map[string]struct{}, len(records))

	for _, r := range records {
		key, ok := threadKey(r)
		if !ok {
			a.logger.Warn("dropping unplaceable negotiation record",
				zap.String("record_id", r.ID),
				zap.String("bid_id", r.BidID),
				zap.String("product_id", r.ProductID),
			)
			continue
		}
		// pages can overlap when the caller merges queries
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}

		t, exists := groups[key]
		if !exists {
			t = &domain.Thread{ThreadKey: key}
			groups[key] = t
		}
		t.Records = append(t.Records, r.Clone())
	}

	threads := make([]domain.Thread, 0, len(groups))
	for _, t := range groups {
		domain.SortRecords(t.Records)
		t.Derive()
		threads = append(threads, *t)
	}

	sort.Slice(threads, func(i, j int) bool {
		if !threads[i].LatestUpdate.Equal(threads[j].LatestUpdate) {
			return threads[i].LatestUpdate.After(threads[j].LatestUpdate)
		}
		if threads[i].ProductID != threads[j].ProductID {
			return threads[i].ProductID < threads[j].ProductID
		}
		return threads[i].CounterpartyID < threads[j].CounterpartyID
	})
	return threads
}

func threadKey(r domain.Record) (domain.ThreadKey, bool) {
	if r.ID == "" || r.BidID == "" || r.ProductID == "" {
		return domain.ThreadKey{}, false
	}

	var counterparty string
	if r.FromActorType == domain.ActorTypeCustomer {
		counterparty = r.FromActorID
	} else {
		counterparty = r.ToActorID
	}
	if counterparty == "" {
		return domain.ThreadKey{}, false
	}
	return domain.ThreadKey{CounterpartyID: counterparty, ProductID: r.ProductID}, true
}
