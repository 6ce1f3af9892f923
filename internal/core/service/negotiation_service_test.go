package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/adapter/storage"
	"github.com/rl1809/negotiation/internal/core/domain"
)

var (
	customer = domain.Actor{ID: "cust-1", Type: domain.ActorTypeCustomer}
	operator = domain.Actor{ID: "op-1", Type: domain.ActorTypeOperator}
	stranger = domain.Actor{ID: "cust-9", Type: domain.ActorTypeCustomer}
)

func usd(amount string) domain.Money {
	return domain.Money{Amount: decimal.RequireFromString(amount), Currency: "USD"}
}

func submit(t *testing.T, f *fixture, productID string, from, to domain.Actor, amount string) *domain.Record {
	t.Helper()
	r, err := f.svc.SubmitOffer(context.Background(), SubmitOfferInput{
		ProductID: productID,
		From:      from,
		To:        to,
		Price:     usd(amount),
	})
	require.NoError(t, err)
	return r
}

func counter(t *testing.T, f *fixture, recordID string, acting domain.Actor, amount string) *domain.Record {
	t.Helper()
	r, err := f.svc.Counter(context.Background(), CounterInput{RecordID: recordID, Acting: acting, Price: usd(amount)})
	require.NoError(t, err)
	return r
}

func TestSubmitOffer_CreatesPendingLineage(t *testing.T) {
	f := newFixture()
	r := submit(t, f, "p1", customer, operator, "100")

	assert.NotEmpty(t, r.ID)
	assert.NotEmpty(t, r.BidID)
	assert.Equal(t, domain.RecordStatusPending, r.Status)
	assert.Nil(t, r.PreviousOfferPrice)
	assert.Equal(t, r.CreatedAt, r.UpdatedAt)

	events := f.events.ofType(domain.EventOfferSubmitted)
	require.Len(t, events, 3)
	channels := []string{events[0].channel, events[1].channel, events[2].channel}
	assert.ElementsMatch(t, []string{
		domain.LineageChannel(r.BidID),
		domain.ActorChannel(customer.ID),
		domain.ActorChannel(operator.ID),
	}, channels)
	assert.Equal(t, customer.ID, events[0].event.CounterpartyID)
	assert.Equal(t, "p1", events[0].event.ProductID)
}

func TestSubmitOffer_Validation(t *testing.T) {
	f := newFixture()
	zero := 0

	cases := map[string]SubmitOfferInput{
		"missing product": {From: customer, To: operator, Price: usd("10")},
		"missing actor":   {ProductID: "p1", From: customer, To: domain.Actor{Type: domain.ActorTypeOperator}, Price: usd("10")},
		"same side":       {ProductID: "p1", From: customer, To: stranger, Price: usd("10")},
		"unknown type":    {ProductID: "p1", From: customer, To: domain.Actor{ID: "x", Type: "admin"}, Price: usd("10")},
		"zero price":      {ProductID: "p1", From: customer, To: operator, Price: usd("0")},
		"no currency":     {ProductID: "p1", From: customer, To: operator, Price: domain.Money{Amount: decimal.NewFromInt(5)}},
		"zero quantity":   {ProductID: "p1", From: customer, To: operator, Price: usd("10"), Quantity: &zero},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.SubmitOffer(context.Background(), in)
			assert.ErrorIs(t, err, domain.ErrInvalidOffer)
		})
	}
	assert.Empty(t, f.events.all())
}

func TestCounter_SwapsSidesAndKeepsLineage(t *testing.T) {
	f := newFixture()
	qty := 3
	r1, err := f.svc.SubmitOffer(context.Background(), SubmitOfferInput{
		ProductID: "p1", From: customer, To: operator, Price: usd("100"), Quantity: &qty,
	})
	require.NoError(t, err)

	r2 := counter(t, f, r1.ID, operator, "120")

	assert.Equal(t, r1.BidID, r2.BidID)
	assert.Equal(t, r1.ProductID, r2.ProductID)
	assert.True(t, r2.From().Is(operator))
	assert.True(t, r2.To().Is(customer))
	require.NotNil(t, r2.PreviousOfferPrice)
	assert.True(t, r2.PreviousOfferPrice.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "USD", r2.OfferPrice.Currency, "currency is inherited")
	require.NotNil(t, r2.Quantity)
	assert.Equal(t, 3, *r2.Quantity)

	// the countered record is untouched
	orig, err := f.store.GetByID(context.Background(), r1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordStatusPending, orig.Status)
	assert.Equal(t, r1.UpdatedAt, orig.UpdatedAt)

	assert.Len(t, f.events.ofType(domain.EventCounterOffer), 3)
}

func TestCounter_EitherSideMayCounter(t *testing.T) {
	f := newFixture()
	r1 := submit(t, f, "p1", customer, operator, "100")

	// the sender revises its own offer: it stays the author
	r2 := counter(t, f, r1.ID, customer, "1")
	assert.True(t, r2.From().Is(customer))
	assert.True(t, r2.To().Is(operator))
	require.NotNil(t, r2.PreviousOfferPrice)
	assert.True(t, r2.PreviousOfferPrice.Amount.Equal(decimal.NewFromInt(100)))

	_, err := f.svc.Accept(context.Background(), r2.ID, customer, "")
	assert.ErrorIs(t, err, domain.ErrNotRecipient, "an author cannot accept its own offer")

	accepted, err := f.svc.Accept(context.Background(), r2.ID, operator, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RecordStatusAccepted, accepted.Status)

	// the recipient countering swaps roles
	f2 := newFixture()
	s1 := submit(t, f2, "p1", customer, operator, "100")
	s2 := counter(t, f2, s1.ID, operator, "120")
	assert.True(t, s2.From().Is(operator))
	assert.True(t, s2.To().Is(customer))
}

func TestCounter_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r1 := submit(t, f, "p1", customer, operator, "100")

	_, err := f.svc.Counter(ctx, CounterInput{RecordID: r1.ID, Acting: stranger, Price: usd("90")})
	assert.ErrorIs(t, err, domain.ErrNotRecipient)

	_, err = f.svc.Counter(ctx, CounterInput{RecordID: r1.ID, Acting: operator, Price: usd("-1")})
	assert.ErrorIs(t, err, domain.ErrInvalidOffer)

	_, err = f.svc.Counter(ctx, CounterInput{
		RecordID: r1.ID, Acting: operator,
		Price: domain.Money{Amount: decimal.NewFromInt(90), Currency: "EUR"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOffer)

	_, err = f.svc.Counter(ctx, CounterInput{RecordID: "missing", Acting: operator, Price: usd("90")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccept_ExampleScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r1 := submit(t, f, "P", customer, operator, "100")
	r2 := counter(t, f, r1.ID, operator, "120")

	accepted, err := f.svc.Accept(ctx, r2.ID, customer, "deal")
	require.NoError(t, err)
	assert.Equal(t, domain.RecordStatusAccepted, accepted.Status)
	assert.Equal(t, "deal", accepted.ResponseMessage)

	records, err := f.store.QueryByProductAndCounterparty(ctx, "P", customer.ID, domain.Page{})
	require.NoError(t, err)
	threads := f.aggregate.Aggregate(records)
	require.Len(t, threads, 1)
	assert.Equal(t, domain.ThreadStatusAccepted, threads[0].Status)
	require.NotNil(t, threads[0].AcceptedBy)
	assert.Equal(t, domain.ActorTypeCustomer, *threads[0].AcceptedBy)

	_, err = f.svc.Accept(ctx, r2.ID, customer, "")
	assert.ErrorIs(t, err, domain.ErrLineageLocked)

	assert.Equal(t, 1, f.orders.count())
	assert.Len(t, f.events.ofType(domain.EventOfferAccepted), 3)
}

func TestAccept_SingleWinner(t *testing.T) {
	f := newFixture()
	r1 := submit(t, f, "p1", customer, operator, "100")

	const attempts = 50
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Accept(context.Background(), r1.ID, operator, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrLineageLocked)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, f.orders.count())
}

func TestAccept_SingleWinnerAcrossEngines(t *testing.T) {
	// two engines sharing a store but not a lock still commit one accept
	f := newFixture()
	other := NewNegotiationService(f.store, storage.NewLocalLocker(), nil, zap.NewNop())
	r1 := submit(t, f, "p1", customer, operator, "100")

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		svc := f.svc
		if i%2 == 1 {
			svc = other
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Accept(context.Background(), r1.ID, operator, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrLineageLocked)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestAccept_Supersession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r1 := submit(t, f, "p1", customer, operator, "100")
	r2 := counter(t, f, r1.ID, customer, "95")

	// operator is r1's recipient but r2 is newer
	_, err := f.svc.Accept(ctx, r1.ID, operator, "")
	assert.ErrorIs(t, err, domain.ErrSuperseded)

	_, err = f.svc.Accept(ctx, r2.ID, r2.To(), "")
	require.NoError(t, err)
}

func TestAccept_OnlyRecipient(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r1 := submit(t, f, "p1", customer, operator, "100")

	_, err := f.svc.Accept(ctx, r1.ID, customer, "")
	assert.ErrorIs(t, err, domain.ErrNotRecipient)

	_, err = f.svc.Accept(ctx, r1.ID, stranger, "")
	assert.ErrorIs(t, err, domain.ErrNotRecipient)

	_, err = f.svc.Accept(ctx, r1.ID, domain.Actor{ID: operator.ID, Type: domain.ActorTypeCustomer}, "")
	assert.ErrorIs(t, err, domain.ErrNotRecipient, "id and type must both match")

	assert.Zero(t, f.orders.count())
}

func TestAccept_RejectedRecordIsNotPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r1 := submit(t, f, "p1", customer, operator, "100")

	_, err := f.svc.Reject(ctx, r1.ID, operator, "no")
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, r1.ID, operator, "")
	assert.ErrorIs(t, err, domain.ErrNotPending)
}

func TestLockPropagation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r1 := submit(t, f, "p1", customer, operator, "100")
	r2 := counter(t, f, r1.ID, operator, "120")

	// completed before the accept; stays rejected
	rejected, err := f.svc.Reject(ctx, r1.ID, operator, "")
	require.NoError(t, err)

	r3 := counter(t, f, r2.ID, customer, "110")
	_, err = f.svc.Accept(ctx, r3.ID, operator, "")
	require.NoError(t, err)

	_, err = f.svc.Counter(ctx, CounterInput{RecordID: r2.ID, Acting: customer, Price: usd("111")})
	assert.ErrorIs(t, err, domain.ErrLineageLocked)
	_, err = f.svc.Accept(ctx, r2.ID, customer, "")
	assert.ErrorIs(t, err, domain.ErrLineageLocked)
	_, err = f.svc.Reject(ctx, r2.ID, customer, "")
	assert.ErrorIs(t, err, domain.ErrLineageLocked)

	again, err := f.store.GetByID(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordStatusRejected, again.Status)
}

func TestReject_EitherParticipant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r1 := submit(t, f, "p1", customer, operator, "100")
	// the sender withdraws its own offer
	out, err := f.svc.Reject(ctx, r1.ID, customer, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.RecordStatusRejected, out.Status)
	assert.Equal(t, "changed my mind", out.ResponseMessage)
	assert.True(t, out.UpdatedAt.After(out.CreatedAt))

	_, err = f.svc.Reject(ctx, r1.ID, customer, "")
	assert.ErrorIs(t, err, domain.ErrNotPending)

	r2 := submit(t, f, "p1", customer, operator, "100")
	_, err = f.svc.Reject(ctx, r2.ID, stranger, "")
	assert.ErrorIs(t, err, domain.ErrNotRecipient)

	assert.Len(t, f.events.ofType(domain.EventOfferRejected), 3)
}

func TestReject_DoesNotLockLineage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r1 := submit(t, f, "p1", customer, operator, "100")
	r2 := counter(t, f, r1.ID, operator, "120")

	_, err := f.svc.Reject(ctx, r2.ID, customer, "")
	require.NoError(t, err)

	// r1 is again the newest pending record
	_, err = f.svc.Accept(ctx, r1.ID, operator, "")
	require.NoError(t, err)
}

func TestLockTimeoutIsTransient(t *testing.T) {
	f := newFixture()
	r1 := submit(t, f, "p1", customer, operator, "100")

	stuck := NewNegotiationService(f.store, stuckLocker{}, nil, zap.NewNop(), WithLockTimeout(20*time.Millisecond))

	_, err := stuck.Accept(context.Background(), r1.ID, operator, "")
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.True(t, domain.IsTransient(err))

	_, err = stuck.Counter(context.Background(), CounterInput{RecordID: r1.ID, Acting: operator, Price: usd("1")})
	assert.ErrorIs(t, err, domain.ErrTransient)

	got, _ := f.store.GetByID(context.Background(), r1.ID)
	assert.Equal(t, domain.RecordStatusPending, got.Status)
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	f := newFixture()
	f.events.err = assert.AnError

	r1 := submit(t, f, "p1", customer, operator, "100")
	_, err := f.svc.Accept(context.Background(), r1.ID, operator, "")
	require.NoError(t, err)
}

func TestCounter_TimestampsStayMonotonic(t *testing.T) {
	backwards := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		backwards = backwards.Add(-time.Minute)
		return backwards
	}
	f := newFixture(WithClock(clock))

	r1 := submit(t, f, "p1", customer, operator, "100")
	r2 := counter(t, f, r1.ID, operator, "120")
	r3 := counter(t, f, r2.ID, customer, "110")

	lineage, err := f.store.QueryByLineage(context.Background(), r1.BidID)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, []string{r1.ID, r2.ID, r3.ID}, []string{lineage[0].ID, lineage[1].ID, lineage[2].ID})

	newest := domain.NewestPending(lineage)
	require.NotNil(t, newest)
	assert.Equal(t, r3.ID, newest.ID)
}
