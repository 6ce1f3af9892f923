package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
)

type fakeDirectory struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (d *fakeDirectory) ResolveActor(ctx context.Context, id string) (*domain.ActorProfile, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.fail {
		return nil, errors.New("directory down")
	}
	return &domain.ActorProfile{ID: id, Type: domain.ActorTypeCustomer, DisplayName: "Name " + id}, nil
}

type fakeCatalog struct {
	gone map[string]bool
	err  error
}

func (c *fakeCatalog) ResolveProduct(ctx context.Context, id string) (*domain.ProductSummary, error) {
	if c.gone[id] {
		return nil, domain.ErrNotFound
	}
	if c.err != nil {
		return nil, c.err
	}
	return &domain.ProductSummary{ID: id, Name: "Product " + id}, nil
}

func TestListThreads_Enriches(t *testing.T) {
	f := newFixture()
	dir := &fakeDirectory{}
	q := NewThreadQueryService(f.store, f.aggregate, dir, &fakeCatalog{}, zap.NewNop())

	submit(t, f, "p1", customer, operator, "100")
	submit(t, f, "p2", customer, operator, "50")

	views, err := q.ListThreads(context.Background(), ThreadFilter{Actor: operator})
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		require.NotNil(t, v.Counterparty)
		assert.Equal(t, "Name cust-1", v.Counterparty.DisplayName)
		require.NotNil(t, v.Product)
		assert.Equal(t, "Product "+v.ProductID, v.Product.Name)
	}
	assert.Equal(t, 1, dir.calls, "one lookup per counterparty per call")
}

func TestListThreads_LookupFailuresDegrade(t *testing.T) {
	f := newFixture()
	q := NewThreadQueryService(f.store, f.aggregate, &fakeDirectory{fail: true}, &fakeCatalog{err: errors.New("catalog down")}, zap.NewNop())

	submit(t, f, "p1", customer, operator, "100")

	views, err := q.ListThreads(context.Background(), ThreadFilter{Actor: customer})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Nil(t, views[0].Counterparty)
	assert.Nil(t, views[0].Product)
	assert.Equal(t, customer.ID, views[0].CounterpartyID)
}

func TestListThreads_DropsDeletedProducts(t *testing.T) {
	f := newFixture()
	q := NewThreadQueryService(f.store, f.aggregate, nil, &fakeCatalog{gone: map[string]bool{"p-gone": true}}, zap.NewNop())

	submit(t, f, "p-gone", customer, operator, "100")
	submit(t, f, "p1", customer, operator, "100")

	views, err := q.ListThreads(context.Background(), ThreadFilter{Actor: customer})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "p1", views[0].ProductID)
}

func TestListThreads_StatusFilter(t *testing.T) {
	f := newFixture()
	q := NewThreadQueryService(f.store, f.aggregate, nil, nil, zap.NewNop())

	r1 := submit(t, f, "p1", customer, operator, "100")
	submit(t, f, "p2", customer, operator, "100")
	_, err := f.svc.Accept(context.Background(), r1.ID, operator, "")
	require.NoError(t, err)

	views, err := q.ListThreads(context.Background(), ThreadFilter{
		Actor:    customer,
		Statuses: []domain.RecordStatus{domain.RecordStatusAccepted},
	})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "p1", views[0].ProductID)
	assert.Equal(t, domain.ThreadStatusAccepted, views[0].Status)
}

func TestListThreads_RequiresActor(t *testing.T) {
	f := newFixture()
	q := NewThreadQueryService(f.store, f.aggregate, nil, nil, zap.NewNop())

	_, err := q.ListThreads(context.Background(), ThreadFilter{})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func TestGetThreadAndLineage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	q := NewThreadQueryService(f.store, f.aggregate, nil, nil, zap.NewNop())

	r1 := submit(t, f, "p1", customer, operator, "100")
	counter(t, f, r1.ID, operator, "120")

	view, err := q.GetThread(ctx, "p1", customer.ID, domain.Page{})
	require.NoError(t, err)
	assert.Len(t, view.Records, 2)

	_, err = q.GetThread(ctx, "p1", "nobody", domain.Page{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	lineage, err := q.GetLineage(ctx, r1.BidID)
	require.NoError(t, err)
	assert.Len(t, lineage, 2)

	_, err = q.GetLineage(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIsLineageParticipant(t *testing.T) {
	f := newFixture()
	q := NewThreadQueryService(f.store, f.aggregate, nil, nil, zap.NewNop())
	ctx := context.Background()

	r1 := submit(t, f, "p1", customer, operator, "100")
	counter(t, f, r1.ID, operator, "120")

	ok, err := q.IsLineageParticipant(ctx, r1.BidID, customer)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.IsLineageParticipant(ctx, r1.BidID, operator)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.IsLineageParticipant(ctx, r1.BidID, stranger)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.IsLineageParticipant(ctx, "no-such-bid", customer)
	require.NoError(t, err)
	assert.False(t, ok)
}
