package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/port"
)

// MemoryAdapter is an in-process negotiation store with the same conditional
// write semantics as the MySQL adapter.
type MemoryAdapter struct {
	mu       sync.RWMutex
	seq      int64
	records  map[string]*domain.Record
	lineages map[string][]string
	accepted map[string]string
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		records:  make(map[string]*domain.Record),
		lineages: make(map[string][]string),
		accepted: make(map[string]string),
	}
}

func (m *MemoryAdapter) Append(ctx context.Context, record domain.Record) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[record.ID]; exists {
		return domain.Record{}, ErrDuplicateRecord
	}

	m.seq++
	stored := record.Clone()
	stored.Seq = m.seq
	m.records[stored.ID] = &stored
	m.lineages[stored.BidID] = append(m.lineages[stored.BidID], stored.ID)
	return stored.Clone(), nil
}

func (m *MemoryAdapter) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := r.Clone()
	return &out, nil
}

func (m *MemoryAdapter) CASUpdateStatus(ctx context.Context, update port.StatusUpdate) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[update.RecordID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if _, locked := m.accepted[r.BidID]; locked {
		return nil, domain.ErrLineageLocked
	}
	if r.Status != update.Expected {
		return nil, domain.ErrNotPending
	}

	r.Status = update.New
	r.ResponseMessage = update.ResponseMessage
	r.UpdatedAt = update.UpdatedAt
	if update.New == domain.RecordStatusAccepted {
		m.accepted[r.BidID] = r.ID
	}

	out := r.Clone()
	return &out, nil
}

func (m *MemoryAdapter) QueryByLineage(ctx context.Context, bidID string) ([]domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.lineages[bidID]
	out := make([]domain.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[id].Clone())
	}
	domain.SortRecords(out)
	return out, nil
}

func (m *MemoryAdapter) QueryByProductAndCounterparty(ctx context.Context, productID, counterpartyID string, page domain.Page) ([]domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Record
	for _, r := range m.records {
		if r.ProductID == productID && r.CounterpartyID() == counterpartyID {
			out = append(out, r.Clone())
		}
	}
	domain.SortRecords(out)
	return paginate(out, page), nil
}

func (m *MemoryAdapter) QueryByActor(ctx context.Context, query port.RecordQuery) ([]domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Record
	for _, r := range m.records {
		if r.FromActorID != query.ActorID && r.ToActorID != query.ActorID {
			continue
		}
		if len(query.Statuses) > 0 && !slices.Contains(query.Statuses, r.Status) {
			continue
		}
		out = append(out, r.Clone())
	}
	domain.SortRecords(out)
	slices.Reverse(out)
	return paginate(out, query.Page), nil
}

func (m *MemoryAdapter) SetOrderID(ctx context.Context, recordID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.RecordStatusAccepted {
		return domain.ErrNotPending
	}
	r.OrderID = &orderID
	return nil
}

func paginate(records []domain.Record, page domain.Page) []domain.Record {
	page = page.Normalize()
	if page.Offset >= len(records) {
		return []domain.Record{}
	}
	end := page.Offset + page.Limit
	if end > len(records) {
		end = len(records)
	}
	return records[page.Offset:end]
}
