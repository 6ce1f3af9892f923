package port

import (
	"context"
	"time"

	"github.com/rl1809/negotiation/internal/core/domain"
)

type StatusUpdate struct {
	RecordID        string
	Expected        domain.RecordStatus
	New             domain.RecordStatus
	ResponseMessage string
	UpdatedAt       time.Time
}

type RecordQuery struct {
	ActorID  string
	Statuses []domain.RecordStatus
	Page     domain.Page
}

type NegotiationRepository interface {
	// Append stores a new record and returns it with Seq assigned
	Append(ctx context.Context, record domain.Record) (domain.Record, error)

	// GetByID returns domain.ErrNotFound when the record does not exist
	GetByID(ctx context.Context, id string) (*domain.Record, error)

	// CASUpdateStatus moves a record from Expected to New in one conditional write.
	// Moving to accepted also locks the lineage. Returns domain.ErrNotFound,
	// domain.ErrNotPending or domain.ErrLineageLocked when the condition fails.
	CASUpdateStatus(ctx context.Context, update StatusUpdate) (*domain.Record, error)

	// QueryByLineage returns every record of a bid, oldest first
	QueryByLineage(ctx context.Context, bidID string) ([]domain.Record, error)

	// QueryByProductAndCounterparty returns one thread's records, oldest first
	QueryByProductAndCounterparty(ctx context.Context, productID, counterpartyID string, page domain.Page) ([]domain.Record, error)

	// QueryByActor returns records the actor sent or received, newest first
	QueryByActor(ctx context.Context, query RecordQuery) ([]domain.Record, error)

	// SetOrderID links an accepted record to the order created from it
	SetOrderID(ctx context.Context, recordID, orderID string) error
}
