package port

import (
	"context"

	"github.com/rl1809/negotiation/internal/core/domain"
)

// ActorDirectory resolves customers and operators for display.
type ActorDirectory interface {
	ResolveActor(ctx context.Context, id string) (*domain.ActorProfile, error)
}

// Catalog resolves products for display. It returns domain.ErrNotFound for
// products that no longer exist.
type Catalog interface {
	ResolveProduct(ctx context.Context, id string) (*domain.ProductSummary, error)
}

type OrderService interface {
	CreateOrderFromAcceptedNegotiation(ctx context.Context, recordID string) (string, error)
}

type FailureReporter interface {
	ReportOrderFailure(ctx context.Context, failure domain.OrderFailure) error
}
