package port

import (
	"context"

	"github.com/rl1809/negotiation/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, channel string, event domain.Event) error
}

type EventSubscriber interface {
	// Subscribe streams events for a channel until cancel is called
	Subscribe(ctx context.Context, channel string) (events <-chan domain.Event, cancel func())
}
