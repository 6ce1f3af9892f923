package domain

import (
	"strings"
	"time"
)

type EventType string

const (
	EventOfferSubmitted EventType = "offer_submitted"
	EventCounterOffer   EventType = "counter_offer"
	EventOfferAccepted  EventType = "offer_accepted"
	EventOfferRejected  EventType = "offer_rejected"

	EventTypingStarted  EventType = "typing_started"
	EventTypingStopped  EventType = "typing_stopped"
	EventPresenceJoined EventType = "presence_joined"
	EventPresenceLeft   EventType = "presence_left"
)

const (
	actorChannelPrefix   = "actor:"
	lineageChannelPrefix = "lineage:"
)

func ActorChannel(actorID string) string {
	return actorChannelPrefix + actorID
}

func LineageChannel(bidID string) string {
	return lineageChannelPrefix + bidID
}

func ParseActorChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, actorChannelPrefix)
	return id, ok && id != ""
}

func ParseLineageChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, lineageChannelPrefix)
	return id, ok && id != ""
}

// Event is an invalidation signal. Receivers refetch instead of applying it.
type Event struct {
	Type           EventType `json:"type"`
	Channel        string    `json:"channel"`
	BidID          string    `json:"bidId,omitempty"`
	RecordID       string    `json:"recordId,omitempty"`
	ProductID      string    `json:"productId,omitempty"`
	CounterpartyID string    `json:"counterpartyId,omitempty"`
	FromActorType  ActorType `json:"fromActorType,omitempty"`
	ToActorType    ActorType `json:"toActorType,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func NewRecordEvent(t EventType, r Record, actorID string, at time.Time) Event {
	return Event{
		Type:           t,
		BidID:          r.BidID,
		RecordID:       r.ID,
		ProductID:      r.ProductID,
		CounterpartyID: r.CounterpartyID(),
		FromActorType:  r.FromActorType,
		ToActorType:    r.ToActorType,
		ActorID:        actorID,
		OccurredAt:     at,
	}
}

// RecordChannels lists every channel that must hear about a change to r.
func RecordChannels(r Record) []string {
	return []string{
		LineageChannel(r.BidID),
		ActorChannel(r.FromActorID),
		ActorChannel(r.ToActorID),
	}
}

type OrderFailure struct {
	RecordID   string    `json:"recordId"`
	BidID      string    `json:"bidId,omitempty"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurredAt"`
}
