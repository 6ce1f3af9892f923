package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type ActorType string

const (
	ActorTypeOperator ActorType = "operator"
	ActorTypeCustomer ActorType = "customer"
)

func (t ActorType) Valid() bool {
	return t == ActorTypeOperator || t == ActorTypeCustomer
}

type RecordStatus string

const (
	RecordStatusPending  RecordStatus = "pending"
	RecordStatusAccepted RecordStatus = "accepted"
	RecordStatusRejected RecordStatus = "rejected"
)

type Actor struct {
	ID   string    `json:"id"`
	Type ActorType `json:"type"`
}

func (a Actor) Is(other Actor) bool {
	return a.ID == other.ID && a.Type == other.Type
}

type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (m Money) Positive() bool {
	return m.Amount.IsPositive()
}

// Record is one offer in a lineage. Everything except Status, ResponseMessage,
// OrderID and UpdatedAt is fixed once appended.
type Record struct {
	ID                 string       `json:"id"`
	BidID              string       `json:"bidId"`
	ProductID          string       `json:"productId"`
	FromActorID        string       `json:"fromActorId"`
	FromActorType      ActorType    `json:"fromActorType"`
	ToActorID          string       `json:"toActorId"`
	ToActorType        ActorType    `json:"toActorType"`
	OfferPrice         Money        `json:"offerPrice"`
	PreviousOfferPrice *Money       `json:"previousOfferPrice,omitempty"`
	Quantity           *int         `json:"quantity,omitempty"`
	Message            string       `json:"message,omitempty"`
	ResponseMessage    string       `json:"responseMessage,omitempty"`
	Status             RecordStatus `json:"status"`
	OrderID            *string      `json:"orderId,omitempty"`
	Seq                int64        `json:"seq"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

func (r Record) From() Actor {
	return Actor{ID: r.FromActorID, Type: r.FromActorType}
}

func (r Record) To() Actor {
	return Actor{ID: r.ToActorID, Type: r.ToActorType}
}

// Involves reports whether the actor is either side of the offer.
func (r Record) Involves(a Actor) bool {
	return r.From().Is(a) || r.To().Is(a)
}

// CounterpartyID is the customer side of the record, whoever sent it.
// Returns "" when neither side is a customer.
func (r Record) CounterpartyID() string {
	if r.FromActorType == ActorTypeCustomer {
		return r.FromActorID
	}
	if r.ToActorType == ActorTypeCustomer {
		return r.ToActorID
	}
	return ""
}

// Clone returns a deep copy so callers cannot alias stored pointers.
func (r Record) Clone() Record {
	out := r
	if r.PreviousOfferPrice != nil {
		p := *r.PreviousOfferPrice
		out.PreviousOfferPrice = &p
	}
	if r.Quantity != nil {
		q := *r.Quantity
		out.Quantity = &q
	}
	if r.OrderID != nil {
		o := *r.OrderID
		out.OrderID = &o
	}
	return out
}

// Before orders records by creation time, then by store insertion sequence.
func (r Record) Before(other Record) bool {
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.Before(other.CreatedAt)
	}
	return r.Seq < other.Seq
}

func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Before(records[j])
	})
}

// AcceptedRecord returns the accepted member of a lineage, if any.
func AcceptedRecord(lineage []Record) *Record {
	for i := range lineage {
		if lineage[i].Status == RecordStatusAccepted {
			return &lineage[i]
		}
	}
	return nil
}

// NewestPending returns the latest pending record of a lineage.
func NewestPending(lineage []Record) *Record {
	var newest *Record
	for i := range lineage {
		if lineage[i].Status != RecordStatusPending {
			continue
		}
		if newest == nil || newest.Before(lineage[i]) {
			newest = &lineage[i]
		}
	}
	return newest
}

func FindRecord(records []Record, id string) *Record {
	for i := range records {
		if records[i].ID == id {
			return &records[i]
		}
	}
	return nil
}

type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
