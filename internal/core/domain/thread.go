package domain

import "time"

type ThreadStatus string

const (
	ThreadStatusNegotiating ThreadStatus = "negotiating"
	ThreadStatusAccepted    ThreadStatus = "accepted"
)

type ThreadKey struct {
	CounterpartyID string `json:"counterpartyId"`
	ProductID      string `json:"productId"`
}

// Thread is the per (customer, product) conversation. It is always derived
// from records and never stored.
type Thread struct {
	ThreadKey
	Records      []Record     `json:"records"`
	Status       ThreadStatus `json:"status"`
	AcceptedBy   *ActorType   `json:"acceptedBy,omitempty"`
	LatestUpdate time.Time    `json:"latestUpdate"`
}

// Derive recomputes Status, AcceptedBy and LatestUpdate from Records.
func (t *Thread) Derive() {
	t.Status = ThreadStatusNegotiating
	t.AcceptedBy = nil
	t.LatestUpdate = time.Time{}
	for _, r := range t.Records {
		if r.UpdatedAt.After(t.LatestUpdate) {
			t.LatestUpdate = r.UpdatedAt
		}
		if r.Status == RecordStatusAccepted && t.AcceptedBy == nil {
			// only the recipient can accept
			by := r.ToActorType
			t.Status = ThreadStatusAccepted
			t.AcceptedBy = &by
		}
	}
}

type ActorProfile struct {
	ID          string    `json:"id"`
	Type        ActorType `json:"type"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
}

type ProductSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Price      *Money `json:"price,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

// ThreadView is a thread with display data attached. Counterparty and Product
// are nil when the lookup failed.
type ThreadView struct {
	Thread
	Counterparty *ActorProfile   `json:"counterparty,omitempty"`
	Product      *ProductSummary `json:"product,omitempty"`
}
