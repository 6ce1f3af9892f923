package domain

import "errors"

var (
	ErrNotRecipient  = errors.New("actor is not the recipient of this offer")
	ErrSuperseded    = errors.New("offer has been superseded by a newer offer")
	ErrLineageLocked = errors.New("negotiation has already been accepted")
	ErrNotFound      = errors.New("negotiation not found")
	ErrTransient     = errors.New("negotiation temporarily unavailable")
	ErrNotPending    = errors.New("offer is no longer pending")
	ErrInvalidOffer  = errors.New("invalid offer")
	ErrInvalidQuery  = errors.New("invalid query")
)

// IsTransient reports whether the caller may retry the operation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
