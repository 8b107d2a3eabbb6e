package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentAttempt struct {
	ID              string
	UserID          int64
	Provider        string
	ExternalRef     string
	Amount          decimal.Decimal
	Currency        string
	DurationDays    int
	Status          PaymentStatus
	Credited        bool
	RejectionReason string
	CreatedAt       time.Time
	ConfirmedAt     *time.Time
}

// AttemptCursor is a keyset position in the uncredited attempt scan. The zero value starts from the
// beginning.
type AttemptCursor struct {
	At time.Time
	ID string
}

func (c AttemptCursor) IsZero() bool { return c.ID == "" }

// Cursor positions the scan just after a.
func (a PaymentAttempt) Cursor() AttemptCursor {
	at := a.CreatedAt
	if a.ConfirmedAt != nil {
		at = *a.ConfirmedAt
	}
	return AttemptCursor{At: at, ID: a.ID}
}

// Less orders attempts the way the uncredited scan returns them.
func (c AttemptCursor) Less(o AttemptCursor) bool {
	if !c.At.Equal(o.At) {
		return c.At.Before(o.At)
	}
	return c.ID < o.ID
}

// Intent describes a checkout before the provider reports on it.
type Intent struct {
	UserID       int64
	Provider     string
	ExternalRef  string
	Amount       decimal.Decimal
	Currency     string
	DurationDays int
}

// PaymentEvent is the canonical, provider-neutral form of an authenticated notification.
type PaymentEvent struct {
	Provider    string
	ExternalRef string
	Amount      decimal.Decimal
	Currency    string
	Status      PaymentStatus
	Metadata    map[string]string
	// Unsolicited is set by providers that notify about payments without a prior checkout.
	Unsolicited *Intent
}

type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeRejected       Outcome = "rejected"
	OutcomeIgnored        Outcome = "ignored"
)
