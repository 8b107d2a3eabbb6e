package types

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicate             = errors.New("already exists")
	ErrPanelIdentityConflict = errors.New("panel identity already bound to another user")
)

// Store is the durable state shared by every engine instance. All mutations run inside WithTx so
// that a ledger transition and the credit it triggers commit or roll back together.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetUser(ctx context.Context, userID int64) (*User, error)
	GetSubscription(ctx context.Context, userID int64) (*Subscription, error)
	GetSyncRecord(ctx context.Context, userID int64) (*PanelSyncRecord, error)
	GetAttempt(ctx context.Context, provider, externalRef string) (*PaymentAttempt, error)

	ListUserIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	ListSyncPending(ctx context.Context, limit int) ([]int64, error)
	// ListUncreditedAttempts pages confirmed, uncredited attempts in (confirmation time, id) order,
	// starting after the cursor.
	ListUncreditedAttempts(ctx context.Context, after AttemptCursor, limit int) ([]PaymentAttempt, error)
	ListExpiryCandidates(ctx context.Context, from, to time.Time) ([]Subscription, error)
}

// Tx is one unit of work. Every conditional method reports whether its guard matched, which is
// the only atomicity primitive the engine relies on.
type Tx interface {
	GetUser(ctx context.Context, userID int64) (*User, error)
	UpsertUser(ctx context.Context, user User) error
	SetBanned(ctx context.Context, userID int64, banned bool) error
	BindPanelIdentity(ctx context.Context, userID int64, panelUUID string) error
	MarkTrialUsed(ctx context.Context, userID int64) (bool, error)

	InsertAttempt(ctx context.Context, attempt PaymentAttempt) (bool, error)
	LockAttempt(ctx context.Context, provider, externalRef string) (*PaymentAttempt, error)
	LockAttemptByID(ctx context.Context, id string) (*PaymentAttempt, error)
	TransitionAttempt(ctx context.Context, id string, to PaymentStatus, at time.Time) (bool, error)
	MarkAttemptCredited(ctx context.Context, id string) error
	RejectAttempt(ctx context.Context, id, reason string) error

	LockSubscription(ctx context.Context, userID int64) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub Subscription) error
	ClaimExpiryNotification(ctx context.Context, userID int64, expiresAt time.Time, stage int) (bool, error)

	CreatePromoCode(ctx context.Context, promo PromoCode) (int64, error)
	GetPromoByCode(ctx context.Context, code string) (*PromoCode, error)
	InsertPromoActivation(ctx context.Context, promoID, userID int64, at time.Time) (bool, error)
	IncrementPromoActivations(ctx context.Context, promoID int64) (bool, error)

	ClaimReferralBonus(ctx context.Context, refereeID, inviterID int64, trigger string, at time.Time) (bool, error)

	MarkSyncPending(ctx context.Context, userID int64) error
	SaveSyncResult(ctx context.Context, rec PanelSyncRecord) error
	ClearSyncPending(ctx context.Context, userID int64, generation int64) error
	RecordSyncFailure(ctx context.Context, userID int64, reason string) error
}

// EventPublisher delivers notification events to the external notifier.
type EventPublisher interface {
	Publish(ctx context.Context, events ...NotificationEvent) error
}

// PushQueue accepts users whose local subscription changed and must be pushed to the panel.
// Enqueue never blocks the caller.
type PushQueue interface {
	Enqueue(userID int64)
}
