package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

const day = 24 * time.Hour

var (
	ErrTrialDisabled    = errors.New("trial is disabled")
	ErrTrialAlreadyUsed = errors.New("trial already used")
	ErrInvalidCredit    = errors.New("credit must be a positive number of days")
	ErrUserBanned       = errors.New("user is banned")
)

// Plan is what every credit assigns: the traffic limit and the resource groups replace whatever the
// subscription had before.
type Plan struct {
	TrafficLimitBytes int64
	ResourceGroups    []string
}

type TrialConfig struct {
	Enabled           bool
	Days              int
	TrafficLimitBytes int64
	// TriggersReferral pays the referral bonus on trial activation instead of waiting for the
	// first confirmed payment.
	TriggersReferral bool
}

type CreditRequest struct {
	UserID int64
	Days   int
	Source types.SubscriptionSource
	// Plan overrides the engine plan when set.
	Plan *Plan
}

// ReferralCreditor pays the one-time referral bonus for a referee inside an open transaction.
type ReferralCreditor interface {
	CreditReferral(ctx context.Context, tx types.Tx, refereeID int64, trigger string, months int) ([]types.NotificationEvent, error)
}

type Engine struct {
	store     types.Store
	plan      Plan
	trial     TrialConfig
	referrals ReferralCreditor
	publisher types.EventPublisher
	queue     types.PushQueue
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(store types.Store, plan Plan, trial TrialConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		plan:   plan,
		trial:  trial,
		logger: logger,
		now:    time.Now,
	}
}

func (e *Engine) SetReferrals(r ReferralCreditor) { e.referrals = r }
func (e *Engine) SetPublisher(p types.EventPublisher) { e.publisher = p }
func (e *Engine) SetPushQueue(q types.PushQueue) { e.queue = q }
func (e *Engine) SetClock(now func() time.Time) { e.now = now }
func (e *Engine) Plan() Plan { return e.plan }
func (e *Engine) Now() time.Time { return e.now().UTC().Truncate(time.Microsecond) }

// Extend computes the subscription after crediting days at now. Paid time is never lost: an active
// subscription grows from its current expiry, an expired or missing one from now.
func Extend(current *types.Subscription, userID int64, now time.Time, days int, plan Plan, source types.SubscriptionSource) types.Subscription {
	base := now
	if current != nil && current.ExpiresAt.After(now) {
		base = current.ExpiresAt
	}
	return types.Subscription{
		UserID:            userID,
		ExpiresAt:         base.Add(time.Duration(days) * day),
		TrafficLimitBytes: plan.TrafficLimitBytes,
		ResourceGroups:    append([]string(nil), plan.ResourceGroups...),
		Source:            source,
	}
}

// CreditTx extends the user's subscription inside tx and flags the user for a panel push.
func (e *Engine) CreditTx(ctx context.Context, tx types.Tx, req CreditRequest) (*types.Subscription, error) {
	if req.Days <= 0 {
		return nil, ErrInvalidCredit
	}
	if _, err := tx.GetUser(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("credit user %d: %w", req.UserID, err)
	}
	current, err := tx.LockSubscription(ctx, req.UserID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	plan := e.plan
	if req.Plan != nil {
		plan = *req.Plan
	}
	next := Extend(current, req.UserID, e.Now(), req.Days, plan, req.Source)
	if err := tx.SaveSubscription(ctx, next); err != nil {
		return nil, err
	}
	if err := tx.MarkSyncPending(ctx, req.UserID); err != nil {
		return nil, err
	}
	return &next, nil
}

func (e *Engine) Credit(ctx context.Context, req CreditRequest) (*types.Subscription, error) {
	var sub *types.Subscription
	err := e.store.WithTx(ctx, func(tx types.Tx) error {
		var err error
		sub, err = e.CreditTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("subscription credited", "user_id", req.UserID, "days", req.Days, "source", req.Source, "expires_at", sub.ExpiresAt)
	e.Dispatch(ctx, nil, req.UserID)
	return sub, nil
}

// GrantTrial activates the trial at most once per user, guarded by the trial-used flag.
func (e *Engine) GrantTrial(ctx context.Context, userID int64) (*types.Subscription, error) {
	if !e.trial.Enabled || e.trial.Days <= 0 {
		return nil, ErrTrialDisabled
	}
	var (
		sub    *types.Subscription
		events []types.NotificationEvent
	)
	err := e.store.WithTx(ctx, func(tx types.Tx) error {
		events = nil
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Banned {
			return ErrUserBanned
		}
		claimed, err := tx.MarkTrialUsed(ctx, userID)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrTrialAlreadyUsed
		}
		sub, err = e.CreditTx(ctx, tx, CreditRequest{
			UserID: userID,
			Days:   e.trial.Days,
			Source: types.SourceTrial,
			Plan:   &Plan{TrafficLimitBytes: e.trial.TrafficLimitBytes, ResourceGroups: e.plan.ResourceGroups},
		})
		if err != nil {
			return err
		}
		if e.trial.TriggersReferral && e.referrals != nil {
			events, err = e.referrals.CreditReferral(ctx, tx, userID, "trial", 1)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("trial granted", "user_id", userID, "expires_at", sub.ExpiresAt)
	e.Dispatch(ctx, events, userID)
	return sub, nil
}

func (e *Engine) IsActive(ctx context.Context, userID int64) (bool, error) {
	sub, err := e.store.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return sub.ActiveAt(e.Now()), nil
}

// AdminSetExpiry sets the expiry to an explicit value. It is the only path that may move expiry
// backwards.
func (e *Engine) AdminSetExpiry(ctx context.Context, userID int64, expiresAt time.Time) (*types.Subscription, error) {
	var sub types.Subscription
	err := e.store.WithTx(ctx, func(tx types.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		current, err := tx.LockSubscription(ctx, userID)
		switch {
		case errors.Is(err, types.ErrNotFound):
			sub = Extend(nil, userID, expiresAt.UTC().Truncate(time.Microsecond), 0, e.plan, types.SourceAdminGrant)
		case err != nil:
			return err
		default:
			sub = *current
			sub.ExpiresAt = expiresAt.UTC().Truncate(time.Microsecond)
			sub.Source = types.SourceAdminGrant
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.MarkSyncPending(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("subscription expiry set by admin", "user_id", userID, "expires_at", sub.ExpiresAt)
	e.Dispatch(ctx, nil, userID)
	return &sub, nil
}

// SetBanned blocks or unblocks a user. The panel learns about it through the next push.
func (e *Engine) SetBanned(ctx context.Context, userID int64, banned bool) error {
	err := e.store.WithTx(ctx, func(tx types.Tx) error {
		if err := tx.SetBanned(ctx, userID, banned); err != nil {
			return err
		}
		return tx.MarkSyncPending(ctx, userID)
	})
	if err != nil {
		return err
	}
	e.logger.Info("user ban status changed", "user_id", userID, "banned", banned)
	e.Dispatch(ctx, nil, userID)
	return nil
}

// Dispatch runs the post-commit side effects: it publishes events and hands changed users to the
// push queue. Neither can fail the operation that produced them.
func (e *Engine) Dispatch(ctx context.Context, events []types.NotificationEvent, userIDs ...int64) {
	if len(events) > 0 && e.publisher != nil {
		if err := e.publisher.Publish(ctx, events...); err != nil {
			e.logger.Error("publish notification events failed", "count", len(events), "error", err)
		}
	}
	if e.queue == nil {
		return
	}
	seen := map[int64]bool{}
	for _, id := range userIDs {
		if !seen[id] {
			seen[id] = true
			e.queue.Enqueue(id)
		}
	}
	for _, ev := range events {
		if ev.Kind == types.KindReferralBonusPaid && !seen[ev.UserID] {
			seen[ev.UserID] = true
			e.queue.Enqueue(ev.UserID)
		}
	}
}
