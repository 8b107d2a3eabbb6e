package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/payments"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/subscription"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAttemptNotFound   = errors.New("payment attempt not found")
	ErrReferenceConflict = errors.New("external reference already recorded for another user")
	ErrInvalidIntent     = errors.New("invalid payment intent")
)

var recoverPageSize = 100

// Prices maps currency to plan months to price. Only unsolicited payments are checked against it;
// solicited ones are checked against their recorded intent.
type Prices map[string]map[int]decimal.Decimal

type Ledger struct {
	store           types.Store
	engine          *subscription.Engine
	referrals       subscription.ReferralCreditor
	prices          Prices
	defaultLanguage string
	logger          *slog.Logger
}

func New(store types.Store, engine *subscription.Engine, referrals subscription.ReferralCreditor, prices Prices, defaultLanguage string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:           store,
		engine:          engine,
		referrals:       referrals,
		prices:          prices,
		defaultLanguage: defaultLanguage,
		logger:          logger,
	}
}

// RecordAttempt stores a pending attempt when a checkout is created. Recording the same reference
// again for the same user returns the existing attempt.
func (l *Ledger) RecordAttempt(ctx context.Context, intent types.Intent) (*types.PaymentAttempt, error) {
	if intent.UserID == 0 || intent.Provider == "" || intent.DurationDays <= 0 || !intent.Amount.IsPositive() || intent.Currency == "" {
		return nil, ErrInvalidIntent
	}
	if intent.ExternalRef == "" {
		intent.ExternalRef = uuid.NewString()
	}
	attempt := types.PaymentAttempt{
		ID:           uuid.NewString(),
		UserID:       intent.UserID,
		Provider:     intent.Provider,
		ExternalRef:  intent.ExternalRef,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(intent.Currency),
		DurationDays: intent.DurationDays,
		Status:       types.PaymentPending,
		CreatedAt:    l.engine.Now(),
	}

	var out *types.PaymentAttempt
	err := l.store.WithTx(ctx, func(tx types.Tx) error {
		inserted, err := tx.InsertAttempt(ctx, attempt)
		if err != nil {
			return err
		}
		if inserted {
			a := attempt
			out = &a
			return nil
		}
		existing, err := tx.LockAttempt(ctx, intent.Provider, intent.ExternalRef)
		if err != nil {
			return err
		}
		if existing.UserID != intent.UserID {
			return ErrReferenceConflict
		}
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("payment attempt recorded", "user_id", out.UserID, "provider", out.Provider, "external_ref", out.ExternalRef, "amount", out.Amount.String(), "currency", out.Currency)
	return out, nil
}

// ApplyOutcome applies a provider notification exactly once. The attempt transition, the credit,
// the referral bonus and the sync flag commit together; events and pushes follow the commit.
func (l *Ledger) ApplyOutcome(ctx context.Context, ev types.PaymentEvent) (types.Outcome, error) {
	var (
		outcome types.Outcome
		events  []types.NotificationEvent
		userID  int64
	)
	err := l.store.WithTx(ctx, func(tx types.Tx) error {
		events = nil
		attempt, err := tx.LockAttempt(ctx, ev.Provider, ev.ExternalRef)
		if errors.Is(err, types.ErrNotFound) {
			if ev.Status != types.PaymentConfirmed {
				outcome = types.OutcomeIgnored
				return nil
			}
			if ev.Unsolicited == nil {
				return ErrAttemptNotFound
			}
			var fresh bool
			attempt, events, fresh, err = l.createUnsolicited(ctx, tx, ev)
			if err != nil {
				return err
			}
			if fresh && attempt.Status == types.PaymentFailed {
				userID = attempt.UserID
				outcome = types.OutcomeRejected
				return nil
			}
		} else if err != nil {
			return err
		}
		userID = attempt.UserID

		if attempt.Status.Terminal() {
			outcome = types.OutcomeAlreadyApplied
			return nil
		}
		if ev.Status == types.PaymentPending {
			outcome = types.OutcomeIgnored
			return nil
		}
		if ev.Status == types.PaymentConfirmed {
			if reason := mismatch(attempt, ev); reason != "" {
				outcome = types.OutcomeRejected
				if attempt.RejectionReason == reason {
					return nil
				}
				events = append(events, rejectedEvent(attempt, reason, l.engine))
				return tx.RejectAttempt(ctx, attempt.ID, reason)
			}
		}

		moved, err := tx.TransitionAttempt(ctx, attempt.ID, ev.Status, l.engine.Now())
		if err != nil {
			return err
		}
		if !moved {
			outcome = types.OutcomeAlreadyApplied
			return nil
		}
		outcome = types.OutcomeApplied
		if ev.Status != types.PaymentConfirmed {
			return nil
		}
		bonus, err := l.credit(ctx, tx, attempt)
		if err != nil {
			return err
		}
		events = append(events, bonus...)
		return nil
	})
	if err != nil {
		return "", err
	}

	log := l.logger.With("user_id", userID, "provider", ev.Provider, "external_ref", ev.ExternalRef, "status", ev.Status, "outcome", outcome)
	switch outcome {
	case types.OutcomeApplied:
		log.Info("payment outcome applied")
	case types.OutcomeRejected:
		log.Warn("payment outcome rejected", "amount", ev.Amount.String(), "currency", ev.Currency)
	default:
		log.Debug("payment outcome not applied")
	}

	if outcome == types.OutcomeApplied && ev.Status == types.PaymentConfirmed {
		l.engine.Dispatch(ctx, events, userID)
	} else {
		l.engine.Dispatch(ctx, events)
	}
	return outcome, nil
}

// credit runs inside the ledger transaction for an attempt that just became confirmed, or one
// found confirmed but uncredited during recovery.
func (l *Ledger) credit(ctx context.Context, tx types.Tx, attempt *types.PaymentAttempt) ([]types.NotificationEvent, error) {
	if _, err := l.engine.CreditTx(ctx, tx, subscription.CreditRequest{
		UserID: attempt.UserID,
		Days:   attempt.DurationDays,
		Source: types.SourcePurchase,
	}); err != nil {
		return nil, err
	}
	if err := tx.MarkAttemptCredited(ctx, attempt.ID); err != nil {
		return nil, err
	}
	if l.referrals == nil {
		return nil, nil
	}
	return l.referrals.CreditReferral(ctx, tx, attempt.UserID, "payment", monthsOf(attempt.DurationDays))
}

// createUnsolicited records the attempt a provider charged without a prior checkout. A price that
// does not match the configured table is stored as a failed attempt so it is never applied. When a
// concurrent delivery inserted the attempt first, that attempt is returned with fresh unset.
func (l *Ledger) createUnsolicited(ctx context.Context, tx types.Tx, ev types.PaymentEvent) (*types.PaymentAttempt, []types.NotificationEvent, bool, error) {
	intent := ev.Unsolicited
	if intent.UserID == 0 || intent.DurationDays <= 0 {
		return nil, nil, false, ErrInvalidIntent
	}
	if _, err := tx.GetUser(ctx, intent.UserID); errors.Is(err, types.ErrNotFound) {
		if err := tx.UpsertUser(ctx, types.User{ID: intent.UserID, Language: l.defaultLanguage}); err != nil {
			return nil, nil, false, err
		}
	} else if err != nil {
		return nil, nil, false, err
	}

	attempt := types.PaymentAttempt{
		ID:           uuid.NewString(),
		UserID:       intent.UserID,
		Provider:     ev.Provider,
		ExternalRef:  ev.ExternalRef,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(intent.Currency),
		DurationDays: intent.DurationDays,
		Status:       types.PaymentPending,
		CreatedAt:    l.engine.Now(),
	}
	var events []types.NotificationEvent
	if reason := l.checkPrice(attempt); reason != "" {
		attempt.Status = types.PaymentFailed
		attempt.RejectionReason = reason
		events = append(events, rejectedEvent(&attempt, reason, l.engine))
	}
	inserted, err := tx.InsertAttempt(ctx, attempt)
	if err != nil {
		return nil, nil, false, err
	}
	if !inserted {
		existing, err := tx.LockAttempt(ctx, ev.Provider, ev.ExternalRef)
		if err != nil {
			return nil, nil, false, err
		}
		return existing, nil, false, nil
	}
	return &attempt, events, true, nil
}

func (l *Ledger) checkPrice(a types.PaymentAttempt) string {
	months := monthsOf(a.DurationDays)
	price, ok := l.prices[a.Currency][months]
	if !ok {
		return fmt.Sprintf("no configured %s price for %d months", a.Currency, months)
	}
	if !a.Amount.Equal(price) {
		return fmt.Sprintf("amount %s %s does not match price %s for %d months", a.Amount.String(), a.Currency, price.String(), months)
	}
	return ""
}

func mismatch(a *types.PaymentAttempt, ev types.PaymentEvent) string {
	if !strings.EqualFold(a.Currency, ev.Currency) {
		return fmt.Sprintf("currency %s does not match recorded %s", ev.Currency, a.Currency)
	}
	if !a.Amount.Equal(ev.Amount) {
		return fmt.Sprintf("amount %s does not match recorded %s", ev.Amount.String(), a.Amount.String())
	}
	return ""
}

func rejectedEvent(a *types.PaymentAttempt, reason string, engine *subscription.Engine) types.NotificationEvent {
	return types.NotificationEvent{
		UserID:     a.UserID,
		Kind:       types.KindPaymentRejected,
		Detail:     fmt.Sprintf("%s/%s: %s", a.Provider, a.ExternalRef, reason),
		OccurredAt: engine.Now(),
	}
}

func monthsOf(days int) int {
	if days < payments.DaysPerMonth {
		return 1
	}
	return days / payments.DaysPerMonth
}

// Recover completes attempts that are confirmed but were never credited. Each one is credited in
// its own transaction, re-checked under lock.
func (l *Ledger) Recover(ctx context.Context) (int, error) {
	recovered := 0
	var after types.AttemptCursor
	for {
		page, err := l.store.ListUncreditedAttempts(ctx, after, recoverPageSize)
		if err != nil {
			return recovered, err
		}
		for _, a := range page {
			ok, err := l.recoverOne(ctx, a.ID)
			if err != nil {
				l.logger.Error("recover payment attempt failed", "attempt_id", a.ID, "user_id", a.UserID, "error", err)
				continue
			}
			if ok {
				recovered++
			}
		}
		if len(page) < recoverPageSize {
			break
		}
		after = page[len(page)-1].Cursor()
	}
	if recovered > 0 {
		l.logger.Info("recovered uncredited payments", "count", recovered)
	}
	return recovered, nil
}

func (l *Ledger) recoverOne(ctx context.Context, attemptID string) (bool, error) {
	var (
		events []types.NotificationEvent
		userID int64
		done   bool
	)
	err := l.store.WithTx(ctx, func(tx types.Tx) error {
		events, done = nil, false
		a, err := tx.LockAttemptByID(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.Status != types.PaymentConfirmed || a.Credited {
			return nil
		}
		userID = a.UserID
		events, err = l.credit(ctx, tx, a)
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil || !done {
		return false, err
	}
	l.engine.Dispatch(ctx, events, userID)
	return true, nil
}
