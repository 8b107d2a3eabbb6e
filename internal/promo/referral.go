package promo

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/subscription"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

// ReferralConfig holds bonus days per plan length in months.
type ReferralConfig struct {
	InviterDays map[int]int
	RefereeDays map[int]int
}

// Referrals pays the referral bonus once per referee. The persisted marker, not payment history,
// decides whether it was already paid.
type Referrals struct {
	engine *subscription.Engine
	cfg    ReferralConfig
	logger *slog.Logger
}

func NewReferrals(engine *subscription.Engine, cfg ReferralConfig, logger *slog.Logger) *Referrals {
	if logger == nil {
		logger = slog.Default()
	}
	return &Referrals{engine: engine, cfg: cfg, logger: logger}
}

func (r *Referrals) CreditReferral(ctx context.Context, tx types.Tx, refereeID int64, trigger string, months int) ([]types.NotificationEvent, error) {
	referee, err := tx.GetUser(ctx, refereeID)
	if err != nil {
		return nil, err
	}
	if referee.ReferredBy == nil || *referee.ReferredBy == refereeID {
		return nil, nil
	}
	inviterID := *referee.ReferredBy
	inviter, err := tx.GetUser(ctx, inviterID)
	if errors.Is(err, types.ErrNotFound) {
		r.logger.Warn("referral inviter missing", "user_id", refereeID, "inviter_id", inviterID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	inviterDays := lookupDays(r.cfg.InviterDays, months)
	refereeDays := lookupDays(r.cfg.RefereeDays, months)
	if inviterDays <= 0 && refereeDays <= 0 {
		return nil, nil
	}

	now := r.engine.Now()
	claimed, err := tx.ClaimReferralBonus(ctx, refereeID, inviterID, trigger, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	var events []types.NotificationEvent
	pay := func(userID int64, days int, role string) error {
		if days <= 0 {
			return nil
		}
		sub, err := r.engine.CreditTx(ctx, tx, subscription.CreditRequest{UserID: userID, Days: days, Source: types.SourceReferral})
		if err != nil {
			return err
		}
		expires := sub.ExpiresAt
		events = append(events, types.NotificationEvent{
			UserID:     userID,
			Kind:       types.KindReferralBonusPaid,
			BonusDays:  days,
			ExpiresAt:  &expires,
			Detail:     role,
			OccurredAt: now,
		})
		return nil
	}
	if !inviter.Banned {
		if err := pay(inviterID, inviterDays, "inviter"); err != nil {
			return nil, err
		}
	}
	if err := pay(refereeID, refereeDays, "referee"); err != nil {
		return nil, err
	}
	r.logger.Info("referral bonus paid", "user_id", refereeID, "inviter_id", inviterID, "trigger", trigger, "inviter_days", inviterDays, "referee_days", refereeDays)
	return events, nil
}

// lookupDays picks the entry for months, else the largest plan not longer than months, else the
// shortest plan.
func lookupDays(table map[int]int, months int) int {
	if d, ok := table[months]; ok {
		return d
	}
	keys := make([]int, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return 0
	}
	sort.Ints(keys)
	best := keys[0]
	for _, k := range keys {
		if k <= months {
			best = k
		}
	}
	return table[best]
}

var _ subscription.ReferralCreditor = (*Referrals)(nil)
