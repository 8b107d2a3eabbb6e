package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

const day = 24 * time.Hour

type Config struct {
	// Thresholds are the days-before-expiry at which a reminder fires, in any order.
	Thresholds     []int
	NotifyOnExpire bool
	// Lookback bounds how long after expiry a missed "expired" notice is still sent.
	Lookback time.Duration
}

type Scanner struct {
	store      types.Store
	publisher  types.EventPublisher
	thresholds []int
	onExpire   bool
	lookback   time.Duration
	logger     *slog.Logger
}

func NewScanner(store types.Store, publisher types.EventPublisher, cfg Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	var thresholds []int
	for _, t := range cfg.Thresholds {
		if t > 0 {
			thresholds = append(thresholds, t)
		}
	}
	return &Scanner{
		store:      store,
		publisher:  publisher,
		thresholds: thresholds,
		onExpire:   cfg.NotifyOnExpire,
		lookback:   cfg.Lookback,
		logger:     logger,
	}
}

// Stage maps the time left before expiry to a notification stage: the smallest threshold not below
// the remaining whole days, 0 once expired. ok is false when expiry is further away than every
// threshold.
func Stage(thresholds []int, expiresAt, now time.Time) (stage, daysLeft int, ok bool) {
	left := expiresAt.Sub(now)
	if left <= 0 {
		return 0, 0, true
	}
	daysLeft = int((left + day - 1) / day)
	stage = -1
	for _, t := range thresholds {
		if t >= daysLeft && (stage == -1 || t < stage) {
			stage = t
		}
	}
	if stage == -1 {
		return 0, daysLeft, false
	}
	return stage, daysLeft, true
}

// Scan emits each (expiry, stage) notification at most once. The claim is a conditional update on
// the subscription row, so concurrent scanners never double-send, and an extended expiry makes
// every stage eligible again.
func (s *Scanner) Scan(ctx context.Context, now time.Time) ([]types.NotificationEvent, error) {
	now = now.UTC()
	horizon := 0
	for _, t := range s.thresholds {
		if t > horizon {
			horizon = t
		}
	}
	from := now.Add(-s.lookback)
	if !s.onExpire {
		from = now
	}
	candidates, err := s.store.ListExpiryCandidates(ctx, from, now.Add(time.Duration(horizon)*day))
	if err != nil {
		return nil, fmt.Errorf("list expiry candidates: %w", err)
	}

	var (
		events []types.NotificationEvent
		errs   []error
	)
	for _, sub := range candidates {
		stage, daysLeft, ok := Stage(s.thresholds, sub.ExpiresAt, now)
		if !ok || (stage == 0 && !s.onExpire) {
			continue
		}
		var claimed bool
		err := s.store.WithTx(ctx, func(tx types.Tx) error {
			var err error
			claimed, err = tx.ClaimExpiryNotification(ctx, sub.UserID, sub.ExpiresAt, stage)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("claim expiry notification for user %d: %w", sub.UserID, err))
			continue
		}
		if !claimed {
			continue
		}
		expiresAt := sub.ExpiresAt
		ev := types.NotificationEvent{
			UserID:     sub.UserID,
			Kind:       types.KindExpiringSoon,
			DaysLeft:   daysLeft,
			ExpiresAt:  &expiresAt,
			OccurredAt: now,
		}
		if stage == 0 {
			ev.Kind = types.KindExpired
		}
		events = append(events, ev)
	}

	if len(events) > 0 && s.publisher != nil {
		if err := s.publisher.Publish(ctx, events...); err != nil {
			s.logger.Error("failed to publish expiry notifications", "count", len(events), "error", err)
		}
	}
	s.logger.Info("expiry scan finished", "candidates", len(candidates), "notified", len(events))
	return events, errors.Join(errs...)
}
