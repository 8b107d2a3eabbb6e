package promo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/subscription"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

var (
	ErrPromoNotFound     = errors.New("promo code not found")
	ErrPromoExpired      = errors.New("promo code expired")
	ErrPromoLimitReached = errors.New("promo code activation limit reached")
	ErrPromoAlreadyUsed  = errors.New("promo code already used by this user")
	ErrSuspiciousInput   = errors.New("suspicious promo code input")
	ErrInvalidPromo      = errors.New("invalid promo code definition")
)

type Service struct {
	store  types.Store
	engine *subscription.Engine
	logger *slog.Logger
}

func NewService(store types.Store, engine *subscription.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, engine: engine, logger: logger}
}

// Redeem consumes one activation of code for userID and credits the bonus days. Suspicious input
// never reaches storage and raises exactly one operator alert.
func (s *Service) Redeem(ctx context.Context, input string, userID int64) (*types.BonusGrant, error) {
	code, class := Classify(input)
	switch class {
	case Suspicious:
		s.logger.Warn("suspicious promo input", "user_id", userID, "input", strconv.QuoteToASCII(clip(input)))
		s.engine.Dispatch(ctx, []types.NotificationEvent{{
			UserID:     userID,
			Kind:       types.KindSuspiciousPromoInput,
			Detail:     strconv.QuoteToASCII(clip(input)),
			OccurredAt: s.engine.Now(),
		}})
		return nil, ErrSuspiciousInput
	case Malformed:
		return nil, ErrPromoNotFound
	}

	var grant types.BonusGrant
	err := s.store.WithTx(ctx, func(tx types.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Banned {
			return subscription.ErrUserBanned
		}
		p, err := tx.GetPromoByCode(ctx, code)
		if errors.Is(err, types.ErrNotFound) {
			return ErrPromoNotFound
		}
		if err != nil {
			return err
		}
		if !p.Active {
			return ErrPromoNotFound
		}
		now := s.engine.Now()
		if !p.WithinWindow(now) {
			return ErrPromoExpired
		}
		inserted, err := tx.InsertPromoActivation(ctx, p.ID, userID, now)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrPromoAlreadyUsed
		}
		incremented, err := tx.IncrementPromoActivations(ctx, p.ID)
		if err != nil {
			return err
		}
		if !incremented {
			return ErrPromoLimitReached
		}
		sub, err := s.engine.CreditTx(ctx, tx, subscription.CreditRequest{UserID: userID, Days: p.BonusDays, Source: types.SourcePromo})
		if err != nil {
			return err
		}
		grant = types.BonusGrant{UserID: userID, Code: p.Code, BonusDays: p.BonusDays, ExpiresAt: sub.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("promo code activated", "user_id", userID, "code", grant.Code, "bonus_days", grant.BonusDays)
	expires := grant.ExpiresAt
	s.engine.Dispatch(ctx, []types.NotificationEvent{{
		UserID:     userID,
		Kind:       types.KindPromoActivated,
		BonusDays:  grant.BonusDays,
		ExpiresAt:  &expires,
		Detail:     grant.Code,
		OccurredAt: s.engine.Now(),
	}}, userID)
	return &grant, nil
}

type CreateRequest struct {
	Code           string
	BonusDays      int
	MaxActivations int
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	CreatedBy      int64
}

func (s *Service) CreatePromoCode(ctx context.Context, req CreateRequest) (*types.PromoCode, error) {
	code, class := Classify(req.Code)
	if class != Valid {
		return nil, fmt.Errorf("%w: code must match %s", ErrInvalidPromo, codePattern.String())
	}
	if req.BonusDays <= 0 || req.MaxActivations <= 0 {
		return nil, fmt.Errorf("%w: bonus days and max activations must be positive", ErrInvalidPromo)
	}
	if req.ValidFrom != nil && req.ValidUntil != nil && !req.ValidUntil.After(*req.ValidFrom) {
		return nil, fmt.Errorf("%w: validity window is empty", ErrInvalidPromo)
	}
	p := types.PromoCode{
		Code:           code,
		BonusDays:      req.BonusDays,
		MaxActivations: req.MaxActivations,
		Active:         true,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		CreatedBy:      req.CreatedBy,
	}
	err := s.store.WithTx(ctx, func(tx types.Tx) error {
		id, err := tx.CreatePromoCode(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("promo code created", "code", p.Code, "bonus_days", p.BonusDays, "max_activations", p.MaxActivations, "created_by", p.CreatedBy)
	return &p, nil
}

func clip(s string) string {
	r := []rune(s)
	if len(r) > maxInputRunes {
		return string(r[:maxInputRunes]) + "..."
	}
	return s
}
