package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/payments"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/shopspring/decimal"
)

var (
	ErrProviderDisabled = errors.New("payment method is not enabled")
	ErrUnknownPlan      = errors.New("plan has no price")
	// ErrProviderUnavailable covers network failures, timeouts and 5xx answers.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderRejected    = errors.New("payment provider rejected request")
)

// Order is what the user is about to pay for.
type Order struct {
	UserID      int64
	Months      int
	Days        int
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// Invoice is a payable checkout created at the provider. ExternalRef is the id the provider's
// notifications will carry.
type Invoice struct {
	ExternalRef string
	PayURL      string
}

// Provider creates invoices at one payment provider.
type Provider interface {
	Name() string
	CreateInvoice(ctx context.Context, order Order) (*Invoice, error)
}

type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, intent types.Intent) (*types.PaymentAttempt, error)
}

type Result struct {
	Attempt *types.PaymentAttempt
	PayURL  string
}

// Service opens provider checkouts and records the pending attempt their notifications settle.
type Service struct {
	ledger    AttemptRecorder
	prices    map[int]decimal.Decimal
	currency  string
	providers map[string]Provider
	logger    *slog.Logger
}

func NewService(ledger AttemptRecorder, prices map[int]decimal.Decimal, currency string, logger *slog.Logger, providers ...Provider) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		ledger:    ledger,
		prices:    prices,
		currency:  strings.ToUpper(currency),
		providers: make(map[string]Provider, len(providers)),
		logger:    logger,
	}
	for _, p := range providers {
		if p != nil {
			s.providers[p.Name()] = p
		}
	}
	return s
}

// Providers returns the enabled provider names in a stable order.
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Price returns the price of a plan in the checkout currency.
func (s *Service) Price(months int) (decimal.Decimal, string, bool) {
	p, ok := s.prices[months]
	return p, s.currency, ok
}

func (s *Service) Months() []int {
	out := make([]int, 0, len(s.prices))
	for m := range s.prices {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

// Checkout creates the invoice first and records the attempt under the provider-assigned id. A
// notification that races ahead of the record gets 404 and is redelivered by the provider.
func (s *Service) Checkout(ctx context.Context, provider string, userID int64, months int, description string) (*Result, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, provider)
	}
	price, ok := s.prices[months]
	if !ok || !price.IsPositive() {
		return nil, fmt.Errorf("%w: %d months", ErrUnknownPlan, months)
	}
	order := Order{
		UserID:      userID,
		Months:      months,
		Days:        months * payments.DaysPerMonth,
		Amount:      price,
		Currency:    s.currency,
		Description: description,
	}
	inv, err := p.CreateInvoice(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("create %s invoice: %w", provider, err)
	}
	if inv.ExternalRef == "" {
		return nil, fmt.Errorf("%w: %s returned no invoice id", ErrProviderRejected, provider)
	}
	attempt, err := s.ledger.RecordAttempt(ctx, types.Intent{
		UserID:       userID,
		Provider:     provider,
		ExternalRef:  inv.ExternalRef,
		Amount:       order.Amount,
		Currency:     order.Currency,
		DurationDays: order.Days,
	})
	if err != nil {
		return nil, fmt.Errorf("record %s attempt %s: %w", provider, inv.ExternalRef, err)
	}
	s.logger.Info("checkout created", "user_id", userID, "provider", provider, "external_ref", inv.ExternalRef, "months", months)
	return &Result{Attempt: attempt, PayURL: inv.PayURL}, nil
}
