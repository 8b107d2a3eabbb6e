package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/i18n"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/ledger"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/messages"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/payments"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/promo"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/subscription"
	"github.com/BatmanBruc/bat-bot-vpnshop/store"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

func newTestHandlers(t *testing.T) (*Handlers, *store.MemoryStore) {
	t.Helper()
	return newTestHandlersWithCheckout(t, nil)
}

func newTestHandlersWithCheckout(t *testing.T, build func(PaymentLedger) Checkouts) (*Handlers, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	engine := subscription.NewEngine(st, subscription.Plan{TrafficLimitBytes: 100}, subscription.TrialConfig{Enabled: true, Days: 3}, nil)
	engine.SetClock(func() time.Time { return now })
	referrals := promo.NewReferrals(engine, promo.ReferralConfig{}, nil)
	engine.SetReferrals(referrals)
	stars := map[int]decimal.Decimal{1: decimal.NewFromInt(150), 3: decimal.NewFromInt(400)}
	l := ledger.New(st, engine, referrals, ledger.Prices{payments.StarsCurrency: stars}, "en", nil)

	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx types.Tx) error { return tx.UpsertUser(ctx, types.User{ID: 1, Language: "en"}) }))

	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = time.Now })
	var checkouts Checkouts
	if build != nil {
		checkouts = build(l)
	}
	return NewHandlers(st, l, engine, promo.NewService(st, engine, nil), stars, checkouts, nil), st
}

func TestInvoice_RecordsPendingAttempt(t *testing.T) {
	h, st := newTestHandlers(t)
	ctx := context.Background()

	params, text := h.invoice(ctx, 1, 1, []string{"3"}, i18n.EN)
	require.NotNil(t, params, text)
	assert.Equal(t, payments.StarsCurrency, params.Currency)
	assert.Equal(t, 400, params.Prices[0].Amount)

	ref, months, err := payments.ParseStarsInvoicePayload(params.Payload)
	require.NoError(t, err)
	assert.Equal(t, 3, months)
	attempt, err := st.GetAttempt(ctx, types.ProviderStars, ref)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentPending, attempt.Status)
	assert.Equal(t, 90, attempt.DurationDays)
}

func TestInvoice_UnknownPlan(t *testing.T) {
	h, _ := newTestHandlers(t)
	params, text := h.invoice(context.Background(), 1, 1, []string{"2"}, i18n.EN)
	assert.Nil(t, params)
	assert.Equal(t, messages.BuyUsage(i18n.EN, []int{1, 3}), text)
}

func TestStarsFlow_PreCheckoutAndSettle(t *testing.T) {
	h, st := newTestHandlers(t)
	ctx := context.Background()
	params, _ := h.invoice(ctx, 1, 1, []string{"1"}, i18n.EN)
	require.NotNil(t, params)

	assert.NoError(t, h.checkPreCheckout(ctx, 1, params.Payload, "XTR", 150))
	assert.Error(t, h.checkPreCheckout(ctx, 1, params.Payload, "XTR", 100), "amount differs")
	assert.Error(t, h.checkPreCheckout(ctx, 2, params.Payload, "XTR", 150), "other user")
	assert.Error(t, h.checkPreCheckout(ctx, 1, "garbage", "XTR", 150))

	payment := &models.SuccessfulPayment{Currency: "XTR", TotalAmount: 150, InvoicePayload: params.Payload, TelegramPaymentChargeID: "ch-1"}
	assert.Equal(t, messages.PaymentSucceeded(i18n.EN, now.Add(30*24*time.Hour)), h.settle(ctx, 1, payment, i18n.EN))
	assert.Equal(t, messages.PaymentAlreadyProcessed(i18n.EN), h.settle(ctx, 1, payment, i18n.EN))

	sub, err := st.GetSubscription(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*24*time.Hour), sub.ExpiresAt)
	assert.Error(t, h.checkPreCheckout(ctx, 1, params.Payload, "XTR", 150), "attempt no longer pending")
}

func TestReply_TrialAndStatus(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()

	assert.Equal(t, messages.StatusInactive(i18n.EN), h.reply(ctx, 1, "/status", nil, i18n.EN))
	assert.Equal(t, messages.TrialGranted(i18n.EN, now.Add(72*time.Hour)), h.reply(ctx, 1, "/trial", nil, i18n.EN))
	assert.Equal(t, messages.TrialAlreadyUsed(i18n.EN), h.reply(ctx, 1, "/trial", nil, i18n.EN))
	assert.Equal(t, messages.StatusActive(i18n.EN, now.Add(72*time.Hour)), h.reply(ctx, 1, "/status", nil, i18n.EN))
}

func TestReply_Promo(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()

	assert.Equal(t, messages.PromoUsage(i18n.RU), h.reply(ctx, 1, "/promo", nil, i18n.RU))
	assert.Equal(t, messages.PromoNotFound(i18n.EN), h.reply(ctx, 1, "/promo", []string{"NOPE"}, i18n.EN))
	assert.Equal(t, messages.PromoRejectedInput(i18n.EN), h.reply(ctx, 1, "/promo", []string{"x';", "DROP"}, i18n.EN))
	assert.Equal(t, messages.ErrorUnknownCommand(i18n.EN), h.reply(ctx, 1, "/nope", nil, i18n.EN))
}

func TestPlanKeyboard(t *testing.T) {
	h, _ := newTestHandlers(t)
	kb := h.planKeyboard(i18n.EN)
	require.Len(t, kb.InlineKeyboard, 1)
	row := kb.InlineKeyboard[0]
	require.Len(t, row, 2)
	assert.Equal(t, "buy:1", row[0].CallbackData)
	assert.Equal(t, "buy:3", row[1].CallbackData)
	assert.Equal(t, messages.PlanButton(i18n.EN, 3), row[1].Text)
}

func TestParseBuyCallback(t *testing.T) {
	months, ok := parseBuyCallback("buy:6")
	assert.True(t, ok)
	assert.Equal(t, 6, months)

	for _, data := range []string{"", "buy:", "buy:x", "buy:0", "merge_pdf"} {
		_, ok := parseBuyCallback(data)
		assert.False(t, ok, data)
	}
}

func TestParsePayCallback(t *testing.T) {
	method, months, ok := parsePayCallback("pay:cryptopay:3")
	assert.True(t, ok)
	assert.Equal(t, "cryptopay", method)
	assert.Equal(t, 3, months)

	for _, data := range []string{"", "pay:", "pay:stars", "pay::3", "pay:stars:x", "buy:3"} {
		_, _, ok := parsePayCallback(data)
		assert.False(t, ok, data)
	}
}
