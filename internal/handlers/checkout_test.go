package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/checkout"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/contextkeys"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/i18n"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/messages"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/payments"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiCall struct {
	method string
	form   map[string]string
}

// fakeTelegram records Bot API calls and answers each with a minimal success result.
type fakeTelegram struct {
	mu    sync.Mutex
	calls []apiCall
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	form := map[string]string{}
	if err := r.ParseMultipartForm(1 << 20); err == nil {
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, form: form})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if method == "answerCallbackQuery" {
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`))
}

func (f *fakeTelegram) sent(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newFakeBot(t *testing.T) (*bot.Bot, *fakeTelegram) {
	t.Helper()
	fake := &fakeTelegram{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	b, err := bot.New("123:test", bot.WithSkipGetMe(), bot.WithServerURL(srv.URL))
	require.NoError(t, err)
	return b, fake
}

func keyboardOf(t *testing.T, call apiCall) models.InlineKeyboardMarkup {
	t.Helper()
	var kb models.InlineKeyboardMarkup
	require.NoError(t, json.Unmarshal([]byte(call.form["reply_markup"]), &kb))
	return kb
}

type fixedProvider struct {
	name string
	ref  string
	err  error
}

func (p fixedProvider) Name() string { return p.name }

func (p fixedProvider) CreateInvoice(_ context.Context, _ checkout.Order) (*checkout.Invoice, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &checkout.Invoice{ExternalRef: p.ref, PayURL: "https://pay.example/" + p.ref}, nil
}

func rubPrices() map[int]decimal.Decimal {
	return map[int]decimal.Decimal{1: decimal.NewFromInt(199), 6: decimal.NewFromInt(999)}
}

func callbackUpdate(data string) *models.Update {
	return &models.Update{CallbackQuery: &models.CallbackQuery{ID: "cb-1", Data: data}}
}

func TestPlanMonths_UnionOfStarsAndCheckout(t *testing.T) {
	h, _ := newTestHandlersWithCheckout(t, func(l PaymentLedger) Checkouts {
		return checkout.NewService(l, rubPrices(), "RUB", nil, fixedProvider{name: types.ProviderCryptoPay, ref: "1"})
	})

	assert.Equal(t, []int{1, 3, 6}, h.planMonths())
	assert.Equal(t, []string{types.ProviderStars, types.ProviderCryptoPay}, h.methods(1))
	assert.Equal(t, []string{types.ProviderStars}, h.methods(3))
	assert.Equal(t, []string{types.ProviderCryptoPay}, h.methods(6))
	assert.Empty(t, h.methods(12))

	kb := h.methodKeyboard(i18n.EN, 1, h.methods(1))
	require.Len(t, kb.InlineKeyboard, 2)
	assert.Equal(t, "pay:stars:1", kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, messages.MethodButton(i18n.EN, types.ProviderStars, "150"), kb.InlineKeyboard[0][0].Text)
	assert.Equal(t, "pay:cryptopay:1", kb.InlineKeyboard[1][0].CallbackData)
	assert.Equal(t, messages.MethodButton(i18n.EN, types.ProviderCryptoPay, "199 RUB"), kb.InlineKeyboard[1][0].Text)
}

func TestPlanMonths_CheckoutWithoutProvidersIsIgnored(t *testing.T) {
	h, _ := newTestHandlersWithCheckout(t, func(l PaymentLedger) Checkouts {
		return checkout.NewService(l, rubPrices(), "RUB", nil)
	})

	assert.Equal(t, []int{1, 3}, h.planMonths())
	assert.Equal(t, []string{types.ProviderStars}, h.methods(1))
}

func TestHandleClickButton_OffersMethods(t *testing.T) {
	h, _ := newTestHandlersWithCheckout(t, func(l PaymentLedger) Checkouts {
		return checkout.NewService(l, rubPrices(), "RUB", nil, fixedProvider{name: types.ProviderYooKassa, ref: "yk-1"})
	})
	b, fake := newFakeBot(t)
	ctx := contextkeys.WithChatID(context.Background(), 1)

	h.HandleClickButton(ctx, b, callbackUpdate("buy:1"), 1)

	require.Len(t, fake.sent("answerCallbackQuery"), 1)
	msgs := fake.sent("sendMessage")
	require.Len(t, msgs, 1)
	assert.Equal(t, messages.PayMethodPrompt(i18n.EN, 1), msgs[0].form["text"])
	kb := keyboardOf(t, msgs[0])
	require.Len(t, kb.InlineKeyboard, 2)
	assert.Equal(t, "pay:yookassa:1", kb.InlineKeyboard[1][0].CallbackData)
	assert.Empty(t, fake.sent("sendInvoice"))
}

func TestHandleClickButton_StarsOnlySendsInvoice(t *testing.T) {
	h, _ := newTestHandlers(t)
	b, fake := newFakeBot(t)
	ctx := contextkeys.WithChatID(context.Background(), 1)

	h.HandleClickButton(ctx, b, callbackUpdate("buy:3"), 1)

	invoices := fake.sent("sendInvoice")
	require.Len(t, invoices, 1)
	assert.Equal(t, payments.StarsCurrency, invoices[0].form["currency"])
	assert.Empty(t, fake.sent("sendMessage"))
}

func TestHandleClickButton_CheckoutSendsPayLink(t *testing.T) {
	h, st := newTestHandlersWithCheckout(t, func(l PaymentLedger) Checkouts {
		return checkout.NewService(l, rubPrices(), "RUB", nil, fixedProvider{name: types.ProviderCryptoPay, ref: "777"})
	})
	b, fake := newFakeBot(t)
	ctx := contextkeys.WithChatID(context.Background(), 1)

	h.HandleClickButton(ctx, b, callbackUpdate("pay:cryptopay:6"), 1)

	msgs := fake.sent("sendMessage")
	require.Len(t, msgs, 1)
	assert.Equal(t, messages.CheckoutCreated(i18n.EN, 6), msgs[0].form["text"])
	kb := keyboardOf(t, msgs[0])
	require.Len(t, kb.InlineKeyboard, 1)
	assert.Equal(t, "https://pay.example/777", kb.InlineKeyboard[0][0].URL)

	attempt, err := st.GetAttempt(context.Background(), types.ProviderCryptoPay, "777")
	require.NoError(t, err)
	assert.Equal(t, types.PaymentPending, attempt.Status)
	assert.Equal(t, int64(1), attempt.UserID)
	assert.True(t, decimal.NewFromInt(999).Equal(attempt.Amount))
	assert.Equal(t, "RUB", attempt.Currency)
	assert.Equal(t, 180, attempt.DurationDays)
}

func TestHandleClickButton_CheckoutFailures(t *testing.T) {
	cases := []struct {
		name string
		data string
		err  error
		want func(i18n.Lang) string
	}{
		{"provider down", "pay:cryptopay:1", checkout.ErrProviderUnavailable, messages.CheckoutUnavailable},
		{"provider refused", "pay:cryptopay:1", errors.Join(checkout.ErrProviderRejected, errors.New("bad amount")), messages.CheckoutUnavailable},
		{"disabled provider", "pay:yookassa:1", nil, nil},
		{"unknown plan", "pay:cryptopay:12", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestHandlersWithCheckout(t, func(l PaymentLedger) Checkouts {
				return checkout.NewService(l, rubPrices(), "RUB", nil, fixedProvider{name: types.ProviderCryptoPay, ref: "1", err: tc.err})
			})
			b, fake := newFakeBot(t)
			ctx := contextkeys.WithChatID(context.Background(), 1)

			h.HandleClickButton(ctx, b, callbackUpdate(tc.data), 1)

			msgs := fake.sent("sendMessage")
			require.Len(t, msgs, 1)
			want := messages.BuyUsage(i18n.EN, h.planMonths())
			if tc.want != nil {
				want = tc.want(i18n.EN)
			}
			assert.Equal(t, want, msgs[0].form["text"])
		})
	}
}
