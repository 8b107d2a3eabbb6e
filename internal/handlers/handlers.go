package handlers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/checkout"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/contextkeys"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/i18n"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/messages"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
)

type PaymentLedger interface {
	RecordAttempt(ctx context.Context, intent types.Intent) (*types.PaymentAttempt, error)
	ApplyOutcome(ctx context.Context, ev types.PaymentEvent) (types.Outcome, error)
}

type TrialGranter interface {
	GrantTrial(ctx context.Context, userID int64) (*types.Subscription, error)
}

type PromoRedeemer interface {
	Redeem(ctx context.Context, input string, userID int64) (*types.BonusGrant, error)
}

// Checkouts opens payment checkouts at external providers.
type Checkouts interface {
	Providers() []string
	Months() []int
	Price(months int) (decimal.Decimal, string, bool)
	Checkout(ctx context.Context, provider string, userID int64, months int, description string) (*checkout.Result, error)
}

// Reader is the read side of the store the handlers consult.
type Reader interface {
	GetSubscription(ctx context.Context, userID int64) (*types.Subscription, error)
	GetAttempt(ctx context.Context, provider, externalRef string) (*types.PaymentAttempt, error)
	GetUser(ctx context.Context, userID int64) (*types.User, error)
}

type Handlers struct {
	store       Reader
	ledger      PaymentLedger
	trials      TrialGranter
	promos      PromoRedeemer
	starsPrices map[int]decimal.Decimal
	checkout    Checkouts
	logger      *slog.Logger
}

// NewHandlers wires the bot handlers. checkouts may be nil when only Stars is sold.
func NewHandlers(store Reader, ledger PaymentLedger, trials TrialGranter, promos PromoRedeemer, starsPrices map[int]decimal.Decimal, checkouts Checkouts, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:       store,
		ledger:      ledger,
		trials:      trials,
		promos:      promos,
		starsPrices: starsPrices,
		checkout:    checkouts,
		logger:      logger,
	}
}

func langFromCtx(ctx context.Context) i18n.Lang {
	if v, ok := contextkeys.GetLang(ctx); ok {
		return i18n.Parse(v, i18n.Fallback)
	}
	return i18n.EN
}

// MainHandler routes an update that already passed the user middleware.
func (bh *Handlers) MainHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	userID, ok := contextkeys.GetUserID(ctx)
	if !ok {
		return
	}
	switch {
	case update.PreCheckoutQuery != nil:
		bh.HandlePreCheckout(ctx, b, update, userID)
	case update.CallbackQuery != nil:
		bh.HandleClickButton(ctx, b, update, userID)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		bh.HandleSuccessfulPayment(ctx, b, update, userID)
	case update.Message != nil && strings.HasPrefix(strings.TrimSpace(update.Message.Text), "/"):
		bh.HandleCommand(ctx, b, update, userID)
	case update.Message != nil:
		bh.send(ctx, b, update.Message.Chat.ID, messages.ErrorUnknownCommand(langFromCtx(ctx)))
	}
}

func (bh *Handlers) send(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	bh.sendParams(ctx, b, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	})
}

func (bh *Handlers) sendWithKeyboard(ctx context.Context, b *bot.Bot, chatID int64, text string, kb models.InlineKeyboardMarkup) {
	bh.sendParams(ctx, b, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   messages.ParseModeHTML,
		ReplyMarkup: kb,
	})
}

func (bh *Handlers) sendParams(ctx context.Context, b *bot.Bot, params *bot.SendMessageParams) {
	if _, err := b.SendMessage(ctx, params); err != nil {
		bh.logger.Warn("failed to send message", "chat_id", params.ChatID, "error", err)
	}
}
