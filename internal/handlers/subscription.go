package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/i18n"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/messages"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/payments"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

var timeNow = time.Now

var errInvoiceMismatch = errors.New("invoice does not match a pending attempt")

// invoice records a pending Stars attempt and builds the invoice for it. When no invoice can be
// issued it returns the text to send instead.
func (bh *Handlers) invoice(ctx context.Context, userID, chatID int64, args []string, lang i18n.Lang) (*bot.SendInvoiceParams, string) {
	months, ok := parseMonths(args)
	price, priced := bh.starsPrices[months]
	if !ok || !priced {
		return nil, messages.BuyUsage(lang, bh.planMonths())
	}
	days := months * payments.DaysPerMonth
	attempt, err := bh.ledger.RecordAttempt(ctx, types.Intent{
		UserID:       userID,
		Provider:     types.ProviderStars,
		Amount:       price,
		Currency:     payments.StarsCurrency,
		DurationDays: days,
	})
	if err != nil {
		bh.logger.Error("failed to record stars attempt", "user_id", userID, "error", err)
		return nil, messages.ErrorDefault(lang)
	}
	title := messages.InvoiceTitle(lang, months)
	return &bot.SendInvoiceParams{
		ChatID:      chatID,
		Title:       title,
		Description: messages.InvoiceDescription(lang, days),
		Payload:     payments.StarsInvoicePayload(attempt.ExternalRef, months),
		Currency:    payments.StarsCurrency,
		Prices:      []models.LabeledPrice{{Label: title, Amount: int(price.IntPart())}},
	}, ""
}

func (bh *Handlers) sendInvoice(ctx context.Context, b *bot.Bot, userID, chatID int64, args []string, lang i18n.Lang) {
	params, text := bh.invoice(ctx, userID, chatID, args, lang)
	if params == nil {
		bh.send(ctx, b, chatID, text)
		return
	}
	if _, err := b.SendInvoice(ctx, params); err != nil {
		bh.logger.Error("failed to send invoice", "user_id", userID, "error", err)
		bh.send(ctx, b, chatID, messages.ErrorDefault(lang))
	}
}

// checkPreCheckout accepts only a payment for a pending attempt of the same user with the
// recorded amount.
func (bh *Handlers) checkPreCheckout(ctx context.Context, userID int64, payload, currency string, total int) error {
	ref, _, err := payments.ParseStarsInvoicePayload(strings.TrimSpace(payload))
	if err != nil {
		return err
	}
	user, err := bh.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Banned {
		return errInvoiceMismatch
	}
	attempt, err := bh.store.GetAttempt(ctx, types.ProviderStars, ref)
	if err != nil {
		return err
	}
	if attempt.UserID != userID || attempt.Status != types.PaymentPending ||
		!strings.EqualFold(currency, attempt.Currency) || attempt.Amount.IntPart() != int64(total) {
		return errInvoiceMismatch
	}
	return nil
}

func (bh *Handlers) HandlePreCheckout(ctx context.Context, b *bot.Bot, update *models.Update, userID int64) {
	if update == nil || update.PreCheckoutQuery == nil {
		return
	}
	q := update.PreCheckoutQuery
	err := bh.checkPreCheckout(ctx, userID, q.InvoicePayload, q.Currency, q.TotalAmount)
	params := &bot.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: q.ID, OK: err == nil}
	if err != nil {
		bh.logger.Warn("pre-checkout declined", "user_id", userID, "payload", q.InvoicePayload, "error", err)
		params.ErrorMessage = messages.PaymentInvalid(langFromCtx(ctx))
	}
	if _, err := b.AnswerPreCheckoutQuery(ctx, params); err != nil {
		bh.logger.Error("failed to answer pre-checkout query", "user_id", userID, "error", err)
	}
}

// settle routes a successful Stars payment through the ledger and returns the user-facing reply.
func (bh *Handlers) settle(ctx context.Context, userID int64, p *models.SuccessfulPayment, lang i18n.Lang) string {
	ev, err := payments.FromStarsPayment(p)
	if err != nil {
		bh.logger.Error("malformed stars payment", "user_id", userID, "error", err)
		return messages.PaymentNeedsReview(lang)
	}
	outcome, err := bh.ledger.ApplyOutcome(ctx, ev)
	if err != nil {
		bh.logger.Error("failed to apply stars payment", "user_id", userID, "external_ref", ev.ExternalRef, "error", err)
		return messages.PaymentNeedsReview(lang)
	}
	switch outcome {
	case types.OutcomeApplied:
		sub, err := bh.store.GetSubscription(ctx, userID)
		if err != nil {
			return messages.PaymentSucceeded(lang, timeNow())
		}
		return messages.PaymentSucceeded(lang, sub.ExpiresAt)
	case types.OutcomeAlreadyApplied:
		return messages.PaymentAlreadyProcessed(lang)
	default:
		return messages.PaymentNeedsReview(lang)
	}
}

func (bh *Handlers) HandleSuccessfulPayment(ctx context.Context, b *bot.Bot, update *models.Update, userID int64) {
	if update == nil || update.Message == nil || update.Message.SuccessfulPayment == nil {
		return
	}
	bh.send(ctx, b, update.Message.Chat.ID, bh.settle(ctx, userID, update.Message.SuccessfulPayment, langFromCtx(ctx)))
}
