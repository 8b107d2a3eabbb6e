package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/checkout"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/contextkeys"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/i18n"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/messages"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/utils"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	BuyCallbackPrefix = "buy:"
	PayCallbackPrefix = "pay:"
)

func (bh *Handlers) planKeyboard(lang i18n.Lang) models.InlineKeyboardMarkup {
	months := bh.planMonths()
	buttons := make([]utils.Button, 0, len(months))
	for _, m := range months {
		buttons = append(buttons, utils.Button{
			Text:         messages.PlanButton(lang, m),
			CallbackData: BuyCallbackPrefix + strconv.Itoa(m),
		})
	}
	return utils.BuildInlineKeyboard(buttons, 2)
}

// methods lists the payment methods that can sell a plan, Stars first.
func (bh *Handlers) methods(months int) []string {
	var out []string
	if _, ok := bh.starsPrices[months]; ok {
		out = append(out, types.ProviderStars)
	}
	if bh.checkout == nil {
		return out
	}
	if _, _, ok := bh.checkout.Price(months); ok {
		out = append(out, bh.checkout.Providers()...)
	}
	return out
}

func (bh *Handlers) methodKeyboard(lang i18n.Lang, months int, methods []string) models.InlineKeyboardMarkup {
	buttons := make([]utils.Button, 0, len(methods))
	for _, method := range methods {
		var price string
		if method == types.ProviderStars {
			price = bh.starsPrices[months].String()
		} else {
			amount, currency, _ := bh.checkout.Price(months)
			price = amount.String() + " " + currency
		}
		buttons = append(buttons, utils.Button{
			Text:         messages.MethodButton(lang, method, price),
			CallbackData: PayCallbackPrefix + method + ":" + strconv.Itoa(months),
		})
	}
	return utils.BuildInlineKeyboard(buttons, 1)
}

// choosePlan sends the Stars invoice directly when Stars is the only method, and a method
// keyboard otherwise.
func (bh *Handlers) choosePlan(ctx context.Context, b *bot.Bot, userID, chatID int64, months int, lang i18n.Lang) {
	methods := bh.methods(months)
	switch {
	case len(methods) == 0:
		bh.send(ctx, b, chatID, messages.BuyUsage(lang, bh.planMonths()))
	case len(methods) == 1 && methods[0] == types.ProviderStars:
		bh.sendInvoice(ctx, b, userID, chatID, []string{strconv.Itoa(months)}, lang)
	default:
		bh.sendWithKeyboard(ctx, b, chatID, messages.PayMethodPrompt(lang, months), bh.methodKeyboard(lang, months, methods))
	}
}

// startCheckout opens a provider checkout and sends its payment link.
func (bh *Handlers) startCheckout(ctx context.Context, b *bot.Bot, userID, chatID int64, provider string, months int, lang i18n.Lang) {
	if bh.checkout == nil {
		bh.send(ctx, b, chatID, messages.BuyUsage(lang, bh.planMonths()))
		return
	}
	res, err := bh.checkout.Checkout(ctx, provider, userID, months, messages.InvoiceTitle(lang, months))
	switch {
	case errors.Is(err, checkout.ErrProviderDisabled), errors.Is(err, checkout.ErrUnknownPlan):
		bh.send(ctx, b, chatID, messages.BuyUsage(lang, bh.planMonths()))
		return
	case err != nil:
		bh.logger.Error("failed to create checkout", "user_id", userID, "provider", provider, "months", months, "error", err)
		bh.send(ctx, b, chatID, messages.CheckoutUnavailable(lang))
		return
	}
	kb := utils.BuildInlineKeyboard([]utils.Button{{Text: messages.PayLinkButton(lang), URL: res.PayURL}}, 1)
	bh.sendWithKeyboard(ctx, b, chatID, messages.CheckoutCreated(lang, months), kb)
}

func parseBuyCallback(data string) (int, bool) {
	raw, ok := strings.CutPrefix(data, BuyCallbackPrefix)
	if !ok {
		return 0, false
	}
	months, err := strconv.Atoi(raw)
	return months, err == nil && months > 0
}

// parsePayCallback reads "pay:<method>:<months>".
func parsePayCallback(data string) (string, int, bool) {
	raw, ok := strings.CutPrefix(data, PayCallbackPrefix)
	if !ok {
		return "", 0, false
	}
	method, rawMonths, ok := strings.Cut(raw, ":")
	if !ok || method == "" {
		return "", 0, false
	}
	months, err := strconv.Atoi(rawMonths)
	return method, months, err == nil && months > 0
}

// HandleClickButton answers plan and payment method buttons.
func (bh *Handlers) HandleClickButton(ctx context.Context, b *bot.Bot, update *models.Update, userID int64) {
	q := update.CallbackQuery
	if q == nil {
		return
	}
	lang := langFromCtx(ctx)
	chatID, ok := contextkeys.GetChatID(ctx)
	if !ok || chatID == 0 {
		chatID = userID
	}

	if months, ok := parseBuyCallback(q.Data); ok {
		bh.answerCallback(ctx, b, q.ID, "")
		bh.choosePlan(ctx, b, userID, chatID, months, lang)
		return
	}
	if method, months, ok := parsePayCallback(q.Data); ok {
		bh.answerCallback(ctx, b, q.ID, "")
		if method == types.ProviderStars {
			bh.sendInvoice(ctx, b, userID, chatID, []string{strconv.Itoa(months)}, lang)
			return
		}
		bh.startCheckout(ctx, b, userID, chatID, method, months, lang)
		return
	}
	bh.answerCallback(ctx, b, q.ID, messages.ErrorDefault(lang))
}

func (bh *Handlers) answerCallback(ctx context.Context, b *bot.Bot, callbackID, text string) {
	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	}); err != nil {
		bh.logger.Warn("failed to answer callback", "error", err)
	}
}
