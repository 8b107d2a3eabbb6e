package handlers

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/i18n"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/messages"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/promo"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/subscription"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

func (bh *Handlers) HandleCommand(ctx context.Context, b *bot.Bot, update *models.Update, userID int64) {
	lang := langFromCtx(ctx)
	chatID := update.Message.Chat.ID
	fields := strings.Fields(update.Message.Text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.SplitN(fields[0], "@", 2)[0]

	if cmd == "/buy" {
		months, ok := parseMonths(fields[1:])
		switch {
		case ok:
			bh.choosePlan(ctx, b, userID, chatID, months, lang)
		case len(bh.planMonths()) > 0:
			bh.sendWithKeyboard(ctx, b, chatID, messages.BuyUsage(lang, bh.planMonths()), bh.planKeyboard(lang))
		default:
			bh.send(ctx, b, chatID, messages.BuyUsage(lang, nil))
		}
		return
	}
	bh.send(ctx, b, chatID, bh.reply(ctx, userID, cmd, fields[1:], lang))
}

// reply handles every command answered with plain text.
func (bh *Handlers) reply(ctx context.Context, userID int64, cmd string, args []string, lang i18n.Lang) string {
	switch cmd {
	case "/start":
		return messages.StartWelcome(lang)
	case "/status":
		sub, err := bh.store.GetSubscription(ctx, userID)
		if errors.Is(err, types.ErrNotFound) {
			return messages.StatusInactive(lang)
		}
		if err != nil {
			bh.logger.Error("failed to load subscription", "user_id", userID, "error", err)
			return messages.ErrorDefault(lang)
		}
		if !sub.ActiveAt(timeNow()) {
			return messages.StatusInactive(lang)
		}
		return messages.StatusActive(lang, sub.ExpiresAt)
	case "/trial":
		sub, err := bh.trials.GrantTrial(ctx, userID)
		switch {
		case err == nil:
			return messages.TrialGranted(lang, sub.ExpiresAt)
		case errors.Is(err, subscription.ErrTrialAlreadyUsed):
			return messages.TrialAlreadyUsed(lang)
		case errors.Is(err, subscription.ErrTrialDisabled):
			return messages.TrialUnavailable(lang)
		case errors.Is(err, subscription.ErrUserBanned):
			return messages.ErrorBanned(lang)
		}
		bh.logger.Error("failed to grant trial", "user_id", userID, "error", err)
		return messages.ErrorDefault(lang)
	case "/promo":
		if len(args) == 0 {
			return messages.PromoUsage(lang)
		}
		grant, err := bh.promos.Redeem(ctx, strings.Join(args, " "), userID)
		switch {
		case err == nil:
			return messages.PromoActivated(lang, grant.BonusDays, grant.ExpiresAt)
		case errors.Is(err, promo.ErrPromoNotFound):
			return messages.PromoNotFound(lang)
		case errors.Is(err, promo.ErrPromoExpired):
			return messages.PromoExpired(lang)
		case errors.Is(err, promo.ErrPromoLimitReached):
			return messages.PromoLimitReached(lang)
		case errors.Is(err, promo.ErrPromoAlreadyUsed):
			return messages.PromoAlreadyUsed(lang)
		case errors.Is(err, promo.ErrSuspiciousInput):
			return messages.PromoRejectedInput(lang)
		case errors.Is(err, subscription.ErrUserBanned):
			return messages.ErrorBanned(lang)
		}
		bh.logger.Error("failed to redeem promo code", "user_id", userID, "error", err)
		return messages.ErrorDefault(lang)
	}
	return messages.ErrorUnknownCommand(lang)
}

// planMonths lists every plan length some payment method can sell.
func (bh *Handlers) planMonths() []int {
	seen := map[int]bool{}
	for m := range bh.starsPrices {
		seen[m] = true
	}
	if bh.checkout != nil && len(bh.checkout.Providers()) > 0 {
		for _, m := range bh.checkout.Months() {
			seen[m] = true
		}
	}
	months := make([]int, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}
	sort.Ints(months)
	return months
}

func parseMonths(args []string) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	m, err := strconv.Atoi(args[0])
	return m, err == nil && m > 0
}
