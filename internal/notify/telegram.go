package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/i18n"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/messages"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// MessageSender is satisfied by *bot.Bot.
type MessageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

type UserLookup interface {
	GetUser(ctx context.Context, userID int64) (*types.User, error)
}

// TelegramNotifier delivers user events to the user's chat and operator events to every admin.
type TelegramNotifier struct {
	sender      MessageSender
	users       UserLookup
	adminIDs    []int64
	defaultLang i18n.Lang
	logger      *slog.Logger
}

func NewTelegramNotifier(sender MessageSender, users UserLookup, adminIDs []int64, defaultLang string, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{
		sender:      sender,
		users:       users,
		adminIDs:    adminIDs,
		defaultLang: i18n.Parse(defaultLang, i18n.Fallback),
		logger:      logger,
	}
}

func (n *TelegramNotifier) Publish(ctx context.Context, events ...types.NotificationEvent) error {
	var errs []error
	for _, ev := range events {
		if ev.Kind.ForOperators() {
			text := Render(ev, i18n.RU)
			for _, adminID := range n.adminIDs {
				if err := n.send(ctx, adminID, text); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}
		if err := n.send(ctx, ev.UserID, Render(ev, n.langOf(ctx, ev.UserID))); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *TelegramNotifier) langOf(ctx context.Context, userID int64) i18n.Lang {
	if n.users == nil {
		return n.defaultLang
	}
	u, err := n.users.GetUser(ctx, userID)
	if err != nil {
		return n.defaultLang
	}
	return i18n.Parse(u.Language, n.defaultLang)
}

func (n *TelegramNotifier) send(ctx context.Context, chatID int64, text string) error {
	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	})
	if err != nil {
		n.logger.Warn("telegram notification failed", "chat_id", chatID, "error", err)
		return fmt.Errorf("send to %d: %w", chatID, err)
	}
	return nil
}

// Render returns the message text for an event.
func Render(ev types.NotificationEvent, lang i18n.Lang) string {
	switch ev.Kind {
	case types.KindExpiringSoon:
		until := ev.OccurredAt
		if ev.ExpiresAt != nil {
			until = *ev.ExpiresAt
		}
		return messages.ExpiringSoon(lang, ev.DaysLeft, until)
	case types.KindExpired:
		return messages.Expired(lang)
	case types.KindReferralBonusPaid:
		return messages.ReferralBonus(lang, ev.BonusDays, ev.Detail == "inviter")
	case types.KindSuspiciousPromoInput:
		return messages.AdminSuspiciousPromo(ev.UserID, ev.Detail)
	case types.KindPaymentRejected:
		return messages.AdminPaymentRejected(ev.UserID, ev.Detail)
	case types.KindPromoActivated:
		return messages.AdminPromoActivated(ev.UserID, ev.Detail)
	default:
		return messages.Title(string(ev.Kind))
	}
}
