package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/contextkeys"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/i18n"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/messages"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

const referralPrefix = "ref_"

type Middlewares struct {
	store  types.Store
	logger *slog.Logger
}

func NewMiddlewares(store types.Store, logger *slog.Logger) *Middlewares {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middlewares{store: store, logger: logger}
}

// RegisterUserMiddleware upserts the sender, records a referrer from a "/start ref_<id>" payload on
// first contact, and stops updates from banned users.
func (m *Middlewares) RegisterUserMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		from, ok := sender(update)
		if !ok || from.id == 0 {
			return
		}
		chatID := from.chatID
		if chatID == 0 {
			chatID = from.id
		}

		user := types.User{
			ID:        from.id,
			Username:  from.username,
			FirstName: from.firstName,
			Language:  string(i18n.FromLanguageCode(from.languageCode)),
		}
		if update.Message != nil {
			if referrer, ok := ReferrerFromStart(update.Message.Text); ok && referrer != from.id {
				user.ReferredBy = &referrer
			}
		}

		err := m.store.WithTx(ctx, func(tx types.Tx) error {
			return tx.UpsertUser(ctx, user)
		})
		if errors.Is(err, types.ErrNotFound) && user.ReferredBy != nil {
			m.logger.Info("ignoring unknown referrer", "user_id", from.id, "referrer_id", *user.ReferredBy)
			user.ReferredBy = nil
			err = m.store.WithTx(ctx, func(tx types.Tx) error {
				return tx.UpsertUser(ctx, user)
			})
		}
		lang := i18n.Lang(user.Language)
		if err != nil {
			m.logger.Error("failed to register user", "user_id", from.id, "error", err)
			b.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:    chatID,
				Text:      messages.ErrorDefault(lang),
				ParseMode: messages.ParseModeHTML,
			})
			return
		}

		stored, err := m.store.GetUser(ctx, from.id)
		if err == nil {
			// Pre-checkout queries must still be answered; the handler declines them.
			if stored.Banned && update.PreCheckoutQuery == nil {
				b.SendMessage(ctx, &bot.SendMessageParams{
					ChatID:    chatID,
					Text:      messages.ErrorBanned(lang),
					ParseMode: messages.ParseModeHTML,
				})
				return
			}
			lang = i18n.Parse(stored.Language, lang)
		}

		ctx = contextkeys.WithUserID(ctx, from.id)
		ctx = contextkeys.WithChatID(ctx, chatID)
		ctx = contextkeys.WithLang(ctx, string(lang))
		next(ctx, b, update)
	}
}

// ReferrerFromStart extracts the inviter ID from a "/start ref_<id>" deep link.
func ReferrerFromStart(text string) (int64, bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 || strings.SplitN(fields[0], "@", 2)[0] != "/start" {
		return 0, false
	}
	raw, ok := strings.CutPrefix(fields[1], referralPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type identity struct {
	id           int64
	chatID       int64
	username     string
	firstName    string
	languageCode string
}

func sender(update *models.Update) (identity, bool) {
	switch {
	case update == nil:
		return identity{}, false
	case update.Message != nil && update.Message.From != nil:
		f := update.Message.From
		return identity{id: f.ID, chatID: update.Message.Chat.ID, username: f.Username, firstName: f.FirstName, languageCode: f.LanguageCode}, true
	case update.PreCheckoutQuery != nil:
		q := update.PreCheckoutQuery
		return identity{id: q.From.ID, username: q.From.Username, firstName: q.From.FirstName, languageCode: q.From.LanguageCode}, true
	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		return identity{
			id:           q.From.ID,
			chatID:       getChatIDFromMaybeInaccessibleMessage(q.Message),
			username:     q.From.Username,
			firstName:    q.From.FirstName,
			languageCode: q.From.LanguageCode,
		}, true
	}
	return identity{}, false
}

func getChatIDFromMaybeInaccessibleMessage(m models.MaybeInaccessibleMessage) int64 {
	if m.Message != nil {
		return m.Message.Chat.ID
	}
	if m.InaccessibleMessage != nil {
		return m.InaccessibleMessage.Chat.ID
	}
	return 0
}
