package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/i18n"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

const ParseModeHTML = "HTML"

const dateLayout = "02.01.2006 15:04 UTC"

func Escape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(strings.TrimSpace(s))
}

func Title(text string) string {
	return fmt.Sprintf("✨ <b>%s</b>", Escape(text))
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func pick(lang i18n.Lang, ru, en string) string {
	if lang == i18n.RU {
		return ru
	}
	return en
}

func ErrorDefault(lang i18n.Lang) string {
	return pick(lang, "🚫 <b>Ошибка</b>\nПопробуйте ещё раз.", "🚫 <b>Error</b>\nPlease try again.")
}

func ErrorUnknownCommand(lang i18n.Lang) string {
	return pick(lang, "❓ <b>Команда не найдена</b>", "❓ <b>Unknown command</b>")
}

func ErrorBanned(lang i18n.Lang) string {
	return pick(lang, "⛔️ <b>Доступ ограничен</b>", "⛔️ <b>Access restricted</b>")
}

func StartWelcome(lang i18n.Lang) string {
	return pick(lang,
		"👋 <b>Привет!</b>\nЗдесь можно оформить подписку.\n\n"+
			"/trial пробный период\n/buy купить подписку\n/promo КОД активировать промокод\n/status статус подписки",
		"👋 <b>Hi!</b>\nThis bot sells subscriptions.\n\n"+
			"/trial free trial\n/buy buy a subscription\n/promo CODE redeem a promo code\n/status subscription status")
}

func StatusActive(lang i18n.Lang, until time.Time) string {
	return pick(lang, "✅ <b>Подписка активна</b>\nДо: ", "✅ <b>Subscription active</b>\nUntil: ") + formatDate(until)
}

func StatusInactive(lang i18n.Lang) string {
	return pick(lang, "💤 <b>Подписка не активна</b>", "💤 <b>No active subscription</b>")
}

func TrialGranted(lang i18n.Lang, until time.Time) string {
	return pick(lang, "🎁 <b>Пробный период активирован</b>\nДо: ", "🎁 <b>Trial activated</b>\nUntil: ") + formatDate(until)
}

func TrialUnavailable(lang i18n.Lang) string {
	return pick(lang, "⚠️ <b>Пробный период недоступен</b>", "⚠️ <b>Trial is not available</b>")
}

func TrialAlreadyUsed(lang i18n.Lang) string {
	return pick(lang, "⚠️ <b>Пробный период уже использован</b>", "⚠️ <b>Trial already used</b>")
}

func PromoUsage(lang i18n.Lang) string {
	return pick(lang, "✍️ Использование: <code>/promo КОД</code>", "✍️ Usage: <code>/promo CODE</code>")
}

func PromoActivated(lang i18n.Lang, days int, until time.Time) string {
	return pick(lang,
		fmt.Sprintf("🎉 <b>Промокод активирован</b>\n+%d дн., до %s", days, formatDate(until)),
		fmt.Sprintf("🎉 <b>Promo code activated</b>\n+%d days, until %s", days, formatDate(until)))
}

func PromoNotFound(lang i18n.Lang) string {
	return pick(lang, "🚫 <b>Промокод не найден</b>", "🚫 <b>Promo code not found</b>")
}

func PromoExpired(lang i18n.Lang) string {
	return pick(lang, "⌛️ <b>Срок действия промокода истёк</b>", "⌛️ <b>Promo code has expired</b>")
}

func PromoLimitReached(lang i18n.Lang) string {
	return pick(lang, "🚫 <b>Лимит активаций исчерпан</b>", "🚫 <b>Activation limit reached</b>")
}

func PromoAlreadyUsed(lang i18n.Lang) string {
	return pick(lang, "⚠️ <b>Вы уже активировали этот промокод</b>", "⚠️ <b>You have already used this promo code</b>")
}

func PromoRejectedInput(lang i18n.Lang) string {
	return pick(lang, "🚫 <b>Недопустимый промокод</b>", "🚫 <b>Invalid promo code</b>")
}

func BuyUsage(lang i18n.Lang, months []int) string {
	parts := make([]string, 0, len(months))
	for _, m := range months {
		parts = append(parts, fmt.Sprint(m))
	}
	return pick(lang, "✍️ Использование: <code>/buy ", "✍️ Usage: <code>/buy ") + strings.Join(parts, "|") + "</code>"
}

func PlanButton(lang i18n.Lang, months int) string {
	return pick(lang, fmt.Sprintf("📅 %d мес.", months), fmt.Sprintf("📅 %d mo", months))
}

func PayMethodPrompt(lang i18n.Lang, months int) string {
	return pick(lang,
		fmt.Sprintf("💳 <b>Подписка на %d мес.</b>\nВыберите способ оплаты:", months),
		fmt.Sprintf("💳 <b>Subscription for %d months</b>\nChoose a payment method:", months))
}

// MethodButton labels a payment method with the plan price in that method's currency.
func MethodButton(lang i18n.Lang, method, price string) string {
	switch method {
	case types.ProviderStars:
		return "⭐️ Telegram Stars · " + price
	case types.ProviderCryptoPay:
		return "💎 Crypto Bot · " + price
	case types.ProviderYooKassa:
		return pick(lang, "💳 Карта / СБП · ", "💳 Card · ") + price
	}
	return method + " · " + price
}

func CheckoutCreated(lang i18n.Lang, months int) string {
	return pick(lang,
		fmt.Sprintf("🧾 <b>Счёт на %d мес. создан</b>\nПодписка продлится автоматически после оплаты.", months),
		fmt.Sprintf("🧾 <b>Invoice for %d months created</b>\nThe subscription is extended as soon as the payment arrives.", months))
}

func PayLinkButton(lang i18n.Lang) string {
	return pick(lang, "Оплатить", "Pay")
}

func CheckoutUnavailable(lang i18n.Lang) string {
	return pick(lang, "⚠️ <b>Платёжная система недоступна</b>\nПопробуйте позже или выберите другой способ.",
		"⚠️ <b>Payment provider unavailable</b>\nTry again later or choose another method.")
}

func InvoiceTitle(lang i18n.Lang, months int) string {
	return pick(lang, fmt.Sprintf("Подписка на %d мес.", months), fmt.Sprintf("Subscription for %d months", months))
}

func InvoiceDescription(lang i18n.Lang, days int) string {
	return pick(lang, fmt.Sprintf("Доступ на %d дней", days), fmt.Sprintf("Access for %d days", days))
}

func PaymentInvalid(lang i18n.Lang) string {
	return pick(lang, "Некорректный платеж", "Invalid payment")
}

func PaymentSucceeded(lang i18n.Lang, until time.Time) string {
	return pick(lang, "✅ <b>Оплата прошла</b>\nПодписка активна до ", "✅ <b>Payment received</b>\nSubscription active until ") + formatDate(until)
}

func PaymentAlreadyProcessed(lang i18n.Lang) string {
	return pick(lang, "ℹ️ <b>Платёж уже обработан</b>", "ℹ️ <b>Payment already processed</b>")
}

func PaymentNeedsReview(lang i18n.Lang) string {
	return pick(lang,
		"⚠️ <b>Платёж получен, но требует проверки</b>\nМы свяжемся с вами.",
		"⚠️ <b>Payment received but needs review</b>\nWe will contact you.")
}

func ExpiringSoon(lang i18n.Lang, daysLeft int, until time.Time) string {
	return pick(lang,
		fmt.Sprintf("⏰ <b>Подписка заканчивается</b>\nОсталось дней: %d (до %s)", daysLeft, formatDate(until)),
		fmt.Sprintf("⏰ <b>Subscription ending soon</b>\nDays left: %d (until %s)", daysLeft, formatDate(until)))
}

func Expired(lang i18n.Lang) string {
	return pick(lang, "⌛️ <b>Подписка закончилась</b>\nПродлите её командой /buy", "⌛️ <b>Subscription expired</b>\nRenew it with /buy")
}

func ReferralBonus(lang i18n.Lang, days int, asInviter bool) string {
	if asInviter {
		return pick(lang,
			fmt.Sprintf("🤝 <b>Бонус за приглашение</b>\n+%d дн. к подписке", days),
			fmt.Sprintf("🤝 <b>Referral bonus</b>\n+%d days added", days))
	}
	return pick(lang,
		fmt.Sprintf("🎁 <b>Бонус по приглашению</b>\n+%d дн. к подписке", days),
		fmt.Sprintf("🎁 <b>Welcome bonus</b>\n+%d days added", days))
}

// Operator alerts are not localized.

func AdminSuspiciousPromo(userID int64, detail string) string {
	return fmt.Sprintf("🛡 <b>Подозрительный ввод промокода</b>\nUser: <code>%d</code>\nInput: <code>%s</code>", userID, Escape(detail))
}

func AdminPaymentRejected(userID int64, detail string) string {
	return fmt.Sprintf("💸 <b>Платёж отклонён</b>\nUser: <code>%d</code>\n%s", userID, Escape(detail))
}

func AdminPromoActivated(userID int64, detail string) string {
	return fmt.Sprintf("🏷 <b>Промокод активирован</b>\nUser: <code>%d</code>\n%s", userID, Escape(detail))
}
