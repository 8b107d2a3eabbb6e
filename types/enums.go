package types

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCanceled  PaymentStatus = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentConfirmed || s == PaymentFailed || s == PaymentCanceled
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentConfirmed, PaymentFailed, PaymentCanceled:
		return true
	default:
		return false
	}
}

type SubscriptionSource string

const (
	SourcePurchase   SubscriptionSource = "purchase"
	SourceTrial      SubscriptionSource = "trial"
	SourcePromo      SubscriptionSource = "promo"
	SourceReferral   SubscriptionSource = "referral"
	SourceAdminGrant SubscriptionSource = "admin_grant"
)

type NotificationKind string

const (
	KindExpiringSoon         NotificationKind = "expiring_soon"
	KindExpired              NotificationKind = "expired"
	KindReferralBonusPaid    NotificationKind = "referral_bonus_paid"
	KindSuspiciousPromoInput NotificationKind = "suspicious_promo_input"
	KindPaymentRejected      NotificationKind = "payment_rejected"
	KindPromoActivated       NotificationKind = "promo_activated"
)

// ForOperators reports whether the event is addressed to admins rather than to the user.
func (k NotificationKind) ForOperators() bool {
	switch k {
	case KindSuspiciousPromoInput, KindPaymentRejected, KindPromoActivated:
		return true
	default:
		return false
	}
}

const (
	ProviderYooKassa  = "yookassa"
	ProviderCryptoPay = "cryptopay"
	ProviderTribute   = "tribute"
	ProviderStars     = "stars"
)

const (
	PanelStatusActive   = "ACTIVE"
	PanelStatusDisabled = "DISABLED"
)
