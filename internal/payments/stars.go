package payments

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
)

const StarsCurrency = "XTR"

// StarsInvoicePayload is the payload attached to a Stars invoice for a recorded attempt.
func StarsInvoicePayload(externalRef string, months int) string {
	return externalRef + ":" + strconv.Itoa(months)
}

// ParseStarsInvoicePayload splits a payload built by StarsInvoicePayload.
func ParseStarsInvoicePayload(payload string) (externalRef string, months int, err error) {
	idx := strings.LastIndexByte(payload, ':')
	if idx <= 0 {
		return "", 0, fmt.Errorf("%w: invoice payload %q", ErrMalformedPayload, payload)
	}
	months, err = strconv.Atoi(payload[idx+1:])
	if err != nil || months <= 0 {
		return "", 0, fmt.Errorf("%w: invoice payload %q", ErrMalformedPayload, payload)
	}
	return payload[:idx], months, nil
}

// FromStarsPayment converts a Telegram successful_payment message. The bot API connection is the
// authentication channel, so there is nothing to verify here.
func FromStarsPayment(p *models.SuccessfulPayment) (types.PaymentEvent, error) {
	if p == nil {
		return types.PaymentEvent{}, fmt.Errorf("%w: empty payment", ErrMalformedPayload)
	}
	ref, months, err := ParseStarsInvoicePayload(strings.TrimSpace(p.InvoicePayload))
	if err != nil {
		return types.PaymentEvent{}, err
	}
	return types.PaymentEvent{
		Provider:    types.ProviderStars,
		ExternalRef: ref,
		Amount:      decimal.NewFromInt(int64(p.TotalAmount)),
		Currency:    strings.ToUpper(p.Currency),
		Status:      types.PaymentConfirmed,
		Metadata: map[string]string{
			"months":                     strconv.Itoa(months),
			"telegram_payment_charge_id": strings.TrimSpace(p.TelegramPaymentChargeID),
			"provider_payment_charge_id": strings.TrimSpace(p.ProviderPaymentChargeID),
		},
	}, nil
}
