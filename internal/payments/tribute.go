package payments

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/shopspring/decimal"
)

const TributeSignatureHeader = "trbt-signature"

// Tribute handles subscription notifications from Tribute. Tribute charges users without a prior
// checkout in this system, so confirmed events carry the intent they settle.
type Tribute struct {
	apiKey string
}

func NewTribute(apiKey string) *Tribute {
	return &Tribute{apiKey: apiKey}
}

func (t *Tribute) Name() string { return types.ProviderTribute }

func (t *Tribute) Verify(d Delivery) error {
	if t.apiKey == "" {
		return &VerificationError{Provider: t.Name(), Reason: "api key not configured"}
	}
	return checkHexHMAC(t.Name(), []byte(t.apiKey), d.Body, d.Header.Get(TributeSignatureHeader))
}

type tributeNotification struct {
	Name    string         `json:"name"`
	Payload tributePayload `json:"payload"`
}

type tributePayload struct {
	SubscriptionID json.Number `json:"subscription_id"`
	TelegramUserID int64       `json:"telegram_user_id"`
	Period         string      `json:"period"`
	Amount         *int64      `json:"amount"`
	AmountPaid     *int64      `json:"amount_paid"`
	Price          *int64      `json:"price"`
	Currency       string      `json:"currency"`
	ExpiresAt      string      `json:"expires_at"`
}

func (p tributePayload) minorAmount() (int64, bool) {
	for _, v := range []*int64{p.Amount, p.AmountPaid, p.Price} {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

func (t *Tribute) Parse(body []byte) (types.PaymentEvent, error) {
	var n tributeNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return types.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var status types.PaymentStatus
	switch n.Name {
	case "new_subscription":
		status = types.PaymentConfirmed
	case "cancelled_subscription":
		status = types.PaymentCanceled
	default:
		return types.PaymentEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, n.Name)
	}

	p := n.Payload
	subID := p.SubscriptionID.String()
	if subID == "" || p.TelegramUserID == 0 {
		return types.PaymentEvent{}, fmt.Errorf("%w: subscription_id and telegram_user_id are required", ErrMalformedPayload)
	}
	minor, ok := p.minorAmount()
	if !ok {
		return types.PaymentEvent{}, fmt.Errorf("%w: amount is required", ErrMalformedPayload)
	}

	// A subscription renews under the same id; the period end tells renewals apart.
	ref := subID
	if p.ExpiresAt != "" {
		ref = subID + ":" + p.ExpiresAt
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = "RUB"
	}
	months := TributePeriodMonths(p.Period)
	amount := decimal.New(minor, -2)

	ev := types.PaymentEvent{
		ExternalRef: ref,
		Amount:      amount,
		Currency:    currency,
		Status:      status,
		Metadata: map[string]string{
			"event":            n.Name,
			"subscription_id":  subID,
			"telegram_user_id": strconv.FormatInt(p.TelegramUserID, 10),
			"period":           p.Period,
			"months":           strconv.Itoa(months),
		},
	}
	if status == types.PaymentConfirmed {
		ev.Unsolicited = &types.Intent{
			UserID:       p.TelegramUserID,
			ExternalRef:  ref,
			Amount:       amount,
			Currency:     currency,
			DurationDays: months * DaysPerMonth,
		}
	}
	return ev, nil
}

// TributePeriodMonths maps Tribute period names to plan months. Unknown periods count as one month.
func TributePeriodMonths(period string) int {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "quarterly", "3-month", "3months", "3-months", "q":
		return 3
	case "halfyearly":
		return 6
	case "yearly", "annual", "y":
		return 12
	default:
		return 1
	}
}
