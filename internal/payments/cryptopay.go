package payments

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/shopspring/decimal"
)

const CryptoPaySignatureHeader = "crypto-pay-api-signature"

// CryptoPay signs every update with HMAC-SHA256 keyed by SHA-256 of the app token.
type CryptoPay struct {
	secret []byte
}

func NewCryptoPay(token string) *CryptoPay {
	sum := sha256.Sum256([]byte(token))
	return &CryptoPay{secret: sum[:]}
}

func (c *CryptoPay) Name() string { return types.ProviderCryptoPay }

func (c *CryptoPay) Verify(d Delivery) error {
	return checkHexHMAC(c.Name(), c.secret, d.Body, d.Header.Get(CryptoPaySignatureHeader))
}

type cryptoPayUpdate struct {
	UpdateType string           `json:"update_type"`
	Payload    cryptoPayInvoice `json:"payload"`
}

type cryptoPayInvoice struct {
	InvoiceID    int64  `json:"invoice_id"`
	Status       string `json:"status"`
	Amount       string `json:"amount"`
	Asset        string `json:"asset"`
	Fiat         string `json:"fiat"`
	CurrencyType string `json:"currency_type"`
	Payload      string `json:"payload"`
}

func (c *CryptoPay) Parse(body []byte) (types.PaymentEvent, error) {
	var u cryptoPayUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return types.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if u.UpdateType != "invoice_paid" {
		return types.PaymentEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, u.UpdateType)
	}
	inv := u.Payload
	if inv.InvoiceID == 0 {
		return types.PaymentEvent{}, fmt.Errorf("%w: invoice_id is required", ErrMalformedPayload)
	}

	var status types.PaymentStatus
	switch inv.Status {
	case "paid":
		status = types.PaymentConfirmed
	case "expired":
		status = types.PaymentCanceled
	case "active":
		status = types.PaymentPending
	default:
		return types.PaymentEvent{}, fmt.Errorf("%w: invoice status %q", ErrMalformedPayload, inv.Status)
	}

	amount, err := decimal.NewFromString(inv.Amount)
	if err != nil {
		return types.PaymentEvent{}, fmt.Errorf("%w: amount %q", ErrMalformedPayload, inv.Amount)
	}
	currency := inv.Asset
	if inv.CurrencyType == "fiat" && inv.Fiat != "" {
		currency = inv.Fiat
	}

	return types.PaymentEvent{
		ExternalRef: strconv.FormatInt(inv.InvoiceID, 10),
		Amount:      amount,
		Currency:    strings.ToUpper(currency),
		Status:      status,
		Metadata: map[string]string{
			"update_type": u.UpdateType,
			"asset":       inv.Asset,
			"payload":     inv.Payload,
		},
	}, nil
}
