package checkout

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/google/uuid"
)

const YooKassaAPIURL = "https://api.yookassa.ru"

type YooKassaConfig struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	ReturnURL string
	// ReceiptEmail is the customer contact put on the fiscal receipt. Without it no receipt is sent.
	ReceiptEmail string
	Timeout      time.Duration
}

// YooKassa creates redirect payments that capture automatically.
type YooKassa struct {
	cfg        YooKassaConfig
	httpClient *http.Client
	newKey     func() string
}

func NewYooKassa(cfg YooKassaConfig) *YooKassa {
	if cfg.BaseURL == "" {
		cfg.BaseURL = YooKassaAPIURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &YooKassa{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}, newKey: uuid.NewString}
}

func (y *YooKassa) Name() string { return types.ProviderYooKassa }

type yooKassaAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type yooKassaReceiptItem struct {
	Description    string         `json:"description"`
	Quantity       string         `json:"quantity"`
	Amount         yooKassaAmount `json:"amount"`
	VatCode        int            `json:"vat_code"`
	PaymentMode    string         `json:"payment_mode"`
	PaymentSubject string         `json:"payment_subject"`
}

type yooKassaReceipt struct {
	Customer struct {
		Email string `json:"email"`
	} `json:"customer"`
	Items []yooKassaReceiptItem `json:"items"`
}

type yooKassaCreatePayment struct {
	Amount       yooKassaAmount `json:"amount"`
	Capture      bool           `json:"capture"`
	Confirmation struct {
		Type      string `json:"type"`
		ReturnURL string `json:"return_url"`
	} `json:"confirmation"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	Receipt     *yooKassaReceipt  `json:"receipt,omitempty"`
}

type yooKassaPayment struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

func (y *YooKassa) CreateInvoice(ctx context.Context, order Order) (*Invoice, error) {
	amount := yooKassaAmount{Value: order.Amount.StringFixed(2), Currency: order.Currency}
	req := yooKassaCreatePayment{
		Amount:      amount,
		Capture:     true,
		Description: truncate(order.Description, 128),
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(order.UserID, 10),
			"months":  strconv.Itoa(order.Months),
		},
	}
	req.Confirmation.Type = "redirect"
	req.Confirmation.ReturnURL = y.cfg.ReturnURL
	if y.cfg.ReceiptEmail != "" {
		receipt := &yooKassaReceipt{Items: []yooKassaReceiptItem{{
			Description:    truncate(order.Description, 128),
			Quantity:       "1.00",
			Amount:         amount,
			VatCode:        1,
			PaymentMode:    "full_prepayment",
			PaymentSubject: "service",
		}}}
		receipt.Customer.Email = y.cfg.ReceiptEmail
		req.Receipt = receipt
	}

	header := http.Header{}
	header.Set("Idempotence-Key", y.newKey())
	var out yooKassaPayment
	if err := postJSON(ctx, y.httpClient, y.cfg.BaseURL+"/v3/payments", withBasicAuth(header, y.cfg.ShopID, y.cfg.SecretKey), req, &out); err != nil {
		return nil, err
	}
	return &Invoice{ExternalRef: out.ID, PayURL: out.Confirmation.ConfirmationURL}, nil
}

func withBasicAuth(h http.Header, user, password string) http.Header {
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+password)))
	return h
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
