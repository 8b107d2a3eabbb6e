package checkout

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

const (
	CryptoPayMainnetURL = "https://pay.crypt.bot"
	CryptoPayTestnetURL = "https://testnet-pay.crypt.bot"

	cryptoPayInvoiceTTL = time.Hour
)

// CryptoPay creates fiat-denominated Crypto Bot invoices payable in any supported asset.
type CryptoPay struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewCryptoPay(baseURL, token string, timeout time.Duration) *CryptoPay {
	if baseURL == "" {
		baseURL = CryptoPayMainnetURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CryptoPay{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *CryptoPay) Name() string { return types.ProviderCryptoPay }

type cryptoPayCreateInvoice struct {
	CurrencyType string `json:"currency_type"`
	Fiat         string `json:"fiat"`
	Amount       string `json:"amount"`
	Description  string `json:"description,omitempty"`
	Payload      string `json:"payload"`
	ExpiresIn    int    `json:"expires_in"`
}

type cryptoPayResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		InvoiceID     int64  `json:"invoice_id"`
		BotInvoiceURL string `json:"bot_invoice_url"`
		PayURL        string `json:"pay_url"`
	} `json:"result"`
	Error struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error"`
}

func (c *CryptoPay) CreateInvoice(ctx context.Context, order Order) (*Invoice, error) {
	header := http.Header{}
	header.Set("Crypto-Pay-API-Token", c.token)
	var out cryptoPayResponse
	err := postJSON(ctx, c.httpClient, c.baseURL+"/api/createInvoice", header, cryptoPayCreateInvoice{
		CurrencyType: "fiat",
		Fiat:         order.Currency,
		Amount:       order.Amount.StringFixed(2),
		Description:  order.Description,
		Payload:      fmt.Sprintf("%d:%d", order.UserID, order.Months),
		ExpiresIn:    int(cryptoPayInvoiceTTL.Seconds()),
	}, &out)
	if err != nil {
		return nil, err
	}
	if !out.OK || out.Result.InvoiceID == 0 {
		return nil, fmt.Errorf("%w: %s (%d)", ErrProviderRejected, out.Error.Name, out.Error.Code)
	}
	payURL := out.Result.BotInvoiceURL
	if payURL == "" {
		payURL = out.Result.PayURL
	}
	return &Invoice{ExternalRef: strconv.FormatInt(out.Result.InvoiceID, 10), PayURL: payURL}, nil
}
