package payments

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/shopspring/decimal"
)

// YooKassaNetworks are the published source networks of YooKassa HTTP notifications.
var YooKassaNetworks = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

// YooKassa does not sign notifications; authenticity is the source address.
type YooKassa struct {
	networks     []netip.Prefix
	trustForward bool
}

// NewYooKassa builds the adapter. With trustForwarded the first X-Forwarded-For address is used
// as the source, which is only safe behind a proxy that overwrites the header.
func NewYooKassa(trustForwarded bool) *YooKassa {
	y := &YooKassa{trustForward: trustForwarded}
	for _, cidr := range YooKassaNetworks {
		y.networks = append(y.networks, netip.MustParsePrefix(cidr))
	}
	return y
}

func (y *YooKassa) Name() string { return types.ProviderYooKassa }

func (y *YooKassa) Verify(d Delivery) error {
	raw := d.RemoteAddr
	if y.trustForward {
		if fwd := d.Header.Get("X-Forwarded-For"); fwd != "" {
			raw, _, _ = strings.Cut(fwd, ",")
		}
	}
	addr, err := parseAddr(raw)
	if err != nil {
		return &VerificationError{Provider: y.Name(), Reason: "unparsable source address"}
	}
	for _, p := range y.networks {
		if p.Contains(addr) {
			return nil
		}
	}
	return &VerificationError{Provider: y.Name(), Reason: "source " + addr.String() + " is not a YooKassa network"}
}

func parseAddr(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

type yooKassaNotification struct {
	Type   string         `json:"type"`
	Event  string         `json:"event"`
	Object yooKassaObject `json:"object"`
}

type yooKassaObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Metadata map[string]any `json:"metadata"`
}

func (y *YooKassa) Parse(body []byte) (types.PaymentEvent, error) {
	var n yooKassaNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return types.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var status types.PaymentStatus
	switch n.Event {
	case "payment.succeeded":
		status = types.PaymentConfirmed
	case "payment.canceled":
		status = types.PaymentCanceled
	case "payment.waiting_for_capture":
		status = types.PaymentPending
	default:
		return types.PaymentEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, n.Event)
	}

	amount, err := decimal.NewFromString(n.Object.Amount.Value)
	if err != nil {
		return types.PaymentEvent{}, fmt.Errorf("%w: amount %q", ErrMalformedPayload, n.Object.Amount.Value)
	}

	meta := map[string]string{"event": n.Event, "object_status": n.Object.Status}
	for k, v := range n.Object.Metadata {
		meta["metadata."+k] = fmt.Sprint(v)
	}

	return types.PaymentEvent{
		ExternalRef: n.Object.ID,
		Amount:      amount,
		Currency:    strings.ToUpper(n.Object.Amount.Currency),
		Status:      status,
		Metadata:    meta,
	}, nil
}
