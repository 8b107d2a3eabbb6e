package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

// DaysPerMonth converts plan lengths in months into credited days.
const DaysPerMonth = 30

var (
	ErrUnknownProvider  = errors.New("unknown payment provider")
	ErrMalformedPayload = errors.New("malformed payment payload")
	// ErrUnsupportedEvent marks an authentic notification that carries nothing for the ledger.
	ErrUnsupportedEvent = errors.New("unsupported payment event")
)

// Delivery is one inbound notification exactly as received.
type Delivery struct {
	Provider   string
	Body       []byte
	Header     http.Header
	RemoteAddr string
}

// VerificationError means the delivery could not be authenticated. Its content must not be trusted.
type VerificationError struct {
	Provider string
	Reason   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: verification failed: %s", e.Provider, e.Reason)
}

// Adapter authenticates and decodes the notifications of one provider. Parse is only ever called
// on a delivery that passed Verify.
type Adapter interface {
	Name() string
	Verify(d Delivery) error
	Parse(body []byte) (types.PaymentEvent, error)
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalize verifies the delivery and converts it into a canonical event. It has no side effects.
func (r *Registry) Normalize(d Delivery) (types.PaymentEvent, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(d.Provider))]
	if !ok {
		return types.PaymentEvent{}, ErrUnknownProvider
	}
	if err := a.Verify(d); err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) {
			return types.PaymentEvent{}, err
		}
		return types.PaymentEvent{}, &VerificationError{Provider: a.Name(), Reason: err.Error()}
	}
	ev, err := a.Parse(d.Body)
	if err != nil {
		return types.PaymentEvent{}, err
	}
	ev.Provider = a.Name()
	if ev.Unsolicited != nil {
		ev.Unsolicited.Provider = a.Name()
	}
	if ev.ExternalRef == "" {
		return types.PaymentEvent{}, fmt.Errorf("%w: empty external reference", ErrMalformedPayload)
	}
	return ev, nil
}

// checkHexHMAC compares a hex encoded HMAC-SHA256 of body in constant time.
func checkHexHMAC(provider string, key, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return &VerificationError{Provider: provider, Reason: "missing signature"}
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return &VerificationError{Provider: provider, Reason: "signature is not hex"}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return &VerificationError{Provider: provider, Reason: "signature mismatch"}
	}
	return nil
}

func signHex(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
