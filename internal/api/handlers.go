package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/ledger"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/panel"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/payments"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/promo"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/subscription"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 1 << 20

type Normalizer interface {
	Normalize(d payments.Delivery) (types.PaymentEvent, error)
}

type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, ev types.PaymentEvent) (types.Outcome, error)
}

// DeliveryCache is an optional fast path for redelivered webhooks.
type DeliveryCache interface {
	Seen(ctx context.Context, provider, externalRef string) (bool, error)
	Remember(ctx context.Context, provider, externalRef string) error
}

type PanelSync interface {
	Push(ctx context.Context, userID int64) (panel.PushResult, error)
	Pull(ctx context.Context, userID int64) (*panel.DriftReport, error)
	ReconcileAll(ctx context.Context) (panel.SyncSummary, error)
}

type SubscriptionAdmin interface {
	Credit(ctx context.Context, req subscription.CreditRequest) (*types.Subscription, error)
	AdminSetExpiry(ctx context.Context, userID int64, expiresAt time.Time) (*types.Subscription, error)
	SetBanned(ctx context.Context, userID int64, banned bool) error
}

type PromoAdmin interface {
	CreatePromoCode(ctx context.Context, req promo.CreateRequest) (*types.PromoCode, error)
}

// HealthChecker reports whether the backing database is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	normalizer    Normalizer
	ledger        OutcomeApplier
	cache         DeliveryCache
	panel         PanelSync
	subscriptions SubscriptionAdmin
	promos        PromoAdmin
	health        HealthChecker
	logger        *slog.Logger
}

type Deps struct {
	Normalizer    Normalizer
	Ledger        OutcomeApplier
	Cache         DeliveryCache
	Panel         PanelSync
	Subscriptions SubscriptionAdmin
	Promos        PromoAdmin
	Health        HealthChecker
	Logger        *slog.Logger
}

func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		normalizer:    deps.Normalizer,
		ledger:        deps.Ledger,
		cache:         deps.Cache,
		panel:         deps.Panel,
		subscriptions: deps.Subscriptions,
		promos:        deps.Promos,
		health:        deps.Health,
		logger:        logger,
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Error("health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("ok"))
}

// audit records a state-changing admin call under the token subject.
func (h *Handler) audit(r *http.Request, action string, args ...any) {
	subject, _ := AdminSubjectFromContext(r.Context())
	h.logger.Info("admin action", append([]any{"action", action, "admin", subject}, args...)...)
}

type outcomeResponse struct {
	Outcome types.Outcome `json:"outcome"`
}

// handleWebhook answers 200 for every outcome the provider must not retry, 401 for deliveries that
// fail authentication, 404 for references not yet known and 500 when retrying is both safe and
// useful.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	ev, err := h.normalizer.Normalize(payments.Delivery{
		Provider:   provider,
		Body:       body,
		Header:     r.Header,
		RemoteAddr: r.RemoteAddr,
	})
	var verr *payments.VerificationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		h.logger.Warn("webhook verification failed", "provider", provider, "reason", verr.Reason, "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	case errors.Is(err, payments.ErrUnknownProvider):
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	case errors.Is(err, payments.ErrUnsupportedEvent):
		respondWithJSON(w, http.StatusOK, outcomeResponse{Outcome: types.OutcomeIgnored})
		return
	default:
		h.logger.Warn("malformed webhook", "provider", provider, "error", err)
		http.Error(w, "Malformed payload", http.StatusBadRequest)
		return
	}

	if h.cache != nil {
		seen, err := h.cache.Seen(r.Context(), ev.Provider, ev.ExternalRef)
		if err != nil {
			h.logger.Warn("delivery cache lookup failed", "provider", ev.Provider, "external_ref", ev.ExternalRef, "error", err)
		} else if seen {
			respondWithJSON(w, http.StatusOK, outcomeResponse{Outcome: types.OutcomeAlreadyApplied})
			return
		}
	}

	outcome, err := h.ledger.ApplyOutcome(r.Context(), ev)
	switch {
	case errors.Is(err, ledger.ErrAttemptNotFound):
		h.logger.Warn("webhook for unknown attempt", "provider", ev.Provider, "external_ref", ev.ExternalRef)
		http.Error(w, "Unknown payment reference", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("failed to apply payment outcome", "provider", ev.Provider, "external_ref", ev.ExternalRef, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if h.cache != nil && ev.Status.Terminal() && (outcome == types.OutcomeApplied || outcome == types.OutcomeAlreadyApplied) {
		if err := h.cache.Remember(r.Context(), ev.Provider, ev.ExternalRef); err != nil {
			h.logger.Warn("delivery cache update failed", "provider", ev.Provider, "external_ref", ev.ExternalRef, "error", err)
		}
	}
	respondWithJSON(w, http.StatusOK, outcomeResponse{Outcome: outcome})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	h.audit(r, "reconcile")
	summary, err := h.panel.ReconcileAll(r.Context())
	if err != nil {
		h.logger.Error("manual reconcile failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleDrift(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	report, err := h.panel.Pull(r.Context(), userID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	h.audit(r, "push", "user_id", userID)
	result, err := h.panel.Push(r.Context(), userID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]panel.PushResult{"result": result})
}

type grantRequest struct {
	Days int `json:"days"`
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Days <= 0 {
		http.Error(w, "days must be a positive integer", http.StatusBadRequest)
		return
	}
	h.audit(r, "grant", "user_id", userID, "days", req.Days)
	sub, err := h.subscriptions.Credit(r.Context(), subscription.CreditRequest{UserID: userID, Days: req.Days, Source: types.SourceAdminGrant})
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, subscriptionView(sub))
}

type expiryRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleSetExpiry(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req expiryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExpiresAt.IsZero() {
		http.Error(w, "expires_at must be an RFC 3339 timestamp", http.StatusBadRequest)
		return
	}
	h.audit(r, "set_expiry", "user_id", userID, "expires_at", req.ExpiresAt)
	sub, err := h.subscriptions.AdminSetExpiry(r.Context(), userID, req.ExpiresAt)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, subscriptionView(sub))
}

func (h *Handler) handleBan(banned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}
		h.audit(r, "set_banned", "user_id", userID, "banned", banned)
		if err := h.subscriptions.SetBanned(r.Context(), userID, banned); err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{"user_id": userID, "banned": banned})
	}
}

type promoRequest struct {
	Code           string     `json:"code"`
	BonusDays      int        `json:"bonus_days"`
	MaxActivations int        `json:"max_activations"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	CreatedBy      int64      `json:"created_by"`
}

func (h *Handler) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	h.audit(r, "create_promo", "code", req.Code)
	p, err := h.promos.CreatePromoCode(r.Context(), promo.CreateRequest{
		Code:           req.Code,
		BonusDays:      req.BonusDays,
		MaxActivations: req.MaxActivations,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{
		"id":              p.ID,
		"code":            p.Code,
		"bonus_days":      p.BonusDays,
		"max_activations": p.MaxActivations,
	})
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func subscriptionView(sub *types.Subscription) map[string]any {
	return map[string]any{
		"user_id":             sub.UserID,
		"expires_at":          sub.ExpiresAt,
		"traffic_limit_bytes": sub.TrafficLimitBytes,
		"resource_groups":     sub.ResourceGroups,
		"source":              sub.Source,
	}
}

func respondWithError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, types.ErrDuplicate):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, promo.ErrInvalidPromo), errors.Is(err, subscription.ErrInvalidCredit):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, panel.ErrRemoteUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
