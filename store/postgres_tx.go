package store

import (
	"context"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

type pgTx struct {
	q querier
}

func (t *pgTx) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	return scanUser(t.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
}

// UpsertUser refreshes profile fields. The referrer is only recorded when the row is created, and
// a stored language is kept. An unknown referrer yields types.ErrNotFound.
func (t *pgTx) UpsertUser(ctx context.Context, user types.User) error {
	if user.ReferredBy != nil && *user.ReferredBy == user.ID {
		user.ReferredBy = nil
	}
	_, err := t.q.Exec(ctx, `
INSERT INTO users (user_id, username, first_name, language_code, referred_by_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE SET
  username = EXCLUDED.username,
  first_name = EXCLUDED.first_name,
  language_code = COALESCE(NULLIF(users.language_code, ''), EXCLUDED.language_code),
  updated_at = NOW();
`, user.ID, strings.TrimSpace(user.Username), strings.TrimSpace(user.FirstName), user.Language, user.ReferredBy)
	return mapUpsertUserErr(err)
}

func (t *pgTx) SetBanned(ctx context.Context, userID int64, banned bool) error {
	tag, err := t.q.Exec(ctx, `UPDATE users SET is_banned = $2, updated_at = NOW() WHERE user_id = $1`, userID, banned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (t *pgTx) BindPanelIdentity(ctx context.Context, userID int64, panelUUID string) error {
	tag, err := t.q.Exec(ctx, `UPDATE users SET panel_user_uuid = $2, updated_at = NOW() WHERE user_id = $1`, userID, panelUUID)
	if err != nil {
		if isUniqueViolation(err) {
			return types.ErrPanelIdentityConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (t *pgTx) MarkTrialUsed(ctx context.Context, userID int64) (bool, error) {
	tag, err := t.q.Exec(ctx, `UPDATE users SET trial_used = TRUE, updated_at = NOW() WHERE user_id = $1 AND NOT trial_used`, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertAttempt(ctx context.Context, a types.PaymentAttempt) (bool, error) {
	var rejection *string
	if a.RejectionReason != "" {
		rejection = &a.RejectionReason
	}
	tag, err := t.q.Exec(ctx, `
INSERT INTO payment_attempts (id, user_id, provider, external_ref, amount, currency, duration_days, status, credited, rejection_reason, created_at, confirmed_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (provider, external_ref) DO NOTHING;
`, a.ID, a.UserID, a.Provider, a.ExternalRef, a.Amount.String(), a.Currency, a.DurationDays, string(a.Status), a.Credited, rejection, a.CreatedAt, a.ConfirmedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockAttempt(ctx context.Context, provider, externalRef string) (*types.PaymentAttempt, error) {
	return scanAttempt(t.q.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE provider = $1 AND external_ref = $2 FOR UPDATE`, provider, externalRef))
}

func (t *pgTx) LockAttemptByID(ctx context.Context, id string) (*types.PaymentAttempt, error) {
	return scanAttempt(t.q.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1::uuid FOR UPDATE`, id))
}

// TransitionAttempt moves a pending attempt to a terminal status. It reports false when the attempt
// already left pending, which is how duplicate deliveries lose the race.
func (t *pgTx) TransitionAttempt(ctx context.Context, id string, to types.PaymentStatus, at time.Time) (bool, error) {
	var confirmedAt *time.Time
	if to == types.PaymentConfirmed {
		confirmedAt = &at
	}
	tag, err := t.q.Exec(ctx, `
UPDATE payment_attempts
SET status = $2, confirmed_at = COALESCE($3, confirmed_at), updated_at = NOW()
WHERE id = $1::uuid AND status = 'pending'
`, id, string(to), confirmedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) MarkAttemptCredited(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `UPDATE payment_attempts SET credited = TRUE, updated_at = NOW() WHERE id = $1::uuid`, id)
	return err
}

func (t *pgTx) RejectAttempt(ctx context.Context, id, reason string) error {
	_, err := t.q.Exec(ctx, `UPDATE payment_attempts SET rejection_reason = $2, updated_at = NOW() WHERE id = $1::uuid`, id, reason)
	return err
}

// LockSubscription locks the owning user row first so that concurrent first-time credits for
// a user without a subscription row still serialize.
func (t *pgTx) LockSubscription(ctx context.Context, userID int64) (*types.Subscription, error) {
	var one int
	if err := t.q.QueryRow(ctx, `SELECT 1 FROM users WHERE user_id = $1 FOR UPDATE`, userID).Scan(&one); err != nil {
		return nil, mapErr(err)
	}
	return scanSubscription(t.q.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *pgTx) SaveSubscription(ctx context.Context, sub types.Subscription) error {
	groups := sub.ResourceGroups
	if groups == nil {
		groups = []string{}
	}
	_, err := t.q.Exec(ctx, `
INSERT INTO subscriptions (user_id, expires_at, traffic_limit_bytes, resource_groups, source)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE SET
  expires_at = EXCLUDED.expires_at,
  traffic_limit_bytes = EXCLUDED.traffic_limit_bytes,
  resource_groups = EXCLUDED.resource_groups,
  source = EXCLUDED.source,
  updated_at = NOW();
`, sub.UserID, sub.ExpiresAt, sub.TrafficLimitBytes, groups, string(sub.Source))
	return err
}

// ClaimExpiryNotification records that the given stage was announced for this expiry. A later
// stage (smaller threshold) or a new expiry wins the claim; a repeat does not.
func (t *pgTx) ClaimExpiryNotification(ctx context.Context, userID int64, expiresAt time.Time, stage int) (bool, error) {
	tag, err := t.q.Exec(ctx, `
UPDATE subscriptions
SET notified_expires_at = $2, notified_stage = $3, updated_at = NOW()
WHERE user_id = $1
  AND expires_at = $2
  AND (notified_expires_at IS DISTINCT FROM $2 OR notified_stage IS NULL OR notified_stage > $3)
`, userID, expiresAt, stage)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) CreatePromoCode(ctx context.Context, p types.PromoCode) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
INSERT INTO promo_codes (code, bonus_days, max_activations, is_active, valid_from, valid_until, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`, p.Code, p.BonusDays, p.MaxActivations, p.Active, p.ValidFrom, p.ValidUntil, p.CreatedBy).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, types.ErrDuplicate
		}
		return 0, err
	}
	return id, nil
}

func (t *pgTx) GetPromoByCode(ctx context.Context, code string) (*types.PromoCode, error) {
	var p types.PromoCode
	err := t.q.QueryRow(ctx, `
SELECT id, code, bonus_days, max_activations, activations, is_active, valid_from, valid_until, created_by, created_at
FROM promo_codes
WHERE code = $1
`, code).Scan(&p.ID, &p.Code, &p.BonusDays, &p.MaxActivations, &p.Activations, &p.Active, &p.ValidFrom, &p.ValidUntil, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (t *pgTx) InsertPromoActivation(ctx context.Context, promoID, userID int64, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
INSERT INTO promo_activations (promo_id, user_id, activated_at)
VALUES ($1, $2, $3)
ON CONFLICT (promo_id, user_id) DO NOTHING
`, promoID, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) IncrementPromoActivations(ctx context.Context, promoID int64) (bool, error) {
	tag, err := t.q.Exec(ctx, `
UPDATE promo_codes
SET activations = activations + 1
WHERE id = $1 AND is_active AND activations < max_activations
`, promoID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ClaimReferralBonus(ctx context.Context, refereeID, inviterID int64, trigger string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
INSERT INTO referral_bonuses (referee_id, inviter_id, trigger, paid_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (referee_id) DO NOTHING
`, refereeID, inviterID, trigger, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSyncPending flags the user for a push and bumps the generation so that a push which read
// older local state cannot clear the flag.
func (t *pgTx) MarkSyncPending(ctx context.Context, userID int64) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO panel_sync_records (user_id, pending, generation)
VALUES ($1, TRUE, 1)
ON CONFLICT (user_id) DO UPDATE SET
  pending = TRUE,
  generation = panel_sync_records.generation + 1,
  updated_at = NOW();
`, userID)
	return err
}

// SaveSyncResult stores the acknowledged remote state. Pending is cleared only when rec.Generation
// still matches the stored generation.
func (t *pgTx) SaveSyncResult(ctx context.Context, rec types.PanelSyncRecord) error {
	groups := rec.RemoteResourceGroups
	if groups == nil {
		groups = []string{}
	}
	_, err := t.q.Exec(ctx, `
INSERT INTO panel_sync_records (user_id, remote_expires_at, remote_traffic_limit_bytes, remote_resource_groups, remote_status, pending, generation, attempts, last_synced_at)
VALUES ($1, $2, $3, $4, $5, FALSE, $6, 0, $7)
ON CONFLICT (user_id) DO UPDATE SET
  remote_expires_at = EXCLUDED.remote_expires_at,
  remote_traffic_limit_bytes = EXCLUDED.remote_traffic_limit_bytes,
  remote_resource_groups = EXCLUDED.remote_resource_groups,
  remote_status = EXCLUDED.remote_status,
  pending = CASE WHEN panel_sync_records.generation = EXCLUDED.generation THEN FALSE ELSE panel_sync_records.pending END,
  attempts = 0,
  last_error = NULL,
  last_synced_at = EXCLUDED.last_synced_at,
  updated_at = NOW();
`, rec.UserID, rec.RemoteExpiresAt, rec.RemoteTrafficLimitBytes, groups, rec.RemoteStatus, rec.Generation, rec.LastSyncedAt)
	return err
}

// ClearSyncPending drops the pending flag without touching the remote snapshot, for users that
// have nothing to push.
func (t *pgTx) ClearSyncPending(ctx context.Context, userID int64, generation int64) error {
	_, err := t.q.Exec(ctx, `
UPDATE panel_sync_records
SET pending = FALSE, attempts = 0, last_error = NULL, updated_at = NOW()
WHERE user_id = $1 AND generation = $2
`, userID, generation)
	return err
}

func (t *pgTx) RecordSyncFailure(ctx context.Context, userID int64, reason string) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO panel_sync_records (user_id, pending, attempts, last_error)
VALUES ($1, TRUE, 1, $2)
ON CONFLICT (user_id) DO UPDATE SET
  pending = TRUE,
  attempts = panel_sync_records.attempts + 1,
  last_error = EXCLUDED.last_error,
  updated_at = NOW();
`, userID, reason)
	return err
}

var _ types.Tx = (*pgTx)(nil)
var _ types.Store = (*PostgresStore)(nil)
