package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

type PushResult string

const (
	PushOK                PushResult = "ok"
	PushRemoteUnavailable PushResult = "remote_unavailable"
	PushRemoteRejected    PushResult = "remote_rejected"
	// PushSkipped means the user has nothing to provision.
	PushSkipped PushResult = "skipped"
)

const reconcilePageSize = 500

var errIdentityConflict = errors.New("panel identity conflict")

// Remote is the subset of the panel API the synchronizer needs.
type Remote interface {
	GetUser(ctx context.Context, externalID string) (*RemoteUser, error)
	PutUser(ctx context.Context, externalID string, update UserUpdate) (*RemoteUser, error)
}

type FieldDrift struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// DriftReport describes how the panel differs from what this system believes. It never
// triggers a correction.
type DriftReport struct {
	UserID            int64        `json:"user_id"`
	RemoteFound       bool         `json:"remote_found"`
	IdentityBound     bool         `json:"identity_bound"`
	CachedDrift       []FieldDrift `json:"cached_drift,omitempty"`
	SubscriptionDrift []FieldDrift `json:"subscription_drift,omitempty"`
	CheckedAt         time.Time    `json:"checked_at"`
}

func (r *DriftReport) InSync() bool {
	return len(r.CachedDrift) == 0 && len(r.SubscriptionDrift) == 0
}

type SyncSummary struct {
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Synchronizer struct {
	store  types.Store
	remote Remote
	logger *slog.Logger
	now    func() time.Time
}

func NewSynchronizer(store types.Store, remote Remote, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{store: store, remote: remote, logger: logger, now: time.Now}
}

// ExternalID is the identity the panel matches users by.
func ExternalID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// Push sends the local subscription to the panel. The returned error is reserved for local
// storage failures; remote failures are reported through the result and recorded on the sync
// record, which stays pending.
func (s *Synchronizer) Push(ctx context.Context, userID int64) (PushResult, error) {
	generation := int64(0)
	rec, err := s.store.GetSyncRecord(ctx, userID)
	switch {
	case err == nil:
		generation = rec.Generation
	case !errors.Is(err, types.ErrNotFound):
		return "", err
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	sub, err := s.store.GetSubscription(ctx, userID)
	if errors.Is(err, types.ErrNotFound) {
		if err := s.store.WithTx(ctx, func(tx types.Tx) error {
			return tx.ClearSyncPending(ctx, userID, generation)
		}); err != nil {
			return "", err
		}
		return PushSkipped, nil
	}
	if err != nil {
		return "", err
	}

	status := types.PanelStatusActive
	if user.Banned {
		status = types.PanelStatusDisabled
	}
	update := UserUpdate{
		Expiry:             sub.ExpiresAt,
		TrafficLimitBytes:  sub.TrafficLimitBytes,
		ResourceGroupUUIDs: sub.ResourceGroups,
		Status:             status,
	}

	remote, err := s.remote.PutUser(ctx, ExternalID(userID), update)
	if err != nil {
		result := PushRemoteRejected
		if errors.Is(err, ErrRemoteUnavailable) {
			result = PushRemoteUnavailable
		}
		s.logger.Warn("panel push failed", "user_id", userID, "result", result, "error", err)
		return result, s.recordFailure(ctx, userID, err.Error())
	}

	syncedAt := s.now().UTC()
	err = s.store.WithTx(ctx, func(tx types.Tx) error {
		if err := s.bindIdentity(ctx, tx, user, remote.UUID); err != nil {
			return err
		}
		expiry := remote.Expiry
		if expiry.IsZero() {
			expiry = update.Expiry
		}
		return tx.SaveSyncResult(ctx, types.PanelSyncRecord{
			UserID:                  userID,
			RemoteExpiresAt:         &expiry,
			RemoteTrafficLimitBytes: remote.TrafficLimitBytes,
			RemoteResourceGroups:    remote.ResourceGroupUUIDs,
			RemoteStatus:            remote.Status,
			Generation:              generation,
			LastSyncedAt:            &syncedAt,
		})
	})
	if errors.Is(err, errIdentityConflict) || errors.Is(err, types.ErrPanelIdentityConflict) {
		s.logger.Error("panel identity conflict", "user_id", userID, "panel_uuid", remote.UUID)
		return PushRemoteRejected, s.recordFailure(ctx, userID, err.Error())
	}
	if err != nil {
		return "", err
	}
	s.logger.Info("panel push succeeded", "user_id", userID, "expires_at", sub.ExpiresAt, "status", status)
	return PushOK, nil
}

// bindIdentity stores the panel UUID on first contact and refuses a different one later.
func (s *Synchronizer) bindIdentity(ctx context.Context, tx types.Tx, user *types.User, panelUUID string) error {
	if panelUUID == "" {
		return nil
	}
	if user.PanelUUID != nil {
		if *user.PanelUUID != panelUUID {
			return fmt.Errorf("%w: bound %s, panel returned %s", errIdentityConflict, *user.PanelUUID, panelUUID)
		}
		return nil
	}
	return tx.BindPanelIdentity(ctx, user.ID, panelUUID)
}

func (s *Synchronizer) recordFailure(ctx context.Context, userID int64, reason string) error {
	return s.store.WithTx(ctx, func(tx types.Tx) error {
		return tx.RecordSyncFailure(ctx, userID, reason)
	})
}

// Pull fetches the panel's view and diffs it against the cached sync record and the local
// subscription. Only a missing identity binding is written back.
func (s *Synchronizer) Pull(ctx context.Context, userID int64) (*DriftReport, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	report := &DriftReport{UserID: userID, CheckedAt: s.now().UTC()}

	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	rec, err := s.store.GetSyncRecord(ctx, userID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	remote, err := s.remote.GetUser(ctx, ExternalID(userID))
	if errors.Is(err, ErrUserNotFound) {
		if sub != nil {
			report.SubscriptionDrift = append(report.SubscriptionDrift, FieldDrift{Field: "presence", Local: "present", Remote: "missing"})
		}
		if rec != nil && rec.LastSyncedAt != nil {
			report.CachedDrift = append(report.CachedDrift, FieldDrift{Field: "presence", Local: "present", Remote: "missing"})
		}
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	report.RemoteFound = true

	if user.PanelUUID == nil && remote.UUID != "" {
		err := s.store.WithTx(ctx, func(tx types.Tx) error {
			return tx.BindPanelIdentity(ctx, userID, remote.UUID)
		})
		switch {
		case err == nil:
			report.IdentityBound = true
		case errors.Is(err, types.ErrPanelIdentityConflict):
			report.SubscriptionDrift = append(report.SubscriptionDrift, FieldDrift{Field: "identity", Local: "", Remote: remote.UUID})
		default:
			return nil, err
		}
	} else if user.PanelUUID != nil && remote.UUID != "" && *user.PanelUUID != remote.UUID {
		report.SubscriptionDrift = append(report.SubscriptionDrift, FieldDrift{Field: "identity", Local: *user.PanelUUID, Remote: remote.UUID})
	}

	if rec != nil && rec.LastSyncedAt != nil {
		report.CachedDrift = diff(snapshot{
			expiry:  rec.RemoteExpiresAt,
			traffic: rec.RemoteTrafficLimitBytes,
			groups:  rec.RemoteResourceGroups,
			status:  rec.RemoteStatus,
		}, remote)
	}
	if sub != nil {
		status := types.PanelStatusActive
		if user.Banned {
			status = types.PanelStatusDisabled
		}
		expiry := sub.ExpiresAt
		report.SubscriptionDrift = append(report.SubscriptionDrift, diff(snapshot{
			expiry:  &expiry,
			traffic: sub.TrafficLimitBytes,
			groups:  sub.ResourceGroups,
			status:  status,
		}, remote)...)
	}
	if !report.InSync() {
		s.logger.Warn("panel drift detected", "user_id", userID, "cached", len(report.CachedDrift), "subscription", len(report.SubscriptionDrift))
	}
	return report, nil
}

type snapshot struct {
	expiry  *time.Time
	traffic int64
	groups  []string
	status  string
}

func diff(local snapshot, remote *RemoteUser) []FieldDrift {
	var out []FieldDrift
	localExpiry := ""
	if local.expiry != nil {
		localExpiry = local.expiry.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	remoteExpiry := ""
	if !remote.Expiry.IsZero() {
		remoteExpiry = remote.Expiry.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	if localExpiry != remoteExpiry {
		out = append(out, FieldDrift{Field: "expiry", Local: localExpiry, Remote: remoteExpiry})
	}
	if local.traffic != remote.TrafficLimitBytes {
		out = append(out, FieldDrift{Field: "traffic_limit_bytes", Local: strconv.FormatInt(local.traffic, 10), Remote: strconv.FormatInt(remote.TrafficLimitBytes, 10)})
	}
	if l, r := sortedJoin(local.groups), sortedJoin(remote.ResourceGroupUUIDs); l != r {
		out = append(out, FieldDrift{Field: "resource_groups", Local: l, Remote: r})
	}
	if local.status != "" && local.status != remote.Status {
		out = append(out, FieldDrift{Field: "status", Local: local.status, Remote: remote.Status})
	}
	return out
}

func sortedJoin(values []string) string {
	cp := append([]string(nil), values...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

// ReconcileAll walks every known user and pushes those with a pending local change.
func (s *Synchronizer) ReconcileAll(ctx context.Context) (SyncSummary, error) {
	summary := SyncSummary{StartedAt: s.now().UTC()}
	var after int64
	for {
		ids, err := s.store.ListUserIDs(ctx, after, reconcilePageSize)
		if err != nil {
			return summary, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.Total++
			rec, err := s.store.GetSyncRecord(ctx, id)
			if errors.Is(err, types.ErrNotFound) || (err == nil && !rec.Pending) {
				summary.Skipped++
				continue
			}
			if err != nil {
				return summary, err
			}
			result, err := s.Push(ctx, id)
			if err != nil {
				s.logger.Error("reconcile push failed", "user_id", id, "error", err)
				summary.Failed++
				continue
			}
			switch result {
			case PushOK:
				summary.Succeeded++
			case PushSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
		}
		after = ids[len(ids)-1]
	}
	summary.FinishedAt = s.now().UTC()
	s.logger.Info("panel reconcile finished", "total", summary.Total, "succeeded", summary.Succeeded, "failed", summary.Failed, "skipped", summary.Skipped)
	return summary, nil
}
