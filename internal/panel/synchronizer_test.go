package panel

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/store"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expiry = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, st *store.MemoryStore, userID int64, withSub bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx types.Tx) error {
		if err := tx.UpsertUser(ctx, types.User{ID: userID}); err != nil {
			return err
		}
		if withSub {
			if err := tx.SaveSubscription(ctx, types.Subscription{
				UserID:            userID,
				ExpiresAt:         expiry,
				TrafficLimitBytes: 1000,
				ResourceGroups:    []string{"squad-b", "squad-a"},
				Source:            types.SourcePurchase,
			}); err != nil {
				return err
			}
		}
		return tx.MarkSyncPending(ctx, userID)
	}))
}

func TestPush_BindsIdentityAndClearsPending(t *testing.T) {
	fp, client := newFakePanel(t)
	st := store.NewMemoryStore()
	seedUser(t, st, 7, true)
	s := NewSynchronizer(st, client, nil)
	ctx := context.Background()

	result, err := s.Push(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, PushOK, result)

	remote, ok := fp.get("7")
	require.True(t, ok)
	assert.True(t, expiry.Equal(remote.Expiry))
	assert.Equal(t, types.PanelStatusActive, remote.Status)

	user, err := st.GetUser(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, user.PanelUUID)
	assert.Equal(t, "uuid-7", *user.PanelUUID)

	rec, err := st.GetSyncRecord(ctx, 7)
	require.NoError(t, err)
	assert.False(t, rec.Pending)
	assert.NotNil(t, rec.LastSyncedAt)
	assert.Equal(t, int64(1000), rec.RemoteTrafficLimitBytes)
}

func TestPush_PanelDownKeepsPending(t *testing.T) {
	fp, client := newFakePanel(t)
	fp.setFail(http.StatusServiceUnavailable)
	st := store.NewMemoryStore()
	seedUser(t, st, 7, true)
	s := NewSynchronizer(st, client, nil)
	ctx := context.Background()

	result, err := s.Push(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, PushRemoteUnavailable, result)

	rec, err := st.GetSyncRecord(ctx, 7)
	require.NoError(t, err)
	assert.True(t, rec.Pending)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotEmpty(t, rec.LastError)

	fp.setFail(0)
	result, err = s.Push(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, PushOK, result)
	rec, err = st.GetSyncRecord(ctx, 7)
	require.NoError(t, err)
	assert.False(t, rec.Pending)
}

func TestPush_RejectedIsReported(t *testing.T) {
	fp, client := newFakePanel(t)
	fp.setFail(http.StatusUnprocessableEntity)
	st := store.NewMemoryStore()
	seedUser(t, st, 7, true)

	result, err := NewSynchronizer(st, client, nil).Push(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, PushRemoteRejected, result)
}

func TestPush_BannedUserIsDisabled(t *testing.T) {
	fp, client := newFakePanel(t)
	st := store.NewMemoryStore()
	seedUser(t, st, 7, true)
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx types.Tx) error { return tx.SetBanned(ctx, 7, true) }))

	_, err := NewSynchronizer(st, client, nil).Push(ctx, 7)
	require.NoError(t, err)
	remote, _ := fp.get("7")
	assert.Equal(t, types.PanelStatusDisabled, remote.Status)
}

func TestPush_WithoutSubscriptionIsSkipped(t *testing.T) {
	fp, client := newFakePanel(t)
	st := store.NewMemoryStore()
	seedUser(t, st, 7, false)
	ctx := context.Background()

	result, err := NewSynchronizer(st, client, nil).Push(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, PushSkipped, result)
	assert.Zero(t, fp.puts)

	rec, err := st.GetSyncRecord(ctx, 7)
	require.NoError(t, err)
	assert.False(t, rec.Pending)
}

func TestPush_IdentityConflict(t *testing.T) {
	fp, client := newFakePanel(t)
	fp.nextUUID = func(string) string { return "shared" }
	st := store.NewMemoryStore()
	seedUser(t, st, 1, true)
	seedUser(t, st, 2, true)
	s := NewSynchronizer(st, client, nil)
	ctx := context.Background()

	result, err := s.Push(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, PushOK, result)

	result, err = s.Push(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, PushRemoteRejected, result)

	user, err := st.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, user.PanelUUID)
	rec, err := st.GetSyncRecord(ctx, 2)
	require.NoError(t, err)
	assert.True(t, rec.Pending)
}

func TestPush_ChangeDuringPushStaysPending(t *testing.T) {
	_, client := newFakePanel(t)
	st := store.NewMemoryStore()
	seedUser(t, st, 7, true)
	ctx := context.Background()

	remote := &interceptingRemote{Remote: client, onPut: func() {
		require.NoError(t, st.WithTx(ctx, func(tx types.Tx) error { return tx.MarkSyncPending(ctx, 7) }))
	}}
	result, err := NewSynchronizer(st, remote, nil).Push(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, PushOK, result)

	rec, err := st.GetSyncRecord(ctx, 7)
	require.NoError(t, err)
	assert.True(t, rec.Pending)
}

type interceptingRemote struct {
	Remote
	onPut func()
}

func (r *interceptingRemote) PutUser(ctx context.Context, externalID string, update UserUpdate) (*RemoteUser, error) {
	r.onPut()
	return r.Remote.PutUser(ctx, externalID, update)
}

func TestPull_ReportsDriftWithoutCorrecting(t *testing.T) {
	fp, client := newFakePanel(t)
	st := store.NewMemoryStore()
	seedUser(t, st, 7, true)
	s := NewSynchronizer(st, client, nil)
	ctx := context.Background()

	_, err := s.Push(ctx, 7)
	require.NoError(t, err)

	report, err := s.Pull(ctx, 7)
	require.NoError(t, err)
	assert.True(t, report.RemoteFound)
	assert.True(t, report.InSync())

	edited, _ := fp.get("7")
	edited.Expiry = expiry.Add(-48 * time.Hour)
	fp.set(edited)

	report, err = s.Pull(ctx, 7)
	require.NoError(t, err)
	assert.False(t, report.InSync())
	require.Len(t, report.SubscriptionDrift, 1)
	assert.Equal(t, "expiry", report.SubscriptionDrift[0].Field)
	require.Len(t, report.CachedDrift, 1)

	sub, err := st.GetSubscription(ctx, 7)
	require.NoError(t, err)
	assert.True(t, expiry.Equal(sub.ExpiresAt))
	remote, _ := fp.get("7")
	assert.True(t, expiry.Add(-48*time.Hour).Equal(remote.Expiry))
}

func TestPull_BindsMissingIdentity(t *testing.T) {
	fp, client := newFakePanel(t)
	st := store.NewMemoryStore()
	seedUser(t, st, 7, true)
	fp.set(RemoteUser{UUID: "existing", ExternalID: "7", Expiry: expiry, TrafficLimitBytes: 1000, ResourceGroupUUIDs: []string{"squad-a", "squad-b"}, Status: types.PanelStatusActive})
	ctx := context.Background()

	report, err := NewSynchronizer(st, client, nil).Pull(ctx, 7)
	require.NoError(t, err)
	assert.True(t, report.IdentityBound)
	assert.Empty(t, report.SubscriptionDrift)

	user, err := st.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "existing", *user.PanelUUID)
}

func TestPull_MissingRemoteUser(t *testing.T) {
	_, client := newFakePanel(t)
	st := store.NewMemoryStore()
	seedUser(t, st, 7, true)

	report, err := NewSynchronizer(st, client, nil).Pull(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, report.RemoteFound)
	assert.False(t, report.InSync())
}

func TestReconcileAll_Counts(t *testing.T) {
	fp, client := newFakePanel(t)
	st := store.NewMemoryStore()
	seedUser(t, st, 1, true)
	seedUser(t, st, 2, true)
	seedUser(t, st, 3, false)
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx types.Tx) error { return tx.UpsertUser(ctx, types.User{ID: 4}) }))

	s := NewSynchronizer(st, client, nil)
	summary, err := s.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 2, fp.puts)

	summary, err = s.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Succeeded)
	assert.Equal(t, 2, fp.puts)
}
