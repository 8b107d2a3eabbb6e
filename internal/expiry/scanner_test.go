package expiry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/store"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.NotificationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events ...types.NotificationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func seed(t *testing.T, st *store.MemoryStore, userID int64, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx types.Tx) error {
		if err := tx.UpsertUser(ctx, types.User{ID: userID}); err != nil {
			return err
		}
		return tx.SaveSubscription(ctx, types.Subscription{UserID: userID, ExpiresAt: expiresAt, Source: types.SourcePurchase})
	}))
}

func newScanner(st *store.MemoryStore, pub types.EventPublisher) *Scanner {
	return NewScanner(st, pub, Config{Thresholds: []int{3, 1}, NotifyOnExpire: true, Lookback: 3 * day}, nil)
}

func TestStage(t *testing.T) {
	thresholds := []int{3, 1}
	tests := []struct {
		name     string
		left     time.Duration
		stage    int
		daysLeft int
		ok       bool
	}{
		{"far away", 5 * day, 0, 5, false},
		{"exactly three days", 3 * day, 3, 3, true},
		{"two and a half days", 60 * time.Hour, 3, 3, true},
		{"just under two days", 47 * time.Hour, 3, 2, true},
		{"one day", day, 1, 1, true},
		{"an hour", time.Hour, 1, 1, true},
		{"expired now", 0, 0, 0, true},
		{"expired yesterday", -day, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage, daysLeft, ok := Stage(thresholds, now.Add(tt.left), now)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.stage, stage)
			}
			assert.Equal(t, tt.daysLeft, daysLeft)
		})
	}
}

func TestScan_AtMostOncePerStage(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	seed(t, st, 1, now.Add(3*day))
	s := newScanner(st, pub)
	ctx := context.Background()

	events, err := s.Scan(ctx, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.KindExpiringSoon, events[0].Kind)
	assert.Equal(t, 3, events[0].DaysLeft)

	events, err = s.Scan(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Len(t, pub.events, 1)
}

func TestScan_StageProgression(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, 1, now.Add(3*day))
	s := newScanner(st, nil)
	ctx := context.Background()

	var kinds []types.NotificationKind
	for _, at := range []time.Time{now, now.Add(day), now.Add(2 * day), now.Add(2*day + time.Hour), now.Add(3 * day), now.Add(4 * day)} {
		events, err := s.Scan(ctx, at)
		require.NoError(t, err)
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []types.NotificationKind{types.KindExpiringSoon, types.KindExpiringSoon, types.KindExpired}, kinds)
}

func TestScan_ExtensionResetsMarker(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, 1, now.Add(day))
	s := newScanner(st, nil)
	ctx := context.Background()

	events, err := s.Scan(ctx, now)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, st.WithTx(ctx, func(tx types.Tx) error {
		sub, err := tx.LockSubscription(ctx, 1)
		if err != nil {
			return err
		}
		sub.ExpiresAt = now.Add(3 * day)
		return tx.SaveSubscription(ctx, *sub)
	}))

	events, err = s.Scan(ctx, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].DaysLeft)
}

func TestScan_SkipsOutsideWindowAndBanned(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, 1, now.Add(10*day))
	seed(t, st, 2, now.Add(-10*day))
	seed(t, st, 3, now.Add(day))
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx types.Tx) error { return tx.SetBanned(ctx, 3, true) }))

	events, err := newScanner(st, nil).Scan(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScan_ExpiredNoticeCanBeDisabled(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, 1, now.Add(-time.Hour))

	s := NewScanner(st, nil, Config{Thresholds: []int{3, 1}, Lookback: 3 * day}, nil)
	events, err := s.Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, events)
}
