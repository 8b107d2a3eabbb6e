package promo

import (
	"context"
	"testing"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditReferral_PaidOncePerReferee(t *testing.T) {
	inviter := int64(1)
	f := newFixture(t, types.User{ID: 1}, types.User{ID: 2, ReferredBy: &inviter})
	r := NewReferrals(f.engine, ReferralConfig{
		InviterDays: map[int]int{1: 3, 3: 7},
		RefereeDays: map[int]int{1: 1, 3: 3},
	}, nil)
	ctx := context.Background()

	var first, second []types.NotificationEvent
	require.NoError(t, f.store.WithTx(ctx, func(tx types.Tx) error {
		var err error
		first, err = r.CreditReferral(ctx, tx, 2, "payment", 3)
		return err
	}))
	require.NoError(t, f.store.WithTx(ctx, func(tx types.Tx) error {
		var err error
		second, err = r.CreditReferral(ctx, tx, 2, "payment", 3)
		return err
	}))

	require.Len(t, first, 2)
	assert.Empty(t, second)
	assert.Equal(t, int64(1), first[0].UserID)
	assert.Equal(t, 7, first[0].BonusDays)
	assert.Equal(t, int64(2), first[1].UserID)
	assert.Equal(t, 3, first[1].BonusDays)

	inviterSub, err := f.store.GetSubscription(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, now.Add(7*24*time.Hour), inviterSub.ExpiresAt)
	assert.Equal(t, types.SourceReferral, inviterSub.Source)
}

func TestCreditReferral_NoReferrer(t *testing.T) {
	f := newFixture(t, types.User{ID: 1})
	r := NewReferrals(f.engine, ReferralConfig{InviterDays: map[int]int{1: 3}}, nil)
	ctx := context.Background()

	require.NoError(t, f.store.WithTx(ctx, func(tx types.Tx) error {
		events, err := r.CreditReferral(ctx, tx, 1, "payment", 1)
		assert.Empty(t, events)
		return err
	}))
}

func TestLookupDays(t *testing.T) {
	table := map[int]int{1: 3, 3: 7, 6: 15, 12: 30}
	assert.Equal(t, 7, lookupDays(table, 3))
	assert.Equal(t, 15, lookupDays(table, 9))
	assert.Equal(t, 3, lookupDays(table, 0))
	assert.Equal(t, 30, lookupDays(table, 24))
	assert.Equal(t, 0, lookupDays(nil, 1))
}
