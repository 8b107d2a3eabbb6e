package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

// MemoryStore implements types.Store in process memory. Transactions hold a single lock and
// restore a snapshot when fn fails, which gives the same all-or-nothing behaviour as Postgres
// for a single instance. Used by tests and local runs without a database.
type MemoryStore struct {
	mu sync.Mutex
	st *memState
}

type attemptKey struct {
	provider string
	ref      string
}

type activationKey struct {
	promoID int64
	userID  int64
}

type referralRow struct {
	inviterID int64
	trigger   string
	paidAt    time.Time
}

type memState struct {
	users       map[int64]types.User
	subs        map[int64]types.Subscription
	attempts    map[string]types.PaymentAttempt
	attemptIDs  map[attemptKey]string
	promos      map[int64]types.PromoCode
	promoCodes  map[string]int64
	activations map[activationKey]time.Time
	referrals   map[int64]referralRow
	sync        map[int64]types.PanelSyncRecord
	nextPromoID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		users:       map[int64]types.User{},
		subs:        map[int64]types.Subscription{},
		attempts:    map[string]types.PaymentAttempt{},
		attemptIDs:  map[attemptKey]string{},
		promos:      map[int64]types.PromoCode{},
		promoCodes:  map[string]int64{},
		activations: map[activationKey]time.Time{},
		referrals:   map[int64]referralRow{},
		sync:        map[int64]types.PanelSyncRecord{},
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:       make(map[int64]types.User, len(s.users)),
		subs:        make(map[int64]types.Subscription, len(s.subs)),
		attempts:    make(map[string]types.PaymentAttempt, len(s.attempts)),
		attemptIDs:  make(map[attemptKey]string, len(s.attemptIDs)),
		promos:      make(map[int64]types.PromoCode, len(s.promos)),
		promoCodes:  make(map[string]int64, len(s.promoCodes)),
		activations: make(map[activationKey]time.Time, len(s.activations)),
		referrals:   make(map[int64]referralRow, len(s.referrals)),
		sync:        make(map[int64]types.PanelSyncRecord, len(s.sync)),
		nextPromoID: s.nextPromoID,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.subs {
		v.ResourceGroups = append([]string(nil), v.ResourceGroups...)
		c.subs[k] = v
	}
	for k, v := range s.attempts {
		c.attempts[k] = v
	}
	for k, v := range s.attemptIDs {
		c.attemptIDs[k] = v
	}
	for k, v := range s.promos {
		c.promos[k] = v
	}
	for k, v := range s.promoCodes {
		c.promoCodes[k] = v
	}
	for k, v := range s.activations {
		c.activations[k] = v
	}
	for k, v := range s.referrals {
		c.referrals[k] = v
	}
	for k, v := range s.sync {
		v.RemoteResourceGroups = append([]string(nil), v.RemoteResourceGroups...)
		c.sync[k] = v
	}
	return c
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx types.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&memTx{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, userID int64) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.getUser(userID)
}

func (m *MemoryStore) GetSubscription(_ context.Context, userID int64) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.st.subs[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	sub.ResourceGroups = append([]string(nil), sub.ResourceGroups...)
	return &sub, nil
}

func (m *MemoryStore) GetSyncRecord(_ context.Context, userID int64) (*types.PanelSyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.st.sync[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	rec.RemoteResourceGroups = append([]string(nil), rec.RemoteResourceGroups...)
	return &rec, nil
}

func (m *MemoryStore) GetAttempt(_ context.Context, provider, externalRef string) (*types.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.attemptByRef(provider, externalRef)
}

func (m *MemoryStore) ListUserIDs(_ context.Context, afterID int64, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.st.users))
	for id := range m.st.users {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) ListSyncPending(_ context.Context, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]types.PanelSyncRecord, 0)
	for _, rec := range m.st.sync {
		if rec.Pending {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UserID < recs[j].UserID
		}
		return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	ids := make([]int64, len(recs))
	for i, rec := range recs {
		ids[i] = rec.UserID
	}
	return ids, nil
}

func (m *MemoryStore) ListUncreditedAttempts(_ context.Context, after types.AttemptCursor, limit int) ([]types.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.PaymentAttempt
	for _, a := range m.st.attempts {
		if a.Status != types.PaymentConfirmed || a.Credited {
			continue
		}
		if !after.IsZero() && !after.Less(a.Cursor()) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cursor().Less(out[j].Cursor()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiryCandidates(_ context.Context, from, to time.Time) ([]types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Subscription
	for _, sub := range m.st.subs {
		if !sub.ExpiresAt.After(from) || sub.ExpiresAt.After(to) {
			continue
		}
		if u, ok := m.st.users[sub.UserID]; ok && u.Banned {
			continue
		}
		sub.ResourceGroups = append([]string(nil), sub.ResourceGroups...)
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *memState) getUser(userID int64) (*types.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &u, nil
}

func (s *memState) attemptByRef(provider, externalRef string) (*types.PaymentAttempt, error) {
	id, ok := s.attemptIDs[attemptKey{provider: provider, ref: externalRef}]
	if !ok {
		return nil, types.ErrNotFound
	}
	a := s.attempts[id]
	return &a, nil
}

type memTx struct {
	st *memState
}

func (t *memTx) GetUser(_ context.Context, userID int64) (*types.User, error) {
	return t.st.getUser(userID)
}

func (t *memTx) UpsertUser(_ context.Context, user types.User) error {
	now := time.Now().UTC()
	if existing, ok := t.st.users[user.ID]; ok {
		existing.Username = user.Username
		existing.FirstName = user.FirstName
		if existing.Language == "" {
			existing.Language = user.Language
		}
		existing.UpdatedAt = now
		t.st.users[user.ID] = existing
		return nil
	}
	if user.ReferredBy != nil {
		if *user.ReferredBy == user.ID {
			user.ReferredBy = nil
		} else if _, ok := t.st.users[*user.ReferredBy]; !ok {
			return types.ErrNotFound
		}
	}
	user.Banned = false
	user.TrialUsed = false
	user.PanelUUID = nil
	user.CreatedAt = now
	user.UpdatedAt = now
	t.st.users[user.ID] = user
	return nil
}

func (t *memTx) SetBanned(_ context.Context, userID int64, banned bool) error {
	u, ok := t.st.users[userID]
	if !ok {
		return types.ErrNotFound
	}
	u.Banned = banned
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return nil
}

func (t *memTx) BindPanelIdentity(_ context.Context, userID int64, panelUUID string) error {
	u, ok := t.st.users[userID]
	if !ok {
		return types.ErrNotFound
	}
	for id, other := range t.st.users {
		if id != userID && other.PanelUUID != nil && *other.PanelUUID == panelUUID {
			return types.ErrPanelIdentityConflict
		}
	}
	u.PanelUUID = &panelUUID
	u.UpdatedAt = time.Now().UTC()
	t.st.users[userID] = u
	return nil
}

func (t *memTx) MarkTrialUsed(_ context.Context, userID int64) (bool, error) {
	u, ok := t.st.users[userID]
	if !ok || u.TrialUsed {
		return false, nil
	}
	u.TrialUsed = true
	t.st.users[userID] = u
	return true, nil
}

func (t *memTx) InsertAttempt(_ context.Context, a types.PaymentAttempt) (bool, error) {
	key := attemptKey{provider: a.Provider, ref: a.ExternalRef}
	if _, ok := t.st.attemptIDs[key]; ok {
		return false, nil
	}
	if _, ok := t.st.users[a.UserID]; !ok {
		return false, types.ErrNotFound
	}
	t.st.attemptIDs[key] = a.ID
	t.st.attempts[a.ID] = a
	return true, nil
}

func (t *memTx) LockAttempt(_ context.Context, provider, externalRef string) (*types.PaymentAttempt, error) {
	return t.st.attemptByRef(provider, externalRef)
}

func (t *memTx) LockAttemptByID(_ context.Context, id string) (*types.PaymentAttempt, error) {
	a, ok := t.st.attempts[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &a, nil
}

func (t *memTx) TransitionAttempt(_ context.Context, id string, to types.PaymentStatus, at time.Time) (bool, error) {
	a, ok := t.st.attempts[id]
	if !ok || a.Status != types.PaymentPending {
		return false, nil
	}
	a.Status = to
	if to == types.PaymentConfirmed {
		a.ConfirmedAt = &at
	}
	t.st.attempts[id] = a
	return true, nil
}

func (t *memTx) MarkAttemptCredited(_ context.Context, id string) error {
	a, ok := t.st.attempts[id]
	if !ok {
		return types.ErrNotFound
	}
	a.Credited = true
	t.st.attempts[id] = a
	return nil
}

func (t *memTx) RejectAttempt(_ context.Context, id, reason string) error {
	a, ok := t.st.attempts[id]
	if !ok {
		return types.ErrNotFound
	}
	a.RejectionReason = reason
	t.st.attempts[id] = a
	return nil
}

func (t *memTx) LockSubscription(_ context.Context, userID int64) (*types.Subscription, error) {
	if _, ok := t.st.users[userID]; !ok {
		return nil, types.ErrNotFound
	}
	sub, ok := t.st.subs[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	sub.ResourceGroups = append([]string(nil), sub.ResourceGroups...)
	return &sub, nil
}

func (t *memTx) SaveSubscription(_ context.Context, sub types.Subscription) error {
	now := time.Now().UTC()
	if existing, ok := t.st.subs[sub.UserID]; ok {
		sub.CreatedAt = existing.CreatedAt
		sub.NotifiedExpiresAt = existing.NotifiedExpiresAt
		sub.NotifiedStage = existing.NotifiedStage
	} else {
		sub.CreatedAt = now
		sub.NotifiedExpiresAt = nil
		sub.NotifiedStage = nil
	}
	sub.UpdatedAt = now
	sub.ResourceGroups = append([]string(nil), sub.ResourceGroups...)
	t.st.subs[sub.UserID] = sub
	return nil
}

func (t *memTx) ClaimExpiryNotification(_ context.Context, userID int64, expiresAt time.Time, stage int) (bool, error) {
	sub, ok := t.st.subs[userID]
	if !ok || !sub.ExpiresAt.Equal(expiresAt) {
		return false, nil
	}
	sameExpiry := sub.NotifiedExpiresAt != nil && sub.NotifiedExpiresAt.Equal(expiresAt)
	if sameExpiry && sub.NotifiedStage != nil && *sub.NotifiedStage <= stage {
		return false, nil
	}
	at := expiresAt
	st := stage
	sub.NotifiedExpiresAt = &at
	sub.NotifiedStage = &st
	t.st.subs[userID] = sub
	return true, nil
}

func (t *memTx) CreatePromoCode(_ context.Context, p types.PromoCode) (int64, error) {
	if _, ok := t.st.promoCodes[p.Code]; ok {
		return 0, types.ErrDuplicate
	}
	t.st.nextPromoID++
	p.ID = t.st.nextPromoID
	p.Activations = 0
	p.CreatedAt = time.Now().UTC()
	t.st.promos[p.ID] = p
	t.st.promoCodes[p.Code] = p.ID
	return p.ID, nil
}

func (t *memTx) GetPromoByCode(_ context.Context, code string) (*types.PromoCode, error) {
	id, ok := t.st.promoCodes[code]
	if !ok {
		return nil, types.ErrNotFound
	}
	p := t.st.promos[id]
	return &p, nil
}

func (t *memTx) InsertPromoActivation(_ context.Context, promoID, userID int64, at time.Time) (bool, error) {
	key := activationKey{promoID: promoID, userID: userID}
	if _, ok := t.st.activations[key]; ok {
		return false, nil
	}
	t.st.activations[key] = at
	return true, nil
}

func (t *memTx) IncrementPromoActivations(_ context.Context, promoID int64) (bool, error) {
	p, ok := t.st.promos[promoID]
	if !ok || !p.Active || p.Activations >= p.MaxActivations {
		return false, nil
	}
	p.Activations++
	t.st.promos[promoID] = p
	return true, nil
}

func (t *memTx) ClaimReferralBonus(_ context.Context, refereeID, inviterID int64, trigger string, at time.Time) (bool, error) {
	if _, ok := t.st.referrals[refereeID]; ok {
		return false, nil
	}
	t.st.referrals[refereeID] = referralRow{inviterID: inviterID, trigger: trigger, paidAt: at}
	return true, nil
}

func (t *memTx) MarkSyncPending(_ context.Context, userID int64) error {
	rec := t.st.sync[userID]
	rec.UserID = userID
	rec.Pending = true
	rec.Generation++
	rec.UpdatedAt = time.Now().UTC()
	t.st.sync[userID] = rec
	return nil
}

func (t *memTx) SaveSyncResult(_ context.Context, in types.PanelSyncRecord) error {
	rec, existed := t.st.sync[in.UserID]
	rec.UserID = in.UserID
	rec.RemoteExpiresAt = in.RemoteExpiresAt
	rec.RemoteTrafficLimitBytes = in.RemoteTrafficLimitBytes
	rec.RemoteResourceGroups = append([]string(nil), in.RemoteResourceGroups...)
	rec.RemoteStatus = in.RemoteStatus
	if !existed || rec.Generation == in.Generation {
		rec.Pending = false
	}
	if !existed {
		rec.Generation = in.Generation
	}
	rec.Attempts = 0
	rec.LastError = ""
	rec.LastSyncedAt = in.LastSyncedAt
	rec.UpdatedAt = time.Now().UTC()
	t.st.sync[in.UserID] = rec
	return nil
}

func (t *memTx) ClearSyncPending(_ context.Context, userID int64, generation int64) error {
	rec, ok := t.st.sync[userID]
	if !ok || rec.Generation != generation {
		return nil
	}
	rec.Pending = false
	rec.Attempts = 0
	rec.LastError = ""
	rec.UpdatedAt = time.Now().UTC()
	t.st.sync[userID] = rec
	return nil
}

func (t *memTx) RecordSyncFailure(_ context.Context, userID int64, reason string) error {
	rec := t.st.sync[userID]
	rec.UserID = userID
	rec.Pending = true
	rec.Attempts++
	rec.LastError = reason
	rec.UpdatedAt = time.Now().UTC()
	t.st.sync[userID] = rec
	return nil
}

var _ types.Store = (*MemoryStore)(nil)
var _ types.Tx = (*memTx)(nil)
