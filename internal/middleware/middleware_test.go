package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path"
	"sync/atomic"
	"testing"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/contextkeys"
	"github.com/BatmanBruc/bat-bot-vpnshop/store"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferrerFromStart(t *testing.T) {
	tests := []struct {
		text string
		id   int64
		ok   bool
	}{
		{"/start ref_42", 42, true},
		{"/start@vpn_bot ref_42", 42, true},
		{"/start", 0, false},
		{"/start promo", 0, false},
		{"/start ref_abc", 0, false},
		{"/start ref_-5", 0, false},
		{"/help ref_42", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			id, ok := ReferrerFromStart(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}

// newCountingBot returns a bot whose Bot API calls land on a local server counting sendMessage.
func newCountingBot(t *testing.T) (*bot.Bot, *atomic.Int32) {
	t.Helper()
	var sent atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if path.Base(r.URL.Path) == "sendMessage" {
			sent.Add(1)
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`))
	}))
	t.Cleanup(srv.Close)
	b, err := bot.New("123:test", bot.WithSkipGetMe(), bot.WithServerURL(srv.URL))
	require.NoError(t, err)
	return b, &sent
}

func startUpdate(userID int64, text, languageCode string) *models.Update {
	return &models.Update{Message: &models.Message{
		Text: text,
		Chat: models.Chat{ID: userID},
		From: &models.User{ID: userID, FirstName: "Ann", LanguageCode: languageCode},
	}}
}

type capture struct {
	called bool
	userID int64
	lang   string
}

func (c *capture) handler(ctx context.Context, _ *bot.Bot, _ *models.Update) {
	c.called = true
	c.userID, _ = contextkeys.GetUserID(ctx)
	c.lang, _ = contextkeys.GetLang(ctx)
}

func TestRegisterUserMiddleware_UnknownReferrerIsDropped(t *testing.T) {
	st := store.NewMemoryStore()
	b, sent := newCountingBot(t)
	var next capture

	NewMiddlewares(st, nil).RegisterUserMiddleware(next.handler)(context.Background(), b, startUpdate(7, "/start ref_404", "en"))

	assert.True(t, next.called)
	assert.Equal(t, int64(7), next.userID)
	assert.Zero(t, sent.Load())
	u, err := st.GetUser(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, u.ReferredBy)
}

func TestRegisterUserMiddleware_RecordsKnownReferrer(t *testing.T) {
	st := store.NewMemoryStore()
	b, _ := newCountingBot(t)
	mw := NewMiddlewares(st, nil)
	var next capture

	mw.RegisterUserMiddleware(next.handler)(context.Background(), b, startUpdate(1, "/start", "ru"))
	mw.RegisterUserMiddleware(next.handler)(context.Background(), b, startUpdate(2, "/start ref_1", "en"))

	u, err := st.GetUser(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, u.ReferredBy)
	assert.Equal(t, int64(1), *u.ReferredBy)
}

func TestRegisterUserMiddleware_KeepsStoredLanguage(t *testing.T) {
	st := store.NewMemoryStore()
	b, _ := newCountingBot(t)
	mw := NewMiddlewares(st, nil)
	var next capture

	mw.RegisterUserMiddleware(next.handler)(context.Background(), b, startUpdate(3, "/start", "en"))
	mw.RegisterUserMiddleware(next.handler)(context.Background(), b, startUpdate(3, "/status", "ru"))

	assert.Equal(t, "en", next.lang)
}

func TestRegisterUserMiddleware_BannedUserIsStopped(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx types.Tx) error {
		if err := tx.UpsertUser(ctx, types.User{ID: 9, Language: "ru"}); err != nil {
			return err
		}
		return tx.SetBanned(ctx, 9, true)
	}))
	b, sent := newCountingBot(t)
	var next capture

	NewMiddlewares(st, nil).RegisterUserMiddleware(next.handler)(ctx, b, startUpdate(9, "/buy", "ru"))

	assert.False(t, next.called)
	assert.Equal(t, int32(1), sent.Load())
}
