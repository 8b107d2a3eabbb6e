package panel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
		want   error
	}{
		{"get missing", http.MethodGet, http.StatusNotFound, ErrUserNotFound},
		{"put missing route", http.MethodPut, http.StatusNotFound, ErrRemoteRejected},
		{"server error", http.MethodPut, http.StatusServiceUnavailable, ErrRemoteUnavailable},
		{"bad request", http.MethodPut, http.StatusBadRequest, ErrRemoteRejected},
		{"forbidden", http.MethodGet, http.StatusForbidden, ErrRemoteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", time.Second)
			var err error
			if tt.method == http.MethodGet {
				_, err = c.GetUser(context.Background(), "1")
			} else {
				_, err = c.PutUser(context.Background(), "1", UserUpdate{})
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClientUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "", time.Second).GetUser(context.Background(), "1")
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestClientTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, "", 50*time.Millisecond).PutUser(context.Background(), "1", UserUpdate{})
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestClientRoundTrip(t *testing.T) {
	fp, c := newFakePanel(t)
	expiry := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	got, err := c.PutUser(context.Background(), "42", UserUpdate{Expiry: expiry, TrafficLimitBytes: 10, Status: "ACTIVE"})
	require.NoError(t, err)
	assert.Equal(t, "uuid-42", got.UUID)
	assert.Equal(t, []string{}, got.ResourceGroupUUIDs)

	remote, err := c.GetUser(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, expiry.Equal(remote.Expiry))
	assert.Equal(t, 1, fp.puts)
}
