package panel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakePanel keeps users keyed by external id and can be switched into a failing mode.
type fakePanel struct {
	mu       sync.Mutex
	users    map[string]RemoteUser
	failWith int
	puts     int
	nextUUID func(externalID string) string
}

func newFakePanel(t *testing.T) (*fakePanel, *Client) {
	t.Helper()
	fp := &fakePanel{
		users:    map[string]RemoteUser{},
		nextUUID: func(id string) string { return "uuid-" + id },
	}
	srv := httptest.NewServer(http.HandlerFunc(fp.serve))
	t.Cleanup(srv.Close)
	return fp, NewClient(srv.URL, "secret", 0)
}

func (f *fakePanel) setFail(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = code
}

func (f *fakePanel) get(id string) (RemoteUser, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	return u, ok
}

func (f *fakePanel) set(u RemoteUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ExternalID] = u
}

func (f *fakePanel) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/users/")
	switch r.Method {
	case http.MethodGet:
		u, ok := f.users[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(u)
	case http.MethodPut:
		var upd UserUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.puts++
		u, ok := f.users[id]
		if !ok {
			u = RemoteUser{UUID: f.nextUUID(id), ExternalID: id}
		}
		u.Expiry = upd.Expiry
		u.TrafficLimitBytes = upd.TrafficLimitBytes
		u.ResourceGroupUUIDs = upd.ResourceGroupUUIDs
		u.Status = upd.Status
		f.users[id] = u
		_ = json.NewEncoder(w).Encode(u)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
