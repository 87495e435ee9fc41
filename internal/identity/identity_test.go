package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/db"
	"github.com/cdlib/ezidcore/internal/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return database
}

func newTestDirectory(t *testing.T, handler http.HandlerFunc) (*Directory, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	d := &Directory{
		cache:       repository.NewAgentRecordRepository(newTestDB(t)),
		httpClient:  srv.Client(),
		tokenSrc:    oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		userInfoURL: srv.URL,
		logger:      zap.NewNop(),
	}
	return d, srv
}

func TestGetAgentCachesOnFirstLookup(t *testing.T) {
	calls := 0
	d, srv := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "pid:alice", r.URL.Query().Get("pid"))
		json.NewEncoder(w).Encode(directoryEntry{Pid: "pid:alice", LocalName: "alice", Kind: "user", Email: "alice@example.org"})
	})
	defer srv.Close()

	localName, kind, err := d.GetAgent(context.Background(), "pid:alice")
	require.NoError(t, err)
	require.Equal(t, "alice", localName)
	require.Equal(t, "user", kind)

	localName, kind, err = d.GetAgent(context.Background(), "pid:alice")
	require.NoError(t, err)
	require.Equal(t, "alice", localName)
	require.Equal(t, "user", kind)
	require.Equal(t, 1, calls, "second lookup should be served from cache")
}

func TestGetUserIdResolvesLocalNameToPid(t *testing.T) {
	d, srv := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "alice", r.URL.Query().Get("local_name"))
		json.NewEncoder(w).Encode(directoryEntry{Pid: "pid:alice", LocalName: "alice", Kind: "user"})
	})
	defer srv.Close()

	pid, err := d.GetUserId(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "pid:alice", pid)
}

func TestGetUserIdReturnsErrUnknownUserOn404(t *testing.T) {
	d, srv := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	_, err := d.GetUserId(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestGetEmailResolvesAndCaches(t *testing.T) {
	calls := 0
	d, srv := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(directoryEntry{Pid: "pid:alice", LocalName: "alice", Kind: "user", Email: "alice@example.org"})
	})
	defer srv.Close()

	email, err := d.GetEmail(context.Background(), "pid:alice")
	require.NoError(t, err)
	require.Equal(t, "alice@example.org", email)

	email, err = d.GetEmail(context.Background(), "pid:alice")
	require.NoError(t, err)
	require.Equal(t, "alice@example.org", email)
	require.Equal(t, 1, calls)
}

func TestGetEmailReturnsEmptyOnUnknownUser(t *testing.T) {
	d, srv := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	email, err := d.GetEmail(context.Background(), "pid:ghost")
	require.NoError(t, err)
	require.Empty(t, email)
}
