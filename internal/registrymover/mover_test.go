package registrymover

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pht-router/trainrouter/internal/observability"
)

func newTestMover(t *testing.T, handler http.HandlerFunc) (*Mover, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)
	mover := New(Config{URL: srv.URL, User: "admin", Password: "secret"}, logger)
	return mover, srv
}

func TestMove_CopiesBaseAndLatestThenDeletesSource(t *testing.T) {
	var calls []string
	mover, srv := newTestMover(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		}
	})
	defer srv.Close()

	err := mover.Move(context.Background(), "job-1", Utility(""), Station("alpha"), MoveOptions{DeleteSource: true})
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Contains(t, calls[0], "/projects/station_alpha/repositories/job-1/artifacts")
	assert.Contains(t, calls[0], "from=")
	assert.Contains(t, calls[1], "/projects/station_alpha/repositories/job-1/artifacts")
	assert.Contains(t, calls[2], "DELETE")
}

func TestMove_SkipsBaseCopyWhenOutgoing(t *testing.T) {
	var calls []string
	mover, srv := newTestMover(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.RawQuery)
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	err := mover.Move(context.Background(), "job-1", Station("alpha"), Utility("OUTGOING"), MoveOptions{Outgoing: true})
	require.NoError(t, err)
	require.Len(t, calls, 1, "only the latest tag is copied when moving to OUTGOING")
	assert.Contains(t, calls[0], ":latest")
}

func TestMove_TreatsConflictAsSuccess(t *testing.T) {
	mover, srv := newTestMover(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	defer srv.Close()

	err := mover.Move(context.Background(), "job-1", Utility(""), Station("alpha"), MoveOptions{})
	assert.NoError(t, err, "a 409 means the artifact already exists at the destination, which is idempotent success")
}

func TestMove_PropagatesUnexpectedStatus(t *testing.T) {
	mover, srv := newTestMover(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	err := mover.Move(context.Background(), "job-1", Utility(""), Station("alpha"), MoveOptions{})
	assert.Error(t, err)
}

func TestRetag_FollowsUpWithTagWhenNamesDiffer(t *testing.T) {
	var paths []string
	mover, srv := newTestMover(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	err := mover.Retag(context.Background(), "job-1", Utility("INCOMING"), "latest", "base")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Contains(t, paths[1], "/tags")
}

func TestFind_ParsesSearchResults(t *testing.T) {
	mover, srv := newTestMover(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2.0/search", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"repository":[{"project_name":"station_alpha"},{"project_name":"pht_incoming"}]}`))
	})
	defer srv.Close()

	projects, err := mover.Find(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"station_alpha", "pht_incoming"}, projects)
}

func TestHealth_ReportsUnhealthyOnNonOKStatus(t *testing.T) {
	mover, srv := newTestMover(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer srv.Close()

	err := mover.Health(context.Background())
	assert.Error(t, err)
}
