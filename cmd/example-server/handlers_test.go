package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/manenim/redis-coord/internal/config"
	"github.com/manenim/redis-coord/internal/redistest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *redistest.Server) {
	t.Helper()
	rs := redistest.New(t)
	cfg := &config.Config{
		Limit: config.LimitConfig{Requests: 3, Window: time.Minute},
		Cache: config.CacheConfig{TTL: 5 * time.Minute, RefreshThreshold: time.Minute, MarkerTTL: 30 * time.Second},
	}

	s, err := newServer(cfg, rs.Client, zap.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts, rs
}

func TestPing_RateLimited(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/ping")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestSummary_CachedAndInvalidated(t *testing.T) {
	ts, rs := newTestServer(t)

	resp, err := http.Get(ts.URL + "/users/42/summary")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, rs.Exists("cache:financial_summary:42"))

	resp, err = http.Post(ts.URL+"/users/42/invalidate?account=7", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, int64(1), out["deleted"])
	assert.False(t, rs.Exists("cache:financial_summary:42"))
}

func TestSessions(t *testing.T) {
	ts, _ := newTestServer(t)

	body := `{"session_id":"s1","user_id":"u1","payload":"p","ttl_seconds":600}`
	resp, err := http.Post(ts.URL+"/sessions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/sessions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/users/u1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sessions []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0]["ID"])

	resp, err = http.Get(ts.URL + "/sessions/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueue_Dedup(t *testing.T) {
	ts, _ := newTestServer(t)

	post := func(id string) int {
		body := `{"id":"` + id + `","priority":1,"payload":"hi","dedup_key":"evt-1"}`
		resp, err := http.Post(ts.URL+"/queues/email", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusAccepted, post("a"))
	assert.Equal(t, http.StatusOK, post("b"))

	resp, err := http.Get(ts.URL + "/queues/email")
	require.NoError(t, err)
	defer resp.Body.Close()
	var items []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0]["ID"])
}

func TestJobs_LockContention(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/jobs/report?duration=1m", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/jobs/report", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLeaderboard(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, m := range []string{"ann?points=5", "bob?points=9", "ann?points=1"} {
		resp, err := http.Post(ts.URL+"/leaderboards/weekly/"+m, "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Post(ts.URL+"/leaderboards/weekly/ann?points=x", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/leaderboards/weekly?n=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var top []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&top))
	require.Len(t, top, 1)
	assert.Equal(t, "bob", top[0]["Member"])
}

func TestCounters(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/counters/requests")
	require.NoError(t, err)
	defer resp.Body.Close()
	var cmp []struct {
		Window  string
		Current struct{ Value int64 }
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cmp))
	require.Len(t, cmp, 5)
	for _, c := range cmp {
		assert.Equal(t, int64(1), c.Current.Value, c.Window)
	}
}
