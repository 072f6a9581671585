package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-duel/internal/middleware"
	"github.com/mossy-p/blink-duel/internal/models"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestLogin_IssuesToken(t *testing.T) {
	s := newTestServer(t)

	resp := postJSON(t, s.URL+"/api/auth/login", LoginRequest{DisplayName: "  Alice "})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Alice", body.DisplayName)
	assert.NotEmpty(t, body.UserID)

	claims, err := middleware.ParseToken(body.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "Alice", claims.DisplayName)
	assert.Equal(t, body.UserID, claims.UserID)
}

func TestLogin_RejectsBadNames(t *testing.T) {
	s := newTestServer(t)

	for _, name := range []string{"", "   ", "a-name-that-is-far-too-long-for-the-board"} {
		resp := postJSON(t, s.URL+"/api/auth/login", LoginRequest{DisplayName: name})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "name %q", name)
	}
}

func TestQueueStats(t *testing.T) {
	s := newTestServer(t)

	var stats models.QueueStatsResponse
	require.Equal(t, http.StatusOK, getJSON(t, s.URL+"/api/queue", &stats))
	assert.Equal(t, models.QueueStatsResponse{}, stats)

	ws, _ := s.dial(t, "Alice")
	joinQueue(t, ws, "Alice")
	require.Eventually(t, func() bool { return s.relay.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return getJSON(t, s.URL+"/api/queue", &stats) == http.StatusOK && stats.Waiting == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, stats.Connected)
}

func TestGetMatch(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, getJSON(t, s.URL+"/api/matches/nope", nil))

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.store.SaveMatch(t.Context(), models.MatchMetadata{ID: "m1", HostID: "a", GuestID: "b", CreatedAt: created}))

	var match models.MatchMetadata
	require.Equal(t, http.StatusOK, getJSON(t, s.URL+"/api/matches/m1", &match))
	assert.Equal(t, "a", match.HostID)
	assert.True(t, created.Equal(match.CreatedAt))
}

func TestOriginFilter(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Header.Set("Origin", "http://localhost:5173")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Method = http.MethodOptions
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
