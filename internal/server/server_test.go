package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/agentmarket/internal/config"
	"github.com/user/agentmarket/internal/dbtest"
	"github.com/user/agentmarket/internal/hub"
	"github.com/user/agentmarket/internal/metrics"
)

func TestRoutes(t *testing.T) {
	database := dbtest.Open(t)
	h := hub.New("token", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(New(&config.Config{Port: 8765}, h, database).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	metrics.RecordReview("create")
	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "agentmarket_reviews_total")

	resp, err = http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthReportsClosedStore(t *testing.T) {
	database := dbtest.Open(t)
	require.NoError(t, database.Close())

	rec := httptest.NewRecorder()
	New(&config.Config{Port: 8765}, hub.New("token", nil), database).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
