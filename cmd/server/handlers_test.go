package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicerelay/internal/config"
	"voicerelay/internal/testhelpers"
	"voicerelay/internal/types"
	"voicerelay/internal/upstream"
)

func newHandlerServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Upstream.APIKey = "k"
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(&cfg, &upstream.WebSocketDialer{BaseURL: cfg.Upstream.BaseURL, APIKey: cfg.Upstream.APIKey})
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	s := newHandlerServer(t, nil)
	_, err := s.registry.Register("conn-1", testhelpers.NewFakeTransport())
	require.NoError(t, err)

	w := get(t, s, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var h types.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.ActiveConnections)
	assert.Equal(t, config.DefaultModel, h.Model)
	assert.True(t, h.HasAPIKey)
	assert.GreaterOrEqual(t, h.Uptime, 0.0)
	assert.Contains(t, w.Body.String(), `"hasApiKey":true`)
}

func TestHealthWithoutKey(t *testing.T) {
	s := newHandlerServer(t, func(c *config.Config) { c.Upstream.APIKey = "" })
	w := get(t, s, "/health")
	assert.Contains(t, w.Body.String(), `"hasApiKey":false`)
}

func TestStats(t *testing.T) {
	s := newHandlerServer(t, nil)
	rec, err := s.registry.Register("b", testhelpers.NewFakeTransport())
	require.NoError(t, err)
	rec.SetGenerating(true)
	_, err = s.registry.Register("a", testhelpers.NewFakeTransport())
	require.NoError(t, err)

	w := get(t, s, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats types.ServerStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalConnections)
	require.Len(t, stats.Connections, 2)
	assert.Equal(t, "a", stats.Connections[0].ID)
	assert.False(t, stats.Connections[1].Ready)
	assert.True(t, stats.Connections[1].Generating)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newHandlerServer(t, nil)
	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voicerelay_active_connections")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCORS(t *testing.T) {
	dev := newHandlerServer(t, nil)
	w := get(t, dev, "/health")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	prod := newHandlerServer(t, func(c *config.Config) {
		c.Server.Production = true
		c.Server.CORSOrigin = "https://voice.example.com"
	})
	w = get(t, prod, "/health")
	assert.Equal(t, "https://voice.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, []string{"voice.example.com"}, prod.originPatterns())

	pre := httptest.NewRecorder()
	prod.router.ServeHTTP(pre, httptest.NewRequest(http.MethodOptions, "/health", nil))
	assert.Equal(t, http.StatusNoContent, pre.Code)
}

func TestVoiceRequiresUpgrade(t *testing.T) {
	s := newHandlerServer(t, nil)
	w := get(t, s, "/voice")
	assert.True(t, w.Code >= 400, "plain GET must not upgrade, got %d", w.Code)
	assert.Equal(t, 0, s.registry.Count())
}
