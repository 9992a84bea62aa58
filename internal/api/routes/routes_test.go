// internal/api/routes/routes_test.go
package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/QianFuv/ChatDevApi/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	cfg := config.ServerConfig{RateLimit: 3, RateLimitWindow: 60}
	router := SetupRouter(cfg, nil, nil, nil)

	// /health touches no backend, so nil dependencies are safe here
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimitIsPerClient(t *testing.T) {
	cfg := config.ServerConfig{RateLimit: 1, RateLimitWindow: 60}
	router := SetupRouter(cfg, nil, nil, nil)

	first := httptest.NewRequest(http.MethodGet, "/health", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	// A second client gets its own counter
	second := httptest.NewRequest(http.MethodGet, "/health", nil)
	second.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusOK, rec.Code)
}
