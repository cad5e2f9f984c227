package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDisabledWithoutSecret(t *testing.T) {
	h := Middleware(Config{})(okHandler())

	req := httptest.NewRequest("GET", "/api/v1/instances", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	cfg := Config{JWTSecret: "test-secret", AccessTokenTTL: time.Minute}
	h := Middleware(cfg)(okHandler())

	req := httptest.NewRequest("GET", "/api/v1/instances", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	cfg := Config{JWTSecret: "test-secret", AccessTokenTTL: time.Minute}

	token, err := GenerateToken(cfg, "user-1", "admin")
	require.NoError(t, err)

	var got *AuthUser
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetAuthUser(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(cfg)(inner)

	req := httptest.NewRequest("GET", "/api/v1/instances", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.ID)
	assert.Equal(t, "admin", got.Role)
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	cfg := Config{JWTSecret: "test-secret", AccessTokenTTL: -time.Minute}
	token, err := GenerateToken(cfg, "user-1", "user")
	require.NoError(t, err)

	h := Middleware(Config{JWTSecret: "test-secret"})(okHandler())
	req := httptest.NewRequest("GET", "/api/v1/instances", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPublicRoutesBypassAuth(t *testing.T) {
	cfg := Config{JWTSecret: "test-secret"}
	h := Middleware(cfg)(okHandler())

	// Agent 心跳没有 JWT，也在白名单里
	paths := []string{"/healthz", "/metrics", "/api/v1/events/ws", "/api/v1/nodes/node-1/heartbeat"}
	for _, path := range paths {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
