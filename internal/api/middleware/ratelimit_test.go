package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg *Config) *InMemoryRateLimiter {
	t.Helper()

	rl := NewInMemoryRateLimiter(cfg)
	t.Cleanup(func() { _ = rl.Close() })

	return rl
}

func TestInMemoryRateLimiter_GlobalLimit(t *testing.T) {
	rl := newTestLimiter(t, &Config{GlobalRPS: 1, GlobalBurst: 2, ClientRPS: 100, UnAuthRPS: 100})

	assert.True(t, rl.Allow("client-a"))
	assert.True(t, rl.Allow("client-b"))

	// Global bucket exhausted regardless of client.
	assert.False(t, rl.Allow("client-c"))
}

func TestInMemoryRateLimiter_PerClientLimit(t *testing.T) {
	rl := newTestLimiter(t, &Config{GlobalRPS: 1000, ClientRPS: 1, ClientBurst: 2, UnAuthRPS: 1000})

	assert.True(t, rl.Allow("client-a"))
	assert.True(t, rl.Allow("client-a"))
	assert.False(t, rl.Allow("client-a"))

	// A different client has its own bucket.
	assert.True(t, rl.Allow("client-b"))
}

func TestInMemoryRateLimiter_UnauthenticatedTier(t *testing.T) {
	rl := newTestLimiter(t, &Config{GlobalRPS: 1000, ClientRPS: 1000, UnAuthRPS: 1, UnAuthBurst: 1})

	assert.True(t, rl.Allow(""))
	assert.False(t, rl.Allow(""))

	// Authenticated clients are unaffected by the unauthenticated bucket.
	assert.True(t, rl.Allow("client-a"))
}

func TestInMemoryRateLimiter_BurstDefaultsToTwiceRate(t *testing.T) {
	rl := newTestLimiter(t, &Config{GlobalRPS: 3, ClientRPS: 100, UnAuthRPS: 100})

	allowed := 0

	for i := 0; i < 10; i++ {
		if rl.Allow("client-a") {
			allowed++
		}
	}

	assert.Equal(t, 6, allowed)
}

func TestInMemoryRateLimiter_CleanupEvictsIdleClients(t *testing.T) {
	rl := newTestLimiter(t, &Config{
		GlobalRPS:       1000,
		ClientRPS:       1000,
		UnAuthRPS:       1000,
		CleanupInterval: time.Hour, // cleanup invoked manually below
		IdleTimeout:     time.Nanosecond,
	})

	require.True(t, rl.Allow("client-a"))

	rl.mu.RLock()
	_, present := rl.perClient["client-a"]
	rl.mu.RUnlock()
	require.True(t, present)

	time.Sleep(time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	_, present = rl.perClient["client-a"]
	rl.mu.RUnlock()
	assert.False(t, present)
}

func TestRateLimit_Middleware429(t *testing.T) {
	rl := newTestLimiter(t, &Config{GlobalRPS: 1, GlobalBurst: 1, ClientRPS: 100, UnAuthRPS: 100})

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(rl, discardLogger())(next)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/next-visit", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/next-visit", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "application/problem+json", second.Header().Get("Content-Type"))
}

func TestRateLimit_UsesClientContext(t *testing.T) {
	rl := newTestLimiter(t, &Config{GlobalRPS: 1000, ClientRPS: 1, ClientBurst: 1, UnAuthRPS: 1000})

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(rl, discardLogger())(next)

	request := func(clientID string) int {
		req := httptest.NewRequest(http.MethodPost, "/next-visit", nil)
		if clientID != "" {
			req = req.WithContext(SetClientContext(req.Context(), ClientContext{ClientID: clientID}))
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec.Code
	}

	assert.Equal(t, http.StatusOK, request("fanout"))
	assert.Equal(t, http.StatusTooManyRequests, request("fanout"))
	assert.Equal(t, http.StatusOK, request("other"))
}
