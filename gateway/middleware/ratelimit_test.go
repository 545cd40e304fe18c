package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func limitedHandler(rl *RateLimiter, key string) http.Handler {
	return rl.Middleware(key)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(handler http.Handler, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestBurstExhaustion(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimit{
		"net": {RequestsPerMinute: 60, Burst: 2},
	})
	handler := limitedHandler(rl, "net")

	require.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:1234"))
	require.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:1234"))
	require.Equal(t, http.StatusTooManyRequests, hit(handler, "10.0.0.1:1234"))
}

func TestClientsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimit{
		"net": {RequestsPerMinute: 60, Burst: 1},
	})
	handler := limitedHandler(rl, "net")

	require.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:1234"))
	require.Equal(t, http.StatusTooManyRequests, hit(handler, "10.0.0.1:5678"))
	require.Equal(t, http.StatusOK, hit(handler, "10.0.0.2:1234"))
}

func TestGroupsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimit{
		"net":    {RequestsPerMinute: 60, Burst: 1},
		"settle": {RequestsPerMinute: 60, Burst: 1},
	})
	netHandler := limitedHandler(rl, "net")
	settleHandler := limitedHandler(rl, "settle")

	require.Equal(t, http.StatusOK, hit(netHandler, "10.0.0.1:1234"))
	require.Equal(t, http.StatusTooManyRequests, hit(netHandler, "10.0.0.1:1234"))
	require.Equal(t, http.StatusOK, hit(settleHandler, "10.0.0.1:1234"))
}

func TestUnconfiguredGroupIsUnlimited(t *testing.T) {
	rl := NewRateLimiter(nil)
	handler := limitedHandler(rl, "anything")
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:1234"))
	}
}
