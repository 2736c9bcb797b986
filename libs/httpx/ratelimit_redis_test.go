package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiterHandler(t *testing.T, limit int, window time.Duration, failOpen bool) (*miniredis.Miniredis, http.Handler) {
	t.Helper()
	mini := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter := NewRedisRateLimiter(rdb, limit, window, "test")
	handler := limiter.Middleware(nil, failOpen)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return mini, handler
}

func doRequest(handler http.Handler, client string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", client)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRedisRateLimiter_EnforcesLimit(t *testing.T) {
	_, handler := newRedisLimiterHandler(t, 3, time.Minute, false)

	for i := 0; i < 3; i++ {
		if code := doRequest(handler, "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, code)
		}
	}
	if code := doRequest(handler, "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("over limit: status = %d, want 429", code)
	}

	// Another client has its own counter.
	if code := doRequest(handler, "10.0.0.2"); code != http.StatusOK {
		t.Fatalf("second client: status = %d, want 200", code)
	}
}

func TestRedisRateLimiter_WindowResets(t *testing.T) {
	mini, handler := newRedisLimiterHandler(t, 1, time.Second, false)

	if code := doRequest(handler, "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", code)
	}
	if code := doRequest(handler, "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", code)
	}

	mini.FastForward(2 * time.Second)

	if code := doRequest(handler, "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("after window: status = %d, want 200", code)
	}
}

func TestRedisRateLimiter_RedisDown(t *testing.T) {
	mini, failOpenHandler := newRedisLimiterHandler(t, 3, time.Minute, true)
	mini.Close()
	if code := doRequest(failOpenHandler, "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("fail-open: status = %d, want 200", code)
	}

	mini2, failClosedHandler := newRedisLimiterHandler(t, 3, time.Minute, false)
	mini2.Close()
	if code := doRequest(failClosedHandler, "10.0.0.1"); code != http.StatusServiceUnavailable {
		t.Fatalf("fail-closed: status = %d, want 503", code)
	}
}
