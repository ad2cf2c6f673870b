package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_PerIP(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	for i, want := range []bool{true, true, false} {
		if got := rl.Allow("192.0.2.1"); got != want {
			t.Fatalf("request %d: Allow() = %v, want %v", i, got, want)
		}
	}
	if !rl.Allow("192.0.2.2") {
		t.Fatal("other addresses have their own budget")
	}

	now = now.Add(time.Second)
	if !rl.Allow("192.0.2.1") {
		t.Fatal("budget refills over time")
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.Allow("192.0.2.1")
	now = now.Add(VisitorIdleTimeout / 2)
	rl.Allow("192.0.2.2")

	now = now.Add(VisitorIdleTimeout/2 + time.Second)
	if n := rl.Prune(); n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if n := rl.Prune(); n != 0 {
		t.Fatalf("second Prune() = %d, want 0", n)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d limited with status %d", i, rec.Code)
		}
	}
}
