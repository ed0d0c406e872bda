package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/mediavault/internal/logging"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*Limiter, *testClock) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	return New(5, time.Minute, WithClock(clock.Now)), clock
}

func TestLimiterAllow(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("6th attempt should be denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other clients are independent")
	}
}

func TestLimiterSlidingWindow(t *testing.T) {
	rl, clock := newTestLimiter()

	// Two attempts at t=0, three at t=30s.
	rl.Allow("c")
	rl.Allow("c")
	clock.Advance(30 * time.Second)
	for i := 0; i < 3; i++ {
		rl.Allow("c")
	}
	if rl.Allow("c") {
		t.Fatal("quota should be exhausted")
	}

	if got := rl.RetryAfter("c"); got != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", got)
	}

	// The first two fall out of the window at t=60s.
	clock.Advance(30 * time.Second)
	if !rl.Allow("c") || !rl.Allow("c") {
		t.Fatal("expired attempts should free quota")
	}
	if rl.Allow("c") {
		t.Error("the t=30s attempts are still inside the window")
	}
}

func TestRetryAfterZeroUnderQuota(t *testing.T) {
	rl, _ := newTestLimiter()
	rl.Allow("c")
	if got := rl.RetryAfter("c"); got != 0 {
		t.Errorf("RetryAfter = %v, want 0", got)
	}
	if got := rl.RetryAfter("unknown"); got != 0 {
		t.Errorf("RetryAfter(unknown) = %v, want 0", got)
	}
}

func TestLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter()

	rl.Allow("old")
	clock.Advance(45 * time.Second)
	rl.Allow("recent")

	clock.Advance(20 * time.Second)
	if n := rl.Cleanup(); n != 1 {
		t.Errorf("expected 1 key after cleanup, got %d", n)
	}
	clock.Advance(time.Minute)
	if n := rl.Cleanup(); n != 0 {
		t.Errorf("expected 0 keys after cleanup, got %d", n)
	}
}

func TestLimiterConcurrent(t *testing.T) {
	rl, _ := newTestLimiter()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 5 {
		t.Errorf("expected exactly 5 allowed, got %d", got)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.168.1.10:54321", "192.168.1.10"},
		{"[::1]:8080", "::1"},
		{"203.0.113.7", "203.0.113.7"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		r.RemoteAddr = tt.remote
		if got := ClientKey(r); got != tt.want {
			t.Errorf("ClientKey(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	logging.InitNop()
	rl, _ := newTestLimiter()

	var reached int
	h := Middleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		w.WriteHeader(http.StatusUnauthorized)
	}))

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "198.51.100.4:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if i < 5 && rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401 from handler, got %d", i+1, rec.Code)
		}
		if i == 5 {
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("6th attempt: expected 429, got %d", rec.Code)
			}
			if ra := rec.Header().Get("Retry-After"); ra != "60" {
				t.Errorf("expected Retry-After 60, got %q", ra)
			}
		}
	}
	if reached != 5 {
		t.Errorf("handler reached %d times, want 5", reached)
	}
}
