// Package ratelimit throttles login attempts per client with a sliding
// window log.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediavault/internal/logging"
	"github.com/fruitsalade/mediavault/internal/metrics"
	"github.com/fruitsalade/mediavault/internal/protocol"
)

// Limiter allows at most limit events per key within any window.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time // ascending
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records an attempt for key and reports whether it is within quota.
// Rejected attempts are not recorded.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := l.prune(key, now)
	if len(hits) >= l.limit {
		return false
	}
	l.hits[key] = append(hits, now)
	return true
}

// RetryAfter returns how long key must wait before Allow can succeed.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := l.prune(key, now)
	if len(hits) < l.limit {
		return 0
	}
	return hits[len(hits)-l.limit].Add(l.window).Sub(now)
}

// prune drops timestamps outside the window. Caller holds mu.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	hits := l.hits[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == len(hits) {
		delete(l.hits, key)
		return nil
	}
	if i > 0 {
		hits = append(hits[:0], hits[i:]...)
		l.hits[key] = hits
	}
	return hits
}

// Cleanup removes keys with no attempts inside the window and returns the
// number of keys still tracked.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
	n := len(l.hits)
	metrics.SetRateLimitKeys(n)
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// ClientKey returns the client IP of r. RemoteAddr may already be a bare
// IP when a real-IP middleware ran first.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over quota with 429 and a Retry-After header
// before they reach next.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			if !l.Allow(key) {
				metrics.RecordRateLimitHit()
				wait := l.RetryAfter(key)
				logging.WithContext(r.Context()).Warn("login rate limited",
					zap.String("client", key),
					zap.Duration("retry_after", wait))
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(wait)))
				protocol.WriteError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
