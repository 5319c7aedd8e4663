package handlers

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/maqalati/server/internal/metrics"
	"github.com/maqalati/server/internal/session"
	"golang.org/x/time/rate"
)

const (
	loginRateEvery     = 5 * time.Second
	loginRateBurst     = 5
	limiterSweepEvery  = 5 * time.Minute
	limiterIdleTimeout = 30 * time.Minute
)

type limiterEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// LoginLimiter throttles login attempts per client IP. It complements the
// per-account lockout, which cannot stop one client from trying many
// accounts.
type LoginLimiter struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	every     time.Duration
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// NewLoginLimiter allows one attempt per every, with bursts of burst.
func NewLoginLimiter(every time.Duration, burst int) *LoginLimiter {
	if every <= 0 {
		every = loginRateEvery
	}
	if burst <= 0 {
		burst = loginRateBurst
	}
	return &LoginLimiter{
		entries: make(map[string]*limiterEntry),
		every:   every,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether ip may attempt another login now.
func (l *LoginLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterSweepEvery {
		l.sweep(now)
	}

	e, ok := l.entries[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.entries[ip] = e
	}
	e.lastUse = now
	return e.limiter.AllowN(now, 1)
}

// sweep drops limiters idle for longer than limiterIdleTimeout.
func (l *LoginLimiter) sweep(now time.Time) {
	for ip, e := range l.entries {
		if now.Sub(e.lastUse) > limiterIdleTimeout {
			delete(l.entries, ip)
		}
	}
	l.lastSweep = now
}

func (l *LoginLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Middleware answers 429 once the client IP runs out of attempts.
func (l *LoginLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(session.ClientIP(r)) {
			metrics.LoginsTotal.WithLabelValues("throttled").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(l.every/time.Second)))
			writeError(w, http.StatusTooManyRequests, "محاولات كثيرة، يرجى الانتظار قليلاً ثم المحاولة مرة أخرى")
			return
		}
		next.ServeHTTP(w, r)
	})
}
