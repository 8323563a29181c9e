package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TenantHeader identifies the calling tenant for per-tenant rate limiting.
const TenantHeader = "X-Tenant-ID"

const (
	defaultMaxTenants  = 10000
	defaultIdleTimeout = 10 * time.Minute
)

// RateLimiter limits requests per tenant. Requests without a tenant header
// share one limiter.
//
// The header is caller controlled, so the limiter table is bounded. Tenants
// idle for longer than the idle timeout are swept on insert, and when the
// table is still full the least recently seen tenant is dropped. A dropped
// tenant starts again with a full burst.
type RateLimiter struct {
	rps         rate.Limit
	burst       int
	maxTenants  int
	idleTimeout time.Duration
	clock       func() time.Time

	mu        sync.Mutex
	limiters  map[string]*tenantLimiter
	lastSweep time.Time
	logger    *zap.Logger
}

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxTenants caps the number of tracked tenants.
func WithMaxTenants(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTenants = n
		}
	}
}

// WithIdleTimeout sets how long an unused tenant limiter is kept.
func WithIdleTimeout(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.idleTimeout = d
		}
	}
}

func withRateLimiterClock(clock func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.clock = clock }
}

// NewRateLimiter creates a new rate limiter middleware.
func NewRateLimiter(requestsPerSecond float64, burstSize int, logger *zap.Logger, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		rps:         rate.Limit(requestsPerSecond),
		burst:       burstSize,
		maxTenants:  defaultMaxTenants,
		idleTimeout: defaultIdleTimeout,
		clock:       time.Now,
		limiters:    make(map[string]*tenantLimiter),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.lastSweep = rl.clock()
	return rl
}

// Tenants returns the number of tracked tenant limiters.
func (rl *RateLimiter) Tenants() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) limiterFor(tenantID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	if e, ok := rl.limiters[tenantID]; ok {
		e.lastSeen = now
		return e.limiter
	}

	if now.Sub(rl.lastSweep) >= rl.idleTimeout || len(rl.limiters) >= rl.maxTenants {
		rl.evictLocked(now)
	}

	e := &tenantLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst), lastSeen: now}
	rl.limiters[tenantID] = e
	return e.limiter
}

// evictLocked drops idle tenants, then the least recently seen one if the
// table is still full.
func (rl *RateLimiter) evictLocked(now time.Time) {
	rl.lastSweep = now

	var oldestID string
	var oldest time.Time
	removed := 0
	for id, e := range rl.limiters {
		if now.Sub(e.lastSeen) >= rl.idleTimeout {
			delete(rl.limiters, id)
			removed++
			continue
		}
		if oldestID == "" || e.lastSeen.Before(oldest) {
			oldestID, oldest = id, e.lastSeen
		}
	}
	if len(rl.limiters) >= rl.maxTenants && oldestID != "" {
		delete(rl.limiters, oldestID)
		removed++
	}
	if removed > 0 {
		rl.logger.Debug("Evicted tenant rate limiters",
			zap.Int("count", removed),
			zap.Int("tracked", len(rl.limiters)))
	}
}

// Limit applies rate limiting to requests.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if !rl.limiterFor(tenantID).Allow() {
			rl.logger.Warn("rate limit exceeded",
				zap.String("tenant_id", tenantID),
				zap.String("request_id", r.Header.Get(RequestIDHeader)),
				zap.String("path", r.URL.Path),
			)

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"status":"error","error_code":"RATE_LIMITED","message":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
