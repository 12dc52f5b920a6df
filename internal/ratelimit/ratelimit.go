// Package ratelimit throttles the operator API with a per-client token bucket.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejected = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "escrowpay",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the ops rate limiter.",
})

func init() {
	prometheus.MustRegister(rejected)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize is how many requests a fresh client may send at once
	BurstSize int
	// IdleTTL drops buckets that have not been touched for this long
	IdleTTL time.Duration
}

// DefaultConfig returns the ops route defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           5 * time.Minute,
	}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter tracks token buckets by key. Stale buckets are evicted lazily
// on Allow, so there is no background goroutine to stop.
type Limiter struct {
	cfg       Config
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

// New creates a new rate limiter. Non-positive settings fall back to defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket), now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) rate() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

// Allow takes one token from key's bucket. When the bucket is empty it
// returns false and how long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.last).Seconds()*l.rate())
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate() * float64(time.Second))
	return false, wait
}

// evict must be called with l.mu held.
func (l *Limiter) evict(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.IdleTTL {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.last) > l.cfg.IdleTTL {
			delete(l.buckets, k)
		}
	}
}

// Size reports how many buckets are tracked.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware limits by client IP and sets Retry-After on rejection.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if !ok {
			rejected.Inc()
			secs := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limit_exceeded",
				"message":    "Too many requests. Please slow down.",
				"retryAfter": secs,
			})
			return
		}
		c.Next()
	}
}
