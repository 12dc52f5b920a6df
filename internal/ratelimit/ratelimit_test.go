package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	clock, advance := fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5}).WithClock(clock)

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("ip")
		require.True(t, ok, "request %d within burst", i)
	}
	ok, wait := l.Allow("ip")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	advance(time.Second)
	ok, _ = l.Allow("ip")
	assert.True(t, ok)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clock, _ := fixedClock(time.Now())
	l := New(Config{RequestsPerMinute: 60, BurstSize: 2}).WithClock(clock)

	l.Allow("a")
	l.Allow("a")
	ok, _ := l.Allow("a")
	assert.False(t, ok)

	ok, _ = l.Allow("b")
	assert.True(t, ok)
}

func TestLimiter_EvictsIdleBuckets(t *testing.T) {
	clock, advance := fixedClock(time.Now())
	l := New(Config{RequestsPerMinute: 60, BurstSize: 2, IdleTTL: time.Minute}).WithClock(clock)

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Size())

	advance(2 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 1, l.Size())
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, DefaultConfig(), l.cfg)
}

func TestMiddleware_Rejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock, _ := fixedClock(time.Now())
	l := New(Config{RequestsPerMinute: 30, BurstSize: 1}).WithClock(clock)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}
