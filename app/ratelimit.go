package app

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/blueflame567/SyllabTrack/auth"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

type subjectLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per subject. A zero rate disables it.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*subjectLimiter
	r        rate.Limit
	b        int
	now      func() time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*subjectLimiter),
		r:        rate.Limit(float64(perMinute) / 60.0),
		b:        perMinute,
		now:      time.Now,
	}
}

// reserve returns zero when key may proceed, otherwise how long to wait.
func (l *rateLimiter) reserve(key string) time.Duration {
	if l == nil || l.b <= 0 {
		return 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, sl := range l.limiters {
		if now.Sub(sl.lastSeen) > limiterIdle {
			delete(l.limiters, k)
		}
	}
	sl, ok := l.limiters[key]
	if !ok {
		sl = &subjectLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[key] = sl
	}
	sl.lastSeen = now

	res := sl.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay
	}
	return 0
}

func (s *Server) rateLimit(c *gin.Context) {
	key := c.ClientIP()
	if claims, ok := auth.ClaimsFromContext(c.Request.Context()); ok {
		key = claims.Subject
	}
	if wait := s.limiter.reserve(key); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests, slow down"})
		return
	}
	c.Next()
}
