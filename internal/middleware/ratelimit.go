package middleware

import (
	"net/http"
	"sync"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/model"

	"github.com/gin-gonic/gin"
)

type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second" json:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size" json:"burst_size"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl" json:"idle_ttl"`
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, BurstSize: 20, IdleTTL: 10 * time.Minute}
}

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	ips    map[string]*TokenBucket
	mu     sync.Mutex
	config RateLimitConfig
	now    func() time.Time
}

type TokenBucket struct {
	tokens     float64
	lastRefill time.Time
	rate       float64
	capacity   float64
	mu         sync.Mutex
}

func NewIPRateLimiter(config RateLimitConfig) *IPRateLimiter {
	return &IPRateLimiter{
		ips:    make(map[string]*TokenBucket),
		config: config,
		now:    time.Now,
	}
}

func (tb *TokenBucket) tryConsume(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = min(tb.tokens+elapsed*tb.rate, tb.capacity)
	tb.lastRefill = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

func (i *IPRateLimiter) getRateLimiter(ip string) *TokenBucket {
	i.mu.Lock()
	defer i.mu.Unlock()

	limiter, exists := i.ips[ip]
	if !exists {
		limiter = &TokenBucket{
			tokens:     float64(i.config.BurstSize),
			lastRefill: i.now(),
			rate:       i.config.RequestsPerSecond,
			capacity:   float64(i.config.BurstSize),
		}
		i.ips[ip] = limiter
	}
	return limiter
}

// Allow consumes one token for ip.
func (i *IPRateLimiter) Allow(ip string) bool {
	return i.getRateLimiter(ip).tryConsume(i.now())
}

// Cleanup forgets buckets that have been idle for longer than IdleTTL and
// returns how many were dropped.
func (i *IPRateLimiter) Cleanup() int {
	if i.config.IdleTTL <= 0 {
		return 0
	}
	cutoff := i.now().Add(-i.config.IdleTTL)
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for ip, b := range i.ips {
		if b.idleSince().Before(cutoff) {
			delete(i.ips, ip)
			n++
		}
	}
	return n
}

func (i *IPRateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !i.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.Response{
				Success: false,
				Error:   "too many requests",
				Kind:    string(apperr.KindRateLimited),
			})
			return
		}
		c.Next()
	}
}
