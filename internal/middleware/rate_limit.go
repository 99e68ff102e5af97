package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/config"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

// RateLimitConfig defines configuration for rate limiting
type RateLimitConfig struct {
	// Window is the time window for rate limiting
	Window time.Duration
	// Limit is the maximum number of requests allowed in the window
	Limit int
	// Key prefix for Redis keys
	KeyPrefix string
	// PerRecipe adds the :id route parameter to the key.
	PerRecipe bool
}

// RateLimiter is a fixed-window limiter keyed by principal, backed by Redis.
// A nil limiter lets every request through.
type RateLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		config: cfg,
		now:    time.Now,
		logger: logging.OrNop(logger).Named("rate_limit"),
	}
}

// NewCreationRateLimiter limits recipe submissions per caller. It returns nil
// when limiting is disabled or no redis is available.
func NewCreationRateLimiter(redisClient *redis.Client, cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if !cfg.Enabled || redisClient == nil || cfg.CreationLimit <= 0 {
		return nil
	}
	return NewRateLimiter(redisClient, RateLimitConfig{
		Window:    cfg.Window,
		Limit:     cfg.CreationLimit,
		KeyPrefix: "rate_limit:recipe_creation",
	}, logger)
}

// NewEnrichRateLimiter limits enrichment re-requests per caller and recipe.
func NewEnrichRateLimiter(redisClient *redis.Client, cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if !cfg.Enabled || redisClient == nil || cfg.EnrichLimit <= 0 {
		return nil
	}
	return NewRateLimiter(redisClient, RateLimitConfig{
		Window:    cfg.Window,
		Limit:     cfg.EnrichLimit,
		KeyPrefix: "rate_limit:recipe_enrich",
		PerRecipe: true,
	}, logger)
}

// Middleware returns a Gin middleware that enforces rate limiting. It must run
// after Authenticate.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil {
			c.Next()
			return
		}

		p, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "caller not authenticated"})
			return
		}
		if p.IsService() {
			c.Next()
			return
		}

		key := string(p.Kind) + ":" + p.ID
		if rl.config.PerRecipe {
			key += ":" + c.Param("id")
		}

		allowed, remaining, resetTime, err := rl.IsAllowed(c.Request.Context(), key)
		if err != nil {
			// A broken limiter must not take the API down with it.
			rl.logger.Warn("rate limit check failed", zap.String("key", key), zap.Error(err))
			c.Header("X-RateLimit-Error", "rate limit check failed")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":                "rate limit exceeded",
				"message":              fmt.Sprintf("You have exceeded the rate limit of %d requests per %v", rl.config.Limit, rl.config.Window),
				"rate_limit_remaining": remaining,
				"rate_limit_reset":     resetTime.Unix(),
				"retry_after":          int(resetTime.Sub(rl.now()).Seconds()),
			})
			return
		}

		c.Next()
	}
}

// IsAllowed counts a request against key.
// Returns: allowed, remaining requests, reset time, error
func (rl *RateLimiter) IsAllowed(ctx context.Context, key string) (bool, int, time.Time, error) {
	windowStart := rl.now().Truncate(rl.config.Window)
	redisKey := fmt.Sprintf("%s:%s:%d", rl.config.KeyPrefix, key, windowStart.Unix())

	pipe := rl.redis.Pipeline()
	incrCmd := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	count := int(incrCmd.Val())
	remaining := rl.config.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.config.Limit, remaining, windowStart.Add(rl.config.Window), nil
}
