// Package api is the HTTP surface of the pipeline: clients submit recipes,
// read and watch their progress, and re-request enrichment.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/middleware"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/store"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/trigger"
)

// HealthCheck reports a dependency's health.
type HealthCheck func(ctx context.Context) error

// Health returns 200 when every check passes and 503 otherwise.
func Health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{"status": state, "checks": results})
	}
}

// Deps are what the routes need.
type Deps struct {
	Store      store.Store
	Dispatcher Dispatcher
	Tokens     middleware.TokenValidator
	Services   middleware.ServiceKeyVerifier
	Creation   *middleware.RateLimiter
	Enrich     *middleware.RateLimiter
	Health     map[string]HealthCheck
	Logger     *zap.Logger
}

// RegisterRoutes registers all API routes
func RegisterRoutes(router *gin.Engine, deps Deps) {
	// Health check endpoint (no auth required)
	router.GET("/health", Health(deps.Health))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Authenticate(deps.Tokens, deps.Services))

	h := NewRecipeHandler(deps.Store, deps.Dispatcher, deps.Logger)
	h.RegisterRoutes(v1, deps.Creation, deps.Enrich)
}

// writeError maps pipeline errors onto HTTP statuses.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status, msg := http.StatusInternalServerError, "internal server error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "recipe not found"
	case errors.Is(err, store.ErrForbidden):
		status, msg = http.StatusForbidden, "not an owner of this recipe"
	case errors.Is(err, store.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "authentication required"
	case errors.Is(err, trigger.ErrUnknownStage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, trigger.ErrNotReady):
		status, msg = http.StatusConflict, err.Error()
	default:
		logging.OrNop(logger).Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
