package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouteConfig tunes the middleware applied to the API.
type RouteConfig struct {
	APIToken   string
	RPS        float64
	Burst      int
	Metrics    http.Handler
	CleanupRPS float64
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, rc RouteConfig) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	if rc.Metrics != nil {
		r.GET("/metrics", gin.WrapH(rc.Metrics))
	}

	apiRateLimiter := RateLimiter(rc.RPS, rc.Burst)
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(RequireAPIToken(rc.APIToken))
	api.Use(RequireJSONContentType())
	{
		api.GET("/runs", h.APIListRuns)
		api.GET("/runs/latest", h.APILatestRun)
		api.POST("/sync", h.APITriggerSync)
		api.GET("/operations", h.APIListOperations)
		api.GET("/operations/:id", h.APIGetOperation)
		api.POST("/operations/:id/cancel", h.APICancelOperation)
		api.GET("/operations/:id/backup.ics", h.APIExportBackup)
		api.GET("/activity", h.APIActivity)
	}

	// Calls that list or mutate the whole calendar get a stricter limit
	cleanupRPS := rc.CleanupRPS
	if cleanupRPS <= 0 {
		cleanupRPS = 1
	}
	expensive := r.Group("/api")
	expensive.Use(RateLimiter(cleanupRPS, 3))
	expensive.Use(RequireAPIToken(rc.APIToken))
	expensive.Use(RequireJSONContentType())
	{
		expensive.POST("/cleanup/analyze", h.APIAnalyze)
		expensive.POST("/cleanup", h.APICleanup)
		expensive.POST("/operations/:id/restore", h.APIRestoreOperation)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}
