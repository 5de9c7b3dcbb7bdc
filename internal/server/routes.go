package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"

	"github.com/openmined/mirrorbox/internal/server/handlers/cache"
	"github.com/openmined/mirrorbox/internal/server/handlers/jobs"
	"github.com/openmined/mirrorbox/internal/server/handlers/objects"
	"github.com/openmined/mirrorbox/internal/server/middlewares"
	"github.com/openmined/mirrorbox/internal/version"
)

func SetupRoutes(config *Config, svc *Services) (http.Handler, error) {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	jobsH := jobs.New(svc.Jobs)
	cacheH := cache.New(svc.Cache)
	objectsH := objects.New(svc.Store, svc.Cache)

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
		Filters: []slogGin.Filter{
			slogGin.IgnorePath("/healthz"),
		},
	}))
	r.Use(gin.Recovery())
	r.Use(middlewares.GZIP())
	r.Use(middlewares.CORS())

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)

	v1 := r.Group("/api/v1")
	if config.RateLimit != "" {
		limit, err := middlewares.RateLimiter(config.RateLimit)
		if err != nil {
			return nil, err
		}
		v1.Use(limit)
	}
	{
		// jobs
		v1.GET("/jobs", jobsH.List)
		v1.POST("/jobs", jobsH.Create)
		v1.POST("/jobs/:id/resume", jobsH.Resume)
		v1.POST("/jobs/:id/cancel", jobsH.Cancel)

		// cloud cache
		v1.GET("/cache/status", cacheH.Status)
		v1.GET("/cache/files", cacheH.Files)
		v1.GET("/cache/stats", cacheH.Stats)

		// single objects
		v1.GET("/objects", objectsH.Download)
		v1.DELETE("/objects", objectsH.Delete)

		// websocket events
		v1.GET("/events", svc.Hub.Handler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler(), nil
}

func IndexHandler(ctx *gin.Context) {
	ctx.String(http.StatusOK, version.Detailed())
}

func HealthHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Short(),
	})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
