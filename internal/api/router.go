// Package api provides HTTP routing for the admin interface. It wires
// together handlers and middleware for operator login, the registration
// review queue, authority management, and the metrics endpoint.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/api/handlers"
	"github.com/peersec/peerca/internal/api/middleware"
	"github.com/peersec/peerca/internal/ca"
	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/ra"
)

// NewRouter creates and configures the admin HTTP router
func NewRouter(cfg *config.Config, authority *ca.Authority, registration *ra.Authority, logger *zap.Logger) *gin.Engine {
	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware(cfg))

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg, logger)
	registrationHandler := handlers.NewRegistrationHandler(registration, logger)
	authorityHandler := handlers.NewAuthorityHandler(cfg, authority, logger)

	// Public routes
	public := router.Group("/api/v1")
	{
		public.POST("/auth/login", authHandler.Login)
	}

	// Protected routes (require authentication)
	protected := router.Group("/api/v1")
	protected.Use(middleware.AuthMiddleware(cfg))
	{
		protected.GET("/registrations", registrationHandler.List)
		protected.POST("/registrations/authorize", registrationHandler.Authorize)
		protected.POST("/registrations/reject", registrationHandler.Reject)
		protected.POST("/registrations/delete", registrationHandler.Delete)

		protected.GET("/authority", authorityHandler.Get)
		protected.POST("/authority/generate", authorityHandler.Generate)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
