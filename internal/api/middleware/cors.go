package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/peersec/peerca/internal/config"
)

// CORSMiddleware configures CORS from the admin configuration. With no
// allowed origins configured it is a no-op.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	if len(cfg.Admin.CORSOrigins) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return cors.New(cors.Config{
		AllowOrigins:     cfg.Admin.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	})
}
