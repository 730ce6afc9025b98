package router

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/pagepool/pagepool/internal/admission"
	"github.com/pagepool/pagepool/internal/browser"
	"github.com/pagepool/pagepool/internal/httpapi"
	"github.com/pagepool/pagepool/internal/middleware"
	"github.com/pagepool/pagepool/internal/pool"
	"github.com/pagepool/pagepool/internal/sessions"
)

func New(driver browser.Driver, p *pool.Pool, sm *sessions.Manager, ac *admission.Controller, apiKey string) *gin.Engine {
	r := gin.Default()

	// CORS middleware
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.Use(middleware.Auth(apiKey))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		if !driver.Ready() {
			c.JSON(503, gin.H{"status": "unhealthy", "driver": "down"})
			return
		}

		st := p.Stats()
		ready := 0
		for _, inst := range st.Instances {
			if inst.State == pool.StateReady {
				ready++
			}
		}

		c.JSON(200, gin.H{
			"status":          "healthy",
			"driver":          "up",
			"ready_instances": ready,
			"target_size":     st.TargetSize,
		})
	})

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		api := httpapi.New(ac, sm, p)
		api.RegisterRoutes(v1)
	}

	return r
}
