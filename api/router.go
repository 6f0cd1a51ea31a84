package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/harvester/api/handler"
	"github.com/use-agent/harvester/api/middleware"
	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/jobs"
)

// AnonymousAccount is the account requests act for when auth is disabled.
const AnonymousAccount = "anonymous"

// Deps is what the HTTP surface serves from.
type Deps struct {
	Jobs    *jobs.Router
	Service *jobs.Service
	Pools   handler.InFlighter
	Limiter *middleware.Limiter
	Checks  []handler.HealthCheck
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (or Anonymous) → RateLimit
//
// Health endpoint is intentionally outside auth so monitoring checks always work.
func NewRouter(cfg *config.Config, d Deps, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", handler.Health(d.Pools, startTime, d.Checks...))

	v1 := r.Group("/v1")
	if cfg.Auth.Enabled {
		v1.Use(middleware.Auth(cfg.Auth.APIKeys))
	} else {
		v1.Use(middleware.Anonymous(AnonymousAccount))
	}
	limiter := d.Limiter
	if limiter == nil {
		limiter = middleware.NewLimiter(cfg.RateLimit)
	}
	v1.Use(limiter.Middleware())

	// Jobs
	v1.POST("/jobs", handler.CreateJob(d.Jobs))
	v1.GET("/jobs/:id", handler.GetJob(d.Service))
	v1.GET("/jobs/:id/result", handler.GetResult(d.Service, cfg.Server.MaxResultWait))
	v1.POST("/jobs/:id/cancel", handler.CancelJob(d.Service))

	// Batch
	v1.POST("/batch", handler.CreateBatch(d.Jobs))
	v1.GET("/batch/:id", handler.GetBatch(d.Service))

	// Account
	v1.GET("/account/balance", handler.Balance(d.Service))

	return r
}
