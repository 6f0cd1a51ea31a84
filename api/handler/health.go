package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/harvester/models"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// HealthCheck checks one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// InFlighter reports executing attempts per engine.
type InFlighter interface {
	InFlight() map[models.EngineType]int64
}

// Health returns a handler for GET /health.
//
// Reports in-flight attempts per pool and degrades status, with a 503, when
// any check fails.
func Health(pools InFlighter, startTime time.Time, checks ...HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		results := make(map[string]string, len(checks))
		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				results[hc.Name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			results[hc.Name] = "ok"
		}

		var inflight map[models.EngineType]int64
		if pools != nil {
			inflight = pools.InFlight()
		}
		c.JSON(code, models.HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Pools:   inflight,
			Checks:  results,
			Version: Version,
		})
	}
}
