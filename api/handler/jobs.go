package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/harvester/api/middleware"
	"github.com/use-agent/harvester/jobs"
	"github.com/use-agent/harvester/models"
)

// CreateJob returns a handler for POST /v1/jobs.
func CreateJob(router *jobs.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.JobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if key := c.GetHeader("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
			req.IdempotencyKey = key
		}
		resp, err := router.Submit(c.Request.Context(), middleware.AccountID(c), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

// GetJob returns a handler for GET /v1/jobs/:id.
func GetJob(svc *jobs.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.Get(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.ViewOf(job))
	}
}

// GetResult returns a handler for GET /v1/jobs/:id/result.
//
// ?wait=<duration> (or whole seconds) long-polls until the job finishes,
// capped at maxWait.
func GetResult(svc *jobs.Service, maxWait time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		wait, err := parseWait(c.Query("wait"), maxWait)
		if err != nil {
			badRequest(c, "invalid wait: "+err.Error())
			return
		}
		res, err := svc.Wait(c.Request.Context(), middleware.AccountID(c), c.Param("id"), wait)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// CancelJob returns a handler for POST /v1/jobs/:id/cancel.
func CancelJob(svc *jobs.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.Cancel(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Balance returns a handler for GET /v1/account/balance.
func Balance(svc *jobs.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.Balance(c.Request.Context(), middleware.AccountID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func parseWait(raw string, maxWait time.Duration) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.Atoi(raw)
		if serr != nil {
			return 0, err
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		d = 0
	}
	if maxWait > 0 && d > maxWait {
		d = maxWait
	}
	return d, nil
}
