package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/harvester/api/middleware"
	"github.com/use-agent/harvester/jobs"
	"github.com/use-agent/harvester/models"
)

// CreateBatch returns a handler for POST /v1/batch.
// The whole batch is admitted or none of it is.
func CreateBatch(router *jobs.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		resp, err := router.SubmitBatch(c.Request.Context(), middleware.AccountID(c), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

// GetBatch returns a handler for GET /v1/batch/:id.
func GetBatch(svc *jobs.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.BatchStatus(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
