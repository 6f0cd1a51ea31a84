package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/store"
)

// respondError maps a ScrapeError to the correct HTTP status code and writes
// a structured JSON error response. A lost database connection becomes
// STORE_UNAVAILABLE. Anything else is logged and reported as an internal
// error without its text.
func respondError(c *gin.Context, err error) {
	err = store.Unavailable(err)
	var se *models.ScrapeError
	if !errors.As(err, &se) {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		se = models.NewScrapeError(models.ErrCodeInternal, "internal error", err)
	}
	c.JSON(statusOf(se), models.ErrorResponse{Error: se.ToDetail()})
}

// statusOf translates error codes to HTTP status codes.
func statusOf(e *models.ScrapeError) int {
	switch e.Code {
	case models.ErrCodeInvalidURL, models.ErrCodeInvalidOptions, models.ErrCodeInvalidAmount:
		return http.StatusBadRequest // 400
	case models.ErrCodeBatchTooLarge:
		return http.StatusRequestEntityTooLarge // 413
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	case models.ErrCodeInsufficientCredit:
		return http.StatusPaymentRequired // 402
	case models.ErrCodeJobNotFound, models.ErrCodeBatchNotFound, models.ErrCodeAccountNotFound:
		return http.StatusNotFound // 404
	case models.ErrCodeNotCancelable:
		return http.StatusConflict // 409
	case models.ErrCodeResultNotReady:
		// Still working: come back later. Finished without a result: never.
		if s, ok := e.Details["status"].(models.JobStatus); ok && s.Terminal() {
			return http.StatusConflict // 409
		}
		return http.StatusAccepted // 202
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeQueueUnavailable, models.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable // 503
	default:
		return http.StatusInternalServerError // 500
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error: &models.ErrorDetail{Code: models.ErrCodeInvalidOptions, Message: msg},
	})
}
