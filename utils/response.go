package utils

import (
	"context"
	"errors"
	"net/http"

	"companion-chat/services"

	"github.com/gin-gonic/gin"
)

// RespondSuccess writes the standard success envelope.
func RespondSuccess(c *gin.Context, data interface{}, meta interface{}) {
	RespondStatus(c, http.StatusOK, data, meta)
}

func RespondStatus(c *gin.Context, status int, data interface{}, meta interface{}) {
	body := gin.H{"code": status, "data": data}
	if meta != nil {
		body["meta"] = meta
	}
	c.JSON(status, body)
}

// RespondError maps err onto a status code and a stable reason.
func RespondError(c *gin.Context, err error) {
	status, reason, msg := http.StatusInternalServerError, "internal_error", "internal server error"

	var e *services.Error
	if errors.As(err, &e) {
		reason, msg = e.Reason, e.Message
		switch e.Kind {
		case services.KindValidation:
			status = http.StatusBadRequest
		case services.KindAuthorization:
			status = http.StatusForbidden
		case services.KindNotFound:
			status = http.StatusNotFound
		case services.KindTransport:
			status = http.StatusUnauthorized
		case services.KindDependency:
			status = http.StatusBadGateway
			if errors.Is(e.Err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
		}
	}
	if status >= http.StatusInternalServerError {
		c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":  status,
		"error": gin.H{"reason": reason, "message": msg},
	})
}

// RespondBadRequest reports malformed input that never reached a service.
func RespondBadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"code":  http.StatusBadRequest,
		"error": gin.H{"reason": "invalid_request", "message": msg},
	})
}
