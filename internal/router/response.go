package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/internal/apperr"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func fail(c *gin.Context, err error) {
	status := statusOf(apperr.KindOf(err))
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	msg := apperr.Message(err)
	if apperr.KindOf(err) == apperr.KindInternal {
		// 内部错误不回显细节
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"code": status, "msg": msg, "kind": apperr.KindOf(err).String()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"code": http.StatusBadRequest, "msg": msg, "kind": apperr.KindValidation.String(),
	})
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindInProgress:
		return http.StatusConflict
	case apperr.KindTransitionRejected:
		return http.StatusUnprocessableEntity
	case apperr.KindResolutionFailed:
		return http.StatusBadGateway
	case apperr.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
