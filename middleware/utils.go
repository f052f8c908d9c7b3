package middleware

import (
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/common/ctxkey"
	"github.com/llmgate/llmgate/common/helper"
)

// AbortWithError ends the request with the gateway's JSON error envelope.
// errType is one of the executor's error-taxonomy kinds.
func AbortWithError(c *gin.Context, statusCode int, errType string, err error) {
	lg := gmw.GetLogger(c)
	if statusCode >= 500 {
		lg.Error("request aborted", zap.Int("status_code", statusCode), zap.Error(err))
	} else {
		lg.Warn("request aborted", zap.Int("status_code", statusCode), zap.Error(err))
	}

	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"message": helper.MessageWithRequestId(err.Error(), c.GetString(ctxkey.RequestId)),
			"type":    errType,
		},
	})
	c.Abort()
}
