package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/common/ctxkey"
	"github.com/llmgate/llmgate/common/helper"
)

func RequestId() func(c *gin.Context) {
	return func(c *gin.Context) {
		id := helper.GenRequestId()
		c.Set(ctxkey.RequestId, id)
		c.Header(helper.RequestIdKey, id)
		c.Next()
	}
}
