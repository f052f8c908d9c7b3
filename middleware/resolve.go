package middleware

import (
	"net/http"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/common"
	"github.com/llmgate/llmgate/common/ctxkey"
	"github.com/llmgate/llmgate/relay/adaptor"
	"github.com/llmgate/llmgate/relay/apiformat"
)

// ResolveRequest parses the inbound body through the route group's protocol
// shim and stamps the resolved view into the context. countTokens routes the
// request to the token-counting passthrough instead of the completion path.
func ResolveRequest(countTokens bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		format := c.GetString(ctxkey.APIFormat)
		shim, ok := adaptor.ForFormat(format)
		if !ok {
			AbortWithError(c, http.StatusInternalServerError, "internal_error",
				errors.Errorf("no adapter for format %s", format))
			return
		}

		body, err := common.GetRequestBody(c)
		if err != nil {
			AbortWithError(c, http.StatusBadRequest, "invalid_request",
				errors.Wrap(err, "read request body"))
			return
		}

		var pathModel string
		var pathStream bool
		if format == apiformat.Gemini {
			model, action, ok := apiformat.SplitGeminiAction(c.Param("modelAndAction"))
			if !ok || (action != "generateContent" && action != "streamGenerateContent") {
				AbortWithError(c, http.StatusNotFound, "invalid_request",
					errors.New("unknown gemini action"))
				return
			}
			pathModel = model
			pathStream = action == "streamGenerateContent"
		}

		req, err := shim.ParseRequest(body, c.Request.Header, pathModel, pathStream)
		if err != nil {
			if errors.Is(err, adaptor.ErrMissingModel) {
				AbortWithError(c, http.StatusBadRequest, "invalid_request",
					errors.New("missing required field: model"))
				return
			}
			AbortWithError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
		// the shared vendor shims report the base format; the route knows better
		req.APIFormat = format
		req.CountTokens = countTokens

		c.Set(ctxkey.ResolvedRequest, req)
		c.Set(ctxkey.RequestModel, req.Model)
		c.Set(ctxkey.IsStream, req.Stream)
		c.Set(ctxkey.Requirements, req.Requirements)
		c.Next()
	}
}
