package common

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/common/ctxkey"
)

// GetRequestBody reads and caches the raw request body so the fallback loop
// can replay it on every attempt.
func GetRequestBody(c *gin.Context) ([]byte, error) {
	if body, ok := c.Get(ctxkey.RequestBody); ok {
		return body.([]byte), nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	_ = c.Request.Body.Close()
	c.Set(ctxkey.RequestBody, body)
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	return body, nil
}

// UnmarshalBodyReusable decodes the JSON body into v without consuming it:
// the cached bytes stay available for later replays.
func UnmarshalBodyReusable(c *gin.Context, v any) error {
	body, err := GetRequestBody(c)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, "unmarshal request body")
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	return nil
}
