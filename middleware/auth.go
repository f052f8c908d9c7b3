package middleware

import (
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/common/ctxkey"
	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/apiformat"
)

// extractCredential pulls the client key from any of the accepted carriers:
// Authorization: Bearer, x-api-key (Claude shape), x-goog-api-key or ?key=
// (Gemini shape).
func extractCredential(c *gin.Context) string {
	if v := c.GetHeader("Authorization"); v != "" {
		return strings.TrimSpace(strings.TrimPrefix(v, "Bearer"))
	}
	if v := c.GetHeader("x-api-key"); v != "" {
		return v
	}
	if v := c.GetHeader("x-goog-api-key"); v != "" {
		return v
	}
	return c.Query("key")
}

// KeyAuth authenticates the client key, resolves its owner, and applies the
// pre-flight gates: key status/expiry, inbound-format allow-list, and the
// front-edge quota check. The fine-grained per-cost gate runs at billing time.
func KeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := model.ValidateApiKey(extractCredential(c))
		if err != nil {
			switch {
			case errors.Is(err, model.ErrApiKeyNotFound):
				AbortWithError(c, http.StatusUnauthorized, "unauthorized", errors.New("invalid api key"))
			case errors.Is(err, model.ErrApiKeyDisabled):
				AbortWithError(c, http.StatusForbidden, "forbidden", errors.New("api key is disabled"))
			case errors.Is(err, model.ErrApiKeyExpired):
				AbortWithError(c, http.StatusForbidden, "forbidden", errors.New("api key has expired"))
			default:
				AbortWithError(c, http.StatusInternalServerError, "internal_error", err)
			}
			return
		}

		// catalog and admin routes carry no wire format; nothing to gate there
		format := c.GetString(ctxkey.APIFormat)
		if allowed := key.GetAllowedAPIFormats(); format != "" && len(allowed) > 0 && !lo.Contains(allowed, format) {
			AbortWithError(c, http.StatusForbidden, "forbidden",
				errors.Errorf("api key may not use the %s surface", format))
			return
		}

		c.Set(ctxkey.ClientKey, key)
		c.Set(ctxkey.ClientKeyId, key.Id)
		c.Set(ctxkey.UserId, key.UserId)

		if key.IsStandalone {
			if key.RemainingBalance() <= config.StandaloneBalanceFloorUSD {
				AbortWithError(c, http.StatusTooManyRequests, "quota_exceeded",
					errors.New("standalone key balance exhausted"))
				return
			}
		} else {
			user, err := model.CacheGetUserById(key.UserId)
			if err != nil {
				AbortWithError(c, http.StatusInternalServerError, "internal_error",
					errors.Wrap(err, "resolve key owner"))
				return
			}
			if !user.IsEnabled() {
				AbortWithError(c, http.StatusForbidden, "forbidden", errors.New("user is disabled"))
				return
			}
			if !user.HasQuota() {
				AbortWithError(c, http.StatusTooManyRequests, "quota_exceeded",
					errors.New("user quota exhausted"))
				return
			}
			c.Set(ctxkey.User, user)
		}

		if err := model.TouchApiKey(key.Id); err != nil {
			gmw.GetLogger(c).Warn("touch api key", zap.Error(err))
		}
	}
}

// SetAPIFormat stamps the wire protocol of a route group into the context
// before auth and resolution run.
func SetAPIFormat(format string) gin.HandlerFunc {
	if !apiformat.IsValid(format) {
		panic("unknown api format: " + format)
	}
	return func(c *gin.Context) {
		c.Set(ctxkey.APIFormat, format)
		c.Next()
	}
}

// AdminAuth gates the operational endpoints: the key must belong to an
// enabled admin user. Standalone keys have no owner and never pass.
func AdminAuth() gin.HandlerFunc {
	auth := KeyAuth()
	return func(c *gin.Context) {
		auth(c)
		if c.IsAborted() {
			return
		}
		v, ok := c.Get(ctxkey.User)
		if !ok {
			AbortWithError(c, http.StatusForbidden, "forbidden",
				errors.New("admin access requires a user-owned key"))
			return
		}
		if !v.(*model.User).IsAdmin() {
			AbortWithError(c, http.StatusForbidden, "forbidden",
				errors.New("admin access required"))
			return
		}
	}
}
