package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/llmgate/llmgate/common/ctxkey"
	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/apiformat"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:mw_%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	model.DB = db
	require.NoError(t, db.AutoMigrate(&model.ApiKey{}, &model.User{}))
	model.InvalidateEntityCaches()
	t.Cleanup(model.InvalidateEntityCaches)
}

func runAuth(t *testing.T, setup func(r *http.Request)) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{}"))
	if setup != nil {
		setup(c.Request)
	}
	c.Set(ctxkey.APIFormat, apiformat.Claude)
	KeyAuth()(c)
	return w, c
}

func seedKey(t *testing.T, plaintext string, mutate func(*model.ApiKey)) *model.ApiKey {
	t.Helper()
	key := &model.ApiKey{
		UserId:  1,
		KeyHash: model.HashKey(plaintext),
		Status:  model.ApiKeyStatusEnabled,
	}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, model.DB.Create(key).Error)
	return key
}

func seedUser(t *testing.T, mutate func(*model.User)) {
	t.Helper()
	u := &model.User{Id: 1, Status: model.UserStatusEnabled}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, model.DB.Create(u).Error)
}

func TestKeyAuthMissingKey(t *testing.T) {
	setupTestDB(t)
	w, c := runAuth(t, nil)
	require.True(t, c.IsAborted())
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestKeyAuthUnknownKey(t *testing.T) {
	setupTestDB(t)
	w, _ := runAuth(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sk-nope")
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestKeyAuthBearerHeader(t *testing.T) {
	setupTestDB(t)
	seedUser(t, nil)
	seedKey(t, "sk-good", nil)

	w, c := runAuth(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sk-good")
	})
	require.False(t, c.IsAborted(), w.Body.String())
	require.Equal(t, 1, c.GetInt(ctxkey.ClientKeyId))
}

func TestKeyAuthXApiKeyHeader(t *testing.T) {
	setupTestDB(t)
	seedUser(t, nil)
	seedKey(t, "sk-good", nil)

	_, c := runAuth(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-good")
	})
	require.False(t, c.IsAborted())
}

func TestKeyAuthDisabledKey(t *testing.T) {
	setupTestDB(t)
	seedKey(t, "sk-off", func(k *model.ApiKey) { k.Status = model.ApiKeyStatusDisabled })

	w, _ := runAuth(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-off")
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestKeyAuthExpiredKey(t *testing.T) {
	setupTestDB(t)
	past := int64(1000)
	seedKey(t, "sk-old", func(k *model.ApiKey) { k.ExpiresAt = &past })

	w, _ := runAuth(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-old")
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestKeyAuthFormatAllowList(t *testing.T) {
	setupTestDB(t)
	seedUser(t, nil)
	seedKey(t, "sk-openai-only", func(k *model.ApiKey) { k.AllowedAPIFormats = "openai" })

	w, _ := runAuth(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-openai-only")
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestKeyAuthStandaloneBalanceFloor(t *testing.T) {
	setupTestDB(t)
	balance := 1.0
	seedKey(t, "sk-alone", func(k *model.ApiKey) {
		k.IsStandalone = true
		k.CurrentBalanceUSD = &balance
		k.BalanceUsedUSD = 1.0
	})

	w, _ := runAuth(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-alone")
	})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Contains(t, w.Body.String(), "quota_exceeded")
}

func TestKeyAuthStandaloneSkipsUserGate(t *testing.T) {
	setupTestDB(t)
	// no user row at all: standalone keys must not need one
	balance := 5.0
	seedKey(t, "sk-alone", func(k *model.ApiKey) {
		k.IsStandalone = true
		k.CurrentBalanceUSD = &balance
	})

	_, c := runAuth(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-alone")
	})
	require.False(t, c.IsAborted())
}

func TestKeyAuthUserQuotaExhausted(t *testing.T) {
	setupTestDB(t)
	quota := 2.0
	seedUser(t, func(u *model.User) {
		u.QuotaUSD = &quota
		u.UsedUSD = 2.0
	})
	seedKey(t, "sk-user", nil)

	w, _ := runAuth(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-user")
	})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestKeyAuthNilQuotaPasses(t *testing.T) {
	setupTestDB(t)
	seedUser(t, func(u *model.User) { u.UsedUSD = 1e9 })
	seedKey(t, "sk-user", nil)

	_, c := runAuth(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-user")
	})
	require.False(t, c.IsAborted(), "nil quota means unlimited")
}
