package controller

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/adaptive"
	"github.com/llmgate/llmgate/relay/affinity"
	"github.com/llmgate/llmgate/relay/apiformat"
	"github.com/llmgate/llmgate/relay/health"
)

func setupAdminDB(t *testing.T) {
	t.Helper()
	dsn := fmt.Sprintf("file:admin_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Provider{}))
	model.DB = db
	model.InvalidateEntityCaches()
}

func newTestAdmin(t *testing.T) (*Admin, *affinity.Manager) {
	t.Helper()
	mgr, err := affinity.NewManager(nil, nil)
	require.NoError(t, err)
	return NewAdmin(health.NewMonitor(nil), adaptive.NewLearner(nil), mgr), mgr
}

func adminContext(t *testing.T, path, param, value string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, path, nil)
	c.Params = gin.Params{{Key: param, Value: value}}
	return c, w
}

func TestDisableProviderPurgesAffinities(t *testing.T) {
	setupAdminDB(t)
	admin, mgr := newTestAdmin(t)

	p := &model.Provider{Id: 3, Name: "acme", Status: model.ProviderStatusEnabled}
	require.NoError(t, model.DB.Create(p).Error)

	// two clients are sticky on keys of provider 3
	mgr.Touch(t.Context(), 9, apiformat.Claude, "claude-3-5-sonnet", 3, 1, 1)
	mgr.Touch(t.Context(), 42, apiformat.Claude, "claude-3-5-sonnet", 3, 2, 2)

	c, w := adminContext(t, "/api/providers/3/disable", "providerId", "3")
	admin.DisableProvider(c)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := model.GetProviderById(3)
	require.NoError(t, err)
	require.Equal(t, model.ProviderStatusDisabled, got.Status)

	_, ok := mgr.Lookup(t.Context(), 9, apiformat.Claude, "claude-3-5-sonnet")
	require.False(t, ok)
	_, ok = mgr.Lookup(t.Context(), 42, apiformat.Claude, "claude-3-5-sonnet")
	require.False(t, ok)
}

func TestEnableProvider(t *testing.T) {
	setupAdminDB(t)
	admin, _ := newTestAdmin(t)

	p := &model.Provider{Id: 4, Name: "acme", Status: model.ProviderStatusDisabled}
	require.NoError(t, model.DB.Create(p).Error)

	c, w := adminContext(t, "/api/providers/4/enable", "providerId", "4")
	admin.EnableProvider(c)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := model.GetProviderById(4)
	require.NoError(t, err)
	require.Equal(t, model.ProviderStatusEnabled, got.Status)
}
