package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/common"
	"github.com/llmgate/llmgate/common/graceful"
	"github.com/llmgate/llmgate/common/helper"
	"github.com/llmgate/llmgate/middleware"
	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/adaptive"
	"github.com/llmgate/llmgate/relay/affinity"
	"github.com/llmgate/llmgate/relay/health"
)

// Healthz answers liveness probes without touching DB or Redis.
func Healthz(c *gin.Context) {
	status := "ok"
	if graceful.IsDraining() {
		status = "draining"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "time": time.Now().Unix()})
}

// Readyz answers readiness probes: the DB must respond, Redis only when the
// deployment requires it.
func Readyz(c *gin.Context) {
	if graceful.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	sqlDB, err := model.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unreachable"})
		return
	}
	if common.IsRedisEnabled() {
		if err := common.RDB.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Admin owns the operational endpoints: circuit inspection and resets,
// adaptive-learning resets, and provider activation.
type Admin struct {
	monitor  *health.Monitor
	learner  *adaptive.Learner
	affinity *affinity.Manager
}

func NewAdmin(monitor *health.Monitor, learner *adaptive.Learner, affinityMgr *affinity.Manager) *Admin {
	return &Admin{monitor: monitor, learner: learner, affinity: affinityMgr}
}

// ListCircuits serves GET /api/circuits.
func (a *Admin) ListCircuits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": a.monitor.Snapshots()})
}

// ResetCircuit serves POST /api/circuits/:keyId/reset.
func (a *Admin) ResetCircuit(c *gin.Context) {
	keyId := helper.String2Int(c.Param("keyId"))
	a.monitor.Reset(keyId)
	c.JSON(http.StatusOK, gin.H{"message": "circuit reset"})
}

// ResetAllCircuits serves POST /api/circuits/reset. An in-flight half-open
// probe is left to finish.
func (a *Admin) ResetAllCircuits(c *gin.Context) {
	a.monitor.ResetAll()
	c.JSON(http.StatusOK, gin.H{"message": "all circuits reset"})
}

// ResetLearning serves POST /api/keys/:keyId/reset-learning: the key restarts
// from the cold-start concurrency ceiling.
func (a *Admin) ResetLearning(c *gin.Context) {
	keyId := helper.String2Int(c.Param("keyId"))
	if err := a.learner.Reset(keyId); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "learning state reset"})
}

// DisableProvider serves POST /api/providers/:providerId/disable. Every
// affinity pointing at the provider is purged so sticky clients re-plan on
// their next request instead of riding the withdrawn target until TTL.
func (a *Admin) DisableProvider(c *gin.Context) {
	providerId := helper.String2Int(c.Param("providerId"))
	if err := model.SetProviderStatus(providerId, model.ProviderStatusDisabled); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	model.InvalidateEntityCaches()
	a.affinity.InvalidateProvider(c.Request.Context(), providerId)
	c.JSON(http.StatusOK, gin.H{"message": "provider disabled"})
}

// EnableProvider serves POST /api/providers/:providerId/enable.
func (a *Admin) EnableProvider(c *gin.Context) {
	providerId := helper.String2Int(c.Param("providerId"))
	if err := model.SetProviderStatus(providerId, model.ProviderStatusEnabled); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	model.InvalidateEntityCaches()
	c.JSON(http.StatusOK, gin.H{"message": "provider enabled"})
}
