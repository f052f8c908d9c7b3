package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/llmgate/llmgate/common"
	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/common/graceful"
	"github.com/llmgate/llmgate/common/logger"
	"github.com/llmgate/llmgate/controller"
	"github.com/llmgate/llmgate/middleware"
	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/monitor"
	"github.com/llmgate/llmgate/relay/adaptive"
	"github.com/llmgate/llmgate/relay/admission"
	"github.com/llmgate/llmgate/relay/affinity"
	"github.com/llmgate/llmgate/relay/executor"
	"github.com/llmgate/llmgate/relay/health"
	"github.com/llmgate/llmgate/relay/planner"
	"github.com/llmgate/llmgate/router"
)

func main() {
	logger.SetupLogger()
	if config.GinMode != "" {
		gin.SetMode(config.GinMode)
	}

	model.InitDB()
	defer func() {
		if err := model.CloseDB(); err != nil {
			logger.Logger.Error("close database", zap.Error(err))
		}
	}()
	if err := common.InitRedisClient(); err != nil {
		logger.Logger.Fatal("init redis", zap.Error(err))
	}

	var rdb redis.Cmdable
	var counters admission.Counters
	if common.IsRedisEnabled() {
		rdb = common.RDB
		counters = admission.NewRedisCounters(rdb)
	} else {
		counters = admission.NewProcessCounters(nil)
	}

	healthMonitor := health.NewMonitor(nil)
	affinityMgr, err := affinity.NewManager(rdb, nil)
	if err != nil {
		logger.Logger.Fatal("init affinity manager", zap.Error(err))
	}
	learner := adaptive.NewLearner(nil)
	adm := admission.NewController(counters, learner)
	plan := planner.New(healthMonitor, affinityMgr)
	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)
	exec := executor.New(plan, adm, healthMonitor, affinityMgr, learner, metrics, nil)

	// an opened circuit invalidates every affinity pointing at the key, so
	// sticky clients re-plan instead of riding a dead target until TTL
	healthMonitor.OnStateChange(func(keyId int, state health.State) {
		metrics.SetCircuitState(keyId, string(state))
		if state == health.StateOpen {
			affinityMgr.InvalidateKey(context.Background(), keyId)
		}
	})

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go adaptiveFlushLoop(bgCtx, learner)
	go monthlyQuotaResetLoop(bgCtx)

	logLevel := glog.LevelInfo
	if config.DebugEnabled {
		logLevel = glog.LevelDebug
	}
	server := gin.New()
	server.RedirectTrailingSlash = false
	server.Use(
		middleware.RelayPanicRecover(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLevel(logLevel.String()),
			gmw.WithLogger(logger.Logger.Named("gin")),
		),
		middleware.RequestId(),
	)

	router.SetRouter(server, &router.Dependencies{
		Relay: controller.NewRelay(exec, metrics),
		Admin: controller.NewAdmin(healthMonitor, learner, affinityMgr),
	})

	port := config.ServerPort
	if port == "" {
		port = "3000"
	}
	srv := &http.Server{Addr: ":" + port, Handler: server}
	go func() {
		logger.Logger.Info("server started", zap.String("address", "http://localhost:"+port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Logger.Info("shutdown signal received, draining")
	graceful.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("http shutdown", zap.Error(err))
	}
	stopBackground()
	// persist whatever the learner accumulated since the last tick
	learner.Flush(shutdownCtx)
	if err := graceful.Drain(shutdownCtx); err != nil {
		logger.Logger.Error("drain", zap.Error(err))
	}
	logger.Logger.Info("server stopped")
}

// adaptiveFlushLoop persists dirty learner state on a fixed interval.
func adaptiveFlushLoop(ctx context.Context, learner *adaptive.Learner) {
	interval := time.Duration(config.AdaptiveFlushIntervalSec) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			learner.Flush(ctx)
		}
	}
}

// monthlyQuotaResetLoop rolls provider monthly-quota windows on their
// configured reset day.
func monthlyQuotaResetLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	model.ResetExpiredMonthlyQuotas()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			model.ResetExpiredMonthlyQuotas()
		}
	}
}
