// Package controller holds the HTTP handlers of the gateway's public and
// administrative surfaces.
package controller

import (
	"context"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/common/ctxkey"
	"github.com/llmgate/llmgate/common/graceful"
	"github.com/llmgate/llmgate/common/logger"
	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/monitor"
	"github.com/llmgate/llmgate/relay/adaptor"
	"github.com/llmgate/llmgate/relay/executor"
	"github.com/llmgate/llmgate/relay/pricing"
)

// Relay is the completion/passthrough handler shared by every wire surface.
type Relay struct {
	exec    *executor.Executor
	metrics *monitor.Metrics
}

func NewRelay(exec *executor.Executor, metrics *monitor.Metrics) *Relay {
	return &Relay{exec: exec, metrics: metrics}
}

// Handle relays one resolved request and settles its billing record. The
// request id is the billing idempotency key: exactly one Usage row exists per
// request whatever the outcome.
func (r *Relay) Handle(c *gin.Context) {
	lg := gmw.GetLogger(c)
	done := graceful.BeginRequest()
	defer done()

	req := c.MustGet(ctxkey.ResolvedRequest).(*adaptor.ResolvedRequest)
	clientKey := c.MustGet(ctxkey.ClientKey).(*model.ApiKey)
	var user *model.User
	if v, ok := c.Get(ctxkey.User); ok {
		user = v.(*model.User)
	}
	requestId := c.GetString(ctxkey.RequestId)

	if err := model.CreatePendingUsage(requestId, clientKey.UserId, clientKey.Id, req.Model, req.APIFormat); err != nil {
		lg.Error("create pending usage", zap.Error(err))
	}

	r.metrics.ActiveRequests.Inc()
	defer r.metrics.ActiveRequests.Dec()
	start := time.Now()

	result, failure := r.exec.Execute(c, req, clientKey, user)
	r.metrics.RequestDuration.WithLabelValues(req.APIFormat).
		Observe(time.Since(start).Seconds())

	if failure != nil {
		r.settleFailure(c, req, clientKey, requestId, failure)
		return
	}
	r.settleSuccess(c, req, clientKey, requestId, result)
}

func (r *Relay) settleFailure(c *gin.Context, req *adaptor.ResolvedRequest, clientKey *model.ApiKey, requestId string, failure *executor.Failure) {
	r.metrics.RequestsTotal.WithLabelValues(req.APIFormat, req.Model, failure.Kind).Inc()

	usage := &model.Usage{
		RequestId: requestId,
		UserId:    clientKey.UserId,
		ApiKeyId:  clientKey.Id,
		ModelName: req.Model,
		APIFormat: req.APIFormat,
		Status:    model.UsageStatusFailed,
		ErrorType: failure.Kind,
		Attempts:  failure.Attempts,
	}
	standalone := clientKey.IsStandalone
	graceful.GoCritical(context.Background(), "finalize_usage", func(ctx context.Context) {
		if err := model.FinalizeUsage(ctx, usage, standalone); err != nil {
			logger.Logger.Error("finalize failed usage",
				zap.String("request_id", usage.RequestId), zap.Error(err))
		}
	})

	c.JSON(failure.StatusCode, gin.H{
		"error": gin.H{
			"message": failure.Message,
			"type":    failure.Kind,
		},
	})
}

func (r *Relay) settleSuccess(c *gin.Context, req *adaptor.ResolvedRequest, clientKey *model.ApiKey, requestId string, result *executor.Result) {
	lg := gmw.GetLogger(c)
	cand := result.Candidate
	tokens := result.Outcome.Usage

	price, err := pricing.Resolve(cand.Impl, cand.GlobalModel, tokens, req.Requirements)
	if err != nil {
		lg.Error("resolve pricing", zap.Error(err),
			zap.String("model", req.Model), zap.Int("provider_id", cand.Provider.Id))
	}
	surface := pricing.SurfaceCost(price, tokens, true)
	actual := pricing.ActualCost(surface, cand.Key, cand.Provider)

	usage := &model.Usage{
		RequestId:           requestId,
		UserId:              clientKey.UserId,
		ApiKeyId:            clientKey.Id,
		ProviderId:          cand.Provider.Id,
		EndpointId:          cand.Endpoint.Id,
		KeyId:               cand.Key.Id,
		ModelName:           req.Model,
		APIFormat:           req.APIFormat,
		PromptTokens:        tokens.InputTokens,
		CompletionTokens:    tokens.OutputTokens,
		CacheCreationTokens: tokens.CacheCreationTokens,
		CacheReadTokens:     tokens.CacheReadTokens,
		SurfaceCostUSD:      surface,
		ActualCostUSD:       actual,
		TierIndex:           price.TierIndex,
		Status:              model.UsageStatusSuccess,
		Attempts:            result.Attempts,
		LatencyMs:           result.LatencyMs,
	}
	standalone := clientKey.IsStandalone
	graceful.GoCritical(context.Background(), "finalize_usage", func(ctx context.Context) {
		if err := model.FinalizeUsage(ctx, usage, standalone); err != nil {
			logger.Logger.Error("finalize usage",
				zap.String("request_id", usage.RequestId), zap.Error(err))
		}
	})

	r.metrics.RequestsTotal.WithLabelValues(req.APIFormat, req.Model, "success").Inc()
	if cand.Affine {
		r.metrics.AffinityHits.WithLabelValues(cand.Provider.Name).Inc()
	}
	r.metrics.ObserveUsage(req.Model, cand.Provider.Name,
		tokens.InputTokens, tokens.OutputTokens,
		tokens.CacheCreationTokens, tokens.CacheReadTokens,
		surface, actual)

	lg.Info("request relayed",
		zap.String("request_id", requestId),
		zap.String("model", req.Model),
		zap.String("provider", cand.Provider.Name),
		zap.Int("key_id", cand.Key.Id),
		zap.Int("attempts", result.Attempts),
		zap.Int64("latency_ms", result.LatencyMs),
		zap.Float64("surface_usd", surface),
		zap.Float64("actual_usd", actual))
}
