// Package executor runs the fallback loop: it walks the planned candidate
// list, performs one admission-gated upstream attempt per candidate,
// classifies each outcome, and feeds the health, adaptive, and affinity
// subsystems.
package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/common/config"
	"github.com/llmgate/llmgate/common/ctxkey"
	"github.com/llmgate/llmgate/common/helper"
	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/adaptive"
	"github.com/llmgate/llmgate/relay/adaptor"
	"github.com/llmgate/llmgate/relay/admission"
	"github.com/llmgate/llmgate/relay/affinity"
	"github.com/llmgate/llmgate/relay/apiformat"
	"github.com/llmgate/llmgate/relay/capability"
	"github.com/llmgate/llmgate/relay/health"
	"github.com/llmgate/llmgate/relay/planner"
)

// Error taxonomy surfaced to the inbound caller.
const (
	KindInvalidRequest      = "invalid_request"
	KindUnauthorized        = "unauthorized"
	KindForbidden           = "forbidden"
	KindQuotaExceeded       = "quota_exceeded"
	KindRateLimit           = "rate_limit"
	KindNoCapacity          = "no_capacity"
	KindUpstreamClientError = "upstream_client_error"
	KindUpstreamUnavailable = "upstream_unavailable"
	KindTimeout             = "timeout"
	KindClientCancelled     = "client_cancelled"
)

// maxErrorBody bounds how much of an upstream error body is read for
// classification.
const maxErrorBody = 64 << 10

// Failure is the terminal error handed back to the HTTP layer.
type Failure struct {
	Kind       string
	StatusCode int
	Message    string
	// Attempts counts the upstream calls made before giving up.
	Attempts int
}

// AttemptObserver receives the classified outcome of every upstream attempt,
// winning or not.
type AttemptObserver interface {
	ObserveAttempt(provider, class string)
}

// Result reports a delivered response.
type Result struct {
	Candidate *planner.Candidate
	Outcome   *Outcome
	Attempts  int
	LatencyMs int64
	// Streamed responses were already written; buffered ones were replayed by
	// Execute before returning.
	Streamed bool
}

type Executor struct {
	planner   *planner.Planner
	admission *admission.Controller
	monitor   *health.Monitor
	affinity  *affinity.Manager
	learner   *adaptive.Learner
	observer  AttemptObserver
	client    *http.Client
}

func New(p *planner.Planner, adm *admission.Controller, monitor *health.Monitor, aff *affinity.Manager, learner *adaptive.Learner, observer AttemptObserver, client *http.Client) *Executor {
	if client == nil {
		// per-attempt deadlines come from the request context
		client = &http.Client{}
	}
	return &Executor{
		planner:   p,
		admission: adm,
		monitor:   monitor,
		affinity:  aff,
		learner:   learner,
		observer:  observer,
		client:    client,
	}
}

// Execute relays one resolved request. On success the response has been
// written to the client; on failure nothing was written and the caller renders
// the Failure.
func (e *Executor) Execute(c *gin.Context, req *adaptor.ResolvedRequest, clientKey *model.ApiKey, user *model.User) (*Result, *Failure) {
	ctx := c.Request.Context()
	lg := gmw.GetLogger(c)
	requestId := c.GetString(ctxkey.RequestId)

	candidates, err := e.planner.Plan(ctx, req, clientKey, user)
	if err != nil {
		if errors.Is(err, planner.ErrModelNotFound) {
			return nil, &Failure{Kind: KindInvalidRequest, StatusCode: http.StatusBadRequest,
				Message: "model " + req.Model + " is not available"}
		}
		lg.Error("plan candidates", zap.Error(err))
		return nil, &Failure{Kind: KindUpstreamUnavailable, StatusCode: http.StatusServiceUnavailable,
			Message: "failed to plan upstream candidates"}
	}

	tried := make(map[int]bool)
	var last *Outcome
	attempts := 0

	i := 0
	for i < len(candidates) && attempts < config.MaxRetryCandidates {
		cand := candidates[i]
		i++
		if tried[cand.Key.Id] {
			continue
		}
		if ctx.Err() != nil {
			last = &Outcome{Class: ClassClientCancelled, Terminal: true, Message: "client disconnected"}
			break
		}

		// half-open circuits admit one probe at a time
		probing := false
		if e.monitor.Status(cand.Key.Id) == health.StateHalfOpen {
			if !e.monitor.TryAcquireProbe(cand.Key.Id) {
				last = &Outcome{Class: ClassAdmissionRejected, Message: "probe slot busy"}
				continue
			}
			probing = true
		}

		lease, rej := e.admission.Acquire(ctx, cand.Provider, cand.Endpoint, cand.Key, cand.Affine)
		if rej != nil {
			if probing {
				e.monitor.ReleaseProbe(cand.Key.Id)
			}
			lg.Debug("candidate admission rejected",
				zap.Int("key_id", cand.Key.Id), zap.String("reason", rej.Reason))
			last = &Outcome{Class: ClassAdmissionRejected, Message: rej.Reason}
			continue
		}

		tried[cand.Key.Id] = true
		outcome, latencyMs := e.attempt(c, req, cand, lease, requestId)
		attempts++
		if probing {
			e.monitor.ReleaseProbe(cand.Key.Id)
		}
		last = outcome

		if outcome.Class == ClassSuccess {
			e.affinity.Touch(ctx, clientKey.Id, req.APIFormat, req.Model,
				cand.Provider.Id, cand.Endpoint.Id, cand.Key.Id)
			if !outcome.Streamed {
				c.Data(outcome.StatusCode, outcome.ContentType, outcome.Body)
			}
			return &Result{
				Candidate: cand,
				Outcome:   outcome,
				Attempts:  attempts,
				LatencyMs: latencyMs,
				Streamed:  outcome.Streamed,
			}, nil
		}

		if cand.Affine {
			e.affinity.Invalidate(ctx, clientKey.Id, req.APIFormat, req.Model)
		}

		if outcome.Class == ClassCapabilityUpgrade {
			req.Requirements[outcome.Capability] = true
			lg.Info("capability upgrade, replanning",
				zap.String("capability", outcome.Capability), zap.Int("key_id", cand.Key.Id))
			if fresh, err := e.planner.Plan(ctx, req, clientKey, user); err == nil {
				candidates = fresh
				i = 0
			}
			continue
		}
		if outcome.Terminal {
			break
		}
		lg.Info("attempt failed, trying next candidate",
			zap.Int("key_id", cand.Key.Id), zap.String("class", outcome.Class),
			zap.String("message", outcome.Message))
	}

	failure := e.surface(last, attempts, requestId)
	failure.Attempts = attempts
	return nil, failure
}

// surface maps the last outcome after exhaustion to the caller-visible error.
func (e *Executor) surface(last *Outcome, attempts int, requestId string) *Failure {
	if last == nil {
		return &Failure{Kind: KindNoCapacity, StatusCode: http.StatusServiceUnavailable,
			Message: helper.MessageWithRequestId("no upstream candidate is available", requestId)}
	}
	switch last.Class {
	case ClassAdmissionRejected:
		if attempts == 0 {
			return &Failure{Kind: KindNoCapacity, StatusCode: http.StatusServiceUnavailable,
				Message: helper.MessageWithRequestId("all upstream candidates are at capacity", requestId)}
		}
		return &Failure{Kind: KindUpstreamUnavailable, StatusCode: http.StatusServiceUnavailable,
			Message: helper.MessageWithRequestId("upstream attempts exhausted", requestId)}
	case ClassClientErrorTerminal:
		status := last.StatusCode
		if status == 0 {
			status = http.StatusBadRequest
		}
		return &Failure{Kind: KindUpstreamClientError, StatusCode: status,
			Message: helper.MessageWithRequestId(last.Message, requestId)}
	case ClassClientCancelled:
		// 499 per the de-facto client-closed-request convention
		return &Failure{Kind: KindClientCancelled, StatusCode: 499,
			Message: helper.MessageWithRequestId("client closed the request", requestId)}
	case ClassTimeout:
		return &Failure{Kind: KindTimeout, StatusCode: http.StatusGatewayTimeout,
			Message: helper.MessageWithRequestId("upstream attempts timed out", requestId)}
	default:
		msg := last.Message
		if msg == "" {
			msg = "all upstream attempts failed"
		}
		return &Failure{Kind: KindUpstreamUnavailable, StatusCode: http.StatusServiceUnavailable,
			Message: helper.MessageWithRequestId(msg, requestId)}
	}
}

// attempt performs one admission-granted upstream call, records the attempt
// row, and feeds health and adaptive state.
func (e *Executor) attempt(c *gin.Context, req *adaptor.ResolvedRequest, cand *planner.Candidate, lease *admission.Lease, requestId string) (*Outcome, int64) {
	defer lease.Release()
	lg := gmw.GetLogger(c)

	row, err := model.BeginAttempt(requestId, cand.Provider.Id, cand.Endpoint.Id, cand.Key.Id)
	if err != nil {
		lg.Error("create attempt row", zap.Error(err))
	}
	e.learner.OnAttemptStart(cand.Key)

	start := time.Now()
	outcome := e.doUpstream(c, req, cand)
	latencyMs := helper.CalcElapsedTime(start)

	if row != nil {
		status := model.AttemptStatusFailed
		errType := outcome.Class
		if outcome.Class == ClassSuccess {
			status = model.AttemptStatusSuccess
			errType = ""
		} else if outcome.Class == ClassRateLimit {
			errType = outcome.RateLimitKind
		}
		if err := row.Finish(status, outcome.StatusCode, latencyMs, errType, outcome.Message); err != nil {
			lg.Error("finish attempt row", zap.Error(err))
		}
	}

	if e.observer != nil {
		e.observer.ObserveAttempt(cand.Provider.Name, outcome.Class)
	}

	switch outcome.Class {
	case ClassSuccess:
		e.monitor.RecordSuccess(cand.Key.Id)
		e.learner.OnSuccess(cand.Key, lease.ConcurrentAtAcquire)
	case ClassRateLimit:
		e.monitor.RecordFailure(cand.Key.Id)
		switch outcome.RateLimitKind {
		case model.RateLimit429Concurrent:
			e.learner.OnConcurrent429(cand.Key, lease.ConcurrentAtAcquire)
		case model.RateLimit429RPM:
			e.learner.OnRPM429(cand.Key)
		}
	case ClassClientCancelled, ClassClientErrorTerminal, ClassCapabilityUpgrade:
		// not the key's fault; the window stays untouched
	default:
		e.monitor.RecordFailure(cand.Key.Id)
	}
	return outcome, latencyMs
}

// doUpstream builds and performs the outbound HTTP call and classifies the
// response.
func (e *Executor) doUpstream(c *gin.Context, req *adaptor.ResolvedRequest, cand *planner.Candidate) *Outcome {
	adapter, ok := adaptor.ForFormat(req.APIFormat)
	if !ok {
		return &Outcome{Class: ClassUpstreamError, Message: "no adapter for format " + req.APIFormat}
	}

	body := req.Body
	if cand.UpstreamModel != req.Model {
		rewritten, err := adapter.RewriteModel(body, cand.UpstreamModel)
		if err != nil {
			return &Outcome{Class: ClassClientErrorTerminal, Terminal: true,
				StatusCode: http.StatusBadRequest, Message: "malformed request body"}
		}
		body = rewritten
	}

	path := apiformat.UpstreamPath(cand.Endpoint.APIFormat, cand.UpstreamModel, req.Stream)
	if req.CountTokens {
		path = apiformat.CountTokensPath(cand.Endpoint.APIFormat)
	}

	ctx := c.Request.Context()
	timeoutSec := config.RelayTimeout
	if cand.Endpoint.TimeoutSec != nil && *cand.Endpoint.TimeoutSec > 0 {
		timeoutSec = *cand.Endpoint.TimeoutSec
	}
	if timeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cand.Endpoint.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Outcome{Class: ClassUpstreamError, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for _, h := range []string{"anthropic-version", "anthropic-beta", "Accept"} {
		if v := c.GetHeader(h); v != "" {
			httpReq.Header.Set(h, v)
		}
	}
	secret, err := cand.Key.DecryptedKey()
	if err != nil {
		return &Outcome{Class: ClassUpstreamError, Message: "failed to decrypt upstream key"}
	}
	name, prefix := apiformat.AuthHeader(cand.Endpoint.APIFormat)
	httpReq.Header.Set(name, prefix+secret)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return e.classifyTransport(c, ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if req.Stream {
			return e.relayStream(c, adapter, resp)
		}
		return e.relayBuffered(adapter, resp)
	}
	return e.classifyError(req, resp)
}

func (e *Executor) classifyTransport(c *gin.Context, attemptCtx context.Context, err error) *Outcome {
	if c.Request.Context().Err() != nil {
		return &Outcome{Class: ClassClientCancelled, Terminal: true, Message: "client disconnected"}
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return &Outcome{Class: ClassTimeout, Message: "attempt deadline exceeded"}
	}
	return &Outcome{Class: ClassNetworkError, Message: err.Error()}
}

func (e *Executor) relayBuffered(adapter adaptor.Adapter, resp *http.Response) *Outcome {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Outcome{Class: ClassNetworkError, Message: err.Error()}
	}
	if msg, embedded := adapter.EmbeddedError(raw); embedded {
		return &Outcome{Class: ClassEmbeddedError, StatusCode: resp.StatusCode, Message: msg}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return &Outcome{
		Class:       ClassSuccess,
		StatusCode:  resp.StatusCode,
		Usage:       adapter.ParseUsage(raw),
		Body:        raw,
		ContentType: contentType,
	}
}

func (e *Executor) relayStream(c *gin.Context, adapter adaptor.Adapter, resp *http.Response) *Outcome {
	written, tee, err := bridgeStream(c.Writer, resp)
	if written == 0 {
		if err != nil {
			return &Outcome{Class: ClassNetworkError, Message: err.Error()}
		}
		return &Outcome{Class: ClassEmptyStream, Message: "upstream closed the stream without data"}
	}
	outcome := &Outcome{
		Class:      ClassSuccess,
		StatusCode: resp.StatusCode,
		Usage:      adaptor.ParseStreamUsage(adapter, tee),
		Streamed:   true,
	}
	if err != nil {
		// bytes already reached the client; the request cannot be retried
		outcome.Class = ClassNetworkError
		outcome.Terminal = true
		outcome.Message = err.Error()
	}
	return outcome
}

func (e *Executor) classifyError(req *adaptor.ResolvedRequest, resp *http.Response) *Outcome {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := string(raw)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Outcome{Class: ClassAuthError, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Outcome{Class: ClassRateLimit, StatusCode: resp.StatusCode,
			RateLimitKind: classify429(msg + headerText(resp)), Message: msg}
	}
	if name, ok := capability.DetectUpgrade(req.Requirements, msg); ok {
		return &Outcome{Class: ClassCapabilityUpgrade, StatusCode: resp.StatusCode,
			Capability: name, Message: msg}
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && clientContentError(resp.StatusCode, msg) {
		return &Outcome{Class: ClassClientErrorTerminal, Terminal: true,
			StatusCode: resp.StatusCode, Message: msg}
	}
	return &Outcome{Class: ClassUpstreamError, StatusCode: resp.StatusCode, Message: msg}
}

func headerText(resp *http.Response) string {
	return resp.Header.Get("X-RateLimit-Reason")
}
