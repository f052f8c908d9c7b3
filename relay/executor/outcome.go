package executor

import (
	"strings"

	"github.com/llmgate/llmgate/model"
	"github.com/llmgate/llmgate/relay/pricing"
)

// Outcome classes, in the priority order classification applies them.
const (
	ClassSuccess             = "success"
	ClassClientErrorTerminal = "client_error_terminal"
	ClassAuthError           = "auth_error"
	ClassRateLimit           = "rate_limit"
	ClassTimeout             = "timeout"
	ClassNetworkError        = "network_error"
	ClassCapabilityUpgrade   = "capability_upgrade"
	ClassEmptyStream         = "empty_stream"
	ClassEmbeddedError       = "embedded_error"
	ClassUpstreamError       = "upstream_error"
	ClassClientCancelled     = "client_cancelled"
	ClassAdmissionRejected   = "admission_rejected"
)

// Outcome is the classified result of one attempt. The fallback loop inspects
// Class and Terminal instead of unwinding errors.
type Outcome struct {
	Class      string
	StatusCode int
	// RateLimitKind refines ClassRateLimit into concurrent/rpm/generic.
	RateLimitKind string
	// Capability names the missing capability for ClassCapabilityUpgrade.
	Capability string
	Message    string
	Usage      pricing.TokenUsage
	// Body and ContentType carry a buffered success payload; streamed
	// responses were written directly and set Streamed instead.
	Body        []byte
	ContentType string
	Streamed    bool
	// Terminal outcomes stop the fallback loop immediately.
	Terminal bool
}

// classify429 splits an upstream 429 into its admission-relevant kinds from
// body and header text.
func classify429(body string) string {
	msg := strings.ToLower(body)
	switch {
	case strings.Contains(msg, "concurrent"):
		return model.RateLimit429Concurrent
	case strings.Contains(msg, "requests per minute") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rpm"):
		return model.RateLimit429RPM
	default:
		return model.RateLimit429Generic
	}
}

// clientContentError reports whether a 4xx is caused by the caller's content
// and must not be retried on another provider.
var clientContentPatterns = []string{
	"image exceeds",
	"image too large",
	"content_policy",
	"content policy",
	"content management policy",
	"invalid_request_error",
	"invalid request",
	"prompt is too long",
	"harmful",
}

func clientContentError(statusCode int, body string) bool {
	if statusCode == 413 {
		return true
	}
	if statusCode != 400 && statusCode != 404 && statusCode != 422 {
		return false
	}
	msg := strings.ToLower(body)
	for _, p := range clientContentPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	// unmatched 400s count as caller errors; capability upgrades were already
	// ruled out by the time this runs
	return statusCode == 400
}
