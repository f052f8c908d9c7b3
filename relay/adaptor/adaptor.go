// Package adaptor normalises each supported wire protocol into the internal
// resolved request and reads token usage and embedded errors back out of
// upstream responses. Bodies pass through otherwise untouched.
package adaptor

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/Laisky/errors/v2"

	"github.com/llmgate/llmgate/relay/apiformat"
	"github.com/llmgate/llmgate/relay/pricing"
)

// ResolvedRequest is the normalised view of one inbound request.
type ResolvedRequest struct {
	APIFormat string
	Model     string
	Stream    bool
	// Requirements is the capability bag; absent names are unset, not false.
	Requirements map[string]bool
	Body         []byte
	// CountTokens routes the attempt to the token-counting path instead of the
	// completion path.
	CountTokens bool
}

var ErrMissingModel = errors.New("request model is missing")

// Adapter is the per-format protocol shim.
type Adapter interface {
	// ParseRequest extracts model, stream flag, and capability requirements.
	// pathModel carries the URL model parameter for formats that put it there;
	// it is empty otherwise.
	ParseRequest(body []byte, header http.Header, pathModel string, pathStream bool) (*ResolvedRequest, error)
	// RewriteModel substitutes the provider-side model name in the outbound
	// body; formats without a body model return it unchanged.
	RewriteModel(body []byte, model string) ([]byte, error)
	// ParseUsage reads the token report from a buffered upstream response.
	ParseUsage(responseBody []byte) pricing.TokenUsage
	// EmbeddedError reports an error payload hidden in an HTTP 200 response.
	EmbeddedError(responseBody []byte) (message string, ok bool)
}

var adapters = map[string]Adapter{
	apiformat.Claude:    claudeAdapter{},
	apiformat.ClaudeCLI: claudeAdapter{},
	apiformat.OpenAI:    openaiAdapter{responses: false},
	apiformat.OpenAICLI: openaiAdapter{responses: true},
	apiformat.Gemini:    geminiAdapter{},
}

// ForFormat returns the adapter serving one api format.
func ForFormat(format string) (Adapter, bool) {
	a, ok := adapters[format]
	return a, ok
}

// rewriteJSONField re-encodes the body with one top-level field replaced.
func rewriteJSONField(body []byte, field, value string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrap(err, "parse request body")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	m[field] = raw
	out, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

// SSEData extracts the JSON payloads of an SSE stream, skipping keep-alives
// and the OpenAI [DONE] terminator.
func SSEData(raw []byte) [][]byte {
	var chunks [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		chunks = append(chunks, payload)
	}
	return chunks
}

// ParseStreamUsage folds the usage reports of every SSE event into one token
// count, keeping the maximum seen per class. Vendors repeat and grow the
// counters across events, so the maximum is the final report.
func ParseStreamUsage(a Adapter, raw []byte) pricing.TokenUsage {
	var usage pricing.TokenUsage
	for _, chunk := range SSEData(raw) {
		u := a.ParseUsage(chunk)
		usage.InputTokens = maxInt(usage.InputTokens, u.InputTokens)
		usage.OutputTokens = maxInt(usage.OutputTokens, u.OutputTokens)
		usage.CacheCreationTokens = maxInt(usage.CacheCreationTokens, u.CacheCreationTokens)
		usage.CacheReadTokens = maxInt(usage.CacheReadTokens, u.CacheReadTokens)
	}
	return usage
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
