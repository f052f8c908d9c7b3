package adaptor

import (
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/llmgate/llmgate/relay/apiformat"
	"github.com/llmgate/llmgate/relay/pricing"
)

// openaiAdapter serves Chat Completions and, with responses set, the Responses
// CLI variant.
type openaiAdapter struct {
	responses bool
}

func (a openaiAdapter) format() string {
	if a.responses {
		return apiformat.OpenAICLI
	}
	return apiformat.OpenAI
}

func (a openaiAdapter) ParseRequest(body []byte, _ http.Header, _ string, _ bool) (*ResolvedRequest, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, ErrMissingModel
	}
	model := parsed.Get("model").String()
	if model == "" {
		return nil, ErrMissingModel
	}
	return &ResolvedRequest{
		APIFormat:    a.format(),
		Model:        model,
		Stream:       parsed.Get("stream").Bool(),
		Requirements: make(map[string]bool),
		Body:         body,
	}, nil
}

func (openaiAdapter) RewriteModel(body []byte, model string) ([]byte, error) {
	return rewriteJSONField(body, "model", model)
}

func (a openaiAdapter) ParseUsage(responseBody []byte) pricing.TokenUsage {
	usage := gjson.GetBytes(responseBody, "usage")
	if a.responses {
		return pricing.TokenUsage{
			InputTokens:     int(usage.Get("input_tokens").Int()),
			OutputTokens:    int(usage.Get("output_tokens").Int()),
			CacheReadTokens: int(usage.Get("input_tokens_details.cached_tokens").Int()),
		}
	}
	return pricing.TokenUsage{
		InputTokens:     int(usage.Get("prompt_tokens").Int()),
		OutputTokens:    int(usage.Get("completion_tokens").Int()),
		CacheReadTokens: int(usage.Get("prompt_tokens_details.cached_tokens").Int()),
	}
}

func (openaiAdapter) EmbeddedError(responseBody []byte) (string, bool) {
	parsed := gjson.ParseBytes(responseBody)
	errField := parsed.Get("error")
	// chat completions never embed errors in 200s today; tolerate them anyway
	if errField.IsObject() && errField.Get("message").String() != "" {
		return errField.Get("message").String(), true
	}
	return "", false
}
