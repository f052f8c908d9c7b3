package adaptor

import (
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/llmgate/llmgate/relay/apiformat"
	"github.com/llmgate/llmgate/relay/pricing"
)

// geminiAdapter serves generateContent and streamGenerateContent. The model
// and the stream decision live in the URL; a body model field is ignored.
type geminiAdapter struct{}

func (geminiAdapter) ParseRequest(body []byte, _ http.Header, pathModel string, pathStream bool) (*ResolvedRequest, error) {
	if pathModel == "" {
		return nil, ErrMissingModel
	}
	if len(body) > 0 && !gjson.ParseBytes(body).IsObject() {
		return nil, ErrMissingModel
	}
	return &ResolvedRequest{
		APIFormat:    apiformat.Gemini,
		Model:        pathModel,
		Stream:       pathStream,
		Requirements: make(map[string]bool),
		Body:         body,
	}, nil
}

func (geminiAdapter) RewriteModel(body []byte, _ string) ([]byte, error) {
	// the target model is carried in the upstream path, not the body
	return body, nil
}

func (geminiAdapter) ParseUsage(responseBody []byte) pricing.TokenUsage {
	usage := gjson.GetBytes(responseBody, "usageMetadata")
	return pricing.TokenUsage{
		InputTokens:     int(usage.Get("promptTokenCount").Int()),
		OutputTokens:    int(usage.Get("candidatesTokenCount").Int()),
		CacheReadTokens: int(usage.Get("cachedContentTokenCount").Int()),
	}
}

// EmbeddedError catches Gemini's 200-with-error payloads: a top-level
// {error: {code, message}} with no candidates.
func (geminiAdapter) EmbeddedError(responseBody []byte) (string, bool) {
	parsed := gjson.ParseBytes(responseBody)
	errField := parsed.Get("error")
	if errField.IsObject() && errField.Get("code").Exists() {
		return errField.Get("message").String(), true
	}
	return "", false
}
