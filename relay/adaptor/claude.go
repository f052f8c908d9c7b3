package adaptor

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/llmgate/llmgate/relay/apiformat"
	"github.com/llmgate/llmgate/relay/capability"
	"github.com/llmgate/llmgate/relay/pricing"
)

// claudeAdapter serves the Claude Messages protocol and its CLI variant.
type claudeAdapter struct{}

func (claudeAdapter) ParseRequest(body []byte, header http.Header, _ string, _ bool) (*ResolvedRequest, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, ErrMissingModel
	}
	model := parsed.Get("model").String()
	if model == "" {
		return nil, ErrMissingModel
	}

	requirements := make(map[string]bool)
	for _, beta := range header.Values("anthropic-beta") {
		if strings.Contains(beta, "context-1m") {
			requirements[capability.Context1M] = true
		}
	}
	if claudeHasOneHourCache(parsed) {
		requirements[capability.Cache1H] = true
	}

	return &ResolvedRequest{
		APIFormat:    apiformat.Claude,
		Model:        model,
		Stream:       parsed.Get("stream").Bool(),
		Requirements: requirements,
		Body:         body,
	}, nil
}

// claudeHasOneHourCache scans system and message content blocks for an
// explicit {cache_control: {type: "ephemeral", ttl: "1h"}} marker.
func claudeHasOneHourCache(parsed gjson.Result) bool {
	found := false
	checkBlock := func(block gjson.Result) {
		cc := block.Get("cache_control")
		if cc.Get("type").String() == "ephemeral" && cc.Get("ttl").String() == "1h" {
			found = true
		}
	}
	parsed.Get("system").ForEach(func(_, block gjson.Result) bool {
		checkBlock(block)
		return !found
	})
	parsed.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		msg.Get("content").ForEach(func(_, block gjson.Result) bool {
			checkBlock(block)
			return !found
		})
		return !found
	})
	return found
}

func (claudeAdapter) RewriteModel(body []byte, model string) ([]byte, error) {
	return rewriteJSONField(body, "model", model)
}

func (claudeAdapter) ParseUsage(responseBody []byte) pricing.TokenUsage {
	parsed := gjson.ParseBytes(responseBody)
	usage := parsed.Get("usage")
	if !usage.Exists() {
		// streaming message_start nests the report under message.usage
		usage = parsed.Get("message.usage")
	}
	return pricing.TokenUsage{
		InputTokens:         int(usage.Get("input_tokens").Int()),
		OutputTokens:        int(usage.Get("output_tokens").Int()),
		CacheCreationTokens: int(usage.Get("cache_creation_input_tokens").Int()),
		CacheReadTokens:     int(usage.Get("cache_read_input_tokens").Int()),
	}
}

func (claudeAdapter) EmbeddedError(responseBody []byte) (string, bool) {
	parsed := gjson.ParseBytes(responseBody)
	if parsed.Get("type").String() == "error" {
		return parsed.Get("error.message").String(), true
	}
	return "", false
}
