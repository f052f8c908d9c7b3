// Package apiformat enumerates the wire protocols the gateway terminates and
// forwards, and the per-protocol routing facts (upstream path, credential
// header, compatibility pairs).
package apiformat

import "strings"

const (
	Claude    = "claude"
	ClaudeCLI = "claude_cli"
	OpenAI    = "openai"
	OpenAICLI = "openai_cli"
	Gemini    = "gemini"
)

// All lists every known format in catalog order.
var All = []string{Claude, ClaudeCLI, OpenAI, OpenAICLI, Gemini}

// compatible maps an inbound format to the endpoint formats that can serve it.
// A format always serves itself; the CLI variants share the vendor's wire
// shape and are interchangeable with it.
var compatible = map[string][]string{
	Claude:    {Claude, ClaudeCLI},
	ClaudeCLI: {ClaudeCLI, Claude},
	OpenAI:    {OpenAI, OpenAICLI},
	OpenAICLI: {OpenAICLI, OpenAI},
	Gemini:    {Gemini},
}

// IsValid reports whether name is a known api format.
func IsValid(name string) bool {
	_, ok := compatible[name]
	return ok
}

// Compatible reports whether an endpoint of format endpointFormat can serve an
// inbound request of format inboundFormat.
func Compatible(inboundFormat, endpointFormat string) bool {
	for _, f := range compatible[inboundFormat] {
		if f == endpointFormat {
			return true
		}
	}
	return false
}

// UpstreamPath returns the provider-side request path for one attempt.
// model and stream only matter for Gemini, whose action lives in the URL.
func UpstreamPath(format, model string, stream bool) string {
	switch format {
	case Claude, ClaudeCLI:
		return "/v1/messages"
	case OpenAI:
		return "/v1/chat/completions"
	case OpenAICLI:
		return "/v1/responses"
	case Gemini:
		action := "generateContent"
		if stream {
			action = "streamGenerateContent"
		}
		return "/v1beta/models/" + model + ":" + action
	default:
		return ""
	}
}

// CountTokensPath returns the token-counting path for formats that support it.
func CountTokensPath(format string) string {
	switch format {
	case Claude, ClaudeCLI:
		return "/v1/messages/count_tokens"
	default:
		return ""
	}
}

// AuthHeader returns the header name and value prefix carrying the upstream
// credential for the given format.
func AuthHeader(format string) (name, prefix string) {
	switch format {
	case Claude, ClaudeCLI:
		return "x-api-key", ""
	case Gemini:
		return "x-goog-api-key", ""
	default:
		return "Authorization", "Bearer "
	}
}

// SplitGeminiAction splits the Gemini URL parameter "model:action" into its
// parts; ok is false when no action is present.
func SplitGeminiAction(modelAndAction string) (model, action string, ok bool) {
	i := strings.LastIndex(modelAndAction, ":")
	if i < 0 {
		return modelAndAction, "", false
	}
	return modelAndAction[:i], modelAndAction[i+1:], true
}
