package ctxkey

const (
	// RequestId is the per-request unique identifier, also echoed in the
	// X-Request-Id response header and stamped on Attempt and Usage rows.
	// Set in: middleware.RequestId.
	RequestId = "request_id"

	// ClientKey holds the authenticated *model.ApiKey for this request.
	// Set in: middleware.KeyAuth after the hash lookup.
	// Read in: quota gate, planner (allow-lists), affinity keying, billing.
	ClientKey = "client_key"

	// ClientKeyId is the numeric id of the authenticated client key.
	// Set in: middleware.KeyAuth. Read in: rate limiting and affinity keys.
	ClientKeyId = "client_key_id"

	// UserId is the owner of the authenticated client key.
	// Set in: middleware.KeyAuth. Read in: quota gate and billing debits.
	UserId = "user_id"

	// User holds the resolved *model.User for non-standalone keys.
	// Set in: middleware.KeyAuth (cached lookup).
	User = "user"

	// APIFormat is the wire protocol of the inbound endpoint (relay/apiformat).
	// Set in: router wiring per route group.
	// Read in: adaptor selection, planner compatibility filter, affinity keys.
	APIFormat = "api_format"

	// RequestModel is the model name exactly as the client requested it.
	// Set in: middleware.ResolveRequest (body for Claude/OpenAI, URL for Gemini).
	// Invariant: never mutated; provider-side renames live on the Candidate.
	RequestModel = "request_model"

	// IsStream marks a streaming request (body stream flag, or the Gemini
	// :streamGenerateContent path which forces it).
	// Set in: middleware.ResolveRequest.
	IsStream = "is_stream"

	// Requirements is the capability requirement bag (map[string]bool) inferred
	// from headers/body. Absent names are unset, not false.
	// Set in: middleware.ResolveRequest; extended by the capability-upgrade path.
	Requirements = "requirements"

	// RequestBody caches the raw request body bytes so the fallback loop can
	// replay them on every attempt.
	// Set in: common.GetRequestBody.
	RequestBody = "request_body"

	// ResolvedRequest holds the *adaptor.ResolvedRequest built by
	// middleware.ResolveRequest; the relay handler passes it to the executor.
	ResolvedRequest = "resolved_request"
)
