// Package newznabapi declares the contract for the Newznab-compatible HTTP
// surface: GET /api?t=caps|search|tvsearch|movie|music|book|getnzb.
// The surface itself, along with rate-limit/quota middleware, response
// caching, access logging, and caps/RSS templating, is an explicit
// non-goal — it is implemented and operated outside this module. This
// package exists so the ingest service's internal collaborators (the
// breaker, the error envelope shape, the rate limiter contract) have a
// single, named, typed home rather than being reinvented ad hoc wherever
// they're referenced.
package newznabapi

import "context"

// ErrorEnvelope is the JSON error shape the HTTP surface returns, per
// shape: {"error": {"code": "...", "message": "..."}}.
type ErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewErrorEnvelope builds an ErrorEnvelope for the given code/message pair.
func NewErrorEnvelope(code, message string) ErrorEnvelope {
	var env ErrorEnvelope
	env.Error.Code = code
	env.Error.Message = message
	return env
}

// Known error codes and their HTTP status mapping.
const (
	CodeInvalidParams = "invalid_params" // 400
	CodeUnauthorized  = "unauthorized"   // 401
	CodeRateLimited   = "rate_limited"   // 429
	CodeBreakerOpen   = "breaker_open"   // 503
	CodeNZBUnavailable = "nzb_unavailable" // 503
)

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case CodeInvalidParams:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeRateLimited:
		return 429
	case CodeBreakerOpen, CodeNZBUnavailable:
		return 503
	default:
		return 500
	}
}

// RateLimiter is the contract the external HTTP surface's rate-limit/quota
// middleware is expected to satisfy: for a fixed key and window, at most
// Limit calls within the window succeed; the (Limit+1)-th returns false.
// No implementation lives in this module — the middleware is a non-goal —
// but ingest-side code that needs to reason about it (metrics, docs) can
// depend on this interface rather than a concrete package.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window int64) (bool, error)
}
