package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the webhook and outbound pipelines. Callers branch with
// errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrSignatureInvalid indicates an inbound request failed signature
	// verification. The request is rejected with no partial processing.
	ErrSignatureInvalid = errors.New("invalid message signature")

	// ErrDecrypt indicates malformed ciphertext, padding, or framing
	ErrDecrypt = errors.New("message decrypt failed")

	// ErrUnknownMessageType indicates an unrecognized WeCom MsgType. WeCom
	// dispatch is strict: downstream field extraction depends entirely on
	// knowing the shape, so there is no generic fallback.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrValidation indicates a size/format check failed before any I/O
	ErrValidation = errors.New("validation failed")

	// ErrAuth indicates the token endpoint rejected the credentials
	ErrAuth = errors.New("authentication failed")
)

// APIError is a non-success business code returned by a platform API.
// Platform error codes (code != 0 / errcode != 0) are never silently
// swallowed; they propagate to the caller carrying the platform's message.
type APIError struct {
	Platform string
	Code     int
	Msg      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: %d %s", e.Platform, e.Code, e.Msg)
}

// IsTokenExpired reports whether the error means the cached access token is
// no longer accepted and a forced refresh may succeed.
func (e *APIError) IsTokenExpired() bool {
	switch e.Code {
	case 40014, 42001: // wecom: invalid / expired access_token
		return true
	case 99991663, 99991664: // feishu: tenant token invalid / expired
		return true
	default:
		return false
	}
}

// HTTPStatusError is a non-2xx transport status from a platform API
type HTTPStatusError struct {
	Platform string
	Endpoint string
	Status   int
	Body     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s http status %d: %s", e.Platform, e.Endpoint, e.Status, e.Body)
}
