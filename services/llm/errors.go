package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies one member of the closed provider error vocabulary.
// Callers see only these codes regardless of which provider is active.
type Code string

const (
	CodeCredentialsMissing    Code = "credentials_missing"
	CodeProviderNotConfigured Code = "provider_not_configured"
	CodeConnection            Code = "connection_error"
	CodeAuth                  Code = "auth_error"
	CodeRateLimited           Code = "rate_limited"
	CodeProvider              Code = "provider_error"
	CodeInvalidResponse       Code = "invalid_response"
)

// Error is a classified provider failure. Message is never empty: some
// transports surface aggregate errors with blank text, so classification
// falls back to a per-code description.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error, filling Message from the wrapped
// error or the code's fallback description when msg is empty.
func NewError(code Code, msg string, err error) *Error {
	if msg == "" && err != nil {
		msg = strings.TrimSpace(err.Error())
	}
	if msg == "" {
		msg = fallbackMessage(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

func fallbackMessage(code Code) string {
	switch code {
	case CodeCredentialsMissing:
		return "provider credentials are not configured"
	case CodeProviderNotConfigured:
		return "no provider is configured"
	case CodeConnection:
		return "could not reach the provider"
	case CodeAuth:
		return "the provider rejected the configured credentials"
	case CodeRateLimited:
		return "the provider is rate limiting requests"
	case CodeInvalidResponse:
		return "the provider returned an unparseable response"
	default:
		return "the provider reported an error"
	}
}

// CodeOf extracts the classification of err, or CodeProvider when err is
// not a classified *Error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeProvider
}

// IsCode reports whether err carries the given classification.
func IsCode(err error, code Code) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// classifyStatus maps a non-2xx provider response to the taxonomy.
// 401 (and 403, which some providers use for bad keys) map to CodeAuth,
// 429 to CodeRateLimited, everything else to CodeProvider with the
// remote's message preserved.
func classifyStatus(status int, body []byte) *Error {
	msg := extractRemoteMessage(body)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewError(CodeAuth, msg, nil)
	case http.StatusTooManyRequests:
		return NewError(CodeRateLimited, msg, nil)
	default:
		if msg == "" {
			msg = fmt.Sprintf("provider returned status %d", status)
		} else {
			msg = fmt.Sprintf("provider returned status %d: %s", status, msg)
		}
		return NewError(CodeProvider, msg, nil)
	}
}

// extractRemoteMessage pulls a human-readable message out of a provider
// error envelope. The three providers use different shapes; try each.
func extractRemoteMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var envelope struct {
		// Anthropic: {"error":{"type":"...","message":"..."}}
		// Gemini:    {"error":{"code":429,"message":"...","status":"..."}}
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
		// Ollama: {"error":"model not found"}
		var plain string
		if err := json.Unmarshal(envelope.Error, &plain); err == nil && plain != "" {
			return strings.TrimSpace(plain)
		}
	}
	// Proxies answer with HTML pages; those are noise, not messages.
	return ""
}
