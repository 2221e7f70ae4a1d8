package handlers

import (
	"errors"
	"net/http"

	"github.com/agentdeck/agentdeck/services/llm"
	"github.com/agentdeck/agentdeck/services/orchestrator/store"
)

// statusForError maps the error taxonomy onto HTTP statuses. Unclassified
// errors surface as 500.
func statusForError(err error) int {
	if errors.Is(err, store.ErrSessionNotFound) {
		return http.StatusNotFound
	}
	switch llm.CodeOf(err) {
	case llm.CodeCredentialsMissing, llm.CodeProviderNotConfigured:
		return http.StatusPreconditionFailed
	case llm.CodeAuth:
		return http.StatusUnauthorized
	case llm.CodeRateLimited:
		return http.StatusTooManyRequests
	case llm.CodeConnection:
		return http.StatusBadGateway
	case llm.CodeProvider, llm.CodeInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON error envelope. Code carries the taxonomy value so
// clients can branch without parsing messages.
func errorBody(err error) map[string]string {
	if errors.Is(err, store.ErrSessionNotFound) {
		return map[string]string{"error": err.Error(), "code": "session_not_found"}
	}
	return map[string]string{"error": err.Error(), "code": string(llm.CodeOf(err))}
}
