package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_NeverEmptyMessage(t *testing.T) {
	t.Parallel()

	codes := []Code{
		CodeCredentialsMissing,
		CodeProviderNotConfigured,
		CodeConnection,
		CodeAuth,
		CodeRateLimited,
		CodeProvider,
		CodeInvalidResponse,
	}
	for _, code := range codes {
		err := NewError(code, "", nil)
		require.NotEmpty(t, err.Error(), "code %s must have a fallback message", code)
	}
}

func TestNewError_WrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := NewError(CodeConnection, "", fmt.Errorf("Ollama API call failed: %w", cause))

	assert.True(t, errors.Is(err, cause), "cause should survive wrapping")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, CodeConnection, CodeOf(err))
}

func TestCodeOf_UnclassifiedDefaultsToProvider(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeProvider, CodeOf(errors.New("anonymous failure")))
}

func TestIsCode(t *testing.T) {
	t.Parallel()

	err := NewError(CodeAuth, "bad key", nil)
	assert.True(t, IsCode(err, CodeAuth))
	assert.False(t, IsCode(err, CodeRateLimited))
	assert.True(t, IsCode(fmt.Errorf("outer: %w", err), CodeAuth), "classification survives wrapping")
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		body   string
		want   Code
	}{
		{401, `{"error":{"type":"authentication_error","message":"bad key"}}`, CodeAuth},
		{403, `{"error":{"message":"forbidden"}}`, CodeAuth},
		{429, `{"error":{"message":"slow down"}}`, CodeRateLimited},
		{500, `{"error":"model crashed"}`, CodeProvider},
		{502, ``, CodeProvider},
	}
	for _, tc := range cases {
		err := classifyStatus(tc.status, []byte(tc.body))
		assert.Equal(t, tc.want, CodeOf(err), "status %d", tc.status)
		assert.NotEmpty(t, err.Error())
	}
}

func TestExtractRemoteMessage(t *testing.T) {
	t.Parallel()

	// Object-valued error envelope (Anthropic, Gemini).
	assert.Equal(t, "bad key",
		extractRemoteMessage([]byte(`{"error":{"type":"auth","message":"bad key"}}`)))

	// String-valued error envelope (Ollama).
	assert.Equal(t, "model not found",
		extractRemoteMessage([]byte(`{"error":"model not found"}`)))

	// Unrecognized bodies yield nothing rather than garbage.
	assert.Empty(t, extractRemoteMessage([]byte(`<html>502 Bad Gateway</html>`)))
	assert.Empty(t, extractRemoteMessage(nil))
}
