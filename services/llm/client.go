package llm

import (
	"context"

	"github.com/agentdeck/agentdeck/services/orchestrator/datatypes"
)

// ChatResult is the normalized outcome of one provider exchange, identical
// in shape for buffered and streamed calls. For a streamed call, Content
// equals the concatenation, in arrival order, of every fragment delivered
// to the callback.
type ChatResult struct {
	Content    string               `json:"content"`
	Usage      datatypes.TokenUsage `json:"usage"`
	Model      string               `json:"model"`
	StopReason string               `json:"stop_reason,omitempty"`
}

// ModelInfo describes one model offered by a provider.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// StreamChunk is one incremental text fragment of a streamed response.
type StreamChunk struct {
	Text string `json:"text"`
}

// StreamCallback receives fragments strictly in the order the transport
// produced them, before ChatStream returns. Returning a non-nil error
// aborts the stream.
type StreamCallback func(chunk StreamChunk) error

// ChatClient is the uniform contract over the three provider wire
// protocols (buffered JSON, newline-delimited streaming JSON, SSE).
type ChatClient interface {
	// Name returns the provider enum value this client serves
	// ("ollama", "anthropic" or "gemini").
	Name() string

	// Chat sends the full message list plus system prompt in one request
	// and blocks until the complete response is available.
	Chat(ctx context.Context, messages []datatypes.Message, systemPrompt string, maxTokens int) (*ChatResult, error)

	// ChatStream behaves like Chat but delivers text incrementally through
	// callback before returning. The returned Content is the exact
	// concatenation of all delivered chunks.
	ChatStream(ctx context.Context, messages []datatypes.Message, systemPrompt string, maxTokens int, callback StreamCallback) (*ChatResult, error)

	// IsAvailable is a non-throwing liveness probe. Cloud clients only
	// check credential presence; the local client performs a short-timeout
	// network probe and reports false on any failure.
	IsAvailable(ctx context.Context) bool

	// ListModels enumerates the provider's models best-effort; it returns
	// an empty slice on any error rather than propagating it.
	ListModels(ctx context.Context) []ModelInfo
}
