package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/services/orchestrator/datatypes"
)

// newTestAnthropicClient creates an AnthropicClient pointing to a test server.
//
// # Description
//
// Creates an AnthropicClient configured with a fake key and the given test
// server URL, bypassing the real API endpoint.
//
// # Inputs
//
//   - baseURL: Test server URL.
//
// # Outputs
//
//   - *AnthropicClient: Configured client.
func newTestAnthropicClient(baseURL string) *AnthropicClient {
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     "sk-ant-test-key",
		model:      "claude-test",
		baseURL:    baseURL,
	}
}

func TestAnthropicClient_Chat_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test-key" {
			t.Errorf("Expected api key header, got '%s'", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("Expected version header %s, got '%s'", anthropicVersion, got)
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Hello! "},{"type":"text","text":"How can I help?"}],"model":"claude-test","stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":9}}`)
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL)
	result, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, "You are a helper.", 1024)

	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if result.Content != "Hello! How can I help?" {
		t.Errorf("Expected concatenated text blocks, got '%s'", result.Content)
	}
	if result.Usage.InputTokens != 20 || result.Usage.OutputTokens != 9 {
		t.Errorf("Unexpected usage: %+v", result.Usage)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("Expected stop reason 'end_turn', got '%s'", result.StopReason)
	}
}

func TestAnthropicClient_Chat_SystemInPayload(t *testing.T) {
	t.Parallel()

	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL)
	_, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, "Be terse.", 512)

	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if payload["system"] != "Be terse." {
		t.Errorf("Expected top-level system field, got %v", payload["system"])
	}
	if payload["max_tokens"] != float64(512) {
		t.Errorf("Expected max_tokens 512, got %v", payload["max_tokens"])
	}
	msgs := payload["messages"].([]any)
	for _, m := range msgs {
		if m.(map[string]any)["role"] == "system" {
			t.Error("System prompt must not appear in the messages array")
		}
	}
}

func TestAnthropicClient_Chat_MissingKey(t *testing.T) {
	t.Parallel()

	client := NewAnthropicClient("", "claude-test")
	_, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, "", 64)

	if !IsCode(err, CodeCredentialsMissing) {
		t.Fatalf("Expected credentials error before any network call, got %v", err)
	}
	if err.Error() == "" {
		t.Error("Error message must never be empty")
	}
}

func TestAnthropicClient_Chat_AuthError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL)
	_, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, "", 64)

	if !IsCode(err, CodeAuth) {
		t.Fatalf("Expected auth error for 401, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid x-api-key") {
		t.Errorf("Expected remote message in error, got '%s'", err.Error())
	}
}

func TestAnthropicClient_Chat_RateLimited(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"rate limit exceeded"}}`)
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL)
	_, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, "", 64)

	if !IsCode(err, CodeRateLimited) {
		t.Fatalf("Expected rate limit error for 429, got %v", err)
	}
}

func TestAnthropicClient_ChatStream_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		if payload["stream"] != true {
			t.Error("Expected stream:true in request payload")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":15}}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL)
	var streamed strings.Builder
	result, err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, "", 64, func(chunk StreamChunk) error {
		streamed.WriteString(chunk.Text)
		return nil
	})

	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if result.Content != "Hello" {
		t.Errorf("Expected content 'Hello', got '%s'", result.Content)
	}
	if streamed.String() != result.Content {
		t.Errorf("Streamed text '%s' does not match final content '%s'", streamed.String(), result.Content)
	}
	if result.Usage.InputTokens != 15 || result.Usage.OutputTokens != 4 {
		t.Errorf("Unexpected usage: %+v", result.Usage)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("Expected stop reason 'end_turn', got '%s'", result.StopReason)
	}
}

func TestAnthropicClient_ChatStream_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"keep"}}`+"\n\n")
		fmt.Fprint(w, "data: {broken\n\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":" this"}}`+"\n\n")
	}))
	defer server.Close()

	client := newTestAnthropicClient(server.URL)
	result, err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, "", 64, nil)

	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if result.Content != "keep this" {
		t.Errorf("Expected malformed line to be skipped, got '%s'", result.Content)
	}
}

func TestAnthropicClient_ChatStream_MissingKey(t *testing.T) {
	t.Parallel()

	client := NewAnthropicClient("", "claude-test")
	_, err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: "user", Content: "Hi"},
	}, "", 64, nil)

	if !IsCode(err, CodeCredentialsMissing) {
		t.Fatalf("Expected credentials error, got %v", err)
	}
}

func TestAnthropicClient_IsAvailable(t *testing.T) {
	t.Parallel()

	if NewAnthropicClient("", "m").IsAvailable(context.Background()) {
		t.Error("Expected unavailable without a key")
	}
	if !NewAnthropicClient("sk-ant-key", "m").IsAvailable(context.Background()) {
		t.Error("Expected available with a key")
	}
}
