package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var anthropicTracer = otel.Tracer("agentdeck.llm.anthropic")

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1/messages"
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion        = "2023-06-01"
	anthropicTimeout        = 120 * time.Second
)

// AnthropicClient talks to the Anthropic Messages API. Non-streaming
// exchanges return one buffered JSON object; streaming exchanges use SSE
// framing with typed events.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

type anthropicRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	System    string              `json:"system,omitempty"`
	Messages  []datatypes.Message `json:"messages"`
	Stream    bool                `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropicStreamEvent is the union of the SSE event payloads we care
// about; the Type field selects which branch is populated.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewAnthropicClient creates a client with the given key and model. The key
// may be empty; exchanges then fail before any network I/O.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: anthropicTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultAnthropicBaseURL,
	}
}

func (a *AnthropicClient) Name() string { return "anthropic" }

// Chat sends the conversation and blocks for the complete reply.
func (a *AnthropicClient) Chat(ctx context.Context, messages []datatypes.Message,
	systemPrompt string, maxTokens int) (*ChatResult, error) {

	ctx, span := anthropicTracer.Start(ctx, "AnthropicClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", a.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := a.post(ctx, messages, systemPrompt, maxTokens, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		err := NewError(CodeConnection, "", fmt.Errorf("read Anthropic response: %w", readErr))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := classifyStatus(resp.StatusCode, body)
		slog.Error("Anthropic chat returned an error", "status_code", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		perr := NewError(CodeInvalidResponse, "", fmt.Errorf("parse Anthropic response: %w", err))
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	model := parsed.Model
	if model == "" {
		model = a.model
	}
	return &ChatResult{
		Content: content.String(),
		Usage: datatypes.TokenUsage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
		Model:      model,
		StopReason: parsed.StopReason,
	}, nil
}

// ChatStream streams the reply over SSE. Text arrives as
// content_block_delta events; usage is split between message_start (input)
// and message_delta (output). Malformed data lines are skipped.
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	systemPrompt string, maxTokens int, callback StreamCallback) (*ChatResult, error) {

	ctx, span := anthropicTracer.Start(ctx, "AnthropicClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	resp, err := a.post(ctx, messages, systemPrompt, maxTokens, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := classifyStatus(resp.StatusCode, body)
		slog.Error("Anthropic stream returned an error", "status_code", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &ChatResult{Model: a.model}
	var content strings.Builder
	chunkCount := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			slog.Debug("Skipping malformed stream line", "provider", "anthropic", "error", err)
			continue
		}
		switch event.Type {
		case "message_start":
			result.Usage.InputTokens = event.Message.Usage.InputTokens
			if event.Message.Model != "" {
				result.Model = event.Message.Model
			}
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				content.WriteString(event.Delta.Text)
				chunkCount++
				if callback != nil {
					if err := callback(StreamChunk{Text: event.Delta.Text}); err != nil {
						span.RecordError(err)
						span.SetStatus(codes.Error, "stream aborted by callback")
						return nil, err
					}
				}
			}
		case "message_delta":
			result.Usage.OutputTokens = event.Usage.OutputTokens
			if event.Delta.StopReason != "" {
				result.StopReason = event.Delta.StopReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		perr := NewError(CodeConnection, "", fmt.Errorf("read Anthropic stream: %w", err))
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	span.SetAttributes(attribute.Int("llm.chunk_count", chunkCount))
	result.Content = content.String()
	return result, nil
}

// IsAvailable reports whether a key is configured. No probe request is
// made; cloud reachability is only known at exchange time.
func (a *AnthropicClient) IsAvailable(ctx context.Context) bool {
	return a.apiKey != ""
}

// ListModels returns the configured model. The Messages API has no public
// listing endpoint worth a key-burning round trip here.
func (a *AnthropicClient) ListModels(ctx context.Context) []ModelInfo {
	return []ModelInfo{{ID: a.model, Name: a.model}}
}

func (a *AnthropicClient) post(ctx context.Context, messages []datatypes.Message,
	systemPrompt string, maxTokens int, stream bool) (*http.Response, error) {

	if a.apiKey == "" {
		return nil, NewError(CodeCredentialsMissing, "Anthropic API key not configured", nil)
	}

	payload := anthropicRequest{
		Model:     a.model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages:  messages,
		Stream:    stream,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(CodeProvider, "", fmt.Errorf("marshal Anthropic request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, NewError(CodeProvider, "", fmt.Errorf("create Anthropic request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		slog.Error("Anthropic API call failed", "error", err)
		return nil, NewError(CodeConnection, "", fmt.Errorf("Anthropic API call failed: %w", err))
	}
	return resp, nil
}

var _ ChatClient = (*AnthropicClient)(nil)
