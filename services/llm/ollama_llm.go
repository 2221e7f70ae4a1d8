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

var ollamaTracer = otel.Tracer("agentdeck.llm.ollama")

const (
	// ollamaProbeTimeout bounds the liveness probe; a timeout means
	// "unavailable", never an error.
	ollamaProbeTimeout = 3 * time.Second

	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.1"

	// maxStreamLineBytes bounds a single NDJSON line; Ollama chunks are
	// small but a final object can carry a long context echo.
	maxStreamLineBytes = 1024 * 1024
)

// OllamaClient talks to a local Ollama server. Non-streaming exchanges are
// one buffered JSON object; streaming exchanges are newline-delimited JSON
// where each line is an independent value and a line may be split across
// network reads.
type OllamaClient struct {
	httpClient  *http.Client
	probeClient *http.Client
	baseURL     string
	model       string
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

// ollamaChatChunk is one NDJSON object of a streamed response. The buffered
// response uses the identical shape with Done always true.
type ollamaChatChunk struct {
	Model           string            `json:"model"`
	Message         datatypes.Message `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason,omitempty"`
	PromptEvalCount int               `json:"prompt_eval_count,omitempty"`
	EvalCount       int               `json:"eval_count,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"models"`
}

// NewOllamaClient creates a client for the given base URL and model,
// falling back to the standard local defaults when either is empty.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = defaultOllamaModel
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		// No client-side timeout on exchanges: generation on small
		// hardware can legitimately take minutes. The probe client is
		// the one with a deadline.
		httpClient:  &http.Client{},
		probeClient: &http.Client{Timeout: ollamaProbeTimeout},
		baseURL:     baseURL,
		model:       model,
	}
}

func (o *OllamaClient) Name() string { return "ollama" }

// Chat sends the conversation in one request and blocks for the full reply.
func (o *OllamaClient) Chat(ctx context.Context, messages []datatypes.Message,
	systemPrompt string, maxTokens int) (*ChatResult, error) {

	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := o.postChat(ctx, messages, systemPrompt, maxTokens, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		err := NewError(CodeConnection, "", fmt.Errorf("read Ollama response: %w", readErr))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := classifyStatus(resp.StatusCode, body)
		slog.Error("Ollama chat returned an error", "status_code", resp.StatusCode, "response", string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var chunk ollamaChatChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		perr := NewError(CodeInvalidResponse, "", fmt.Errorf("parse Ollama response: %w", err))
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}
	return o.resultFrom(&chunk, chunk.Message.Content), nil
}

// ChatStream streams the reply as newline-delimited JSON. A trailing
// incomplete line is retained and prepended to the next read; malformed
// lines are skipped so one corrupt chunk does not lose the response.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	systemPrompt string, maxTokens int, callback StreamCallback) (*ChatResult, error) {

	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	resp, err := o.postChat(ctx, messages, systemPrompt, maxTokens, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := classifyStatus(resp.StatusCode, body)
		slog.Error("Ollama stream returned an error", "status_code", resp.StatusCode, "response", string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var content strings.Builder
	var final ollamaChatChunk
	chunkCount := 0

	// bufio.Scanner retains a partial trailing line and completes it from
	// the next read, which is exactly the buffering the protocol needs.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Debug("Skipping malformed stream line", "provider", "ollama", "error", err)
			continue
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			chunkCount++
			if callback != nil {
				if err := callback(StreamChunk{Text: chunk.Message.Content}); err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, "stream aborted by callback")
					return nil, err
				}
			}
		}
		if chunk.Done {
			final = chunk
		}
	}
	if err := scanner.Err(); err != nil {
		perr := NewError(CodeConnection, "", fmt.Errorf("read Ollama stream: %w", err))
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	span.SetAttributes(attribute.Int("llm.chunk_count", chunkCount))
	return o.resultFrom(&final, content.String()), nil
}

// IsAvailable probes the local server's model listing endpoint with a short
// timeout. Any failure, including timeout, means unavailable.
func (o *OllamaClient) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.probeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels enumerates installed models; empty on any failure.
func (o *OllamaClient) ListModels(ctx context.Context) []ModelInfo {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil
	}
	resp, err := o.probeClient.Do(req)
	if err != nil {
		slog.Debug("Ollama model listing failed", "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil
	}
	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{ID: m.Name, Name: m.Name, Size: m.Size})
	}
	return models
}

func (o *OllamaClient) postChat(ctx context.Context, messages []datatypes.Message,
	systemPrompt string, maxTokens int, stream bool) (*http.Response, error) {

	apiMessages := make([]datatypes.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		apiMessages = append(apiMessages, datatypes.Message{Role: "system", Content: systemPrompt})
	}
	apiMessages = append(apiMessages, messages...)

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: apiMessages,
		Stream:   stream,
		Options:  map[string]any{"num_predict": maxTokens},
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(CodeProvider, "", fmt.Errorf("marshal Ollama request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, NewError(CodeProvider, "", fmt.Errorf("create Ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "error", err)
		return nil, NewError(CodeConnection, "", fmt.Errorf("Ollama API call failed: %w", err))
	}
	return resp, nil
}

func (o *OllamaClient) resultFrom(final *ollamaChatChunk, content string) *ChatResult {
	model := final.Model
	if model == "" {
		model = o.model
	}
	return &ChatResult{
		Content: content,
		Usage: datatypes.TokenUsage{
			InputTokens:  final.PromptEvalCount,
			OutputTokens: final.EvalCount,
		},
		Model:      model,
		StopReason: final.DoneReason,
	}
}

var _ ChatClient = (*OllamaClient)(nil)
