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

var geminiTracer = otel.Tracer("agentdeck.llm.gemini")

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	defaultGeminiModel   = "gemini-2.0-flash"
	geminiTimeout        = 120 * time.Second
)

// GeminiClient talks to the Gemini generateContent API. The assistant role
// is "model" on this wire, and the system prompt travels in a dedicated
// systemInstruction field rather than the message list.
type GeminiClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// NewGeminiClient creates a client with the given key and model. The key
// may be empty; exchanges then fail before any network I/O.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{
		httpClient: &http.Client{Timeout: geminiTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultGeminiBaseURL,
	}
}

func (g *GeminiClient) Name() string { return "gemini" }

// Chat sends the conversation and blocks for the complete reply.
func (g *GeminiClient) Chat(ctx context.Context, messages []datatypes.Message,
	systemPrompt string, maxTokens int) (*ChatResult, error) {

	ctx, span := geminiTracer.Start(ctx, "GeminiClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", g.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	url := fmt.Sprintf("%s/%s:generateContent", g.baseURL, g.model)
	resp, err := g.post(ctx, url, messages, systemPrompt, maxTokens)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		err := NewError(CodeConnection, "", fmt.Errorf("read Gemini response: %w", readErr))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := classifyStatus(resp.StatusCode, body)
		slog.Error("Gemini chat returned an error", "status_code", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		perr := NewError(CodeInvalidResponse, "", fmt.Errorf("parse Gemini response: %w", err))
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}
	if len(parsed.Candidates) == 0 {
		perr := NewError(CodeInvalidResponse, "Gemini returned no candidates", nil)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	result := g.resultFrom(&parsed)
	return result, nil
}

// ChatStream streams the reply over SSE; each data line is a complete
// response object carrying one text fragment. Malformed lines are skipped.
func (g *GeminiClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	systemPrompt string, maxTokens int, callback StreamCallback) (*ChatResult, error) {

	ctx, span := geminiTracer.Start(ctx, "GeminiClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	url := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", g.baseURL, g.model)
	resp, err := g.post(ctx, url, messages, systemPrompt, maxTokens)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := classifyStatus(resp.StatusCode, body)
		slog.Error("Gemini stream returned an error", "status_code", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &ChatResult{Model: g.model}
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
		if payload == "[DONE]" {
			break
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("Skipping malformed stream line", "provider", "gemini", "error", err)
			continue
		}
		if chunk.UsageMetadata.PromptTokenCount > 0 {
			result.Usage.InputTokens = chunk.UsageMetadata.PromptTokenCount
		}
		if chunk.UsageMetadata.CandidatesTokenCount > 0 {
			result.Usage.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		if chunk.ModelVersion != "" {
			result.Model = chunk.ModelVersion
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		candidate := chunk.Candidates[0]
		if candidate.FinishReason != "" {
			result.StopReason = candidate.FinishReason
		}
		for _, part := range candidate.Content.Parts {
			if part.Text == "" {
				continue
			}
			content.WriteString(part.Text)
			chunkCount++
			if callback != nil {
				if err := callback(StreamChunk{Text: part.Text}); err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, "stream aborted by callback")
					return nil, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		perr := NewError(CodeConnection, "", fmt.Errorf("read Gemini stream: %w", err))
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	span.SetAttributes(attribute.Int("llm.chunk_count", chunkCount))
	result.Content = content.String()
	return result, nil
}

// IsAvailable reports whether a key is configured.
func (g *GeminiClient) IsAvailable(ctx context.Context) bool {
	return g.apiKey != ""
}

// ListModels returns the configured model.
func (g *GeminiClient) ListModels(ctx context.Context) []ModelInfo {
	return []ModelInfo{{ID: g.model, Name: g.model}}
}

func (g *GeminiClient) post(ctx context.Context, url string, messages []datatypes.Message,
	systemPrompt string, maxTokens int) (*http.Response, error) {

	if g.apiKey == "" {
		return nil, NewError(CodeCredentialsMissing, "Gemini API key not configured", nil)
	}

	contents := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	payload := geminiRequest{Contents: contents}
	if systemPrompt != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	payload.GenerationConfig.MaxOutputTokens = maxTokens

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(CodeProvider, "", fmt.Errorf("marshal Gemini request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, NewError(CodeProvider, "", fmt.Errorf("create Gemini request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		slog.Error("Gemini API call failed", "error", err)
		return nil, NewError(CodeConnection, "", fmt.Errorf("Gemini API call failed: %w", err))
	}
	return resp, nil
}

func (g *GeminiClient) resultFrom(parsed *geminiResponse) *ChatResult {
	var content strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}
	model := parsed.ModelVersion
	if model == "" {
		model = g.model
	}
	return &ChatResult{
		Content: content.String(),
		Usage: datatypes.TokenUsage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		},
		Model:      model,
		StopReason: parsed.Candidates[0].FinishReason,
	}
}

var _ ChatClient = (*GeminiClient)(nil)
