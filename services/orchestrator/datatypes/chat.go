// Package datatypes provides data structures shared between the chat
// orchestration core and its HTTP surface.
//
// This file contains the conversation message model and the request and
// response bodies for the chat endpoints. Provider-level result types live
// in services/llm.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Checked as byte length, not rune count, to bound memory per request.
	MaxMessageContentBytes = 32 * 1024

	// MaxAgentDefinitionBytes bounds the persona definition text embedded
	// into the system prompt at session start.
	MaxAgentDefinitionBytes = 256 * 1024
)

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("maxdefbytes", validateMaxDefBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

func validateMaxDefBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxAgentDefinitionBytes
}

// Message is a single turn in a conversation.
//
// Role is "user" or "assistant" for stored history; "system" never appears
// in history because the system prompt is carried separately per session.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"maxbytes"`
}

// TokenUsage contains token consumption counters for one exchange.
// Zero-filled when the provider does not report them.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StartChatRequest is the body of POST /v1/chat/start.
//
// AgentDefinition is the full persona definition text (markdown from the
// agent catalog); it is embedded verbatim into the session system prompt.
type StartChatRequest struct {
	AgentName       string `json:"agent_name" validate:"required,min=1,max=128"`
	AgentDefinition string `json:"agent_definition" validate:"required,maxdefbytes"`
}

// Validate validates the StartChatRequest fields.
func (r *StartChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// SendMessageRequest is the body of POST /v1/chat/:sessionId/message and
// POST /v1/chat/:sessionId/stream.
//
// Message may be empty: an empty body re-requests an assistant reply for the
// history as it stands (used to retry after a failed exchange without
// duplicating the user's turn).
type SendMessageRequest struct {
	Message string `json:"message" validate:"maxbytes"`
}

// Validate validates the SendMessageRequest fields.
func (r *SendMessageRequest) Validate() error {
	return chatValidate.Struct(r)
}

// UpdateConfigRequest is the body of PUT /v1/config. All fields are
// optional; only the fields present are merged into the persisted
// configuration (see config.Store.Save).
type UpdateConfigRequest struct {
	Provider        *string `json:"provider,omitempty" validate:"omitempty,oneof=ollama anthropic gemini"`
	Model           *string `json:"model,omitempty" validate:"omitempty,max=128"`
	MaxTokens       *int    `json:"max_tokens,omitempty" validate:"omitempty,gt=0,lte=65536"`
	AnthropicAPIKey *string `json:"anthropic_api_key,omitempty"`
	GeminiAPIKey    *string `json:"gemini_api_key,omitempty"`
	OllamaURL       *string `json:"ollama_url,omitempty" validate:"omitempty,url"`
}

// Validate validates the UpdateConfigRequest fields.
func (r *UpdateConfigRequest) Validate() error {
	return chatValidate.Struct(r)
}

// HistoryEntry is one turn of a session history snapshot.
// Timestamp is the message creation time in Unix milliseconds.
type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ChatSummary describes one active session for listing.
//
// LastMessage is the most recent message content truncated to 100 runes
// with a trailing "..." marker, or empty when the session has no messages.
type ChatSummary struct {
	SessionID    string `json:"session_id"`
	AgentName    string `json:"agent_name"`
	MessageCount int    `json:"message_count"`
	CreatedAt    int64  `json:"created_at"`
	LastMessage  string `json:"last_message,omitempty"`
}

// StreamEvent is a single event on the SSE surface of the stream endpoint.
type StreamEvent struct {
	Type      string `json:"type"`
	Id        string `json:"id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionId string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
