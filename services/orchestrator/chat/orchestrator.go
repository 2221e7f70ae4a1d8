package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentdeck/agentdeck/services/llm"
	"github.com/agentdeck/agentdeck/services/orchestrator/config"
	"github.com/agentdeck/agentdeck/services/orchestrator/datatypes"
	"github.com/agentdeck/agentdeck/services/orchestrator/store"
)

var tracer = otel.Tracer("agentdeck.orchestrator.chat")

// Orchestrator owns the live sessions and routes each exchange to the
// provider selected in configuration. Configuration changes swap the
// client set atomically; exchanges already in flight keep the client they
// captured at call start.
type Orchestrator struct {
	sessions *store.Store
	cfg      *config.Store

	mu       sync.RWMutex
	settings config.Settings
	clients  map[string]llm.ChatClient
}

// StartResult is the outcome of starting a session: the greeting the agent
// produced for the bootstrap turn plus the exchange metadata.
type StartResult struct {
	SessionID string
	AgentName string
	Greeting  string
	Provider  string
	Model     string
	Usage     datatypes.TokenUsage
}

// SendResult is the outcome of one exchange on an existing session.
type SendResult struct {
	Content    string
	Provider   string
	Model      string
	StopReason string
	Usage      datatypes.TokenUsage
}

// NewOrchestrator loads persisted settings and builds the provider client
// set. A missing config file is fine; defaults select the local provider.
func NewOrchestrator(cfg *config.Store) (*Orchestrator, error) {
	settings, err := cfg.Load()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		sessions: store.NewStore(),
		cfg:      cfg,
	}
	o.apply(settings)
	return o, nil
}

// apply swaps in a new effective settings snapshot and client set.
func (o *Orchestrator) apply(settings config.Settings) {
	eff := settings.WithDefaults()
	clients := map[string]llm.ChatClient{
		"ollama":    llm.NewOllamaClient(eff.OllamaURL, modelFor(eff, "ollama")),
		"anthropic": llm.NewAnthropicClient(eff.AnthropicAPIKey, modelFor(eff, "anthropic")),
		"gemini":    llm.NewGeminiClient(eff.GeminiAPIKey, modelFor(eff, "gemini")),
	}
	o.mu.Lock()
	o.settings = eff
	o.clients = clients
	o.mu.Unlock()
	slog.Info("Provider configuration applied", "provider", eff.Provider, "model", eff.Model)
}

// modelFor resolves the configured model for a provider. The single model
// setting belongs to the selected provider; the others use their defaults.
func modelFor(eff config.Settings, provider string) string {
	if eff.Provider == provider {
		return eff.Model
	}
	return ""
}

// Reload re-applies externally changed settings, e.g. from a file watcher.
func (o *Orchestrator) Reload(settings config.Settings) {
	o.apply(settings)
}

// active returns the selected provider's client and the settings snapshot
// it was built from.
func (o *Orchestrator) active() (llm.ChatClient, config.Settings, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	client, ok := o.clients[o.settings.Provider]
	if !ok {
		return nil, o.settings, llm.NewError(llm.CodeProviderNotConfigured,
			"unknown provider '"+o.settings.Provider+"'", nil)
	}
	return client, o.settings, nil
}

// clientNamed returns a specific provider's client regardless of selection.
func (o *Orchestrator) clientNamed(name string) (llm.ChatClient, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	client, ok := o.clients[name]
	if !ok {
		return nil, llm.NewError(llm.CodeProviderNotConfigured,
			"unknown provider '"+name+"'", nil)
	}
	return client, nil
}

// StartChat creates a session for the agent and runs the bootstrap turn.
// On any failure the session is removed again, so a session id is only ever
// handed out for a conversation that produced a greeting.
func (o *Orchestrator) StartChat(ctx context.Context, req datatypes.StartChatRequest) (*StartResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.StartChat")
	defer span.End()
	span.SetAttributes(attribute.String("chat.agent_name", req.AgentName))

	client, settings, err := o.active()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sessionID := uuid.NewString()
	conv := &store.Conversation{
		SessionID:    sessionID,
		AgentName:    req.AgentName,
		SystemPrompt: buildSystemPrompt(req.AgentName, req.AgentDefinition),
		Provider:     client.Name(),
		Model:        settings.Model,
		CreatedAt:    time.Now(),
	}
	o.sessions.Put(conv)
	span.SetAttributes(attribute.String("chat.session_id", sessionID))

	result, err := client.Chat(ctx, []datatypes.Message{
		{Role: "user", Content: bootstrapMessage},
	}, conv.SystemPrompt, settings.MaxTokens)
	if err != nil {
		o.sessions.Remove(sessionID)
		slog.Error("Chat bootstrap failed", "session_id", sessionID, "agent", req.AgentName, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	conv.Lock()
	conv.Append("user", bootstrapMessage)
	conv.Append("assistant", result.Content)
	conv.Unlock()
	slog.Info("Chat session started",
		"session_id", sessionID, "agent", req.AgentName, "provider", client.Name())

	return &StartResult{
		SessionID: sessionID,
		AgentName: req.AgentName,
		Greeting:  result.Content,
		Provider:  client.Name(),
		Model:     result.Model,
		Usage:     result.Usage,
	}, nil
}

// SendMessage runs one buffered exchange. An empty message retries the
// reply for the transcript as it stands instead of adding a user turn. A
// failed exchange keeps the user turn so a retry can pick it up.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, message string) (*SendResult, error) {
	return o.exchange(ctx, sessionID, message, nil)
}

// StreamMessage runs one exchange, delivering reply fragments through
// callback as they arrive. The returned content is the concatenation of
// exactly the fragments delivered.
func (o *Orchestrator) StreamMessage(ctx context.Context, sessionID, message string,
	callback llm.StreamCallback) (*SendResult, error) {
	return o.exchange(ctx, sessionID, message, callback)
}

func (o *Orchestrator) exchange(ctx context.Context, sessionID, message string,
	callback llm.StreamCallback) (*SendResult, error) {

	ctx, span := tracer.Start(ctx, "Orchestrator.exchange")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.session_id", sessionID),
		attribute.Bool("chat.streaming", callback != nil),
	)

	conv, err := o.sessions.Get(sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	client, settings, err := o.active()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// One turn at a time per session. A second send on the same session
	// waits here rather than interleaving transcripts.
	conv.Lock()
	defer conv.Unlock()

	if message != "" {
		conv.Append("user", message)
	}
	messages := transcriptMessages(conv)

	start := time.Now()
	var result *llm.ChatResult
	if callback != nil {
		result, err = client.ChatStream(ctx, messages, conv.SystemPrompt, settings.MaxTokens, callback)
	} else {
		result, err = client.Chat(ctx, messages, conv.SystemPrompt, settings.MaxTokens)
	}
	if err != nil {
		// The user turn stays; the next send or an empty-message retry
		// resumes from it.
		slog.Error("Chat exchange failed",
			"session_id", sessionID, "provider", client.Name(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	conv.Append("assistant", result.Content)
	slog.Info("Chat exchange complete",
		"session_id", sessionID,
		"provider", client.Name(),
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens)

	return &SendResult{
		Content:    result.Content,
		Provider:   client.Name(),
		Model:      result.Model,
		StopReason: result.StopReason,
		Usage:      result.Usage,
	}, nil
}

// transcriptMessages projects the transcript into wire messages. Must be
// called with the conversation lock held.
func transcriptMessages(conv *store.Conversation) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(conv.Entries))
	for _, e := range conv.Entries {
		out = append(out, datatypes.Message{Role: e.Role, Content: e.Content})
	}
	return out
}

// History returns the session transcript.
func (o *Orchestrator) History(sessionID string) ([]datatypes.HistoryEntry, error) {
	conv, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	conv.Lock()
	defer conv.Unlock()
	return conv.History(), nil
}

// ClearChat ends a session. Clearing an unknown session succeeds; the
// session is equally gone.
func (o *Orchestrator) ClearChat(sessionID string) {
	o.sessions.Remove(sessionID)
	slog.Info("Chat session cleared", "session_id", sessionID)
}

// ListChats summarizes all live sessions.
func (o *Orchestrator) ListChats() []datatypes.ChatSummary {
	return o.sessions.List()
}

// GetConfig returns the redacted effective configuration.
func (o *Orchestrator) GetConfig() config.SafeView {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings.Safe()
}

// UpdateConfig persists a partial configuration change and swaps the
// client set to match. Sessions keep running; their next exchange uses the
// new provider.
func (o *Orchestrator) UpdateConfig(req datatypes.UpdateConfigRequest) (config.SafeView, error) {
	update := config.Update{
		Provider:        req.Provider,
		Model:           req.Model,
		MaxTokens:       req.MaxTokens,
		AnthropicAPIKey: req.AnthropicAPIKey,
		GeminiAPIKey:    req.GeminiAPIKey,
		OllamaURL:       req.OllamaURL,
	}
	saved, err := o.cfg.Save(update)
	if err != nil {
		return config.SafeView{}, err
	}
	o.apply(saved)
	return saved.Safe(), nil
}

// IsConfigured reports whether the selected provider can take an exchange
// right now: a reachable server for the local provider, a present key for
// the cloud ones.
func (o *Orchestrator) IsConfigured(ctx context.Context) bool {
	client, _, err := o.active()
	if err != nil {
		return false
	}
	return client.IsAvailable(ctx)
}

// ProbeLocal reports whether the local provider answers its probe,
// regardless of which provider is selected.
func (o *Orchestrator) ProbeLocal(ctx context.Context) bool {
	client, err := o.clientNamed("ollama")
	if err != nil {
		return false
	}
	return client.IsAvailable(ctx)
}

// ListModels enumerates the selected provider's models.
func (o *Orchestrator) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	client, _, err := o.active()
	if err != nil {
		return nil, err
	}
	return client.ListModels(ctx), nil
}
