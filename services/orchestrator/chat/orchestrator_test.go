package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentdeck/agentdeck/services/llm"
	"github.com/agentdeck/agentdeck/services/orchestrator/config"
	"github.com/agentdeck/agentdeck/services/orchestrator/datatypes"
	"github.com/agentdeck/agentdeck/services/orchestrator/store"
)

// newTestOrchestrator wires an Orchestrator to a mock Ollama server.
//
// # Description
//
// Persists a config selecting the local provider with the mock server's
// URL, then builds an Orchestrator from that config. Exchanges hit the
// mock server over real HTTP.
//
// # Inputs
//
//   - t: Test context.
//   - serverURL: Mock Ollama base URL.
//
// # Outputs
//
//   - *Orchestrator: Ready orchestrator.
func newTestOrchestrator(t *testing.T, serverURL string) *Orchestrator {
	t.Helper()
	cfg := config.NewStoreAt(filepath.Join(t.TempDir(), "ai-config.json"))
	provider := "ollama"
	_, err := cfg.Save(config.Update{Provider: &provider, OllamaURL: &serverURL})
	if err != nil {
		t.Fatalf("Seeding config failed: %v", err)
	}
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return o
}

// newEchoServer answers every chat request with a fixed reply.
func newEchoServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			fmt.Fprintf(w, `{"model":"test-model","message":{"role":"assistant","content":%q},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":2}`, reply)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"test-model","size":1}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestOrchestrator_StartChat_Success(t *testing.T) {
	t.Parallel()

	server := newEchoServer(t, "Hi, I am the analyst.")
	defer server.Close()
	o := newTestOrchestrator(t, server.URL)

	result, err := o.StartChat(context.Background(), datatypes.StartChatRequest{
		AgentName:       "analyst",
		AgentDefinition: "# analyst\npersona: curious",
	})
	if err != nil {
		t.Fatalf("StartChat failed: %v", err)
	}
	if result.SessionID == "" {
		t.Error("Expected a session id")
	}
	if result.Greeting != "Hi, I am the analyst." {
		t.Errorf("Unexpected greeting: %q", result.Greeting)
	}
	if result.Provider != "ollama" {
		t.Errorf("Expected provider ollama, got %q", result.Provider)
	}

	history, err := o.History(result.SessionID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected bootstrap pair in history, got %d entries", len(history))
	}
	if history[0].Role != "user" || history[0].Content != bootstrapMessage {
		t.Errorf("First entry should be the bootstrap turn, got %+v", history[0])
	}
	if history[1].Role != "assistant" || history[1].Content != result.Greeting {
		t.Errorf("Second entry should be the greeting, got %+v", history[1])
	}
}

func TestOrchestrator_StartChat_FailureRollsBack(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"out of memory"}`)
	}))
	defer server.Close()
	o := newTestOrchestrator(t, server.URL)

	_, err := o.StartChat(context.Background(), datatypes.StartChatRequest{
		AgentName:       "analyst",
		AgentDefinition: "def",
	})
	if err == nil {
		t.Fatal("Expected StartChat to fail")
	}
	if len(o.ListChats()) != 0 {
		t.Error("Failed start must not leave a session behind")
	}
}

func TestOrchestrator_SendMessage_GrowsHistory(t *testing.T) {
	t.Parallel()

	server := newEchoServer(t, "reply")
	defer server.Close()
	o := newTestOrchestrator(t, server.URL)

	started, err := o.StartChat(context.Background(), datatypes.StartChatRequest{
		AgentName: "analyst", AgentDefinition: "def",
	})
	if err != nil {
		t.Fatalf("StartChat failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := o.SendMessage(context.Background(), started.SessionID, fmt.Sprintf("question %d", i)); err != nil {
			t.Fatalf("SendMessage %d failed: %v", i, err)
		}
	}

	history, _ := o.History(started.SessionID)
	// Bootstrap pair plus one pair per send.
	if len(history) != 2*3+2 {
		t.Fatalf("Expected 8 entries, got %d", len(history))
	}
	for i, e := range history {
		wantRole := "user"
		if i%2 == 1 {
			wantRole = "assistant"
		}
		if e.Role != wantRole {
			t.Errorf("Entry %d: expected role %s, got %s", i, wantRole, e.Role)
		}
	}
}

func TestOrchestrator_SendMessage_UnknownSession(t *testing.T) {
	t.Parallel()

	server := newEchoServer(t, "reply")
	defer server.Close()
	o := newTestOrchestrator(t, server.URL)

	_, err := o.SendMessage(context.Background(), "no-such-session", "hello")
	if err != store.ErrSessionNotFound {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestOrchestrator_SendMessage_FailureKeepsUserTurn(t *testing.T) {
	t.Parallel()

	var fail bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			fmt.Fprint(w, `{"models":[]}`)
			return
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"boom"}`)
			return
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer server.Close()
	o := newTestOrchestrator(t, server.URL)

	started, err := o.StartChat(context.Background(), datatypes.StartChatRequest{
		AgentName: "analyst", AgentDefinition: "def",
	})
	if err != nil {
		t.Fatalf("StartChat failed: %v", err)
	}

	fail = true
	if _, err := o.SendMessage(context.Background(), started.SessionID, "doomed question"); err == nil {
		t.Fatal("Expected send to fail")
	}

	history, _ := o.History(started.SessionID)
	if len(history) != 3 {
		t.Fatalf("Expected user turn to survive the failure, got %d entries", len(history))
	}
	if history[2].Role != "user" || history[2].Content != "doomed question" {
		t.Errorf("Unexpected surviving entry: %+v", history[2])
	}

	// An empty message retries the reply without adding another user turn.
	fail = false
	result, err := o.SendMessage(context.Background(), started.SessionID, "")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if result.Content != "ok" {
		t.Errorf("Unexpected retry reply: %q", result.Content)
	}
	history, _ = o.History(started.SessionID)
	if len(history) != 4 {
		t.Fatalf("Expected retry to add only the assistant turn, got %d entries", len(history))
	}
}

func TestOrchestrator_StreamMessage_ConcatenationMatchesContent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			fmt.Fprint(w, `{"models":[]}`)
			return
		}
		// Bootstrap is buffered, sends are streamed; answer both shapes.
		if strings.Contains(readBody(r), `"stream":true`) {
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"b"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"c"},"done":true,"done_reason":"stop"}`)
			return
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"greeting"},"done":true}`)
	}))
	defer server.Close()
	o := newTestOrchestrator(t, server.URL)

	started, err := o.StartChat(context.Background(), datatypes.StartChatRequest{
		AgentName: "analyst", AgentDefinition: "def",
	})
	if err != nil {
		t.Fatalf("StartChat failed: %v", err)
	}

	var streamed strings.Builder
	result, err := o.StreamMessage(context.Background(), started.SessionID, "go", func(chunk llm.StreamChunk) error {
		streamed.WriteString(chunk.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}
	if result.Content != "abc" || streamed.String() != "abc" {
		t.Errorf("Streamed %q, final %q; both should be 'abc'", streamed.String(), result.Content)
	}

	history, _ := o.History(started.SessionID)
	if history[len(history)-1].Content != "abc" {
		t.Error("Streamed reply should be recorded in history")
	}
}

func TestOrchestrator_ClearChat_Idempotent(t *testing.T) {
	t.Parallel()

	server := newEchoServer(t, "hi")
	defer server.Close()
	o := newTestOrchestrator(t, server.URL)

	started, err := o.StartChat(context.Background(), datatypes.StartChatRequest{
		AgentName: "analyst", AgentDefinition: "def",
	})
	if err != nil {
		t.Fatalf("StartChat failed: %v", err)
	}

	o.ClearChat(started.SessionID)
	o.ClearChat(started.SessionID)
	o.ClearChat("never-existed")

	if _, err := o.History(started.SessionID); err != store.ErrSessionNotFound {
		t.Errorf("Expected cleared session to be gone, got %v", err)
	}
}

func TestOrchestrator_UpdateConfig_SwitchesProvider(t *testing.T) {
	t.Parallel()

	server := newEchoServer(t, "hi")
	defer server.Close()
	o := newTestOrchestrator(t, server.URL)

	provider := "anthropic"
	key := "sk-ant-REDACTED"
	view, err := o.UpdateConfig(datatypes.UpdateConfigRequest{
		Provider:        &provider,
		AnthropicAPIKey: &key,
	})
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if view.Provider != "anthropic" {
		t.Errorf("Expected provider anthropic, got %q", view.Provider)
	}
	if !view.HasAnthropicKey {
		t.Error("Expected key presence flag")
	}
	if strings.Contains(view.AnthropicKeyPreview, "material") {
		t.Errorf("Preview leaks key material: %q", view.AnthropicKeyPreview)
	}

	// The previously saved Ollama URL must survive the partial update.
	if view.OllamaURL != server.URL {
		t.Errorf("Partial update clobbered ollamaUrl: %q", view.OllamaURL)
	}
}

func TestOrchestrator_GetConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := config.NewStoreAt(filepath.Join(t.TempDir(), "ai-config.json"))
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	view := o.GetConfig()
	if view.Provider != config.DefaultProvider {
		t.Errorf("Expected default provider, got %q", view.Provider)
	}
	if view.MaxTokens != config.DefaultMaxTokens {
		t.Errorf("Expected default max tokens, got %d", view.MaxTokens)
	}
}

func TestOrchestrator_ProbeLocal(t *testing.T) {
	t.Parallel()

	server := newEchoServer(t, "hi")
	o := newTestOrchestrator(t, server.URL)

	if !o.ProbeLocal(context.Background()) {
		t.Error("Expected local provider reachable")
	}
	server.Close()
	if o.ProbeLocal(context.Background()) {
		t.Error("Expected local provider unreachable after shutdown")
	}
}

func TestOrchestrator_ListModels(t *testing.T) {
	t.Parallel()

	server := newEchoServer(t, "hi")
	defer server.Close()
	o := newTestOrchestrator(t, server.URL)

	models, err := o.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 1 || models[0].ID != "test-model" {
		t.Errorf("Unexpected models: %+v", models)
	}
}

func TestBuildSystemPrompt_EmbedsDefinitionAndName(t *testing.T) {
	t.Parallel()

	prompt := buildSystemPrompt("analyst", "# persona\nrole: data sleuth")
	if !strings.Contains(prompt, "--- AGENT DEFINITION START ---\n# persona\nrole: data sleuth\n--- AGENT DEFINITION END ---") {
		t.Error("Definition should be embedded verbatim between markers")
	}
	if !strings.Contains(prompt, "You are now analyst.") {
		t.Error("Agent name should close the prompt")
	}
}

func readBody(r *http.Request) string {
	data, _ := io.ReadAll(r.Body)
	return string(data)
}
