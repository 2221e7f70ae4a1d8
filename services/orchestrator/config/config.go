package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	configDirName  = ".agentdeck"
	configFileName = "ai-config.json"

	DefaultProvider  = "ollama"
	DefaultMaxTokens = 4096
)

// Settings is the persisted provider configuration. Zero values mean
// "unset"; effective values come from WithDefaults.
type Settings struct {
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	MaxTokens       int    `json:"maxTokens,omitempty"`
	AnthropicAPIKey string `json:"anthropicApiKey,omitempty"`
	GeminiAPIKey    string `json:"geminiApiKey,omitempty"`
	OllamaURL       string `json:"ollamaUrl,omitempty"`
}

// WithDefaults returns a copy with unset fields replaced by defaults.
func (s Settings) WithDefaults() Settings {
	if s.Provider == "" {
		s.Provider = DefaultProvider
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	return s
}

// SafeView is the secret-free projection of Settings for display. Keys are
// replaced by short previews plus presence flags.
type SafeView struct {
	Provider            string `json:"provider"`
	Model               string `json:"model,omitempty"`
	MaxTokens           int    `json:"maxTokens"`
	OllamaURL           string `json:"ollamaUrl,omitempty"`
	HasAnthropicKey     bool   `json:"hasAnthropicKey"`
	HasGeminiKey        bool   `json:"hasGeminiKey"`
	AnthropicKeyPreview string `json:"anthropicKeyPreview,omitempty"`
	GeminiKeyPreview    string `json:"geminiKeyPreview,omitempty"`
}

// Safe builds the redacted view of the effective settings.
func (s Settings) Safe() SafeView {
	eff := s.WithDefaults()
	return SafeView{
		Provider:            eff.Provider,
		Model:               eff.Model,
		MaxTokens:           eff.MaxTokens,
		OllamaURL:           eff.OllamaURL,
		HasAnthropicKey:     eff.AnthropicAPIKey != "",
		HasGeminiKey:        eff.GeminiAPIKey != "",
		AnthropicKeyPreview: keyPreview(eff.AnthropicAPIKey),
		GeminiKeyPreview:    keyPreview(eff.GeminiAPIKey),
	}
}

// keyPreview shows the first ten and last four characters of a key. Keys
// too short to redact meaningfully are masked entirely.
func keyPreview(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 14 {
		return "..."
	}
	return key[:10] + "..." + key[len(key)-4:]
}

// Update carries a partial settings change. Nil fields are left untouched
// on save.
type Update struct {
	Provider        *string
	Model           *string
	MaxTokens       *int
	AnthropicAPIKey *string
	GeminiAPIKey    *string
	OllamaURL       *string
}

// Store persists Settings as pretty-printed JSON in the user's home
// directory and can watch the file for outside edits.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store at the default location under the user's home
// directory.
func NewStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return NewStoreAt(filepath.Join(home, configDirName, configFileName)), nil
}

// NewStoreAt creates a store persisting to the given path.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the persisted settings. A missing or unparseable file yields
// empty settings; the next save rewrites it whole.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("Ignoring unparseable config file", "path", s.path, "error", err)
		return Settings{}, nil
	}
	return settings, nil
}

// Save merges the update into the current on-disk settings and writes the
// result back. Fields absent from the update survive unchanged, so two
// concerns can each save their own keys without clobbering the other.
func (s *Store) Save(update Update) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return Settings{}, err
	}

	if update.Provider != nil {
		current.Provider = *update.Provider
	}
	if update.Model != nil {
		current.Model = *update.Model
	}
	if update.MaxTokens != nil {
		current.MaxTokens = *update.MaxTokens
	}
	if update.AnthropicAPIKey != nil {
		current.AnthropicAPIKey = *update.AnthropicAPIKey
	}
	if update.GeminiAPIKey != nil {
		current.GeminiAPIKey = *update.GeminiAPIKey
	}
	if update.OllamaURL != nil {
		current.OllamaURL = *update.OllamaURL
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return Settings{}, fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return Settings{}, fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return Settings{}, fmt.Errorf("write config file: %w", err)
	}
	slog.Info("Configuration saved", "path", s.path)
	return current, nil
}

// Watch invokes onChange with freshly loaded settings whenever the backing
// file is written or created. It blocks until ctx is cancelled. Reload
// failures are logged and skipped so a half-written file does not kill the
// watcher.
func (s *Store) Watch(ctx context.Context, onChange func(Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by rename
	// and a file-level watch goes stale after the first swap.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	slog.Info("Watching configuration", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			settings, err := s.Load()
			if err != nil {
				slog.Warn("Ignoring unreadable config change", "error", err)
				continue
			}
			onChange(settings)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}
