package store

import (
	"errors"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/services/orchestrator/datatypes"
)

// ErrSessionNotFound is returned by operations addressing a session id with
// no live conversation.
var ErrSessionNotFound = errors.New("session not found")

// lastMessagePreviewRunes bounds the preview shown in conversation
// listings. Counted in runes so multibyte text is not split.
const lastMessagePreviewRunes = 100

// Entry is one recorded turn with its capture time.
type Entry struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Conversation is the full state of one chat session.
type Conversation struct {
	SessionID    string
	AgentName    string
	SystemPrompt string
	Provider     string
	Model        string
	CreatedAt    time.Time
	Entries      []Entry

	// mu serializes turns within this session so concurrent sends cannot
	// interleave their user/assistant pairs.
	mu sync.Mutex
}

// Lock takes the per-session turn lock.
func (c *Conversation) Lock() { c.mu.Lock() }

// Unlock releases the per-session turn lock.
func (c *Conversation) Unlock() { c.mu.Unlock() }

// History returns the transcript as externally visible entries, excluding
// the system prompt, with millisecond timestamps.
func (c *Conversation) History() []datatypes.HistoryEntry {
	out := make([]datatypes.HistoryEntry, 0, len(c.Entries))
	for _, e := range c.Entries {
		out = append(out, datatypes.HistoryEntry{
			Role:      e.Role,
			Content:   e.Content,
			Timestamp: e.Timestamp.UnixMilli(),
		})
	}
	return out
}

// Append records one turn at the current time.
func (c *Conversation) Append(role, content string) {
	c.Entries = append(c.Entries, Entry{Role: role, Content: content, Timestamp: time.Now()})
}

// Store holds live conversations keyed by session id. All methods are safe
// for concurrent use.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{conversations: make(map[string]*Conversation)}
}

// Put registers a conversation. An existing conversation under the same id
// is replaced outright, matching a fresh start for that session.
func (s *Store) Put(conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.SessionID] = conv
}

// Get returns the conversation for id, or ErrSessionNotFound.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return conv, nil
}

// Remove deletes the conversation for id. Removing an absent id is a no-op;
// the session is gone either way.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
}

// Len reports the number of live conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// List summarizes every live conversation. Order is unspecified.
func (s *Store) List() []datatypes.ChatSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]datatypes.ChatSummary, 0, len(s.conversations))
	for _, conv := range s.conversations {
		// Entries is guarded by the per-conversation turn lock, not the
		// store lock; an exchange may be appending right now.
		conv.Lock()
		summary := datatypes.ChatSummary{
			SessionID:    conv.SessionID,
			AgentName:    conv.AgentName,
			MessageCount: len(conv.Entries),
			CreatedAt:    conv.CreatedAt.UnixMilli(),
		}
		if n := len(conv.Entries); n > 0 {
			summary.LastMessage = previewOf(conv.Entries[n-1].Content)
		}
		conv.Unlock()
		out = append(out, summary)
	}
	return out
}

func previewOf(content string) string {
	runes := []rune(content)
	if len(runes) <= lastMessagePreviewRunes {
		return content
	}
	return string(runes[:lastMessagePreviewRunes]) + "..."
}
