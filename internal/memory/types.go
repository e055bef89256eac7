// Package memory provides the persistent memory store: durable entries in
// SQLite, semantic retrieval over a vector index, deduplication, session
// state, and age-based consolidation into an archive.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateEntry is returned when an append collides with an existing
	// entry for the same session and context hash.
	ErrDuplicateEntry = errors.New("memory: duplicate entry")
	// ErrNotFound is returned when the requested entry does not exist.
	ErrNotFound = errors.New("memory: entry not found")
	// ErrClosed is returned after the service has been shut down.
	ErrClosed = errors.New("memory: service closed")
)

// Kind categorizes what a memory entry records.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindDecision     Kind = "decision"
	KindSystem       Kind = "system"
)

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConversation, KindDecision, KindSystem:
		return true
	}
	return false
}

// Entry is one durable memory record.
type Entry struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	Component    string         `json:"component"`
	ContextHash  string         `json:"context_hash"`
	Kind         Kind           `json:"kind"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Importance   int            `json:"importance"`
	AccessCount  int            `json:"access_count"`
	Embedded     bool           `json:"embedded"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
}

// AppendRequest carries the fields a caller supplies when storing a memory.
type AppendRequest struct {
	SessionID  string
	Component  string
	Context    string
	Kind       Kind
	Content    string
	Metadata   map[string]any
	Importance int
}

// Validate checks required fields and normalizes importance to its 1-10
// range, defaulting to 5 when unset.
func (r *AppendRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("memory: session id is required")
	}
	if r.Component == "" {
		return fmt.Errorf("memory: component is required")
	}
	if r.Content == "" {
		return fmt.Errorf("memory: content is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("memory: invalid kind %q", r.Kind)
	}
	if r.Importance == 0 {
		r.Importance = 5
	}
	if r.Importance < 1 || r.Importance > 10 {
		return fmt.Errorf("memory: importance must be 1-10, got %d", r.Importance)
	}
	return nil
}

// SearchResult pairs an entry with its retrieval scores.
type SearchResult struct {
	Entry      Entry   `json:"entry"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// SessionState is a named per-component state blob within a session.
type SessionState struct {
	SessionID string    `json:"session_id"`
	Component string    `json:"component"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats summarizes the store contents.
type Stats struct {
	Total       int            `json:"total"`
	ByComponent map[string]int `json:"by_component"`
	Recent      int            `json:"recent"`
	Archived    int            `json:"archived"`
	Unembedded  int            `json:"unembedded"`
}

// ContextHash derives the deduplication key for a component and context
// string: the first 16 hex characters of sha256("component:context").
func ContextHash(component, context string) string {
	sum := sha256.Sum256([]byte(component + ":" + context))
	return hex.EncodeToString(sum[:])[:16]
}
