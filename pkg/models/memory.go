package models

import "time"

// MemoryType classifies how a memory entry was created.
type MemoryType string

const (
	// MemoryCore is durable, user-curated memory (slash commands).
	MemoryCore MemoryType = "core"
	// MemoryRecall is conversation-derived memory.
	MemoryRecall MemoryType = "recall"
	// MemorySuggestion is memory created from a model-emitted directive.
	MemorySuggestion MemoryType = "suggestion"
)

// MemoryEntry is one persisted memory row for a user.
type MemoryEntry struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Content   string            `json:"content"`
	Type      MemoryType        `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
