// Package memory persists per-user memory and extracts memory directives the
// model embeds in its own response text.
package memory

import (
	"context"
	"errors"

	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// ErrNotFound is returned when no entry exists for the given ID.
var ErrNotFound = errors.New("memory entry not found")

// ErrUnsupported is returned by stores that do not implement ID-based
// operations. Callers must treat it as a normal outcome, not a crash.
var ErrUnsupported = errors.New("operation not supported by this memory store")

// Store is the persistence boundary for user memory.
type Store interface {
	// GetUserMemories returns the user's entries, oldest first.
	GetUserMemories(ctx context.Context, userID string) ([]models.MemoryEntry, error)

	// AddMemory appends one entry. Missing ID and timestamp are filled in.
	AddMemory(ctx context.Context, entry *models.MemoryEntry) error

	// ReplaceAll deletes every entry for the user and, when content is
	// non-empty, inserts exactly one new entry holding it.
	ReplaceAll(ctx context.Context, userID, content string) error

	// DeleteAll removes every entry for the user.
	DeleteAll(ctx context.Context, userID string) error

	// ID-based operations. Implementations may return ErrUnsupported.
	GetMemoryByID(ctx context.Context, id string) (*models.MemoryEntry, error)
	UpdateMemoryByID(ctx context.Context, id, content string) error
	DeleteMemoryByID(ctx context.Context, id string) error

	Close() error
}
