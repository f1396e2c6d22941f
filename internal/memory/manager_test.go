package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/config"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// failStore fails every mutation so persistence-failure swallowing can be
// verified.
type failStore struct{}

func (failStore) GetUserMemories(context.Context, string) ([]models.MemoryEntry, error) {
	return nil, errors.New("db down")
}
func (failStore) AddMemory(context.Context, *models.MemoryEntry) error { return errors.New("db down") }
func (failStore) ReplaceAll(context.Context, string, string) error     { return errors.New("db down") }
func (failStore) DeleteAll(context.Context, string) error              { return errors.New("db down") }
func (failStore) GetMemoryByID(context.Context, string) (*models.MemoryEntry, error) {
	return nil, ErrUnsupported
}
func (failStore) UpdateMemoryByID(context.Context, string, string) error { return ErrUnsupported }
func (failStore) DeleteMemoryByID(context.Context, string) error         { return ErrUnsupported }
func (failStore) Close() error                                           { return nil }

func enabledConfig() config.MemoryConfig {
	return config.MemoryConfig{
		Enabled:            true,
		LLMSuggests:        true,
		MaxLength:          2000,
		ReplaceStartMarker: "[MEM_REPLACE]",
		ReplaceEndMarker:   "[/MEM_REPLACE]",
		AppendStartMarker:  "[MEM_APPEND]",
		AppendEndMarker:    "[/MEM_APPEND]",
		StripFromResponse:  true,
	}
}

func TestManagerPersistAppend(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, enabledConfig(), nil)

	applied := m.Persist(context.Background(), "u1", "msg1", "Got it. [MEM_APPEND]prefers tabs[/MEM_APPEND]")
	if !applied {
		t.Fatal("Persist() = false, want mutation applied")
	}
	entries, _ := store.GetUserMemories(context.Background(), "u1")
	if len(entries) != 1 || entries[0].Content != "prefers tabs" {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].Type != models.MemorySuggestion {
		t.Errorf("Type = %q, want suggestion", entries[0].Type)
	}
}

func TestManagerPersistReplaceWins(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, enabledConfig(), nil)
	ctx := context.Background()

	store.AddMemory(ctx, &models.MemoryEntry{UserID: "u1", Content: "old"})
	m.Persist(ctx, "u1", "msg1", "[MEM_REPLACE]new[/MEM_REPLACE] [MEM_APPEND]ignored[/MEM_APPEND]")

	entries, _ := store.GetUserMemories(ctx, "u1")
	if len(entries) != 1 || entries[0].Content != "new" {
		t.Errorf("entries = %+v, want single replaced entry", entries)
	}
}

func TestManagerPersistDisabled(t *testing.T) {
	store := newTestStore(t)
	cfg := enabledConfig()
	cfg.Enabled = false
	m := NewManager(store, cfg, nil)

	if m.Persist(context.Background(), "u1", "msg1", "[MEM_APPEND]x[/MEM_APPEND]") {
		t.Error("Persist() should be a no-op when memory is disabled")
	}
}

func TestManagerPersistSwallowsStorageErrors(t *testing.T) {
	m := NewManager(failStore{}, enabledConfig(), nil)

	// Must not panic or propagate; just reports nothing applied.
	if m.Persist(context.Background(), "u1", "msg1", "[MEM_REPLACE]x[/MEM_REPLACE]") {
		t.Error("Persist() = true despite storage failure")
	}
}

func TestManagerTruncation(t *testing.T) {
	store := newTestStore(t)
	cfg := enabledConfig()
	cfg.MaxLength = 10
	m := NewManager(store, cfg, nil)

	m.Persist(context.Background(), "u1", "msg1",
		"[MEM_APPEND]"+strings.Repeat("x", 50)+"[/MEM_APPEND]")
	entries, _ := store.GetUserMemories(context.Background(), "u1")
	if len(entries) != 1 || len(entries[0].Content) != 10 {
		t.Errorf("entries = %+v, want content capped at 10", entries)
	}
}

func TestManagerPromptSection(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, enabledConfig(), nil)
	ctx := context.Background()

	if got := m.PromptSection(ctx, "u1"); got != "" {
		t.Errorf("PromptSection(empty) = %q, want empty", got)
	}

	store.AddMemory(ctx, &models.MemoryEntry{UserID: "u1", Content: "likes go"})
	store.AddMemory(ctx, &models.MemoryEntry{UserID: "u1", Content: "prefers tabs"})
	got := m.PromptSection(ctx, "u1")
	if !strings.Contains(got, "- likes go") || !strings.Contains(got, "- prefers tabs") {
		t.Errorf("PromptSection() = %q", got)
	}
}

func TestManagerCleanRespectsConfig(t *testing.T) {
	store := newTestStore(t)
	cfg := enabledConfig()
	cfg.StripFromResponse = false
	m := NewManager(store, cfg, nil)

	text := "done [MEM_APPEND]x[/MEM_APPEND]"
	if got := m.Clean(text); got != text {
		t.Errorf("Clean() = %q, want unmodified when stripping is off", got)
	}

	cfg.StripFromResponse = true
	m = NewManager(store, cfg, nil)
	if got := m.Clean(text); strings.Contains(got, "MEM_APPEND") {
		t.Errorf("Clean() = %q, want markers removed", got)
	}
}
