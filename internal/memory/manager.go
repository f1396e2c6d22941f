package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/config"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// Manager ties the store and suggestion parser together for the orchestrator
// and the slash commands.
type Manager struct {
	store  Store
	parser *Parser
	cfg    config.MemoryConfig
	logger *slog.Logger
}

// NewManager creates a memory manager.
func NewManager(store Store, cfg config.MemoryConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store: store,
		parser: NewParser(Markers{
			ReplaceStart: cfg.ReplaceStartMarker,
			ReplaceEnd:   cfg.ReplaceEndMarker,
			AppendStart:  cfg.AppendStartMarker,
			AppendEnd:    cfg.AppendEndMarker,
		}),
		cfg:    cfg,
		logger: logger.With("component", "memory"),
	}
}

// Enabled reports whether memory features are on.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// Store exposes the underlying store for slash commands.
func (m *Manager) Store() Store { return m.store }

// NotifyOnUpdate reports whether applied suggestions should be announced.
func (m *Manager) NotifyOnUpdate() bool { return m.cfg.NotifyOnUpdate }

// Clean strips directive markers from user-visible text when configured.
func (m *Manager) Clean(text string) string {
	if !m.cfg.Enabled || !m.cfg.StripFromResponse {
		return text
	}
	return m.parser.Clean(text)
}

// PromptSection formats the user's memory for inclusion in the system prompt.
// Errors degrade to an empty section.
func (m *Manager) PromptSection(ctx context.Context, userID string) string {
	if !m.cfg.Enabled {
		return ""
	}
	entries, err := m.store.GetUserMemories(ctx, userID)
	if err != nil {
		m.logger.Warn("failed to load user memory for prompt", "user_id", userID, "error", err)
		return ""
	}
	return FormatForPrompt(entries)
}

// FormatForPrompt renders memory entries as a bulleted prompt section.
func FormatForPrompt(entries []models.MemoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("The user has shared the following information to remember:\n")
	for _, e := range entries {
		sb.WriteString("- ")
		sb.WriteString(e.Content)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Persist parses the final response text for memory directives and applies
// them. Designed for fire-and-forget use: every failure is logged and
// swallowed. Returns whether any mutation was applied, for update notices.
func (m *Manager) Persist(ctx context.Context, userID, messageID, text string) bool {
	if !m.cfg.Enabled || !m.cfg.LLMSuggests {
		return false
	}

	suggestions := m.parser.Parse(text)
	if suggestions.Empty() {
		return false
	}

	applied := false
	if suggestions.ReplaceSet {
		content := m.truncate(userID, suggestions.Replace)
		if err := m.store.ReplaceAll(ctx, userID, content); err != nil {
			m.logger.Error("memory replace failed",
				"user_id", userID, "message_id", messageID, "error", err)
		} else {
			applied = true
			m.logger.Info("memory replaced", "user_id", userID, "cleared", content == "")
		}
		return applied
	}

	for _, body := range suggestions.Appends {
		entry := &models.MemoryEntry{
			UserID:  userID,
			Content: m.truncate(userID, body),
			Type:    models.MemorySuggestion,
			Metadata: map[string]string{
				"source_message_id": messageID,
			},
		}
		if err := m.store.AddMemory(ctx, entry); err != nil {
			m.logger.Error("memory append failed",
				"user_id", userID, "message_id", messageID, "error", err)
			continue
		}
		applied = true
	}
	if applied {
		m.logger.Info("memory appended", "user_id", userID, "entries", len(suggestions.Appends))
	}
	return applied
}

// truncate enforces the per-entry length cap with a logged warning.
func (m *Manager) truncate(userID, content string) string {
	if m.cfg.MaxLength <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= m.cfg.MaxLength {
		return content
	}
	m.logger.Warn("memory entry truncated",
		"user_id", userID,
		"length", len(runes),
		"max_length", m.cfg.MaxLength)
	return string(runes[:m.cfg.MaxLength])
}

// Describe renders the user's memory for the /memory show command.
func (m *Manager) Describe(ctx context.Context, userID string) (string, error) {
	entries, err := m.store.GetUserMemories(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load memory: %w", err)
	}
	if len(entries) == 0 {
		return "No memory is stored for you.", nil
	}
	var sb strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, e.Content)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
