// Package memorytool exposes the user memory store to the model as tools, so
// providers with tool support can read and write memory mid-turn instead of
// relying on response markers.
package memorytool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/memory"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/tools"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

var errNoActor = errors.New("memorytool: no user in call context")

var saveSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"content": {
			"type": "string",
			"description": "The fact to remember about the user"
		}
	},
	"required": ["content"]
}`)

var recallSchema = json.RawMessage(`{
	"type": "object",
	"properties": {}
}`)

// NewSaveTool returns a tool that appends one memory entry for the
// requesting user. maxLength mirrors the suggestion-parser entry cap.
func NewSaveTool(store memory.Store, maxLength int) tools.Tool {
	return &tools.FuncTool{
		ToolName:        "save_memory",
		ToolDescription: "Save a short fact about the user for future conversations.",
		ToolSchema:      saveSchema,
		Run: func(ctx context.Context, args json.RawMessage) (string, error) {
			userID, ok := tools.ActorFromContext(ctx)
			if !ok {
				return "", errNoActor
			}
			var in struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			content := strings.TrimSpace(in.Content)
			if content == "" {
				return "", errors.New("content must not be empty")
			}
			if maxLength > 0 {
				if runes := []rune(content); len(runes) > maxLength {
					content = string(runes[:maxLength])
				}
			}
			err := store.AddMemory(ctx, &models.MemoryEntry{
				UserID:  userID,
				Content: content,
				Type:    models.MemorySuggestion,
			})
			if err != nil {
				return "", err
			}
			return "Saved.", nil
		},
	}
}

// NewRecallTool returns a tool that lists the requesting user's memory.
func NewRecallTool(store memory.Store) tools.Tool {
	return &tools.FuncTool{
		ToolName:        "recall_memory",
		ToolDescription: "List everything currently remembered about the user.",
		ToolSchema:      recallSchema,
		Run: func(ctx context.Context, args json.RawMessage) (string, error) {
			userID, ok := tools.ActorFromContext(ctx)
			if !ok {
				return "", errNoActor
			}
			entries, err := store.GetUserMemories(ctx, userID)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Nothing is stored for this user.", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				sb.WriteString("- ")
				sb.WriteString(e.Content)
				sb.WriteByte('\n')
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}
