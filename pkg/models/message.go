// Package models defines the shared, provider-agnostic data types for the bot.
package models

import "encoding/json"

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a multimodal message body.
// Exactly one of Text or ImageURL is set.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

const (
	PartText  = "text"
	PartImage = "image"
)

// ChatMessage is a single entry in the conversation history handed to an LLM
// provider. Messages are ordered oldest first. A turn always builds a fresh
// slice; cached nodes are never mutated after creation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// Parts is set instead of Content when the message carries images.
	Parts []ContentPart `json:"parts,omitempty"`

	// Name carries the author identity when the provider supports
	// per-message usernames; otherwise identity is folded into Content.
	Name string `json:"name,omitempty"`

	// ToolCallID links a tool-role message to the assistant tool call it
	// answers. Required for tool-role messages.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls carries the tool invocations requested by an assistant
	// message. A tool-role message with the matching result must follow
	// immediately in history.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Text returns the textual content of the message, flattening parts if set.
func (m ChatMessage) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution. Execution failures are
// communicated with IsError=true so the model can react to them.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Attachment represents a file or media attachment on an inbound message.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// IsImage reports whether the attachment looks like an image by content type.
func (a Attachment) IsImage() bool {
	return len(a.ContentType) >= 6 && a.ContentType[:6] == "image/"
}
