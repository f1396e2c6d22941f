package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string               { return f.name }
func (f *fakeProvider) Capabilities() Capabilities { return Capabilities{} }
func (f *fakeProvider) GenerateStream(context.Context, []models.ChatMessage, string, []ToolDefinition, *Options) (<-chan *StreamChunk, error) {
	return nil, nil
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(&fakeProvider{name: "openai"}, &fakeProvider{name: "ollama"})

	p, model, err := r.Resolve("openai/gpt-4o")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.Name() != "openai" || model != "gpt-4o" {
		t.Errorf("Resolve() = %q, %q", p.Name(), model)
	}

	// Model names may themselves contain slashes (OpenRouter style).
	_, model, err = r.Resolve("openai/meta-llama/llama-3-70b")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if model != "meta-llama/llama-3-70b" {
		t.Errorf("model = %q, want provider prefix stripped only once", model)
	}

	if _, _, err := r.Resolve("mystery/model"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Resolve(unknown) error = %v, want ErrUnknownProvider", err)
	}
	if _, _, err := r.Resolve("no-slash"); err == nil {
		t.Error("Resolve(malformed) should fail")
	}
}

func TestAnthropicProviderName(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("default Name() = %q, want anthropic", p.Name())
	}

	// The registry key is the config map key, so two Anthropic endpoints can
	// coexist under different names.
	p, err = NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", Name: "claude"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	if p.Name() != "claude" {
		t.Errorf("Name() = %q, want claude", p.Name())
	}

	r := NewRegistry(p)
	got, model, err := r.Resolve("claude/claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Name() != "claude" || model != "claude-sonnet-4-20250514" {
		t.Errorf("Resolve() = %q, %q", got.Name(), model)
	}
}

func TestToolCallAccumulator(t *testing.T) {
	idx0, idx1 := 0, 1
	acc := newToolCallAccumulator()

	acc.add(openai.ToolCall{Index: &idx0, ID: "call_1", Function: openai.FunctionCall{Name: "search"}})
	acc.add(openai.ToolCall{Index: &idx1, ID: "call_2", Function: openai.FunctionCall{Name: "fetch"}})
	acc.add(openai.ToolCall{Index: &idx0, Function: openai.FunctionCall{Arguments: `{"q":`}})
	acc.add(openai.ToolCall{Index: &idx0, Function: openai.FunctionCall{Arguments: `"go"}`}})

	calls := acc.complete()
	if len(calls) != 2 {
		t.Fatalf("complete() returned %d calls, want 2", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "search" {
		t.Errorf("first call = %+v", calls[0])
	}
	if string(calls[0].Input) != `{"q":"go"}` {
		t.Errorf("accumulated input = %s", calls[0].Input)
	}
	// Calls with no streamed arguments default to an empty object.
	if string(calls[1].Input) != "{}" {
		t.Errorf("empty input = %s, want {}", calls[1].Input)
	}

	if got := acc.complete(); len(got) != 0 {
		t.Errorf("complete() after reset returned %d calls", len(got))
	}
}

func TestConvertToOpenAIMessages(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi", Name: "alice"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: "result"},
	}

	out := convertToOpenAIMessages(history, "be helpful")
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "be helpful" {
		t.Errorf("system message = %+v", out[0])
	}
	if out[1].Name != "alice" {
		t.Errorf("user name = %q", out[1].Name)
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "search" {
		t.Errorf("assistant tool calls = %+v", out[2].ToolCalls)
	}
	if out[3].Role != openai.ChatMessageRoleTool || out[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", out[3])
	}
}

func TestConvertToOpenAIMessagesMultiContent(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleUser, Parts: []models.ContentPart{
			{Type: models.PartText, Text: "what is this"},
			{Type: models.PartImage, ImageURL: "https://example.com/cat.png"},
		}},
	}

	out := convertToOpenAIMessages(history, "")
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if len(out[0].MultiContent) != 2 {
		t.Fatalf("MultiContent has %d parts, want 2", len(out[0].MultiContent))
	}
	if out[0].MultiContent[1].ImageURL == nil || out[0].MultiContent[1].ImageURL.URL != "https://example.com/cat.png" {
		t.Errorf("image part = %+v", out[0].MultiContent[1])
	}
}

func TestConvertToAnthropicMessages(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "dropped"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "checking", ToolCalls: []models.ToolCall{
			{ID: "toolu_1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "toolu_1", Content: "result"},
	}

	out, err := convertToAnthropicMessages(history)
	if err != nil {
		t.Fatalf("convertToAnthropicMessages() error = %v", err)
	}
	// System message is dropped; tool result becomes a user message.
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	if out[1].Role != "assistant" {
		t.Errorf("role = %q, want assistant", out[1].Role)
	}
	if len(out[1].Content) != 2 {
		t.Errorf("assistant content has %d blocks, want text + tool_use", len(out[1].Content))
	}
	if out[2].Role != "user" {
		t.Errorf("tool result role = %q, want user", out[2].Role)
	}
}

func TestConvertToAnthropicMessagesBadToolInput(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "toolu_1", Name: "search", Input: json.RawMessage(`{broken`)},
		}},
	}
	if _, err := convertToAnthropicMessages(history); err == nil {
		t.Error("expected error for malformed tool input")
	}
}

func TestParseDataURL(t *testing.T) {
	mt, data, ok := parseDataURL("data:image/png;base64,aGVsbG8=")
	if !ok || mt != "image/png" || data != "aGVsbG8=" {
		t.Errorf("parseDataURL() = %q, %q, %v", mt, data, ok)
	}
	for _, raw := range []string{"https://example.com/a.png", "data:image/png,raw", "data:;base64,xx"} {
		if _, _, ok := parseDataURL(raw); ok {
			t.Errorf("parseDataURL(%q) should fail", raw)
		}
	}
}

func TestCollect(t *testing.T) {
	chunks := make(chan *StreamChunk, 3)
	chunks <- &StreamChunk{Text: "hello "}
	chunks <- &StreamChunk{Text: "world"}
	chunks <- &StreamChunk{FinishReason: "stop"}
	close(chunks)

	text, err := Collect(chunks)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if text != "hello world" {
		t.Errorf("Collect() = %q", text)
	}
}

func TestCollectError(t *testing.T) {
	wantErr := errors.New("boom")
	chunks := make(chan *StreamChunk, 2)
	chunks <- &StreamChunk{Text: "partial"}
	chunks <- &StreamChunk{Err: wantErr}
	close(chunks)

	text, err := Collect(chunks)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Collect() error = %v, want %v", err, wantErr)
	}
	if text != "partial" {
		t.Errorf("Collect() partial text = %q", text)
	}
}
