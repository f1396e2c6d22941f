package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

func echoTool() *FuncTool {
	return &FuncTool{
		ToolName:        "echo",
		ToolDescription: "echoes its input",
		ToolSchema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		Run: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		},
	}
}

func TestRegistryDuplicate(t *testing.T) {
	if _, err := NewRegistry(echoTool(), echoTool()); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("NewRegistry() error = %v, want ErrDuplicateTool", err)
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	b := &FuncTool{ToolName: "beta", ToolSchema: json.RawMessage(`{}`)}
	a := &FuncTool{ToolName: "alpha", ToolSchema: json.RawMessage(`{}`)}
	r, err := NewRegistry(b, a)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Errorf("Definitions() = %+v, want sorted by name", defs)
	}
}

func TestExecutorSuccess(t *testing.T) {
	r, _ := NewRegistry(echoTool())
	e := NewExecutor(r, time.Second, nil)

	res := e.Execute(context.Background(), &models.ToolCall{
		ID:    "call_1",
		Name:  "echo",
		Input: json.RawMessage(`{"text":"hello"}`),
	})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.ToolCallID != "call_1" || res.Content != "hello" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutorUnknownTool(t *testing.T) {
	r, _ := NewRegistry()
	e := NewExecutor(r, time.Second, nil)

	res := e.Execute(context.Background(), &models.ToolCall{ID: "call_1", Name: "mystery"})
	if !res.IsError {
		t.Fatal("unknown tool should produce an error result")
	}
	if res.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want preserved", res.ToolCallID)
	}
}

func TestExecutorToolFailure(t *testing.T) {
	failing := &FuncTool{
		ToolName:   "boom",
		ToolSchema: json.RawMessage(`{}`),
		Run: func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("exploded")
		},
	}
	r, _ := NewRegistry(failing)
	e := NewExecutor(r, time.Second, nil)

	res := e.Execute(context.Background(), &models.ToolCall{ID: "c", Name: "boom"})
	if !res.IsError {
		t.Fatal("tool failure should produce an error result, not a panic or turn abort")
	}
}

func TestExecutorTimeout(t *testing.T) {
	slow := &FuncTool{
		ToolName:   "slow",
		ToolSchema: json.RawMessage(`{}`),
		Run: func(ctx context.Context, _ json.RawMessage) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	}
	r, _ := NewRegistry(slow)
	e := NewExecutor(r, 10*time.Millisecond, nil)

	res := e.Execute(context.Background(), &models.ToolCall{ID: "c", Name: "slow"})
	if !res.IsError {
		t.Fatal("timed-out tool should produce an error result")
	}
}
