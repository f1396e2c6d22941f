// Package tools holds the closed tool registry and its executor. The set of
// tools is fixed at startup; the model can only invoke names resolved here.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/providers"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// ErrUnknownTool is returned when the model requests a name outside the
// registry.
var ErrUnknownTool = errors.New("unknown tool")

// ErrDuplicateTool is returned when two tools register under the same name.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Tool is one invocable capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage

	// Execute runs the tool. A returned error becomes an error tool result
	// fed back to the model; it never aborts the turn.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry is the closed set of tools, resolved once at startup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools, rejecting duplicates.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		if _, exists := r.tools[t.Name()]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTool, t.Name())
		}
		r.tools[t.Name()] = t
	}
	return r, nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return t, nil
}

// Len reports the number of registered tools.
func (r *Registry) Len() int { return len(r.tools) }

// Definitions returns provider-facing definitions for every tool, sorted by
// name so the catalog sent to the model is stable across calls.
func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

type actorKey struct{}

// WithActor attaches the requesting user's ID to the context so user-scoped
// tools can resolve their subject without widening the Tool interface.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext returns the user ID attached by WithActor.
func ActorFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(actorKey{}).(string)
	return userID, ok && userID != ""
}

// Executor runs tool calls with a per-call timeout, converting every failure
// into an error tool result the model can react to.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an executor over the registry. A zero timeout defaults
// to 30 seconds.
func NewExecutor(registry *Registry, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		timeout:  timeout,
		logger:   logger.With("component", "tools"),
	}
}

// Definitions exposes the registry catalog.
func (e *Executor) Definitions() []providers.ToolDefinition {
	return e.registry.Definitions()
}

// Execute runs one tool call. The result always carries the call's ID so the
// orchestrator can pair it with the requesting message.
func (e *Executor) Execute(ctx context.Context, call *models.ToolCall) models.ToolResult {
	tool, err := e.registry.Get(call.Name)
	if err != nil {
		e.logger.Warn("tool lookup failed", "tool", call.Name, "error", err)
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    err.Error(),
			IsError:    true,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	content, err := tool.Execute(callCtx, call.Input)
	if err != nil {
		e.logger.Warn("tool execution failed",
			"tool", call.Name,
			"duration", time.Since(start),
			"error", err)
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %s failed: %v", call.Name, err),
			IsError:    true,
		}
	}

	e.logger.Debug("tool executed", "tool", call.Name, "duration", time.Since(start))
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    content,
	}
}

// FuncTool adapts a function into a Tool. Used for wiring small built-ins
// without a dedicated type per tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Run             func(ctx context.Context, args json.RawMessage) (string, error)
}

func (f *FuncTool) Name() string            { return f.ToolName }
func (f *FuncTool) Description() string     { return f.ToolDescription }
func (f *FuncTool) Schema() json.RawMessage { return f.ToolSchema }

func (f *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return f.Run(ctx, args)
}
