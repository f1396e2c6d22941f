// Package turn drives one conversation turn end to end: permission check,
// rate limit gate, history assembly, streamed generation with tool
// interleaving, optional reasoning escalation, and fire-and-forget memory
// persistence.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/config"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/history"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/memory"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/permissions"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/providers"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/ratelimit"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/reasoning"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/tools"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// Phase identifies the stage a turn failure occurred in.
type Phase string

const (
	PhasePermission Phase = "permission"
	PhaseRateLimit  Phase = "rate_limit"
	PhaseHistory    Phase = "history"
	PhaseStreaming  Phase = "streaming"
	PhaseTools      Phase = "tools"
	PhaseReasoning  Phase = "reasoning"
	PhaseMemory     Phase = "memory"
)

// TurnError wraps a stage failure with the phase it happened in.
type TurnError struct {
	Phase Phase
	Cause error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in %s: %v", e.Phase, e.Cause)
}

func (e *TurnError) Unwrap() error { return e.Cause }

const apologyText = "Sorry, something went wrong while generating a response. Please try again."

// Delivery is the platform-side response surface. Implementations must
// tolerate Finalize being called after partial updates, including after a
// failure.
type Delivery interface {
	// SendInitial posts the placeholder message the stream will edit.
	SendInitial(ctx context.Context, placeholder string) error

	// UpdateStreaming appends a partial text delta. Implementations may
	// throttle actual edits.
	UpdateStreaming(ctx context.Context, delta string) error

	// Finalize replaces the delivered content with the final text.
	Finalize(ctx context.Context, text string) error

	// Notify posts an out-of-band notice (memory updates, cooldowns).
	Notify(ctx context.Context, text string) error
}

// Request is one inbound message to process.
type Request struct {
	Actor    permissions.Actor
	Channel  models.ChannelDescriptor
	Message  *history.SourceMessage
	Delivery Delivery
}

// Orchestrator owns the per-turn state machine. Safe for concurrent turns;
// each Run call keeps its own state.
type Orchestrator struct {
	cfgStore  *config.Store
	registry  *providers.Registry
	builder   *history.Builder
	tools     *tools.Executor
	memory    *memory.Manager
	limiter   *ratelimit.Limiter
	escalator *reasoning.Escalator
	logger    *slog.Logger
}

// NewOrchestrator wires the turn pipeline.
func NewOrchestrator(
	cfgStore *config.Store,
	registry *providers.Registry,
	builder *history.Builder,
	toolExec *tools.Executor,
	mem *memory.Manager,
	limiter *ratelimit.Limiter,
	escalator *reasoning.Escalator,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfgStore:  cfgStore,
		registry:  registry,
		builder:   builder,
		tools:     toolExec,
		memory:    mem,
		limiter:   limiter,
		escalator: escalator,
		logger:    logger.With("component", "turn"),
	}
}

// Run processes one turn. It never returns an error: every failure is
// caught at its stage, logged with context, and degraded to a safe default.
func (o *Orchestrator) Run(ctx context.Context, req *Request) {
	logger := o.logger.With("user_id", req.Actor.ID, "message_id", req.Message.ID)
	cfg := o.cfgStore.Get()

	// Permission: denial is a silent drop.
	policy := permissions.NewPolicy(cfg.Permissions)
	if !permissions.Evaluate(req.Actor, req.Channel, policy) {
		logger.Debug("turn denied by permission policy", "stage", PhasePermission)
		return
	}

	if !o.limiter.Allow(req.Actor.ID) {
		cooldown := o.limiter.Cooldown(req.Actor.ID)
		logger.Info("turn rate limited", "stage", PhaseRateLimit, "cooldown", cooldown)
		o.notify(ctx, req, fmt.Sprintf("You're sending messages too quickly. Try again in %s.", cooldown.Round(time.Second)))
		return
	}

	provider, model, err := o.registry.Resolve(cfg.LLM.Model)
	if err != nil {
		o.fail(ctx, req, logger, &TurnError{Phase: PhaseStreaming, Cause: err})
		return
	}
	caps := provider.Capabilities()

	hist, warnings := o.builder.Build(ctx, req.Message, caps)

	systemPrompt := cfg.SystemPrompt
	if memSection := o.memory.PromptSection(ctx, req.Actor.ID); memSection != "" {
		if systemPrompt != "" {
			systemPrompt += "\n\n" + memSection
		} else {
			systemPrompt = memSection
		}
	}

	var toolDefs []providers.ToolDefinition
	if caps.Tools {
		toolDefs = o.tools.Definitions()
	}

	if err := req.Delivery.SendInitial(ctx, "..."); err != nil {
		logger.Error("failed to send placeholder", "stage", PhaseStreaming, "error", err)
		return
	}

	finalText, err := o.streamRounds(ctx, req, provider, hist, systemPrompt, toolDefs, &providers.Options{
		Model:       model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}, cfg.LLM.MaxToolRounds, logger)
	if err != nil {
		o.fail(ctx, req, logger, &TurnError{Phase: PhaseStreaming, Cause: err})
		return
	}

	rawText := finalText
	visible := o.reasoningCheck(ctx, req, hist, rawText, cfg.SystemPrompt, logger)
	visible = o.memory.Clean(visible)

	if len(warnings) > 0 {
		visible = visible + "\n\n" + formatWarnings(warnings)
	}

	if err := req.Delivery.Finalize(ctx, visible); err != nil {
		logger.Error("failed to finalize response", "error", err)
	}

	o.persistMemory(req, rawText, logger)
}

// streamRounds drives the generation loop, re-entering streaming after each
// batch of tool calls until the model stops requesting tools or the round
// bound is hit.
func (o *Orchestrator) streamRounds(
	ctx context.Context,
	req *Request,
	provider providers.Provider,
	hist []models.ChatMessage,
	systemPrompt string,
	toolDefs []providers.ToolDefinition,
	opts *providers.Options,
	maxRounds int,
	logger *slog.Logger,
) (string, error) {
	if maxRounds <= 0 {
		maxRounds = 5
	}

	var full strings.Builder
	for round := 0; ; round++ {
		chunks, err := provider.GenerateStream(ctx, hist, systemPrompt, toolDefs, opts)
		if err != nil {
			return "", err
		}

		var roundText strings.Builder
		var calls []*models.ToolCall
		for chunk := range chunks {
			if chunk.Err != nil {
				return "", chunk.Err
			}
			if chunk.Text != "" {
				roundText.WriteString(chunk.Text)
				if err := req.Delivery.UpdateStreaming(ctx, chunk.Text); err != nil {
					logger.Warn("streaming update failed", "error", err)
				}
			}
			if chunk.ToolCall != nil {
				calls = append(calls, chunk.ToolCall)
			}
		}

		if roundText.Len() > 0 {
			if full.Len() > 0 {
				full.WriteString("\n")
			}
			full.WriteString(roundText.String())
		}

		if len(calls) == 0 {
			return full.String(), nil
		}
		if round+1 >= maxRounds {
			logger.Warn("tool round bound reached, stopping", "stage", PhaseTools, "rounds", maxRounds)
			return full.String(), nil
		}

		// Assistant tool-call message, then each result immediately after.
		assistant := models.ChatMessage{Role: models.RoleAssistant, Content: roundText.String()}
		for _, call := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, *call)
		}
		hist = append(hist, assistant)
		toolCtx := tools.WithActor(ctx, req.Actor.ID)
		for _, call := range calls {
			result := o.tools.Execute(toolCtx, call)
			hist = append(hist, models.ChatMessage{
				Role:       models.RoleTool,
				ToolCallID: result.ToolCallID,
				Content:    result.Content,
			})
		}
	}
}

// reasoningCheck handles the escalation signal in the primary response. On
// any reasoning failure the primary response is delivered with the signal
// stripped; the turn itself never fails here.
func (o *Orchestrator) reasoningCheck(ctx context.Context, req *Request, hist []models.ChatMessage, text, basePrompt string, logger *slog.Logger) string {
	if !o.escalator.SignalDetected(text) {
		return text
	}

	stripped := o.escalator.StripSignal(text)
	if o.escalator.NotifyUser() {
		o.notify(ctx, req, "Thinking harder about this one...")
	}

	res := o.escalator.Escalate(ctx, hist, stripped, basePrompt, req.Actor.ID)
	if !res.ShouldProcess {
		logger.Warn("reasoning escalation skipped", "stage", PhaseReasoning, "error", res.Err)
		return stripped
	}

	if o.escalator.ReplaceResponse() {
		return res.Text
	}
	if stripped == "" {
		return res.Text
	}
	return stripped + "\n\n" + res.Text
}

// persistMemory dispatches suggestion parsing off the delivery path.
func (o *Orchestrator) persistMemory(req *Request, rawText string, logger *slog.Logger) {
	if !o.memory.Enabled() {
		return
	}
	userID := req.Actor.ID
	messageID := req.Message.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if o.memory.Persist(ctx, userID, messageID, rawText) {
			logger.Debug("memory updated", "stage", PhaseMemory)
			if o.memory.NotifyOnUpdate() {
				o.notify(ctx, req, "Memory updated.")
			}
		}
	}()
}

func (o *Orchestrator) fail(ctx context.Context, req *Request, logger *slog.Logger, terr *TurnError) {
	logger.Error("turn failed", "stage", terr.Phase, "error", terr.Cause)
	if err := req.Delivery.Finalize(ctx, apologyText); err != nil {
		logger.Error("failed to deliver apology", "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, req *Request, text string) {
	if err := req.Delivery.Notify(ctx, text); err != nil {
		o.logger.Warn("notice delivery failed", "error", err)
	}
}

func formatWarnings(warnings []string) string {
	seen := make(map[string]struct{}, len(warnings))
	var sb strings.Builder
	for _, w := range warnings {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("Note: ")
		sb.WriteString(w)
	}
	return sb.String()
}
