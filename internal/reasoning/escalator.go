// Package reasoning escalates a turn to a secondary model when the primary
// model asks for it via an in-band signal.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/config"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/providers"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/ratelimit"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// defaultInstruction is used when no custom extra instructions are
// configured.
const defaultInstruction = "Think through this problem step by step before giving your final answer. " +
	"Be thorough and consider edge cases, then state your conclusion clearly."

// ErrNoModel indicates escalation was requested but no reasoning model is
// configured.
var ErrNoModel = errors.New("no reasoning model configured")

// ErrRateLimited indicates the reasoning rate limit gate rejected the call.
var ErrRateLimited = errors.New("reasoning rate limit exceeded")

// Result is the outcome of one escalation attempt. Text and Err are never
// both set; ShouldProcess is false whenever Err is set.
type Result struct {
	ShouldProcess bool
	Text          string
	Err           error
}

// Escalator runs reasoning-model calls.
type Escalator struct {
	cfg      config.ReasoningConfig
	registry *providers.Registry
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewEscalator creates an escalator with its own rate limit bucket.
func NewEscalator(cfg config.ReasoningConfig, registry *providers.Registry, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{
		cfg:      cfg,
		registry: registry,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			Enabled:      cfg.RateLimit.Enabled,
			UserLimit:    cfg.RateLimit.UserLimit,
			UserPeriod:   cfg.RateLimit.UserPeriod,
			GlobalLimit:  cfg.RateLimit.GlobalLimit,
			GlobalPeriod: cfg.RateLimit.GlobalPeriod,
		}),
		logger: logger.With("component", "reasoning"),
	}
}

// Enabled reports whether escalation is configured on.
func (e *Escalator) Enabled() bool { return e.cfg.Enabled }

// NotifyUser reports whether escalations should be announced to the user.
func (e *Escalator) NotifyUser() bool { return e.cfg.NotifyUser }

// ReplaceResponse reports whether reasoning output replaces the primary
// response instead of being appended.
func (e *Escalator) ReplaceResponse() bool { return e.cfg.ReplaceResponse }

// SignalDetected reports whether the primary response requests escalation.
func (e *Escalator) SignalDetected(text string) bool {
	return e.cfg.Enabled && e.cfg.Signal != "" && strings.Contains(text, e.cfg.Signal)
}

// StripSignal removes the escalation signal from user-visible text.
func (e *Escalator) StripSignal(text string) string {
	if e.cfg.Signal == "" {
		return text
	}
	return strings.TrimSpace(strings.ReplaceAll(text, e.cfg.Signal, ""))
}

// Escalate runs the reasoning call. Every failure, including provider
// resolution and stream errors, is returned inside the Result rather than
// panicking or propagating.
func (e *Escalator) Escalate(ctx context.Context, history []models.ChatMessage, signalText, basePrompt, userID string) Result {
	if !e.cfg.Enabled || e.cfg.Model == "" {
		return Result{Err: ErrNoModel}
	}
	if !e.limiter.Allow(userID) {
		e.logger.Info("reasoning escalation rate limited",
			"user_id", userID, "cooldown", e.limiter.Cooldown(userID))
		return Result{Err: ErrRateLimited}
	}

	provider, model, err := e.registry.Resolve(e.cfg.Model)
	if err != nil {
		e.logger.Error("reasoning provider resolution failed", "model", e.cfg.Model, "error", err)
		return Result{Err: fmt.Errorf("failed to resolve reasoning model: %w", err)}
	}

	systemPrompt := e.buildSystemPrompt(basePrompt)
	callHistory := e.shapeHistory(history, signalText)

	chunks, err := provider.GenerateStream(ctx, callHistory, systemPrompt, nil, &providers.Options{
		Model:     model,
		MaxTokens: e.cfg.MaxTokens,
	})
	if err != nil {
		e.logger.Error("reasoning stream failed to start", "user_id", userID, "error", err)
		return Result{Err: fmt.Errorf("reasoning call failed: %w", err)}
	}

	text, err := providers.Collect(chunks)
	if err != nil {
		e.logger.Error("reasoning stream failed", "user_id", userID, "error", err)
		return Result{Err: fmt.Errorf("reasoning stream failed: %w", err)}
	}

	return Result{ShouldProcess: true, Text: strings.TrimSpace(text)}
}

// buildSystemPrompt concatenates the base prompt and the reasoning
// instruction: base, blank line, instruction. Without a base prompt the
// instruction stands alone; blank custom instructions fall back to the
// hardcoded default.
func (e *Escalator) buildSystemPrompt(basePrompt string) string {
	instruction := strings.TrimSpace(e.cfg.ExtraInstructions)
	if instruction == "" {
		instruction = defaultInstruction
	}

	if e.cfg.IncludeDefaultPrompt && strings.TrimSpace(basePrompt) != "" {
		return basePrompt + "\n\n" + instruction
	}
	return instruction
}

// shapeHistory applies the configured history mode, then appends the signal
// text as a fresh user turn. The input is never mutated.
func (e *Escalator) shapeHistory(history []models.ChatMessage, signalText string) []models.ChatMessage {
	var shaped []models.ChatMessage

	switch e.cfg.HistoryMode {
	case config.HistoryModeTruncate:
		shaped = truncatePairs(history, e.cfg.TruncatePairs)
	default:
		shaped = append(shaped, history...)
	}

	return append(shaped, models.ChatMessage{
		Role:    models.RoleUser,
		Content: signalText,
	})
}

// truncatePairs keeps any leading system message plus the last n
// user/assistant pairs.
func truncatePairs(history []models.ChatMessage, n int) []models.ChatMessage {
	var out []models.ChatMessage
	rest := history
	if len(rest) > 0 && rest[0].Role == models.RoleSystem {
		out = append(out, rest[0])
		rest = rest[1:]
	}

	keep := n * 2
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	return append(out, rest...)
}
