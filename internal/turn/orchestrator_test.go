package turn

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
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

// scriptedProvider replays one chunk script per GenerateStream call and
// records the history each call received.
type scriptedProvider struct {
	scripts   [][]*providers.StreamChunk
	histories [][]models.ChatMessage
	startErr  error
}

func (p *scriptedProvider) Name() string { return "fake" }
func (p *scriptedProvider) Capabilities() providers.Capabilities {
	return providers.Capabilities{Vision: true, Tools: true, SystemPrompt: true, Usernames: true, Streaming: true}
}

func (p *scriptedProvider) GenerateStream(_ context.Context, hist []models.ChatMessage, _ string, _ []providers.ToolDefinition, _ *providers.Options) (<-chan *providers.StreamChunk, error) {
	snapshot := make([]models.ChatMessage, len(hist))
	copy(snapshot, hist)
	p.histories = append(p.histories, snapshot)

	if p.startErr != nil {
		return nil, p.startErr
	}
	call := len(p.histories) - 1
	var script []*providers.StreamChunk
	if call < len(p.scripts) {
		script = p.scripts[call]
	}
	out := make(chan *providers.StreamChunk, len(script))
	for _, c := range script {
		out <- c
	}
	close(out)
	return out, nil
}

// recordingDelivery captures the full delivery lifecycle.
type recordingDelivery struct {
	placeholder string
	deltas      []string
	finalized   []string
	notices     []string
}

func (d *recordingDelivery) SendInitial(_ context.Context, placeholder string) error {
	d.placeholder = placeholder
	return nil
}

func (d *recordingDelivery) UpdateStreaming(_ context.Context, delta string) error {
	d.deltas = append(d.deltas, delta)
	return nil
}

func (d *recordingDelivery) Finalize(_ context.Context, text string) error {
	d.finalized = append(d.finalized, text)
	return nil
}

func (d *recordingDelivery) Notify(_ context.Context, text string) error {
	d.notices = append(d.notices, text)
	return nil
}

// noFetcher fails every parent fetch; tests use single-message chains.
type noFetcher struct{}

func (noFetcher) FetchMessage(context.Context, string, string) (*history.SourceMessage, error) {
	return nil, errors.New("not available")
}

type fixture struct {
	orch     *Orchestrator
	provider *scriptedProvider
	delivery *recordingDelivery
	cfg      *config.Config
}

func newFixture(t *testing.T, provider *scriptedProvider, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.LLM.Model = "fake/test-model"
	cfg.LLM.MaxTokens = 1024
	cfg.LLM.MaxToolRounds = 5
	cfg.Discord.AllowDMs = true
	if mutate != nil {
		mutate(cfg)
	}

	store := config.NewStore(cfg)
	registry := providers.NewRegistry(provider)
	builder := history.NewBuilder(history.Config{MaxMessages: 25}, history.NewNodeCache(10), noFetcher{}, "bot-1", nil)

	echo := &tools.FuncTool{
		ToolName:        "echo",
		ToolDescription: "echoes text",
		ToolSchema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		Run: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return "echo: " + in.Text, nil
		},
	}
	reg, err := tools.NewRegistry(echo)
	if err != nil {
		t.Fatalf("tools.NewRegistry() error = %v", err)
	}
	toolExec := tools.NewExecutor(reg, time.Second, nil)

	mem := memory.NewManager(nil, cfg.Memory, nil)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:      cfg.RateLimit.Enabled,
		UserLimit:    cfg.RateLimit.UserLimit,
		UserPeriod:   cfg.RateLimit.UserPeriod,
		GlobalLimit:  cfg.RateLimit.GlobalLimit,
		GlobalPeriod: cfg.RateLimit.GlobalPeriod,
	})
	escalator := reasoning.NewEscalator(cfg.Reasoning, registry, nil)

	delivery := &recordingDelivery{}
	return &fixture{
		orch:     NewOrchestrator(store, registry, builder, toolExec, mem, limiter, escalator, nil),
		provider: provider,
		delivery: delivery,
		cfg:      cfg,
	}
}

func dmRequest(delivery Delivery) *Request {
	return &Request{
		Actor:   permissions.Actor{ID: "u1"},
		Channel: models.ChannelDescriptor{ID: "dm-1", Kind: models.ChannelDM},
		Message: &history.SourceMessage{
			ID: "m1", ChannelID: "dm-1", AuthorID: "u1", AuthorName: "alice", Content: "hello",
		},
		Delivery: delivery,
	}
}

func TestRunSimpleDMTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{{
		{Text: "hi "},
		{Text: "there"},
		{FinishReason: "stop"},
	}}}
	f := newFixture(t, provider, nil)

	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(provider.histories) != 1 {
		t.Fatalf("provider called %d times, want 1", len(provider.histories))
	}
	if len(f.delivery.finalized) != 1 || f.delivery.finalized[0] != "hi there" {
		t.Errorf("finalized = %v, want unchanged final text", f.delivery.finalized)
	}
	if strings.Join(f.delivery.deltas, "") != "hi there" {
		t.Errorf("streamed deltas = %v", f.delivery.deltas)
	}
	if f.delivery.placeholder == "" {
		t.Error("placeholder was never sent")
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{
		{
			{ToolCall: &models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"text":"ping"}`)}},
			{FinishReason: "tool_calls"},
		},
		{
			{Text: "the tool said: echo: ping"},
			{FinishReason: "stop"},
		},
	}}
	f := newFixture(t, provider, nil)

	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(provider.histories) != 2 {
		t.Fatalf("provider called %d times, want 2 (re-entry after tool round)", len(provider.histories))
	}

	second := provider.histories[1]
	n := len(second)
	if n < 2 {
		t.Fatalf("second call history too short: %d", n)
	}
	assistant, toolMsg := second[n-2], second[n-1]
	if assistant.Role != models.RoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Errorf("penultimate message = %+v, want assistant tool-call message", assistant)
	}
	if toolMsg.Role != models.RoleTool || toolMsg.ToolCallID != "call_1" {
		t.Errorf("last message = %+v, want tool result immediately after its call", toolMsg)
	}
	if toolMsg.Content != "echo: ping" {
		t.Errorf("tool result content = %q", toolMsg.Content)
	}

	if len(f.delivery.finalized) != 1 || f.delivery.finalized[0] != "the tool said: echo: ping" {
		t.Errorf("finalized = %v", f.delivery.finalized)
	}
}

func TestRunUnknownToolFedBack(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{
		{
			{ToolCall: &models.ToolCall{ID: "call_1", Name: "mystery", Input: json.RawMessage(`{}`)}},
			{FinishReason: "tool_calls"},
		},
		{
			{Text: "sorry, no such tool"},
			{FinishReason: "stop"},
		},
	}}
	f := newFixture(t, provider, nil)

	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(provider.histories) != 2 {
		t.Fatalf("provider called %d times, want 2", len(provider.histories))
	}
	second := provider.histories[1]
	toolMsg := second[len(second)-1]
	if toolMsg.Role != models.RoleTool || !strings.Contains(toolMsg.Content, "unknown tool") {
		t.Errorf("tool result = %+v, want unknown-tool error fed back to the model", toolMsg)
	}
}

func TestRunToolRoundBound(t *testing.T) {
	// The model requests a tool on every round; the bound must stop the loop.
	script := []*providers.StreamChunk{
		{ToolCall: &models.ToolCall{ID: "call", Name: "echo", Input: json.RawMessage(`{"text":"again"}`)}},
		{FinishReason: "tool_calls"},
	}
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{
		script, script, script, script, script, script, script, script,
	}}
	f := newFixture(t, provider, func(cfg *config.Config) {
		cfg.LLM.MaxToolRounds = 3
	})

	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(provider.histories) != 3 {
		t.Errorf("provider called %d times, want the configured bound of 3", len(provider.histories))
	}
	if len(f.delivery.finalized) != 1 {
		t.Errorf("turn must still finalize after hitting the bound: %v", f.delivery.finalized)
	}
}

func TestRunPrimaryStreamFailureApologizes(t *testing.T) {
	provider := &scriptedProvider{startErr: errors.New("upstream down")}
	f := newFixture(t, provider, nil)

	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(f.delivery.finalized) != 1 || f.delivery.finalized[0] != apologyText {
		t.Errorf("finalized = %v, want apology", f.delivery.finalized)
	}
}

func TestRunMidStreamErrorApologizes(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{{
		{Text: "partial"},
		{Err: errors.New("stream broke")},
	}}}
	f := newFixture(t, provider, nil)

	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(f.delivery.finalized) != 1 || f.delivery.finalized[0] != apologyText {
		t.Errorf("finalized = %v, want apology after mid-stream failure", f.delivery.finalized)
	}
}

func TestRunPermissionDeniedSilentDrop(t *testing.T) {
	provider := &scriptedProvider{}
	f := newFixture(t, provider, func(cfg *config.Config) {
		cfg.Permissions.Users.BlockedIDs = []string{"u1"}
	})

	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(provider.histories) != 0 {
		t.Error("blocked user must not reach the provider")
	}
	if f.delivery.placeholder != "" || len(f.delivery.finalized) != 0 || len(f.delivery.notices) != 0 {
		t.Errorf("denial must be silent: %+v", f.delivery)
	}
}

func TestRunRateLimitedNotice(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{{
		{Text: "ok"}, {FinishReason: "stop"},
	}}}
	f := newFixture(t, provider, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{
			Enabled: true, UserLimit: 1, UserPeriod: time.Minute,
			GlobalLimit: 100, GlobalPeriod: time.Minute,
		}
	})

	f.orch.Run(context.Background(), dmRequest(f.delivery))
	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(provider.histories) != 1 {
		t.Errorf("provider called %d times, want rate limit to block the second turn", len(provider.histories))
	}
	if len(f.delivery.notices) != 1 || !strings.Contains(f.delivery.notices[0], "too quickly") {
		t.Errorf("notices = %v, want cooldown notice", f.delivery.notices)
	}
}

func TestRunReasoningEscalation(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{
		{
			{Text: "tricky [USE_REASONING_MODEL]"},
			{FinishReason: "stop"},
		},
		{
			{Text: "careful answer"},
			{FinishReason: "stop"},
		},
	}}
	f := newFixture(t, provider, func(cfg *config.Config) {
		cfg.Reasoning.Enabled = true
		cfg.Reasoning.Model = "fake/reasoner"
		cfg.Reasoning.Signal = "[USE_REASONING_MODEL]"
		cfg.Reasoning.ReplaceResponse = true
		cfg.Reasoning.HistoryMode = config.HistoryModeKeepAll
	})

	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(provider.histories) != 2 {
		t.Fatalf("provider called %d times, want primary + reasoning", len(provider.histories))
	}
	if len(f.delivery.finalized) != 1 || f.delivery.finalized[0] != "careful answer" {
		t.Errorf("finalized = %v, want reasoning output to replace the response", f.delivery.finalized)
	}
}

func TestRunReasoningFailureDeliversStripped(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.StreamChunk{
		{
			{Text: "best guess [USE_REASONING_MODEL]"},
			{FinishReason: "stop"},
		},
	}}
	f := newFixture(t, provider, func(cfg *config.Config) {
		cfg.Reasoning.Enabled = true
		cfg.Reasoning.Model = "missing/reasoner"
		cfg.Reasoning.Signal = "[USE_REASONING_MODEL]"
	})

	f.orch.Run(context.Background(), dmRequest(f.delivery))

	if len(f.delivery.finalized) != 1 || f.delivery.finalized[0] != "best guess" {
		t.Errorf("finalized = %v, want primary response with the signal stripped", f.delivery.finalized)
	}
}
