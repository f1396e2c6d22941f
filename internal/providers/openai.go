package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// OpenAIConfig configures one OpenAI-compatible endpoint. BaseURL makes the
// same client serve OpenRouter, vLLM, LM Studio and similar APIs.
type OpenAIConfig struct {
	// Name is the registry key ("openai" unless overridden).
	Name    string
	APIKey  string
	BaseURL string

	// Vision and Usernames declare endpoint capabilities that cannot be
	// probed over the wire.
	Vision    bool
	Usernames bool

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// OpenAIProvider implements Provider for OpenAI-compatible chat APIs.
// Tool calls stream incrementally and are accumulated per index until the
// finish reason marks them complete.
type OpenAIProvider struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}
}

func (p *OpenAIProvider) Name() string { return p.cfg.Name }

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{
		Vision:       p.cfg.Vision,
		Tools:        true,
		SystemPrompt: true,
		Usernames:    p.cfg.Usernames,
		Streaming:    true,
	}
}

// GenerateStream issues a streamed chat completion with linear-backoff
// retries on transient failures.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, history []models.ChatMessage, systemPrompt string, tools []ToolDefinition, opts *Options) (<-chan *StreamChunk, error) {
	if opts == nil || opts.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	req := openai.ChatCompletionRequest{
		Model:    opts.Model,
		Messages: convertToOpenAIMessages(history, systemPrompt),
		Stream:   true,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}
	if len(tools) > 0 {
		req.Tools = convertToOpenAITools(tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, req)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, fmt.Errorf("openai: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *StreamChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	acc := newToolCallAccumulator()

	for {
		select {
		case <-ctx.Done():
			chunks <- &StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Emit any tool calls the endpoint never flagged with a
				// finish reason before closing.
				for _, tc := range acc.complete() {
					chunks <- &StreamChunk{ToolCall: tc}
				}
				chunks <- &StreamChunk{FinishReason: string(openai.FinishReasonStop)}
				return
			}
			chunks <- &StreamChunk{Err: err}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &StreamChunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			for _, tc := range acc.complete() {
				chunks <- &StreamChunk{ToolCall: tc}
			}
			chunks <- &StreamChunk{FinishReason: string(choice.FinishReason)}
		}
	}
}

// toolCallAccumulator assembles tool calls streamed as per-index fragments:
// the first fragment carries ID and name, later ones append argument JSON.
type toolCallAccumulator struct {
	byIndex map[int]*models.ToolCall
	order   []int
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*models.ToolCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	cur, ok := a.byIndex[index]
	if !ok {
		cur = &models.ToolCall{}
		a.byIndex[index] = cur
		a.order = append(a.order, index)
	}
	if tc.ID != "" {
		cur.ID = tc.ID
	}
	if tc.Function.Name != "" {
		cur.Name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		cur.Input = append(cur.Input, tc.Function.Arguments...)
	}
}

// complete returns the fully assembled calls in arrival order and resets.
func (a *toolCallAccumulator) complete() []*models.ToolCall {
	var out []*models.ToolCall
	for _, idx := range a.order {
		tc := a.byIndex[idx]
		if tc.ID != "" && tc.Name != "" {
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			out = append(out, tc)
		}
	}
	a.byIndex = make(map[int]*models.ToolCall)
	a.order = nil
	return out
}

func convertToOpenAIMessages(history []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(history)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range history {
		oaiMsg := openai.ChatCompletionMessage{
			Role: string(msg.Role),
			Name: msg.Name,
		}

		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
			continue

		case models.RoleAssistant:
			oaiMsg.Content = msg.Content
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}

		default:
			if len(msg.Parts) > 0 {
				oaiMsg.MultiContent = convertParts(msg.Parts)
			} else {
				oaiMsg.Content = msg.Content
			}
		}

		result = append(result, oaiMsg)
	}

	return result
}

func convertParts(parts []models.ContentPart) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case models.PartText:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case models.PartImage:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    part.ImageURL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	return out
}

func convertToOpenAITools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			// One bad schema must not break tool calling for the rest.
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
