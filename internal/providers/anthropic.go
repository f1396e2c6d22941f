package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// Name is the registry key ("anthropic" unless overridden).
	Name       string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// AnthropicProvider implements Provider against the Anthropic Messages API.
// Tool input arrives as partial JSON deltas inside a content block; the block
// stop event finalizes each call.
type AnthropicProvider struct {
	name       string
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &AnthropicProvider{
		name:       cfg.Name,
		client:     anthropic.NewClient(opts...),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{
		Vision:       true,
		Tools:        true,
		SystemPrompt: true,
		Usernames:    false,
		Streaming:    true,
	}
}

// GenerateStream issues a streamed Messages call with exponential-backoff
// retries on transient failures.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, history []models.ChatMessage, systemPrompt string, tools []ToolDefinition, opts *Options) (<-chan *StreamChunk, error) {
	if opts == nil || opts.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	params, err := p.buildParams(history, systemPrompt, tools, opts)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *StreamChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; ; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if stream.Err() == nil {
				break
			}
			err := stream.Err()
			if attempt >= p.maxRetries || !isRetryableError(err) {
				chunks <- &StreamChunk{Err: fmt.Errorf("anthropic: %w", err)}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- &StreamChunk{Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		p.processStream(stream, chunks)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(history []models.ChatMessage, systemPrompt string, tools []ToolDefinition, opts *Options) (anthropic.MessageNewParams, error) {
	messages, err := convertToAnthropicMessages(history)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: %w", err)
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(opts.Temperature))
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: systemPrompt}}
	}
	if len(tools) > 0 {
		converted, err := convertToAnthropicTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = converted
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *StreamChunk) {
	var currentTool *models.ToolCall
	var toolInput strings.Builder
	sawToolCall := false

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &StreamChunk{Text: delta.Text}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				chunks <- &StreamChunk{ToolCall: currentTool}
				currentTool = nil
				sawToolCall = true
			}

		case "message_stop":
			reason := "stop"
			if sawToolCall {
				reason = "tool_calls"
			}
			chunks <- &StreamChunk{FinishReason: reason}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &StreamChunk{Err: fmt.Errorf("anthropic: %w", err)}
	}
}

// convertToAnthropicMessages maps chat history onto Anthropic content blocks.
// Tool results become user-role blocks and system messages are dropped here
// since the API carries the system prompt separately.
func convertToAnthropicMessages(history []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if len(msg.Parts) > 0 {
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					if part.Text != "" {
						content = append(content, anthropic.NewTextBlock(part.Text))
					}
				case models.PartImage:
					if block, ok := anthropicImageBlock(part.ImageURL); ok {
						content = append(content, block)
					}
				}
			}
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func anthropicImageBlock(url string) (anthropic.ContentBlockParamUnion, bool) {
	if mediaType, data, ok := parseDataURL(url); ok {
		return anthropic.NewImageBlockBase64(mediaType, data), true
	}
	if url != "" {
		return anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfURL: &anthropic.URLImageSourceParam{URL: url},
				},
			},
		}, true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

// parseDataURL splits a base64 data URL into media type and payload.
func parseDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, payload, true
}

func convertToAnthropicTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
