// Package providers contains the LLM provider abstraction and its client
// implementations. Providers expose a unified streaming interface plus a set
// of capability flags the history builder uses to shape context before a
// call.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// Capabilities is the capability gate a provider exposes. History assembly
// and the orchestrator consult these before every call.
type Capabilities struct {
	Vision       bool
	Tools        bool
	SystemPrompt bool
	Usernames    bool
	Streaming    bool
}

// ToolDefinition describes one tool offered to the model. The schema is
// passed through to the provider verbatim.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Options carries per-call generation parameters.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// StreamChunk is a single element of a streamed generation.
type StreamChunk struct {
	// Text contains a partial response delta.
	Text string

	// ToolCall contains one complete accumulated tool invocation request.
	ToolCall *models.ToolCall

	// FinishReason is set on the final chunk ("stop", "tool_calls", ...).
	FinishReason string

	// Err terminates the stream when set.
	Err error
}

// Provider is implemented by each LLM backend. Implementations must be safe
// for concurrent use; each GenerateStream call owns an independent stream.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	// GenerateStream issues one streamed generation call. The returned
	// channel is closed when the stream completes or fails; failures after
	// stream start arrive as a chunk with Err set.
	GenerateStream(ctx context.Context, history []models.ChatMessage, systemPrompt string, tools []ToolDefinition, opts *Options) (<-chan *StreamChunk, error)
}

// ErrUnknownProvider is returned when a model spec names a provider that was
// not configured at startup.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry is the closed set of providers resolved once at startup.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers, keyed by name.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.providers[p.Name()] = p
	}
	return r
}

// Resolve splits a "provider/model" spec and looks up the provider.
func (r *Registry) Resolve(spec string) (Provider, string, error) {
	name, model, ok := strings.Cut(spec, "/")
	if !ok || name == "" || model == "" {
		return nil, "", fmt.Errorf("invalid model spec %q: expected provider/model", spec)
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, model, nil
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect drains a stream into its full text, returning the first error
// encountered. Used by callers that do not forward deltas.
func Collect(chunks <-chan *StreamChunk) (string, error) {
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}
