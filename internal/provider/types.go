// Package provider defines the uniform contract implemented by every
// upstream LLM vendor adapter, plus the factory that constructs and caches
// adapter instances.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/emberworks/chatbridge/internal/aierrors"
)

// Role of a chat message sent upstream.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn of conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Capabilities are the feature flags a provider supports.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	Vision          bool `json:"vision"`
	FunctionCalling bool `json:"function_calling"`
	PromptCaching   bool `json:"prompt_caching"`
	JSONMode        bool `json:"json_mode"`
}

// ModelInfo describes one model in a provider's catalog.
type ModelInfo struct {
	ID              string  `json:"id"`
	ContextWindow   int     `json:"context_window"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	// Pricing is per million tokens, USD.
	InputPricePerM  float64 `json:"input_price_per_m"`
	OutputPricePerM float64 `json:"output_price_per_m"`
	Deprecated      bool    `json:"deprecated"`
}

// Metadata describes a provider adapter.
type Metadata struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
	Models       []ModelInfo  `json:"models"`
}

// SendParams are the inputs to a chat completion call.
type SendParams struct {
	// Model overrides the adapter's default when non-empty.
	Model string

	// Messages is the conversation history, oldest first.
	Messages []Message

	// SystemPrompt, when non-empty, is prepended as the system turn.
	SystemPrompt string

	// MaxTokens bounds the completion length; 0 uses the adapter default.
	MaxTokens int

	// Temperature; zero value means provider default.
	Temperature float32
}

// TokenUsage is the token accounting reported by the provider.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Cost is the dollar cost computed from the pricing table and reported tokens.
type Cost struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// Result is the structured outcome of a completed send or stream call.
type Result struct {
	Content    string     `json:"content"`
	Usage      TokenUsage `json:"token_usage"`
	Cost       Cost       `json:"cost"`
	Model      string     `json:"model"`
	StopReason string     `json:"stop_reason"`
	ProviderID string     `json:"provider_id"`
}

// StreamSink receives streaming events from an adapter. A single producer
// emits start once, delta zero or more times with incremental chunks,
// then either complete (with the cumulative content) or error, at most once.
// Implementations must not block the provider read loop.
type StreamSink interface {
	OnStart(messageID, model string)
	OnDelta(delta string)
	OnComplete(result *Result)
	OnError(err error)
}

// Adapter is the uniform per-provider contract.
type Adapter interface {
	// Metadata returns the provider name, capabilities and model catalog.
	Metadata() Metadata

	// TestConnection performs a minimal upstream call.
	TestConnection(ctx context.Context) error

	// Send performs a non-streaming chat completion.
	Send(ctx context.Context, params SendParams) (*Result, error)

	// Stream performs a streaming chat completion, emitting events to sink
	// and returning the same structured result as Send.
	Stream(ctx context.Context, params SendParams, sink StreamSink) (*Result, error)

	// Destroy releases any resources held by the adapter.
	Destroy()
}

// Config is the per-provider construction configuration.
type Config struct {
	Provider      string
	APIKey        string
	BaseURL       string
	Organization  string
	DefaultModel  string
	MaxTokens     int
	SendTimeout   time.Duration
	StreamTimeout time.Duration
	MaxRetries    int
}

// Validate checks the config before adapter construction.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return aierrors.New(aierrors.KindValidation, "provider kind is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return aierrors.New(aierrors.KindValidation, "provider credential is required")
	}
	if strings.TrimSpace(c.DefaultModel) == "" {
		return aierrors.New(aierrors.KindValidation, "default model is required")
	}
	if c.MaxTokens <= 0 {
		return aierrors.New(aierrors.KindValidation, "max tokens must be positive")
	}
	if c.SendTimeout <= 0 || c.StreamTimeout <= 0 {
		return aierrors.New(aierrors.KindValidation, "timeouts must be positive")
	}
	if c.MaxRetries < 0 {
		return aierrors.New(aierrors.KindValidation, "max retries must be non-negative")
	}
	return nil
}

const (
	// SystemPromptMinLen is the minimum length for a non-empty system prompt.
	SystemPromptMinLen = 10
	// SystemPromptMaxLen is the maximum system prompt length.
	SystemPromptMaxLen = 10000
)

// ValidateSystemPrompt checks the prompt against the configured range.
// Empty prompts are allowed.
func ValidateSystemPrompt(prompt string) error {
	if prompt == "" {
		return nil
	}
	if len(prompt) < SystemPromptMinLen {
		return aierrors.New(aierrors.KindValidation, "system prompt is too short")
	}
	if len(prompt) > SystemPromptMaxLen {
		return aierrors.New(aierrors.KindValidation, "system prompt is too long")
	}
	return nil
}

// SelectModel resolves the model for a call: explicit override first, the
// adapter default otherwise. Unknown or deprecated models are rejected.
func SelectModel(meta Metadata, override, fallback string) (ModelInfo, error) {
	id := override
	if id == "" {
		id = fallback
	}
	for _, m := range meta.Models {
		if m.ID != id {
			continue
		}
		if m.Deprecated {
			return ModelInfo{}, aierrors.New(aierrors.KindInvalidRequest, "model is deprecated: "+id)
		}
		return m, nil
	}
	return ModelInfo{}, aierrors.New(aierrors.KindInvalidRequest, "unknown model: "+id)
}

// ComputeCost derives the dollar cost from the pricing table and reported
// token counts.
func ComputeCost(model ModelInfo, usage TokenUsage) Cost {
	in := float64(usage.Input) / 1e6 * model.InputPricePerM
	out := float64(usage.Output) / 1e6 * model.OutputPricePerM
	return Cost{
		Input:    in,
		Output:   out,
		Total:    in + out,
		Currency: "USD",
	}
}
