// Package openai implements the provider adapter for the OpenAI chat
// completion API.
package openai

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/emberworks/chatbridge/internal/aierrors"
	"github.com/emberworks/chatbridge/internal/logger"
	"github.com/emberworks/chatbridge/internal/provider"
)

const providerName = "openai"

// models is the static catalog for this adapter. Pricing is USD per million
// tokens.
var models = []provider.ModelInfo{
	{ID: "gpt-4o", ContextWindow: 128000, MaxOutputTokens: 16384, InputPricePerM: 2.50, OutputPricePerM: 10.00},
	{ID: "gpt-4o-mini", ContextWindow: 128000, MaxOutputTokens: 16384, InputPricePerM: 0.15, OutputPricePerM: 0.60},
	{ID: "gpt-4.1", ContextWindow: 1047576, MaxOutputTokens: 32768, InputPricePerM: 2.00, OutputPricePerM: 8.00},
	{ID: "gpt-4.1-mini", ContextWindow: 1047576, MaxOutputTokens: 32768, InputPricePerM: 0.40, OutputPricePerM: 1.60},
	{ID: "gpt-3.5-turbo", ContextWindow: 16385, MaxOutputTokens: 4096, InputPricePerM: 0.50, OutputPricePerM: 1.50, Deprecated: true},
}

// Adapter implements provider.Adapter over the OpenAI SDK.
type Adapter struct {
	client *goopenai.Client
	config provider.Config
	res    *provider.Resilience
	logger *logger.Logger
}

// New constructs the adapter. The config must already be validated by the
// factory.
func New(cfg provider.Config, res *provider.Resilience, log *logger.Logger) (provider.Adapter, error) {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Organization != "" {
		clientCfg.OrgID = cfg.Organization
	}

	return &Adapter{
		client: goopenai.NewClientWithConfig(clientCfg),
		config: cfg,
		res:    res,
		logger: log.WithComponent("openai"),
	}, nil
}

// Metadata implements provider.Adapter.
func (a *Adapter) Metadata() provider.Metadata {
	return provider.Metadata{
		Name: providerName,
		Capabilities: provider.Capabilities{
			Streaming:       true,
			Vision:          true,
			FunctionCalling: true,
			JSONMode:        true,
		},
		Models: models,
	}
}

// TestConnection implements provider.Adapter with a one-token completion.
func (a *Adapter) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.SendTimeout)
	defer cancel()

	_, err := a.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:     a.config.DefaultModel,
		MaxTokens: 1,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// Destroy implements provider.Adapter. The SDK client holds no resources
// beyond its HTTP client, so nothing to release.
func (a *Adapter) Destroy() {}

// Send implements provider.Adapter.
func (a *Adapter) Send(ctx context.Context, params provider.SendParams) (*provider.Result, error) {
	model, req, err := a.buildRequest(params)
	if err != nil {
		return nil, err
	}

	var result *provider.Result
	err = a.res.Guard(ctx, providerName, model.ID, "send", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.config.SendTimeout)
		defer cancel()

		resp, err := a.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			return mapError(err)
		}
		if len(resp.Choices) == 0 {
			return aierrors.New(aierrors.KindInternal, "provider returned no choices").WithProvider(providerName)
		}

		usage := provider.TokenUsage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.TotalTokens,
		}
		result = &provider.Result{
			Content:    resp.Choices[0].Message.Content,
			Usage:      usage,
			Cost:       provider.ComputeCost(model, usage),
			Model:      resp.Model,
			StopReason: provider.NormalizeStopReason(string(resp.Choices[0].FinishReason)),
			ProviderID: resp.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stream implements provider.Adapter. Events are delivered to sink in
// receive order; the final result carries the cumulative content. Once the
// stream has started an interruption is not retried, since the sink has
// already observed the start and possibly partial content.
func (a *Adapter) Stream(ctx context.Context, params provider.SendParams, sink provider.StreamSink) (*provider.Result, error) {
	model, req, err := a.buildRequest(params)
	if err != nil {
		sink.OnError(err)
		return nil, err
	}
	req.Stream = true
	req.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	var result *provider.Result
	err = a.res.Guard(ctx, providerName, model.ID, "stream", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.config.StreamTimeout)
		defer cancel()

		stream, err := a.client.CreateChatCompletionStream(callCtx, req)
		if err != nil {
			return mapError(err)
		}
		defer stream.Close()

		var (
			content    strings.Builder
			usage      provider.TokenUsage
			stopReason string
			providerID string
			respModel  = model.ID
			started    bool
			finished   bool
		)

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				mapped := mapError(err)
				if started {
					// The sink has already seen the stream start; a retry
					// would replay it, so the failure is terminal.
					mapped = aierrors.New(aierrors.KindStreamInterrupted, "stream ended before completion").
						WithProvider(providerName).
						WithCause(err).
						WithRetryable(false).
						WithContext("partial_content", content.String())
				}
				return mapped
			}

			if !started {
				started = true
				sink.OnStart(chunk.ID, respModel)
				providerID = chunk.ID
			}
			if chunk.Model != "" {
				respModel = chunk.Model
			}
			if chunk.Usage != nil {
				usage = provider.TokenUsage{
					Input:  chunk.Usage.PromptTokens,
					Output: chunk.Usage.CompletionTokens,
					Total:  chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				sink.OnDelta(choice.Delta.Content)
			}
			if choice.FinishReason != "" {
				stopReason = string(choice.FinishReason)
				finished = true
			}
		}

		if !finished {
			err := aierrors.New(aierrors.KindStreamInterrupted, "stream ended before completion").
				WithProvider(providerName).
				WithContext("partial_content", content.String())
			if started {
				err = err.WithRetryable(false)
			}
			return err
		}

		if usage.Total == 0 {
			// Some gateways omit stream usage; estimate so cost accounting
			// never silently reads zero.
			usage.Input = provider.EstimateMessageTokens(model.ID, params.Messages)
			usage.Output = provider.EstimateTokens(model.ID, content.String())
			usage.Total = usage.Input + usage.Output
		}

		result = &provider.Result{
			Content:    content.String(),
			Usage:      usage,
			Cost:       provider.ComputeCost(model, usage),
			Model:      respModel,
			StopReason: provider.NormalizeStopReason(stopReason),
			ProviderID: providerID,
		}
		sink.OnComplete(result)
		return nil
	})
	if err != nil {
		sink.OnError(err)
		return nil, err
	}
	return result, nil
}

// buildRequest validates params and assembles the SDK request.
func (a *Adapter) buildRequest(params provider.SendParams) (provider.ModelInfo, goopenai.ChatCompletionRequest, error) {
	model, err := provider.SelectModel(a.Metadata(), params.Model, a.config.DefaultModel)
	if err != nil {
		return provider.ModelInfo{}, goopenai.ChatCompletionRequest{}, err
	}
	if err := provider.ValidateSystemPrompt(params.SystemPrompt); err != nil {
		return provider.ModelInfo{}, goopenai.ChatCompletionRequest{}, err
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.config.MaxTokens
	}
	if model.MaxOutputTokens > 0 && maxTokens > model.MaxOutputTokens {
		maxTokens = model.MaxOutputTokens
	}

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(params.Messages)+1)
	if params.SystemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: params.SystemPrompt,
		})
	}
	for _, m := range params.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	return model, goopenai.ChatCompletionRequest{
		Model:       model.ID,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: params.Temperature,
	}, nil
}

// mapError converts SDK and transport errors into the taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return aierrors.New(aierrors.KindTimeout, "provider request timed out").
			WithProvider(providerName).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return aierrors.New(aierrors.KindTimeout, "provider request cancelled").
			WithProvider(providerName).WithCause(err).WithRetryable(false)
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return mapStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return mapStatus(reqErr.HTTPStatusCode, reqErr.Error(), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return aierrors.New(aierrors.KindTimeout, "provider request timed out").
				WithProvider(providerName).WithCause(err)
		}
		return aierrors.New(aierrors.KindNetwork, "provider unreachable").
			WithProvider(providerName).WithCause(err)
	}

	return aierrors.New(aierrors.KindUnknown, "unexpected provider failure").
		WithProvider(providerName).WithCause(err)
}

func mapStatus(status int, message string, cause error) error {
	switch {
	case status == 401 || status == 403:
		return aierrors.New(aierrors.KindAuthentication, "provider rejected credentials").
			WithProvider(providerName).WithCause(cause)
	case status == 429:
		e := aierrors.New(aierrors.KindRateLimit, "provider rate limit reached").
			WithProvider(providerName).WithCause(cause)
		if strings.Contains(strings.ToLower(message), "quota") {
			e = e.WithRetryable(false)
		}
		return e
	case status == 400 || status == 404 || status == 422:
		return aierrors.New(aierrors.KindInvalidRequest, "provider rejected the request").
			WithProvider(providerName).WithCause(cause)
	case status == 500:
		return aierrors.New(aierrors.KindInternal, "provider internal error").
			WithProvider(providerName).WithCause(cause)
	case status == 502 || status == 503 || status == 529:
		return aierrors.New(aierrors.KindOverloaded, "provider is overloaded").
			WithProvider(providerName).WithCause(cause).WithRetryable(true)
	case status >= 500:
		return aierrors.New(aierrors.KindInternal, "provider internal error").
			WithProvider(providerName).WithCause(cause)
	default:
		return aierrors.New(aierrors.KindUnknown, "unexpected provider response").
			WithProvider(providerName).WithCause(cause)
	}
}
