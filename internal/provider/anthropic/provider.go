// Package anthropic implements the provider adapter for the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/emberworks/chatbridge/internal/aierrors"
	"github.com/emberworks/chatbridge/internal/logger"
	"github.com/emberworks/chatbridge/internal/provider"
)

const providerName = "anthropic"

// models is the static catalog for this adapter. Pricing is USD per million
// tokens.
var models = []provider.ModelInfo{
	{ID: "claude-sonnet-4-5", ContextWindow: 200000, MaxOutputTokens: 64000, InputPricePerM: 3.00, OutputPricePerM: 15.00},
	{ID: "claude-haiku-4-5", ContextWindow: 200000, MaxOutputTokens: 64000, InputPricePerM: 1.00, OutputPricePerM: 5.00},
	{ID: "claude-opus-4-1", ContextWindow: 200000, MaxOutputTokens: 32000, InputPricePerM: 15.00, OutputPricePerM: 75.00},
	{ID: "claude-3-5-sonnet-20241022", ContextWindow: 200000, MaxOutputTokens: 8192, InputPricePerM: 3.00, OutputPricePerM: 15.00, Deprecated: true},
}

// Adapter implements provider.Adapter over the Anthropic SDK.
type Adapter struct {
	client sdk.Client
	config provider.Config
	res    *provider.Resilience
	logger *logger.Logger
}

// New constructs the adapter. The config must already be validated by the
// factory.
func New(cfg provider.Config, res *provider.Resilience, log *logger.Logger) (provider.Adapter, error) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Adapter{
		client: sdk.NewClient(opts...),
		config: cfg,
		res:    res,
		logger: log.WithComponent("anthropic"),
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
			PromptCaching:   true,
		},
		Models: models,
	}
}

// TestConnection implements provider.Adapter with a one-token completion.
func (a *Adapter) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.SendTimeout)
	defer cancel()

	_, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.config.DefaultModel),
		MaxTokens: 1,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// Destroy implements provider.Adapter.
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

		msg, err := a.client.Messages.New(callCtx, req)
		if err != nil {
			return mapError(err)
		}

		var content strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}

		usage := provider.TokenUsage{
			Input:  int(msg.Usage.InputTokens),
			Output: int(msg.Usage.OutputTokens),
			Total:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		}
		result = &provider.Result{
			Content:    content.String(),
			Usage:      usage,
			Cost:       provider.ComputeCost(model, usage),
			Model:      string(msg.Model),
			StopReason: provider.NormalizeStopReason(string(msg.StopReason)),
			ProviderID: msg.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stream implements provider.Adapter. Events are delivered to sink in
// receive order; once the stream has started an interruption is not retried,
// since the sink has already observed the start and possibly partial content.
func (a *Adapter) Stream(ctx context.Context, params provider.SendParams, sink provider.StreamSink) (*provider.Result, error) {
	model, req, err := a.buildRequest(params)
	if err != nil {
		sink.OnError(err)
		return nil, err
	}

	var result *provider.Result
	err = a.res.Guard(ctx, providerName, model.ID, "stream", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.config.StreamTimeout)
		defer cancel()

		stream := a.client.Messages.NewStreaming(callCtx, req)
		defer stream.Close()

		var (
			content  strings.Builder
			acc      sdk.Message
			started  bool
			finished bool
		)

		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				return aierrors.New(aierrors.KindInternal, "failed to accumulate stream event").
					WithProvider(providerName).WithCause(err)
			}

			switch ev := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				if !started {
					started = true
					sink.OnStart(ev.Message.ID, string(ev.Message.Model))
				}
			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text != "" {
						content.WriteString(delta.Text)
						sink.OnDelta(delta.Text)
					}
				}
			case sdk.MessageStopEvent:
				finished = true
			}
		}

		if err := stream.Err(); err != nil {
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

		if !finished {
			err := aierrors.New(aierrors.KindStreamInterrupted, "stream ended before completion").
				WithProvider(providerName).
				WithContext("partial_content", content.String())
			if started {
				err = err.WithRetryable(false)
			}
			return err
		}

		usage := provider.TokenUsage{
			Input:  int(acc.Usage.InputTokens),
			Output: int(acc.Usage.OutputTokens),
			Total:  int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
		}
		result = &provider.Result{
			Content:    content.String(),
			Usage:      usage,
			Cost:       provider.ComputeCost(model, usage),
			Model:      string(acc.Model),
			StopReason: provider.NormalizeStopReason(string(acc.StopReason)),
			ProviderID: acc.ID,
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
func (a *Adapter) buildRequest(params provider.SendParams) (provider.ModelInfo, sdk.MessageNewParams, error) {
	model, err := provider.SelectModel(a.Metadata(), params.Model, a.config.DefaultModel)
	if err != nil {
		return provider.ModelInfo{}, sdk.MessageNewParams{}, err
	}
	if err := provider.ValidateSystemPrompt(params.SystemPrompt); err != nil {
		return provider.ModelInfo{}, sdk.MessageNewParams{}, err
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.config.MaxTokens
	}
	if model.MaxOutputTokens > 0 && maxTokens > model.MaxOutputTokens {
		maxTokens = model.MaxOutputTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(params.Messages))
	for _, m := range params.Messages {
		switch m.Role {
		case provider.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			// System turns inside the history are folded into user turns;
			// the dedicated system prompt rides the System field.
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	req := sdk.MessageNewParams{
		Model:     sdk.Model(model.ID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if params.SystemPrompt != "" {
		req.System = []sdk.TextBlockParam{{Text: params.SystemPrompt}}
	}
	if params.Temperature > 0 {
		req.Temperature = sdk.Float(float64(params.Temperature))
	}

	return model, req, nil
}

// mapError converts SDK and transport errors into the taxonomy, populating
// rate-limit hints from response headers when present.
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

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return aierrors.New(aierrors.KindAuthentication, "provider rejected credentials").
				WithProvider(providerName).WithCause(err)
		case 400, 404, 413, 422:
			return aierrors.New(aierrors.KindInvalidRequest, "provider rejected the request").
				WithProvider(providerName).WithCause(err)
		case 429:
			return aierrors.New(aierrors.KindRateLimit, "provider rate limit reached").
				WithProvider(providerName).WithCause(err).
				WithRateLimit(rateLimitHints(apiErr.Response))
		case 529:
			return aierrors.New(aierrors.KindOverloaded, "provider is overloaded").
				WithProvider(providerName).WithCause(err).WithRetryable(true)
		case 500, 502, 503:
			return aierrors.New(aierrors.KindInternal, "provider internal error").
				WithProvider(providerName).WithCause(err)
		default:
			return aierrors.New(aierrors.KindUnknown, "unexpected provider response").
				WithProvider(providerName).WithCause(err)
		}
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

// rateLimitHints parses the standard Anthropic rate-limit headers.
func rateLimitHints(resp *http.Response) *aierrors.RateLimitInfo {
	if resp == nil {
		return nil
	}
	info := &aierrors.RateLimitInfo{}
	if v := resp.Header.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			info.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header.Get("anthropic-ratelimit-requests-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RequestsRemaining = n
		}
	}
	if v := resp.Header.Get("anthropic-ratelimit-tokens-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.TokensRemaining = n
		}
	}
	if v := resp.Header.Get("anthropic-ratelimit-requests-reset"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			info.ResetAt = t
		}
	}
	return info
}
