// Package bridge turns an inbound message:send into a streamed assistant
// reply: it validates the payload, persists the user message, invokes the
// provider adapter in streaming mode, fans the cumulative content out to the
// conversation's connections, and persists the final assistant message with
// token and cost accounting.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emberworks/chatbridge/internal/aierrors"
	"github.com/emberworks/chatbridge/internal/hub"
	"github.com/emberworks/chatbridge/internal/logger"
	"github.com/emberworks/chatbridge/internal/metrics"
	"github.com/emberworks/chatbridge/internal/provider"
	"github.com/emberworks/chatbridge/internal/store"
)

// AdapterSource yields the adapter serving a request, given an optional
// model override. provider.Router implements this.
type AdapterSource interface {
	AdapterFor(model string) (provider.Adapter, error)
}

// Options carries the bridge tunables.
type Options struct {
	HistoryWindow int
	SystemPrompt  string
}

// Bridge implements hub.MessageHandler.
type Bridge struct {
	store    store.Store
	adapters AdapterSource
	manager  *hub.Manager
	titles   *TitleWorker
	opts     Options
	logger   *logger.Logger

	now func() time.Time
}

// New creates a bridge. titles may be nil to disable title derivation.
func New(st store.Store, adapters AdapterSource, manager *hub.Manager, titles *TitleWorker, opts Options, log *logger.Logger) *Bridge {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 50
	}
	return &Bridge{
		store:    st,
		adapters: adapters,
		manager:  manager,
		titles:   titles,
		opts:     opts,
		logger:   log.WithComponent("bridge"),
		now:      time.Now,
	}
}

// HandleMessageSend processes one message:send frame. Frames reaching this
// point have already passed authentication and the per-connection rate limit.
func (b *Bridge) HandleMessageSend(ctx context.Context, conn *hub.Conn, frame hub.ClientFrame) {
	metrics.MessagesProcessed.Inc()

	userID := conn.UserID()
	messageID := frame.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	ctx = logger.WithConversationID(ctx, frame.ConversationID)
	ctx = logger.WithMessageID(ctx, messageID)
	log := b.logger.WithContext(ctx)

	if frame.ConversationID == "" {
		b.ackError(conn, messageID, aierrors.New(aierrors.KindInvalidRequest, "conversationId is required"))
		return
	}
	if len(frame.Content) < 1 || len(frame.Content) > store.MaxContentLength {
		b.ackError(conn, messageID, aierrors.New(aierrors.KindInvalidRequest, "content length must be between 1 and 50000 characters"))
		return
	}

	conv, err := b.resolveConversation(ctx, frame.ConversationID, userID)
	if err != nil {
		b.ackError(conn, messageID, err)
		return
	}

	// Persist the user message first so conversation ordering is stable
	// even if the stream fails.
	userMsg := &store.Message{
		ID:             messageID,
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           store.RoleUser,
		Content:        frame.Content,
	}
	if _, err := b.store.Messages().Insert(ctx, userMsg); err != nil {
		log.Error("failed to persist user message", slog.String("error", err.Error()))
		b.ackError(conn, messageID, aierrors.New(aierrors.KindInternal, "failed to persist message").WithCause(err))
		return
	}

	_ = conn.Send(hub.AckDeliveredFrame(messageID))

	// Mirror the user message to the conversation's other connections,
	// including the sender's other devices.
	b.manager.SendToConversationExceptConn(conv.ID,
		hub.ReceiveFrame(messageID, conv.ID, userID, frame.Content, userMsg.CreatedAt),
		conn.ID)

	params, adapter, err := b.buildParams(ctx, conv, frame.ModelOverride)
	if err != nil {
		b.ackError(conn, messageID, err)
		return
	}

	assistantID := uuid.NewString()
	sink := &streamSink{
		manager:        b.manager,
		conversationID: conv.ID,
		assistantID:    assistantID,
		logger:         log,
		now:            b.now,
	}

	providerName := adapter.Metadata().Name
	started := b.now()
	result, err := adapter.Stream(ctx, params, sink)
	metrics.StreamDuration.WithLabelValues(providerName).Observe(b.now().Sub(started).Seconds())
	if err != nil {
		kind := aierrors.KindOf(err)
		metrics.StreamErrors.WithLabelValues(string(kind)).Inc()
		if kind == aierrors.KindOverloaded {
			metrics.BreakerRejections.Inc()
		}
		b.logFailure(ctx, err)
		b.ackError(conn, messageID, err)
		return
	}

	metrics.TokensUsed.WithLabelValues(providerName, "input").Add(float64(result.Usage.Input))
	metrics.TokensUsed.WithLabelValues(providerName, "output").Add(float64(result.Usage.Output))
	metrics.CostUSD.WithLabelValues(providerName).Add(result.Cost.Total)

	assistantMsg := &store.Message{
		ID:             assistantID,
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        result.Content,
		Metadata: &store.MessageMetadata{
			Model: result.Model,
			Usage: store.TokenUsage{
				Input:  result.Usage.Input,
				Output: result.Usage.Output,
				Total:  result.Usage.Total,
			},
			Cost: store.Cost{
				Input:    result.Cost.Input,
				Output:   result.Cost.Output,
				Total:    result.Cost.Total,
				Currency: result.Cost.Currency,
			},
			FinishReason: result.StopReason,
		},
	}
	if _, err := b.store.Messages().Insert(ctx, assistantMsg); err != nil {
		log.Error("failed to persist assistant message", slog.String("error", err.Error()))
		b.ackError(conn, messageID, aierrors.New(aierrors.KindInternal, "failed to persist assistant message").WithCause(err))
		return
	}

	// The completion frame goes out only after the insert succeeds, so a
	// client never sees isComplete=true for a reply that was not stored.
	b.manager.SendToConversation(conv.ID,
		hub.StreamFrame(assistantID, conv.ID, result.Content, true, b.now()), "")

	if b.titles != nil && conv.Title == "" {
		b.titles.Enqueue(TitleJob{
			ConversationID: conv.ID,
			UserContent:    frame.Content,
			AssistantReply: result.Content,
		})
	}

	log.Info("assistant reply persisted",
		slog.String("assistant_message_id", assistantID),
		slog.String("model", result.Model),
		slog.Int("total_tokens", result.Usage.Total),
		slog.Float64("cost_usd", result.Cost.Total))
}

// resolveConversation loads the conversation, creating it on first use. A
// conversation owned by another user is rejected; whether to reject or share
// is a policy choice and this deployment rejects.
func (b *Bridge) resolveConversation(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := b.store.Conversations().GetByID(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		conv = &store.Conversation{ID: conversationID, UserID: userID}
		if err := b.store.Conversations().Create(ctx, conv); err != nil {
			return nil, aierrors.New(aierrors.KindInternal, "failed to create conversation").WithCause(err)
		}
		return conv, nil
	}
	if err != nil {
		return nil, aierrors.New(aierrors.KindInternal, "failed to load conversation").WithCause(err)
	}
	if conv.UserID != userID {
		return nil, aierrors.New(aierrors.KindInvalidRequest, "conversation does not belong to sender")
	}
	return conv, nil
}

// buildParams assembles the provider call: last K messages in chronological
// order plus the system prompt, trimmed to the model's context window.
func (b *Bridge) buildParams(ctx context.Context, conv *store.Conversation, modelOverride string) (provider.SendParams, provider.Adapter, error) {
	model := modelOverride
	if model == "" {
		model = conv.Model
	}

	adapter, err := b.adapters.AdapterFor(model)
	if err != nil {
		return provider.SendParams{}, nil, err
	}

	recent, err := b.store.Messages().ListForConversation(ctx, conv.ID, b.opts.HistoryWindow, store.DirectionBackward)
	if err != nil {
		return provider.SendParams{}, nil, aierrors.New(aierrors.KindInternal, "failed to load history").WithCause(err)
	}

	// Newest-first from the store; the provider wants chronological order.
	msgs := make([]provider.Message, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		msgs = append(msgs, provider.Message{
			Role:    provider.Role(m.Role),
			Content: m.Content,
		})
	}

	if budget := contextBudget(adapter.Metadata(), model); budget > 0 {
		msgs = provider.TrimHistory(model, msgs, budget)
	}

	systemPrompt := conv.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = b.opts.SystemPrompt
	}

	return provider.SendParams{
		Model:        model,
		Messages:     msgs,
		SystemPrompt: systemPrompt,
	}, adapter, nil
}

// contextBudget is the history token allowance for the model: its context
// window minus room for the completion. Zero when the model is not in the
// catalog, which disables trimming.
func contextBudget(meta provider.Metadata, model string) int {
	for _, m := range meta.Models {
		if m.ID == model {
			return m.ContextWindow - m.MaxOutputTokens
		}
	}
	return 0
}

func (b *Bridge) ackError(conn *hub.Conn, messageID string, err error) {
	kind := aierrors.KindOf(err)
	_ = conn.Send(hub.AckErrorFrame(messageID, string(kind), userSafeMessage(err)))
}

func (b *Bridge) logFailure(ctx context.Context, err error) {
	log := b.logger.WithContext(ctx)
	attrs := []interface{}{
		slog.String("kind", string(aierrors.KindOf(err))),
		slog.String("error", err.Error()),
	}
	switch aierrors.SeverityOf(aierrors.KindOf(err)) {
	case aierrors.SeverityCritical:
		log.Error("stream failed", attrs...)
	case aierrors.SeverityHigh:
		log.Error("stream failed", attrs...)
	default:
		log.Warn("stream failed", attrs...)
	}
}

// userSafeMessage strips provider internals; only the taxonomy message
// reaches the client.
func userSafeMessage(err error) string {
	var aiErr *aierrors.Error
	if errors.As(err, &aiErr) {
		return aiErr.Message
	}
	return "an unexpected error occurred"
}

// streamSink adapts provider stream events into message:stream fan-out with
// cumulative content. The final frame with isComplete=true is sent by the
// bridge after the assistant message is persisted and carries exactly the
// stored content.
type streamSink struct {
	manager        *hub.Manager
	conversationID string
	assistantID    string
	logger         *logger.Logger
	now            func() time.Time

	cumulative string
}

func (s *streamSink) OnStart(providerMessageID, model string) {
	s.logger.Debug("stream started",
		slog.String("provider_message_id", providerMessageID),
		slog.String("model", model))
}

func (s *streamSink) OnDelta(delta string) {
	s.cumulative += delta
	s.manager.SendToConversation(s.conversationID,
		hub.StreamFrame(s.assistantID, s.conversationID, s.cumulative, false, s.now()), "")
}

func (s *streamSink) OnComplete(result *provider.Result) {
	// Deliberately quiet: the completion frame waits for the persist in
	// HandleMessageSend.
}

func (s *streamSink) OnError(err error) {
	// The ack carrying the mapped kind is emitted by the bridge; no stream
	// frame is sent, so the client never observes isComplete=true.
}
