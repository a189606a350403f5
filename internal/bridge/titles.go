package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberworks/chatbridge/internal/logger"
	"github.com/emberworks/chatbridge/internal/provider"
	"github.com/emberworks/chatbridge/internal/store"
)

const (
	titlePrompt = "Generate a short title (at most six words) summarizing the " +
		"conversation below. Respond with the title only, no quotes and no " +
		"trailing punctuation."
	titleMaxTokens = 32
	titleMaxLen    = 80
	titleTimeout   = 30 * time.Second
)

// TitleJob asks for a conversation title derived from its first exchange.
type TitleJob struct {
	ConversationID string
	UserContent    string
	AssistantReply string
}

// TitleWorker derives conversation titles off the request path with a small
// worker pool. Jobs are dropped, not blocked on, when the buffer is full.
type TitleWorker struct {
	store    store.Store
	adapters AdapterSource

	jobs     chan TitleJob
	shutdown chan struct{}
	workers  sync.WaitGroup
	closed   atomic.Bool
	dropped  atomic.Int64

	logger *logger.Logger
}

// NewTitleWorker starts poolSize workers over a buffered job queue.
func NewTitleWorker(st store.Store, adapters AdapterSource, poolSize, bufferSize int, log *logger.Logger) *TitleWorker {
	if poolSize <= 0 {
		poolSize = 1
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}

	w := &TitleWorker{
		store:    st,
		adapters: adapters,
		jobs:     make(chan TitleJob, bufferSize),
		shutdown: make(chan struct{}),
		logger:   log.WithComponent("title_worker"),
	}

	for i := 0; i < poolSize; i++ {
		w.workers.Add(1)
		go w.run()
	}
	return w
}

// Enqueue submits a job. Never blocks; over-capacity jobs are counted and
// dropped since a missing title is harmless.
func (w *TitleWorker) Enqueue(job TitleJob) {
	if w.closed.Load() {
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.dropped.Add(1)
		w.logger.Warn("title job dropped, queue full",
			slog.String("conversation_id", job.ConversationID),
			slog.Int64("dropped_total", w.dropped.Load()))
	}
}

// Close stops accepting jobs, drains the queue, and waits for the workers.
func (w *TitleWorker) Close() {
	if w.closed.Swap(true) {
		return
	}
	close(w.shutdown)
	w.workers.Wait()
}

// Dropped reports how many jobs were discarded due to a full queue.
func (w *TitleWorker) Dropped() int64 {
	return w.dropped.Load()
}

func (w *TitleWorker) run() {
	defer w.workers.Done()

	for {
		select {
		case job := <-w.jobs:
			w.handle(job)
		case <-w.shutdown:
			// Drain remaining jobs before exiting.
			for {
				select {
				case job := <-w.jobs:
					w.handle(job)
				default:
					return
				}
			}
		}
	}
}

func (w *TitleWorker) handle(job TitleJob) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := w.derive(ctx, job)
	if err != nil {
		// Fall back to a truncation of the first user message.
		title = truncateTitle(job.UserContent)
	}
	if title == "" {
		return
	}

	if err := w.store.Conversations().UpdateTitle(ctx, job.ConversationID, title); err != nil {
		w.logger.Warn("failed to store title",
			slog.String("conversation_id", job.ConversationID),
			slog.String("error", err.Error()))
	}
}

func (w *TitleWorker) derive(ctx context.Context, job TitleJob) (string, error) {
	adapter, err := w.adapters.AdapterFor("")
	if err != nil {
		return "", err
	}

	content := "User: " + job.UserContent
	if job.AssistantReply != "" {
		content += "\nAssistant: " + job.AssistantReply
	}

	result, err := adapter.Send(ctx, provider.SendParams{
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: titlePrompt + "\n\n" + content},
		},
		MaxTokens: titleMaxTokens,
	})
	if err != nil {
		return "", err
	}

	title := strings.TrimSpace(result.Content)
	title = strings.Trim(title, `"'`)
	return truncateTitle(title), nil
}

func truncateTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > titleMaxLen {
		s = strings.TrimSpace(s[:titleMaxLen])
	}
	return s
}
