// Package circuit implements a keyed circuit-breaker registry protecting
// expensive upstream operations.
package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberworks/chatbridge/internal/aierrors"
	"github.com/emberworks/chatbridge/internal/logger"
)

// State of a single breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls a breaker's thresholds.
type Config struct {
	// FailureThreshold opens the breaker once this many failures land within
	// the monitoring window.
	FailureThreshold int

	// SuccessThreshold closes a half-open breaker after this many consecutive
	// successes.
	SuccessThreshold int

	// Timeout is how long an open breaker rejects calls before permitting a
	// half-open trial.
	Timeout time.Duration

	// MonitoringWindow bounds the rolling failure list; older timestamps are
	// discarded on every update.
	MonitoringWindow time.Duration
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitoringWindow: 120 * time.Second,
	}
}

// Stats is a snapshot of a breaker's counters.
type Stats struct {
	Key              string    `json:"key"`
	State            string    `json:"state"`
	RecentFailures   int       `json:"recent_failures"`
	ConsecutiveOK    int       `json:"consecutive_successes"`
	TotalCalls       int64     `json:"total_calls"`
	TotalFailures    int64     `json:"total_failures"`
	TotalRejections  int64     `json:"total_rejections"`
	NextAttemptAt    time.Time `json:"next_attempt_at,omitempty"`
	LastStateChange  time.Time `json:"last_state_change,omitempty"`
}

type breaker struct {
	config Config

	mu               sync.Mutex
	state            State
	failures         []time.Time // rolling window of failure instants
	consecutiveOK    int
	halfOpenInFlight bool
	nextAttemptAt    time.Time
	lastStateChange  time.Time

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// Registry is a keyed set of breakers. The zero key set grows on demand;
// a breaker key is typically "(provider, model, kind)".
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   Config
	logger   *logger.Logger
	// now is swappable for tests.
	now func() time.Time
}

// NewRegistry creates a breaker registry with the given default config.
func NewRegistry(config Config, log *logger.Logger) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MonitoringWindow <= 0 {
		config.MonitoringWindow = 120 * time.Second
	}
	return &Registry{
		breakers: make(map[string]*breaker),
		config:   config,
		logger:   log.WithComponent("circuit"),
		now:      time.Now,
	}
}

// Key builds the breaker key for a provider operation.
func Key(provider, model, kind string) string {
	return fmt.Sprintf("%s:%s:%s", provider, model, kind)
}

// Execute runs thunk under the breaker identified by key. An open breaker
// rejects with an overloaded error carrying the remaining wait; at or after
// the next-attempt time exactly one trial call is permitted.
func (r *Registry) Execute(ctx context.Context, key string, thunk func(ctx context.Context) error) error {
	b := r.get(key)

	if err := r.beforeCall(key, b); err != nil {
		return err
	}

	err := thunk(ctx)
	// Client-caused failures do not indicate an unhealthy upstream and are
	// excluded from failure accounting.
	r.afterCall(key, b, err == nil || isClientError(err))
	return err
}

func (r *Registry) get(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{config: r.config, state: StateClosed}
		r.breakers[key] = b
	}
	return b
}

func isClientError(err error) bool {
	switch aierrors.KindOf(err) {
	case aierrors.KindInvalidRequest, aierrors.KindAuthentication, aierrors.KindValidation:
		return true
	default:
		return false
	}
}

func (r *Registry) beforeCall(key string, b *breaker) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		now := r.now()
		if now.Before(b.nextAttemptAt) {
			b.totalRejections++
			wait := b.nextAttemptAt.Sub(now).Round(time.Second)
			return aierrors.New(aierrors.KindOverloaded,
				fmt.Sprintf("service temporarily unavailable, try again in %s", wait)).
				WithRetryable(false).
				WithContext("breaker_key", key).
				WithContext("retry_in", wait.String())
		}
		// Permit one trial.
		r.transition(key, b, StateHalfOpen)
		b.consecutiveOK = 0
		b.halfOpenInFlight = true
		return nil

	case StateHalfOpen:
		// Trials run one at a time; concurrent calls are rejected until the
		// in-flight trial resolves.
		if b.halfOpenInFlight {
			b.totalRejections++
			return aierrors.New(aierrors.KindOverloaded, "service is recovering, try again shortly").
				WithRetryable(false).
				WithContext("breaker_key", key)
		}
		b.halfOpenInFlight = true
		return nil

	default:
		return aierrors.New(aierrors.KindInternal, "unknown breaker state")
	}
}

func (r *Registry) afterCall(key string, b *breaker, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	b.pruneFailures(now)
	if b.state == StateHalfOpen {
		b.halfOpenInFlight = false
	}

	if success {
		switch b.state {
		case StateClosed:
			b.consecutiveOK++
		case StateHalfOpen:
			b.consecutiveOK++
			if b.consecutiveOK >= b.config.SuccessThreshold {
				b.failures = nil
				r.transition(key, b, StateClosed)
			}
		}
		return
	}

	b.totalFailures++
	b.consecutiveOK = 0
	b.failures = append(b.failures, now)

	switch b.state {
	case StateClosed:
		if len(b.failures) >= b.config.FailureThreshold {
			b.nextAttemptAt = now.Add(b.config.Timeout)
			r.transition(key, b, StateOpen)
		}
	case StateHalfOpen:
		b.nextAttemptAt = now.Add(b.config.Timeout)
		r.transition(key, b, StateOpen)
	}
}

// pruneFailures discards failure timestamps older than the monitoring window.
// Callers must hold b.mu.
func (b *breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transition records a state change. Callers must hold b.mu.
func (r *Registry) transition(key string, b *breaker, to State) {
	from := b.state
	b.state = to
	b.lastStateChange = r.now()
	r.logger.Info("breaker state change",
		slog.String("key", key),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// GetStats returns a snapshot for one breaker key, or false if the key has
// never been used.
func (r *Registry) GetStats(key string) (Stats, bool) {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneFailures(r.now())
	return Stats{
		Key:             key,
		State:           b.state.String(),
		RecentFailures:  len(b.failures),
		ConsecutiveOK:   b.consecutiveOK,
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		NextAttemptAt:   b.nextAttemptAt,
		LastStateChange: b.lastStateChange,
	}, true
}

// AllStats returns snapshots for every breaker in the registry.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(keys))
	for _, k := range keys {
		if s, ok := r.GetStats(k); ok {
			stats = append(stats, s)
		}
	}
	return stats
}

// ResetAll returns every breaker to the closed state and clears its rolling
// failure list. Cumulative counters are preserved.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.breakers {
		b.mu.Lock()
		if b.state != StateClosed {
			r.transition(key, b, StateClosed)
		}
		b.failures = nil
		b.consecutiveOK = 0
		b.mu.Unlock()
	}
}
