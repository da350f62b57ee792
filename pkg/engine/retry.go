package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default retry parameters for provisioner calls.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 60 * time.Second
)

// Default circuit breaker parameters.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// RetryConfig controls the retry behavior wrapped around every
// provisioner call. No process-wide singletons: callers construct and
// pass the config explicitly.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRetryConfig returns the standard retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Backoff returns the delay before the given retry attempt
// (0-indexed): min(base * 2^attempt, max) plus random jitter up to 10%
// of the delay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	return delay + jitter
}

// Retryer retries an operation on transient failures with exponential
// backoff. Permanent errors propagate immediately without a retry.
type Retryer struct {
	config RetryConfig
	logger zerolog.Logger
}

// NewRetryer creates a retryer with the given configuration.
func NewRetryer(config RetryConfig, logger zerolog.Logger) *Retryer {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Retryer{
		config: config,
		logger: logger.With().Str("component", "retry").Logger(),
	}
}

// Do invokes op until it succeeds, fails permanently, exhausts
// retries, or the context is cancelled. It returns the number of
// attempts made alongside the final error.
func (r *Retryer) Do(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, NewPermanentError("operation cancelled", err).
				WithCode(ErrCodeCancelled).WithOp(name)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}

		if !IsRetryable(lastErr) {
			return attempt + 1, lastErr
		}

		if attempt == r.config.MaxRetries {
			break
		}

		backoff := r.config.Backoff(attempt)
		r.logger.Warn().
			Str("op", name).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(lastErr).
			Msg("transient failure, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt + 1, NewPermanentError("operation cancelled during backoff", ctx.Err()).
				WithCode(ErrCodeCancelled).WithOp(name)
		}
	}

	return r.config.MaxRetries + 1, lastErr
}

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed lets calls pass through.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen fails calls fast without attempting the network.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen allows a single trial call after the recovery
	// timeout.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before
	// allowing a trial call.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
}

// DefaultBreakerConfig returns the standard breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
	}
}

// CircuitBreaker protects one external target. CLOSED passes calls
// through and counts consecutive failures; reaching the threshold
// opens the breaker, which fails fast until the recovery timeout
// elapses; then a single HALF_OPEN trial either closes it again or
// re-opens it and resets the timeout.
type CircuitBreaker struct {
	config BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	onTransition func(from, to BreakerState)

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return &CircuitBreaker{
		config: config,
		state:  BreakerClosed,
		now:    time.Now,
	}
}

// OnTransition registers a callback invoked on every state change,
// with the breaker's lock held; keep it cheap.
func (b *CircuitBreaker) OnTransition(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// State returns the current breaker state, applying the OPEN ->
// HALF_OPEN transition if the recovery timeout has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Call executes op through the breaker. When the breaker is open the
// call fails fast with a transient CIRCUIT_OPEN error (the target may
// recover, so retrying later is legitimate).
func (b *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.allow() {
		return NewTransientError("circuit breaker is open", nil).
			WithCode(ErrCodeBreakerOpen)
	}

	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow reports whether a call may proceed right now.
func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	default:
		return false
	}
}

// maybeHalfOpen transitions OPEN -> HALF_OPEN once the recovery
// timeout elapses. Caller holds b.mu.
func (b *CircuitBreaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.config.RecoveryTimeout {
		b.transition(BreakerHalfOpen)
	}
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		// Trial call failed: back to open, reset the timeout.
		b.openedAt = b.now()
		b.transition(BreakerOpen)
		return
	}

	b.failures++
	if b.failures >= b.config.FailureThreshold && b.state == BreakerClosed {
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	}
}

// transition moves the breaker to a new state. Caller holds b.mu.
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}

// BreakerRegistry holds one circuit breaker per external target
// (keyed by provisioner type). Safe for concurrent use.
type BreakerRegistry struct {
	config BreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	onTransition func(target string, from, to BreakerState)
}

// NewBreakerRegistry creates a registry that builds breakers with the
// given configuration.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnTransition registers a callback for state changes of any breaker
// in the registry. Must be set before the first For call.
func (r *BreakerRegistry) OnTransition(fn func(target string, from, to BreakerState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
}

// For returns the breaker for a target, creating it on first use.
func (r *BreakerRegistry) For(target string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[target]
	if !ok {
		b = NewCircuitBreaker(r.config)
		if r.onTransition != nil {
			fn := r.onTransition
			b.onTransition = func(from, to BreakerState) {
				fn(target, from, to)
			}
		}
		r.breakers[target] = b
	}
	return b
}
