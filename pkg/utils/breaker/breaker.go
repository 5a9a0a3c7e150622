package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/mergegate/mergegate/pkg/domain/types"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Result carries the outcome of a guarded call. Dependency failures
// do not propagate as errors once a fallback exists; callers inspect
// Success and UsedFallback.
type Result struct {
	Success        bool
	UsedFallback   bool
	FallbackReason string
	Value          any
	Err            error
	Duration       time.Duration
}

// Option configures a Breaker.
type Option func(*Breaker)

func WithFailureThreshold(n int) Option       { return func(b *Breaker) { b.failureThreshold = n } }
func WithSuccessThreshold(n int) Option       { return func(b *Breaker) { b.successThreshold = n } }
func WithTimeout(d time.Duration) Option      { return func(b *Breaker) { b.timeout = d } }
func WithResetTimeout(d time.Duration) Option { return func(b *Breaker) { b.resetTimeout = d } }

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// Breaker guards calls to a single named dependency. One instance per
// dependency name, lifetime = process.
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	resetTimeout     time.Duration
	now              func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	lastChange  time.Time
}

// New creates a closed breaker with the given name.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 3,
		timeout:          30 * time.Second,
		resetTimeout:     60 * time.Second,
		now:              time.Now,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastChange = b.now()
	return b
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state, accounting for elapsed
// reset timeout (an open breaker past its reset window reports open
// until the next call probes it).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do executes op through the breaker. The call is bounded by the
// breaker timeout; a timeout counts as a failure. When open, op is not
// invoked: the fallback result is returned if one is supplied,
// otherwise a structured failure.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) (any, error), fallback func(context.Context) (any, error)) Result {
	start := b.now()

	b.mu.Lock()
	if b.state == StateOpen {
		if b.shouldAttemptReset() {
			b.transitionTo(ctx, StateHalfOpen)
		} else {
			b.mu.Unlock()
			if fallback != nil {
				return b.runFallback(ctx, fallback, "circuit_open", nil, start)
			}
			return Result{
				Success:        false,
				FallbackReason: "circuit_open_no_fallback",
				Err:            goerr.Wrap(types.ErrCircuitOpen, "dependency call short-circuited", goerr.V("dependency", b.name)),
				Duration:       b.now().Sub(start),
			}
		}
	}
	b.mu.Unlock()

	value, err := b.invoke(ctx, op)
	if err == nil {
		b.recordSuccess(ctx)
		return Result{Success: true, Value: value, Duration: b.now().Sub(start)}
	}

	b.recordFailure(ctx)

	b.mu.Lock()
	open := b.state == StateOpen
	b.mu.Unlock()
	if fallback != nil && open {
		return b.runFallback(ctx, fallback, "failure", err, start)
	}

	return Result{
		Success:  false,
		Err:      goerr.Wrap(err, "dependency call failed", goerr.T(types.TagDependency), goerr.V("dependency", b.name)),
		Duration: b.now().Sub(start),
	}
}

// invoke runs op bounded by the breaker timeout. The operation runs in
// its own goroutine so a call that ignores its context still cannot
// hold the breaker past the deadline.
func (b *Breaker) invoke(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		v, err := op(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-callCtx.Done():
		return nil, goerr.Wrap(callCtx.Err(), "dependency call timed out",
			goerr.T(types.TagDependency),
			goerr.V("dependency", b.name),
			goerr.V("timeout", b.timeout),
		)
	}
}

func (b *Breaker) runFallback(ctx context.Context, fallback func(context.Context) (any, error), reason string, original error, start time.Time) Result {
	value, err := fallback(ctx)
	if err != nil {
		return Result{
			Success:        false,
			UsedFallback:   true,
			FallbackReason: reason,
			Err:            goerr.Wrap(err, "fallback failed", goerr.V("dependency", b.name)),
			Duration:       b.now().Sub(start),
		}
	}
	res := Result{
		Success:        true,
		UsedFallback:   true,
		FallbackReason: reason,
		Value:          value,
		Duration:       b.now().Sub(start),
	}
	if original != nil {
		res.Err = original
	}
	return res
}

func (b *Breaker) recordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.successThreshold {
			b.transitionTo(ctx, StateClosed)
		}
		return
	}
	b.failures = 0
}

func (b *Breaker) recordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.successes = 0

	if b.state == StateHalfOpen {
		b.transitionTo(ctx, StateOpen)
	} else if b.state == StateClosed && b.failures >= b.failureThreshold {
		b.transitionTo(ctx, StateOpen)
	}
}

// shouldAttemptReset must be called with the lock held.
func (b *Breaker) shouldAttemptReset() bool {
	if b.lastFailure.IsZero() {
		return true
	}
	return b.now().Sub(b.lastFailure) >= b.resetTimeout
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(ctx context.Context, next State) {
	prev := b.state
	b.state = next
	b.lastChange = b.now()

	switch next {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}

	ctxlog.From(ctx).Info("circuit breaker state changed",
		"name", b.name,
		"from", prev,
		"to", next,
	)
}
