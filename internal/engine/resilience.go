package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// BackoffPolicy shapes how Resilience retries a failing downstream call:
// how often, starting at what delay, growing by what factor, with how much
// jitter spread around each delay.
type BackoffPolicy struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Jitter       float64       `yaml:"jitter"`
}

// DefaultBackoffPolicy retries three times, 100ms doubling to at most 10s,
// with 10% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       0.1,
	}
}

// BreakerSettings shapes the circuit breaker guarding a downstream
// endpoint: how many consecutive failures trip it, how long it stays
// tripped before probing, and how many probes may pass before it either
// closes (SuccessThreshold probe successes) or trips again.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxProbes        int           `yaml:"max_probes"`
}

// DefaultBreakerSettings trips after 5 consecutive failures, cools down for
// 30 seconds, and closes again after 3 successful probes.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         30 * time.Second,
		MaxProbes:        3,
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Resilience.Do while the breaker is tripped
// and its cooldown has not elapsed.
var ErrBreakerOpen = errors.New("engine: breaker open, downstream call not attempted")

// Breaker is a minimal circuit breaker: closed until FailureThreshold
// consecutive failures, then open for Cooldown, then probing until
// SuccessThreshold consecutive successes close it again (any probe failure
// re-opens it).
type Breaker struct {
	settings BreakerSettings

	mu        sync.Mutex
	state     breakerState
	failures  int
	successes int
	probes    int
	trippedAt time.Time
}

// NewBreaker returns a closed Breaker with the given settings.
func NewBreaker(settings BreakerSettings) *Breaker {
	return &Breaker{settings: settings}
}

// allow reports whether a call may proceed, moving open→probing when the
// cooldown has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.trippedAt) < b.settings.Cooldown {
			return false
		}
		b.state = breakerProbing
		b.probes = 0
		b.successes = 0
		return true
	case breakerProbing:
		return b.probes < b.settings.MaxProbes
	default:
		return false
	}
}

// observe records one call's result and applies the state transitions.
func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.trippedAt = time.Now()
		if b.state == breakerProbing || b.failures >= b.settings.FailureThreshold {
			b.state = breakerOpen
			b.probes = 0
		}
		return
	}

	b.successes++
	switch b.state {
	case breakerClosed:
		b.failures = 0
	case breakerProbing:
		b.probes++
		if b.successes >= b.settings.SuccessThreshold {
			b.state = breakerClosed
			b.failures = 0
			b.probes = 0
		}
	}
}

// State returns the breaker's current state name, for status surfaces.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.successes = 0
	b.probes = 0
	b.trippedAt = time.Time{}
}

// Resilience wraps downstream calls a step makes (domain API, cache) in
// retry-with-backoff behind a circuit breaker. Exhausting the retries (or a
// non-retryable error) surfaces to the step, which classifies it into its
// outcome; the breaker keeps a flapping downstream from being hammered by
// every process at once.
type Resilience struct {
	policy  BackoffPolicy
	breaker *Breaker

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewResilience builds a Resilience from a backoff policy and breaker
// settings.
func NewResilience(policy BackoffPolicy, settings BreakerSettings) *Resilience {
	return &Resilience{
		policy:  policy,
		breaker: NewBreaker(settings),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs fn, retrying transient failures per the backoff policy. The
// breaker is consulted once per Do call; its verdict covers the whole retry
// loop so a tripped breaker short-circuits without burning the schedule.
func (r *Resilience) Do(ctx context.Context, fn func() error) error {
	if !r.breaker.allow() {
		return ErrBreakerOpen
	}

	var last error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn()
		if last == nil {
			r.breaker.observe(nil)
			return nil
		}
		if attempt >= r.policy.MaxRetries || !Transient(last) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay(attempt)):
		}
	}

	r.breaker.observe(last)
	if Transient(last) {
		return fmt.Errorf("engine: retries exhausted after %d attempts: %w", r.policy.MaxRetries+1, last)
	}
	return last
}

// Breaker exposes the underlying breaker, for status surfaces and tests.
func (r *Resilience) Breaker() *Breaker { return r.breaker }

func (r *Resilience) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Factor, float64(attempt))
	if max := float64(r.policy.MaxDelay); d > max {
		d = max
	}
	if r.policy.Jitter > 0 {
		r.rngMu.Lock()
		d += d * r.policy.Jitter * (r.rng.Float64()*2 - 1)
		r.rngMu.Unlock()
	}
	if d < 0 {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}

// transientPatterns are error-message fragments treated as retryable when
// no typed classification applies.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
}

// Transient reports whether err looks like a failure that a later attempt
// could succeed past: a network timeout, a retryable HTTP status, or a
// known transient message.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
