// Package breaker protects calls to unreliable dependencies (the chain indexer,
// the ledger database, the wallet signer) with a per-name circuit breaker.
//
// A breaker starts Closed. Every counted failure increments the failure counter
// and every success decrements it, so sporadic errors heal over time. Once the
// counter reaches FailureThreshold the breaker is Open and calls are
// short-circuited until ResetTimeout has passed since the last failure. The next
// call after that runs as a HalfOpen trial; SuccessesToClose consecutive trial
// successes close the breaker and any trial failure reopens it.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"tonsettle/internal/apperr"
)

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
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Settings struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	// HalfOpenMaxCalls bounds the number of trial calls in flight while HalfOpen.
	HalfOpenMaxCalls int
	SuccessesToClose int
	// IsExpected reports errors that are recorded but never counted as failures.
	IsExpected func(error) bool
	// OnStateChange runs with the breaker lock held and must not call back into it.
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = time.Minute
	}
	if s.SuccessesToClose <= 0 {
		s.SuccessesToClose = 3
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = s.SuccessesToClose
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// Counts are lifetime call statistics.
type Counts struct {
	Requests  uint64 `json:"requests"`
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
	Expected  uint64 `json:"expected"`
	Rejected  uint64 `json:"rejected"`
}

// Snapshot is the CircuitBreakerState record of one dependency.
type Snapshot struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	TrialSuccessCount   int        `json:"trial_success_count"`
	NextAttemptAt       *time.Time `json:"next_attempt_at,omitempty"`
	Counts              Counts     `json:"counts"`
}

// Healthy reports whether the dependency is accepting calls normally.
func (s Snapshot) Healthy() bool {
	return s.State == StateClosed
}

// OpenError is returned when a call is short-circuited.
type OpenError struct {
	Name      string
	RetryAt   time.Time
	LastCause string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

type Breaker struct {
	settings Settings

	mu             sync.Mutex
	state          State
	failures       int
	lastFailureAt  time.Time
	lastCause      string
	trialSuccesses int
	trialsInFlight int
	counts         Counts
}

func New(settings Settings) *Breaker {
	return &Breaker{settings: settings.withDefaults()}
}

func (b *Breaker) Name() string { return b.settings.Name }

// Do runs op through the breaker. When the breaker is open, or op's failure
// leaves it open, fallback is invoked with the cause instead of returning it.
func (b *Breaker) Do(op func() error, fallback func(error) error) error {
	trial, err := b.before()
	if err != nil {
		if fallback != nil {
			return fallback(err)
		}
		return err
	}

	opErr := op()
	open := b.after(trial, opErr)
	if opErr != nil && open && fallback != nil {
		return fallback(opErr)
	}
	return opErr
}

// Execute is Do for operations that produce a value.
func Execute[T any](b *Breaker, op func() (T, error), fallback func(error) (T, error)) (T, error) {
	var result T
	var fb func(error) error
	if fallback != nil {
		fb = func(cause error) error {
			v, err := fallback(cause)
			result = v
			return err
		}
	}
	err := b.Do(func() error {
		v, err := op()
		result = v
		return err
	}, fb)
	return result, err
}

func (b *Breaker) before() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Requests++
	now := b.settings.Now()

	switch b.state {
	case StateOpen:
		retryAt := b.lastFailureAt.Add(b.settings.ResetTimeout)
		if now.Before(retryAt) {
			b.counts.Rejected++
			return false, b.openError(retryAt)
		}
		b.setState(StateHalfOpen)
		b.trialSuccesses = 0
		b.trialsInFlight = 0
		fallthrough
	case StateHalfOpen:
		if b.trialsInFlight >= b.settings.HalfOpenMaxCalls {
			b.counts.Rejected++
			return false, b.openError(now)
		}
		b.trialsInFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) openError(retryAt time.Time) error {
	return &apperr.Error{
		Kind: apperr.KindCircuitOpen,
		Op:   "breaker." + b.settings.Name,
		Err:  &OpenError{Name: b.settings.Name, RetryAt: retryAt, LastCause: b.lastCause},
	}
}

// after records the outcome and reports whether the breaker is open afterwards.
func (b *Breaker) after(trial bool, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial && b.trialsInFlight > 0 {
		b.trialsInFlight--
	}
	// A trial that raced with Reset or another trial's failure no longer owns the state.
	if trial && b.state != StateHalfOpen {
		trial = false
	}

	switch {
	case err == nil:
		b.counts.Successes++
		b.onSuccess(trial)
	case b.settings.IsExpected != nil && b.settings.IsExpected(err):
		b.counts.Expected++
	default:
		b.counts.Failures++
		b.onFailure(trial, err)
	}
	return b.state == StateOpen
}

func (b *Breaker) onSuccess(trial bool) {
	if trial {
		b.trialSuccesses++
		if b.trialSuccesses >= b.settings.SuccessesToClose {
			b.close()
		}
		return
	}
	if b.failures > 0 {
		b.failures--
	}
}

func (b *Breaker) onFailure(trial bool, err error) {
	b.failures++
	b.lastFailureAt = b.settings.Now()
	b.lastCause = err.Error()

	if trial || (b.state == StateClosed && b.failures >= b.settings.FailureThreshold) {
		b.trialSuccesses = 0
		b.setState(StateOpen)
	}
}

func (b *Breaker) close() {
	b.failures = 0
	b.trialSuccesses = 0
	b.trialsInFlight = 0
	b.lastFailureAt = time.Time{}
	b.lastCause = ""
	b.setState(StateClosed)
}

// Reset forces the breaker closed, for operators.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:                b.settings.Name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		TrialSuccessCount:   b.trialSuccesses,
		Counts:              b.counts,
	}
	if !b.lastFailureAt.IsZero() {
		last := b.lastFailureAt
		snap.LastFailureAt = &last
		if b.state == StateOpen {
			next := last.Add(b.settings.ResetTimeout)
			snap.NextAttemptAt = &next
		}
	}
	return snap
}
