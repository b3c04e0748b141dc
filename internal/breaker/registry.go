package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tonsettle/internal/apperr"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Dependency names used by the settlement pipelines.
const (
	ChainIndexer = "chain-indexer"
	Database     = "database"
	WalletSigner = "wallet-signer"
)

type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" json:"reset_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls" json:"half_open_max_calls"`
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTimeout: time.Minute, HalfOpenMaxCalls: 3}
}

// StateChange is published whenever a named breaker changes state.
type StateChange struct {
	Name string    `json:"name"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// ExpectedKinds is the default allowlist of error kinds that do not count as
// dependency failures: the dependency answered, it just said no.
func ExpectedKinds(kinds ...apperr.Kind) func(error) bool {
	if len(kinds) == 0 {
		kinds = []apperr.Kind{
			apperr.KindRateLimited,
			apperr.KindValidation,
			apperr.KindNotFound,
			apperr.KindInsufficientFunds,
			apperr.KindConflict,
		}
	}
	return func(err error) bool {
		k := apperr.KindOf(err)
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}
}

type RegistryOption func(*Registry)

func WithOverrides(overrides map[string]Config) RegistryOption {
	return func(r *Registry) {
		for name, cfg := range overrides {
			r.overrides[name] = cfg
		}
	}
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func WithExpected(fn func(error) bool) RegistryOption {
	return func(r *Registry) { r.isExpected = fn }
}

// WithMetrics registers the breaker gauges and counters on reg.
func WithMetrics(reg prometheus.Registerer) RegistryOption {
	return func(r *Registry) {
		r.stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tonsettle",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half open).",
		}, []string{"name"})
		r.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tonsettle",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"name", "to"})
		reg.MustRegister(r.stateGauge, r.transitions)
	}
}

// Registry hands out one breaker per dependency name, created on first use.
type Registry struct {
	defaults   Config
	overrides  map[string]Config
	isExpected func(error) bool
	now        func() time.Time
	logger     *zap.Logger

	stateGauge  *prometheus.GaugeVec
	transitions *prometheus.CounterVec

	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []func(StateChange)
}

func NewRegistry(defaults Config, logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults:   defaults,
		overrides:  make(map[string]Config),
		isExpected: ExpectedKinds(),
		now:        time.Now,
		logger:     logger.With(zap.String("component", "breaker")),
		breakers:   make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for state changes. fn runs with the breaker lock held
// and must hand off anything slow.
func (r *Registry) Subscribe(fn func(StateChange)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg := r.defaults
	if o, ok := r.overrides[name]; ok {
		cfg = o
	}
	b = New(Settings{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		IsExpected:       r.isExpected,
		OnStateChange:    r.stateChanged,
		Now:              r.now,
	})
	r.breakers[name] = b
	if r.stateGauge != nil {
		r.stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	}
	r.logger.Info("circuit breaker initialized",
		zap.String("name", name),
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Duration("reset_timeout", cfg.ResetTimeout))
	return b
}

func (r *Registry) stateChanged(name string, from, to State) {
	change := StateChange{Name: name, From: from, To: to, At: r.now()}

	fields := []zap.Field{zap.String("name", name), zap.Stringer("from", from), zap.Stringer("to", to)}
	switch to {
	case StateOpen:
		r.logger.Error("circuit breaker tripped", fields...)
	case StateHalfOpen:
		r.logger.Warn("circuit breaker attempting reset", fields...)
	default:
		r.logger.Info("circuit breaker closed", fields...)
	}

	if r.stateGauge != nil {
		r.stateGauge.WithLabelValues(name).Set(float64(to))
		r.transitions.WithLabelValues(name, to.String()).Inc()
	}

	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

// Health returns a snapshot of every breaker created so far, ordered by name.
func (r *Registry) Health() []Snapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, r.Get(name).Snapshot())
	}
	return out
}

// Healthy is false when any breaker is not closed.
func (r *Registry) Healthy() bool {
	for _, s := range r.Health() {
		if !s.Healthy() {
			return false
		}
	}
	return true
}

func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.KindNotFound, "breaker.reset", fmt.Sprintf("no breaker named %q", name))
	}
	b.Reset()
	r.logger.Info("circuit breaker manually reset", zap.String("name", name))
	return nil
}
