// Package scheduler drives the settlement ticks. Every job runs in singleton
// mode, so a tick that is still running makes the next one wait.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

type Config struct {
	DepositDetect      time.Duration `mapstructure:"deposit_detect" json:"deposit_detect"`
	DepositSweep       time.Duration `mapstructure:"deposit_sweep" json:"deposit_sweep"`
	WithdrawalDrain    time.Duration `mapstructure:"withdrawal_drain" json:"withdrawal_drain"`
	WithdrawalFinalize time.Duration `mapstructure:"withdrawal_finalize" json:"withdrawal_finalize"`
	Prune              time.Duration `mapstructure:"prune" json:"prune"`
	Heartbeat          time.Duration `mapstructure:"heartbeat" json:"heartbeat"`
}

func DefaultConfig() Config {
	return Config{
		DepositDetect:      10 * time.Second,
		DepositSweep:       15 * time.Second,
		WithdrawalDrain:    5 * time.Second,
		WithdrawalFinalize: 30 * time.Second,
		Prune:              time.Hour,
		Heartbeat:          30 * time.Second,
	}
}

type Scheduler struct {
	s      *gocron.Scheduler
	logger *zap.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	names  []string
}

func New(logger *zap.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		s:      s,
		logger: logger.With(zap.String("component", "scheduler")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers fn to run every interval after Start. A non-positive
// interval disables the job.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		s.logger.Info("job disabled", zap.String("job", name))
		return nil
	}
	_, err := s.s.Every(interval).Name(name).Do(func() {
		start := time.Now()
		fn(s.context())
		s.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.names...)
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Start runs the jobs in the background until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.s.StartAsync()
	s.logger.Info("scheduler started", zap.Strings("jobs", s.Jobs()))
}

// Stop cancels the context handed to running jobs and stops scheduling.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	cancel()
	s.s.Stop()
	s.logger.Info("scheduler stopped")
}
