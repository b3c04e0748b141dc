// Package notify delivers settlement events to players and operators.
// Delivery is best effort: a failed publish never rolls back a settlement.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type EventType string

const (
	DepositDetected      EventType = "deposit_detected"
	DepositProgress      EventType = "deposit_progress"
	DepositCompleted     EventType = "deposit_completed"
	DepositFailed        EventType = "deposit_failed"
	BalanceUpdate        EventType = "balance_update"
	WithdrawalRequested  EventType = "withdrawal_requested"
	WithdrawalFlagged    EventType = "withdrawal_flagged"
	WithdrawalProcessing EventType = "withdrawal_processing"
	WithdrawalCompleted  EventType = "withdrawal_completed"
	WithdrawalFailed     EventType = "withdrawal_failed"
	BreakerStateChanged  EventType = "breaker_state_changed"
	OpsAlert             EventType = "ops_alert"
)

// SystemWallet addresses operator-facing events that belong to no player.
const SystemWallet = "system"

// Event is the envelope every sink serializes.
type Event struct {
	WalletID string    `json:"wallet_id"`
	Type     EventType `json:"type"`
	Payload  any       `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

type Notifier interface {
	Publish(ctx context.Context, walletID string, eventType EventType, payload any) error
}

type Nop struct{}

func (Nop) Publish(context.Context, string, EventType, any) error { return nil }

// Log writes every event to a zap logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.With(zap.String("component", "notify"))}
}

func (l *Log) Publish(_ context.Context, walletID string, eventType EventType, payload any) error {
	l.logger.Info("event",
		zap.String("wallet_id", walletID),
		zap.String("type", string(eventType)),
		zap.Any("payload", payload))
	return nil
}

// Multi fans an event out to every sink and reports all of their failures.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, walletID string, eventType EventType, payload any) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Publish(ctx, walletID, eventType, payload))
	}
	return err
}

// Async decouples publishers from slow sinks. Events are queued and delivered
// by a single goroutine; when the queue is full the event is dropped.
type Async struct {
	next    Notifier
	logger  *zap.Logger
	timeout time.Duration
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(next Notifier, size int, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		next:    next,
		logger:  logger.With(zap.String("component", "notify")),
		timeout: 5 * time.Second,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, walletID string, eventType EventType, payload any) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- Event{WalletID: walletID, Type: eventType, Payload: payload, At: time.Now().UTC()}:
	default:
		a.logger.Warn("notification queue full, dropping event",
			zap.String("wallet_id", walletID), zap.String("type", string(eventType)))
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, ev.WalletID, ev.Type, ev.Payload); err != nil {
			a.logger.Warn("notification delivery failed",
				zap.String("wallet_id", ev.WalletID), zap.String("type", string(ev.Type)), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
