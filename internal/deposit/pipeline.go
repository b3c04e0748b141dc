// Package deposit detects inbound transfers to watched addresses, follows
// their confirmations and credits each chain transaction exactly once.
package deposit

import (
	"context"
	"sort"
	"sync"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/breaker"
	"tonsettle/internal/model"
	"tonsettle/internal/notify"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ChainClient interface {
	ListRecentTransfers(ctx context.Context, address string, sinceLt uint64) ([]model.Transfer, error)
	GetTransaction(ctx context.Context, txID string) (*model.ChainTx, error)
	GetChainHeight(ctx context.Context) (int64, error)
}

// Ledger is the source of truth for what has been credited.
type Ledger interface {
	FindCompletedTransaction(ctx context.Context, txHash string) (*model.TransactionRecord, error)
	AtomicCreditAndRecord(ctx context.Context, walletID string, creditAmount int64, txHash string, meta model.CreditMeta) (*model.TransactionRecord, error)
}

type monitor struct {
	address      string
	walletID     string
	cursor       uint64
	startedAt    time.Time
	lastActivity time.Time
}

// MonitorInfo describes one watched address.
type MonitorInfo struct {
	Address      string    `json:"address"`
	WalletID     string    `json:"wallet_id"`
	Cursor       uint64    `json:"cursor"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

type Status struct {
	Monitors    []MonitorInfo `json:"monitors"`
	Pending     int           `json:"pending"`
	Credited    int           `json:"credited"`
	Failed      int           `json:"failed"`
	ChainHeight int64         `json:"chain_height,omitempty"`
}

// ProgressEvent is published whenever a deposit gains confirmations.
type ProgressEvent struct {
	DepositID          string `json:"deposit_id"`
	TxID               string `json:"tx_id"`
	Address            string `json:"address"`
	TokenAmount        int64  `json:"token_amount"`
	Current            int    `json:"current"`
	Required           int    `json:"required"`
	Percentage         int    `json:"percentage"`
	Status             string `json:"status"`
	EstimatedRemaining string `json:"estimated_remaining"`
}

type CompletedEvent struct {
	DepositID   string `json:"deposit_id"`
	TxID        string `json:"tx_id"`
	TokenAmount int64  `json:"token_amount"`
	Credit      int64  `json:"credit"`
	Bonus       int64  `json:"bonus"`
	Total       int64  `json:"total"`
}

type metrics struct {
	deposits *prometheus.CounterVec
	credited prometheus.Counter
}

// Pipeline is the deposit settlement state machine. In-memory records only
// coordinate work; the ledger decides whether a transaction was credited.
type Pipeline struct {
	cfg          Config
	chain        ChainClient
	ledger       Ledger
	notifier     notify.Notifier
	chainBreaker *breaker.Breaker
	dbBreaker    *breaker.Breaker
	normalize    func(string) (string, error)
	rate         decimal.Decimal
	logger       *zap.Logger
	now          func() time.Time
	metrics      *metrics

	detectMu sync.Mutex
	sweepMu  sync.Mutex

	mu       sync.RWMutex
	monitors map[string]*monitor
	records  map[string]*model.DepositRecord
	byTx     map[string]string
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithAddressNormalizer makes watched addresses and transfer destinations
// comparable, e.g. user-friendly and raw forms of the same account.
func WithAddressNormalizer(fn func(string) (string, error)) Option {
	return func(p *Pipeline) { p.normalize = fn }
}

func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Pipeline) {
		m := &metrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tonsettle_deposits_total",
				Help: "Deposits by terminal outcome.",
			}, []string{"outcome"}),
			credited: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tonsettle_deposit_credits_total",
				Help: "Credits granted for confirmed deposits, bonus included.",
			}),
		}
		reg.MustRegister(m.deposits, m.credited)
		p.metrics = m
	}
}

func NewPipeline(cfg Config, chain ChainClient, ledger Ledger, notifier notify.Notifier, breakers *breaker.Registry, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rate, _ := decimal.NewFromString(cfg.CreditsPerToken)
	if notifier == nil {
		notifier = notify.Nop{}
	}
	p := &Pipeline{
		cfg:          cfg,
		chain:        chain,
		ledger:       ledger,
		notifier:     notifier,
		chainBreaker: breakers.Get(breaker.ChainIndexer),
		dbBreaker:    breakers.Get(breaker.Database),
		normalize:    func(s string) (string, error) { return s, nil },
		rate:         rate,
		logger:       logger.With(zap.String("component", "deposit")),
		now:          time.Now,
		monitors:     make(map[string]*monitor),
		records:      make(map[string]*model.DepositRecord),
		byTx:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// TokensToCredits converts a token amount into internal credit units, rounding down.
func (p *Pipeline) TokensToCredits(tokens int64) int64 {
	return decimal.NewFromInt(tokens).Mul(p.rate).Floor().IntPart()
}

// StartMonitoring watches address for inbound transfers credited to walletID.
// An empty walletID credits the address itself.
func (p *Pipeline) StartMonitoring(address, walletID string) error {
	addr, err := p.normalize(address)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "deposit.start", err)
	}
	if walletID == "" {
		walletID = address
	}
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.monitors[addr]; ok {
		m.lastActivity = now
		m.walletID = walletID
		return nil
	}
	p.monitors[addr] = &monitor{address: addr, walletID: walletID, startedAt: now, lastActivity: now}
	p.logger.Info("monitoring started", zap.String("address", addr), zap.String("wallet_id", walletID))
	return nil
}

// StopMonitoring stops detection for address. Deposits already detected keep
// settling.
func (p *Pipeline) StopMonitoring(address string) error {
	addr, err := p.normalize(address)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "deposit.stop", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.monitors[addr]; !ok {
		return apperr.Newf(apperr.KindNotFound, "deposit.stop", "address %s is not monitored", address)
	}
	delete(p.monitors, addr)
	p.logger.Info("monitoring stopped", zap.String("address", addr))
	return nil
}

func (p *Pipeline) IsMonitoring(address string) bool {
	addr, err := p.normalize(address)
	if err != nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.monitors[addr]
	return ok
}

// PendingDeposits returns the non-terminal deposits to address, oldest first.
func (p *Pipeline) PendingDeposits(address string) ([]model.DepositRecord, error) {
	addr, err := p.normalize(address)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "deposit.pending", err)
	}
	p.mu.RLock()
	out := make([]model.DepositRecord, 0)
	for _, r := range p.records {
		if r.DestinationAddress == addr && !r.State.Terminal() {
			out = append(out, *r)
		}
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// Record returns a copy of the deposit with the given id.
func (p *Pipeline) Record(id string) (*model.DepositRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "deposit.record", "deposit not found")
	}
	cp := *r
	return &cp, nil
}

// RecordByTx returns the deposit detected for a chain transaction.
func (p *Pipeline) RecordByTx(txID string) (*model.DepositRecord, error) {
	p.mu.RLock()
	id, ok := p.byTx[txID]
	p.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "deposit.record", "deposit not found")
	}
	return p.Record(id)
}

// MonitoringStatus summarizes watched addresses and deposit states. The
// chain height is best effort.
func (p *Pipeline) MonitoringStatus(ctx context.Context) Status {
	var st Status
	p.mu.RLock()
	for _, m := range p.monitors {
		st.Monitors = append(st.Monitors, MonitorInfo{
			Address:      m.address,
			WalletID:     m.walletID,
			Cursor:       m.cursor,
			StartedAt:    m.startedAt,
			LastActivity: m.lastActivity,
		})
	}
	for _, r := range p.records {
		switch r.State {
		case model.DepositCredited:
			st.Credited++
		case model.DepositFailed:
			st.Failed++
		default:
			st.Pending++
		}
	}
	p.mu.RUnlock()
	sort.Slice(st.Monitors, func(i, j int) bool { return st.Monitors[i].Address < st.Monitors[j].Address })

	height, err := breaker.Execute(p.chainBreaker, func() (int64, error) {
		return p.chain.GetChainHeight(ctx)
	}, nil)
	if err == nil {
		st.ChainHeight = height
	}
	return st
}

func (p *Pipeline) snapshotMonitors() []monitor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]monitor, 0, len(p.monitors))
	for _, m := range p.monitors {
		out = append(out, *m)
	}
	return out
}

// DetectTick polls every watched address once. A tick that is still running
// makes the next one a no-op.
func (p *Pipeline) DetectTick(ctx context.Context) {
	if !p.detectMu.TryLock() {
		p.logger.Debug("detect tick skipped, previous tick still running")
		return
	}
	defer p.detectMu.Unlock()

	for _, m := range p.snapshotMonitors() {
		if ctx.Err() != nil {
			return
		}
		p.detect(ctx, m)
	}
}

func (p *Pipeline) detect(ctx context.Context, m monitor) {
	transfers, err := breaker.Execute(p.chainBreaker, func() ([]model.Transfer, error) {
		return p.chain.ListRecentTransfers(ctx, m.address, m.cursor)
	}, nil)
	if err != nil {
		p.logger.Warn("listing transfers failed", zap.String("address", m.address), zap.Error(err))
		return
	}

	cursor := m.cursor
	for _, t := range transfers {
		if t.Lt > cursor {
			cursor = t.Lt
		}
		dest, err := p.normalize(t.DestinationAddress)
		if err != nil || dest != m.address {
			continue
		}
		if err := p.track(ctx, m, t); err != nil {
			p.logger.Warn("tracking transfer failed", zap.String("tx", t.TxID), zap.Error(err))
			// retry from this transfer on the next tick
			if t.Lt > 0 {
				cursor = min(cursor, t.Lt-1)
			}
			break
		}
	}

	p.mu.Lock()
	if live, ok := p.monitors[m.address]; ok {
		if cursor > live.cursor {
			live.cursor = cursor
			live.lastActivity = p.now()
		}
	}
	p.mu.Unlock()
}

// track turns a transfer into a deposit record unless it is already known
// here or already credited in the ledger.
func (p *Pipeline) track(ctx context.Context, m monitor, t model.Transfer) error {
	p.mu.RLock()
	_, known := p.byTx[t.TxID]
	p.mu.RUnlock()
	if known {
		return nil
	}

	existing, err := breaker.Execute(p.dbBreaker, func() (*model.TransactionRecord, error) {
		return p.ledger.FindCompletedTransaction(ctx, t.TxID)
	}, nil)
	if err != nil {
		return err
	}
	if existing != nil {
		p.logger.Debug("transfer already credited", zap.String("tx", t.TxID))
		return nil
	}

	now := p.now()
	rec := &model.DepositRecord{
		ID:                    uuid.NewString(),
		ChainTxID:             t.TxID,
		WalletID:              m.walletID,
		DestinationAddress:    m.address,
		SourceAddress:         t.SourceAddress,
		TokenAmount:           t.Amount,
		ConfirmationsSeen:     0, // counted by the first check so it reports progress
		ConfirmationsRequired: p.cfg.RequiredConfirmations(t.Amount),
		DetectedAt:            now,
		LastCheckedAt:         now,
		NextCheckAt:           now,
		State:                 model.DepositDetected,
	}
	if t.Amount < p.cfg.MinDeposit {
		rec.State = model.DepositFailed
		rec.FailureReason = "below minimum deposit"
	}

	p.mu.Lock()
	if _, dup := p.byTx[t.TxID]; dup {
		p.mu.Unlock()
		return nil
	}
	p.records[rec.ID] = rec
	p.byTx[t.TxID] = rec.ID
	view := *rec
	p.mu.Unlock()

	log := p.logger.With(zap.String("deposit_id", rec.ID), zap.String("tx", t.TxID), zap.Int64("amount", t.Amount))
	if view.State == model.DepositFailed {
		log.Info("deposit below minimum", zap.Int64("min_deposit", p.cfg.MinDeposit))
		p.countOutcome("below_minimum")
		p.publish(ctx, view.WalletID, notify.DepositFailed, view)
		return nil
	}

	log.Info("deposit detected", zap.Int("required_confirmations", rec.ConfirmationsRequired))
	p.publish(ctx, view.WalletID, notify.DepositDetected, view)
	if p.cfg.LargeDepositAlert > 0 && t.Amount >= p.cfg.LargeDepositAlert {
		p.publish(ctx, notify.SystemWallet, notify.OpsAlert, map[string]any{
			"alert":      "large_deposit",
			"deposit_id": rec.ID,
			"tx_id":      t.TxID,
			"wallet_id":  view.WalletID,
			"amount":     t.Amount,
		})
	}
	return nil
}

// SweepTick re-checks every deposit that is due and credits the ones that
// reached their required confirmations.
func (p *Pipeline) SweepTick(ctx context.Context) {
	if !p.sweepMu.TryLock() {
		p.logger.Debug("sweep tick skipped, previous tick still running")
		return
	}
	defer p.sweepMu.Unlock()

	now := p.now()
	p.mu.RLock()
	due := make([]string, 0)
	for id, r := range p.records {
		if !r.State.Terminal() && !r.NextCheckAt.After(now) {
			due = append(due, id)
		}
	}
	p.mu.RUnlock()
	sort.Strings(due)

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		p.check(ctx, id)
	}
}

func (p *Pipeline) load(id string) (model.DepositRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[id]
	if !ok {
		return model.DepositRecord{}, false
	}
	return *r, true
}

func (p *Pipeline) store(rec model.DepositRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[rec.ID]; ok {
		p.records[rec.ID] = &rec
	}
}

func (p *Pipeline) check(ctx context.Context, id string) {
	rec, ok := p.load(id)
	if !ok || rec.State.Terminal() {
		return
	}
	log := p.logger.With(zap.String("deposit_id", rec.ID), zap.String("tx", rec.ChainTxID))
	now := p.now()
	rec.LastCheckedAt = now

	tx, err := breaker.Execute(p.chainBreaker, func() (*model.ChainTx, error) {
		return p.chain.GetTransaction(ctx, rec.ChainTxID)
	}, nil)
	if err != nil {
		p.retryLater(ctx, &rec, "verification failed", err)
		return
	}
	if !tx.Success {
		p.fail(ctx, &rec, "transaction failed on chain")
		return
	}

	previous := rec.ConfirmationsSeen
	if tx.Confirmations > rec.ConfirmationsSeen {
		rec.ConfirmationsSeen = tx.Confirmations
	}
	if rec.State == model.DepositDetected {
		rec.State = model.DepositConfirming
	}
	if rec.ConfirmationsSeen > previous {
		p.publish(ctx, rec.WalletID, notify.DepositProgress, p.progress(rec))
	}

	if rec.ConfirmationsSeen < rec.ConfirmationsRequired {
		rec.NextCheckAt = now.Add(p.cfg.RecheckDelay)
		p.store(rec)
		log.Debug("awaiting confirmations",
			zap.Int("seen", rec.ConfirmationsSeen), zap.Int("required", rec.ConfirmationsRequired))
		return
	}

	p.credit(ctx, rec, tx.Height)
}

func (p *Pipeline) progress(rec model.DepositRecord) ProgressEvent {
	return ProgressEvent{
		DepositID:          rec.ID,
		TxID:               rec.ChainTxID,
		Address:            rec.DestinationAddress,
		TokenAmount:        rec.TokenAmount,
		Current:            rec.ConfirmationsSeen,
		Required:           rec.ConfirmationsRequired,
		Percentage:         rec.Progress(),
		Status:             Milestone(rec.ConfirmationsSeen, rec.ConfirmationsRequired),
		EstimatedRemaining: p.cfg.EstimateRemaining(rec.ConfirmationsSeen, rec.ConfirmationsRequired).String(),
	}
}

// credit performs the ledger check and the atomic credit. The record only
// becomes Credited after the ledger commit.
func (p *Pipeline) credit(ctx context.Context, rec model.DepositRecord, height int64) {
	log := p.logger.With(zap.String("deposit_id", rec.ID), zap.String("tx", rec.ChainTxID))

	existing, err := breaker.Execute(p.dbBreaker, func() (*model.TransactionRecord, error) {
		return p.ledger.FindCompletedTransaction(ctx, rec.ChainTxID)
	}, nil)
	if err != nil {
		p.retryLater(ctx, &rec, "ledger lookup failed", err)
		return
	}
	if existing != nil {
		rec.State = model.DepositCredited
		rec.CreditAmount = existing.Amount
		rec.BonusAmount = existing.Bonus
		p.store(rec)
		log.Info("deposit was already credited")
		return
	}

	credit := p.TokensToCredits(rec.TokenAmount)
	if credit <= 0 {
		p.fail(ctx, &rec, "amount too small to credit")
		return
	}

	meta := model.CreditMeta{
		DepositID:     rec.ID,
		TokenAmount:   rec.TokenAmount,
		Confirmations: rec.ConfirmationsSeen,
		Height:        height,
		BonusRate:     p.cfg.BonusRate,
	}
	tr, err := breaker.Execute(p.dbBreaker, func() (*model.TransactionRecord, error) {
		return p.ledger.AtomicCreditAndRecord(ctx, rec.WalletID, credit, rec.ChainTxID, meta)
	}, nil)
	if apperr.Is(err, apperr.KindConflict) {
		rec.State = model.DepositCredited
		rec.CreditAmount = credit
		p.store(rec)
		log.Info("deposit credited concurrently")
		return
	}
	if err != nil {
		rec.State = model.DepositConfirming
		p.retryLater(ctx, &rec, "ledger credit failed", err)
		return
	}

	rec.State = model.DepositCredited
	rec.CreditAmount = tr.Amount
	rec.BonusAmount = tr.Bonus
	rec.Attempts = 0
	p.store(rec)

	log.Info("deposit credited", zap.Int64("credit", tr.Amount), zap.Int64("bonus", tr.Bonus))
	p.countOutcome("credited")
	if p.metrics != nil {
		p.metrics.credited.Add(float64(tr.Amount + tr.Bonus))
	}
	p.publish(ctx, rec.WalletID, notify.DepositCompleted, CompletedEvent{
		DepositID:   rec.ID,
		TxID:        rec.ChainTxID,
		TokenAmount: rec.TokenAmount,
		Credit:      tr.Amount,
		Bonus:       tr.Bonus,
		Total:       tr.Amount + tr.Bonus,
	})
	p.publish(ctx, rec.WalletID, notify.BalanceUpdate, map[string]any{
		"reason":     "deposit",
		"deposit_id": rec.ID,
		"delta":      tr.Amount + tr.Bonus,
	})
}

// retryLater schedules another check with backoff. An open breaker means the
// dependency is down, which does not use up the record's attempts.
func (p *Pipeline) retryLater(ctx context.Context, rec *model.DepositRecord, reason string, err error) {
	log := p.logger.With(zap.String("deposit_id", rec.ID), zap.String("tx", rec.ChainTxID))
	if apperr.Is(err, apperr.KindCircuitOpen) {
		rec.NextCheckAt = p.now().Add(p.cfg.RecheckDelay)
		p.store(*rec)
		log.Debug("dependency unavailable, deferring", zap.Error(err))
		return
	}

	rec.Attempts++
	if rec.Attempts >= p.cfg.MaxAttempts {
		log.Error("giving up on deposit", zap.String("reason", reason), zap.Int("attempts", rec.Attempts), zap.Error(err))
		p.fail(ctx, rec, reason+": "+apperr.Message(err))
		p.publish(ctx, notify.SystemWallet, notify.OpsAlert, map[string]any{
			"alert":      "deposit_failed",
			"deposit_id": rec.ID,
			"tx_id":      rec.ChainTxID,
			"wallet_id":  rec.WalletID,
			"reason":     reason,
		})
		return
	}
	rec.NextCheckAt = p.now().Add(p.cfg.backoff(rec.Attempts))
	p.store(*rec)
	log.Warn(reason, zap.Int("attempt", rec.Attempts), zap.Time("next_check", rec.NextCheckAt), zap.Error(err))
}

func (p *Pipeline) fail(ctx context.Context, rec *model.DepositRecord, reason string) {
	rec.State = model.DepositFailed
	rec.FailureReason = reason
	p.store(*rec)
	p.countOutcome("failed")
	p.logger.Warn("deposit failed", zap.String("deposit_id", rec.ID), zap.String("tx", rec.ChainTxID), zap.String("reason", reason))
	p.publish(ctx, rec.WalletID, notify.DepositFailed, *rec)
}

// Prune drops terminal records past their retention and monitors that saw no
// activity within the idle timeout.
func (p *Pipeline) Prune() {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, r := range p.records {
		if r.State.Terminal() && p.cfg.TerminalRetention > 0 && now.Sub(r.LastCheckedAt) > p.cfg.TerminalRetention {
			delete(p.records, id)
			delete(p.byTx, r.ChainTxID)
		}
	}
	if p.cfg.MonitorIdleTimeout > 0 {
		for addr, m := range p.monitors {
			if now.Sub(m.lastActivity) > p.cfg.MonitorIdleTimeout {
				delete(p.monitors, addr)
				p.logger.Info("monitor idle, removed", zap.String("address", addr))
			}
		}
	}
}

func (p *Pipeline) publish(ctx context.Context, walletID string, eventType notify.EventType, payload any) {
	if err := p.notifier.Publish(ctx, walletID, eventType, payload); err != nil {
		p.logger.Warn("notification failed", zap.String("type", string(eventType)), zap.Error(err))
	}
}

func (p *Pipeline) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.deposits.WithLabelValues(outcome).Inc()
	}
}
