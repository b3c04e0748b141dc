// Package withdrawal validates withdrawal requests, holds the funds in the
// ledger, pays them out from the house wallet one at a time and refunds every
// request that ends in Failed.
package withdrawal

import (
	"context"
	"fmt"
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

// ChainClient signs and sends house wallet transfers. PrepareTransfer has no
// effect on chain; once SubmitTransfer is called the transfer may land no
// matter what it returns.
type ChainClient interface {
	PrepareTransfer(ctx context.Context, from, to string, amount int64, asset string) (*model.OutgoingTransfer, error)
	SubmitTransfer(ctx context.Context, out *model.OutgoingTransfer) (model.BroadcastResult, error)
	// FindTransfer returns the id of the transaction a sent message produced,
	// or a KindNotFound error while there is none.
	FindTransfer(ctx context.Context, messageHash string) (string, error)
	GetTransaction(ctx context.Context, txID string) (*model.ChainTx, error)
	GetBalance(ctx context.Context, address string) (int64, error)
}

// Ledger holds the funds and the authoritative request states.
type Ledger interface {
	AtomicDebit(ctx context.Context, req *model.WithdrawalRequest, dailyLimit int64) error
	AtomicRefundAndMarkFailed(ctx context.Context, withdrawalID string, amount int64, reason string) error
	GetDailyWithdrawalTotal(ctx context.Context, walletID string, day time.Time) (int64, error)
	CountWithdrawalsSince(ctx context.Context, walletID string, since time.Time) (int, error)
	GetAccount(ctx context.Context, walletID string) (*model.Account, error)
	TransitionWithdrawal(ctx context.Context, id string, from, to model.WithdrawalState) error
	MarkWithdrawalSubmitting(ctx context.Context, id, messageHash string, expiresAt time.Time) error
	MarkWithdrawalProcessing(ctx context.Context, id, txHash string) error
	CompleteWithdrawal(ctx context.Context, id, txHash string) error
	GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, states ...model.WithdrawalState) ([]model.WithdrawalRequest, error)
}

const (
	FlagExcessiveFrequency = "excessive_frequency"
	FlagExcessiveAmount    = "excessive_amount"
	FlagCheckFailed        = "fraud_check_error"
)

// Status summarizes the worker's in-memory state.
type Status struct {
	Queued         int `json:"queued"`
	RefundsPending int `json:"refunds_pending"`
	MarksPending   int `json:"marks_pending"`
}

type metrics struct {
	requests    *prometheus.CounterVec
	withdrawals *prometheus.CounterVec
	paidOut     prometheus.Counter
}

// Service is the withdrawal settlement pipeline. The ledger is authoritative;
// the queue and retry sets only decide what the worker looks at next.
type Service struct {
	cfg           Config
	rates         rates
	chain         ChainClient
	ledger        Ledger
	notifier      notify.Notifier
	chainBreaker  *breaker.Breaker
	dbBreaker     *breaker.Breaker
	signerBreaker *breaker.Breaker
	validate      func(string) error
	logger        *zap.Logger
	now           func() time.Time
	metrics       *metrics

	workerMu   sync.Mutex
	finalizeMu sync.Mutex

	mu       sync.Mutex
	queue    []string
	queued   map[string]bool
	attempts map[string]int
	// refunds holds failure reasons whose refund commit has not landed yet.
	refunds map[string]string
	// marks holds broadcast tx ids not yet recorded on a pending request.
	marks map[string]string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAddressValidator rejects destinations the chain would not accept.
func WithAddressValidator(fn func(string) error) Option {
	return func(s *Service) { s.validate = fn }
}

func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Service) {
		m := &metrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tonsettle_withdrawal_requests_total",
				Help: "Accepted withdrawal requests by initial state.",
			}, []string{"state"}),
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tonsettle_withdrawals_total",
				Help: "Withdrawals by terminal outcome.",
			}, []string{"outcome"}),
			paidOut: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tonsettle_withdrawal_tokens_total",
				Help: "Net token units of transfers seen on chain.",
			}),
		}
		reg.MustRegister(m.requests, m.withdrawals, m.paidOut)
		s.metrics = m
	}
}

func NewService(cfg Config, chain ChainClient, ledger Ledger, notifier notify.Notifier, breakers *breaker.Registry, logger *zap.Logger, opts ...Option) (*Service, error) {
	r, err := cfg.rates()
	if err != nil {
		return nil, err
	}
	if cfg.MaxProcessAttempts < 1 {
		cfg.MaxProcessAttempts = 1
	}
	if cfg.ExpiryGrace < 0 {
		cfg.ExpiryGrace = 0
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Service{
		cfg:           cfg,
		rates:         r,
		chain:         chain,
		ledger:        ledger,
		notifier:      notifier,
		chainBreaker:  breakers.Get(breaker.ChainIndexer),
		dbBreaker:     breakers.Get(breaker.Database),
		signerBreaker: breakers.Get(breaker.WalletSigner),
		validate: func(addr string) error {
			if addr == "" {
				return fmt.Errorf("empty address")
			}
			return nil
		},
		logger:   logger.With(zap.String("component", "withdrawal")),
		now:      time.Now,
		queued:   make(map[string]bool),
		attempts: make(map[string]int),
		refunds:  make(map[string]string),
		marks:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Quote converts credits into the token amounts a withdrawal would pay.
func (s *Service) Quote(credits int64) Quote {
	return s.rates.quote(credits, s.cfg.FixedNetworkFee)
}

// RequestWithdrawal validates the request, screens it and holds the credits.
// Flagged requests are held too but wait for Approve or Reject. An empty
// destination pays out to the wallet itself.
func (s *Service) RequestWithdrawal(ctx context.Context, walletID string, creditAmount int64, destination string) (*model.WithdrawalReceipt, error) {
	const op = "withdrawal.request"
	if walletID == "" {
		return nil, apperr.New(apperr.KindValidation, op, "wallet id is required")
	}
	if destination == "" {
		destination = walletID
	}
	if err := s.validate(destination); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("invalid destination address: %w", err))
	}
	if creditAmount < s.cfg.MinWithdrawal {
		return nil, apperr.Newf(apperr.KindValidation, op, "minimum withdrawal is %d credits", s.cfg.MinWithdrawal)
	}

	now := s.now()
	// early answer only, AtomicDebit enforces the limit
	if s.cfg.DailyLimit > 0 {
		total, err := breaker.Execute(s.dbBreaker, func() (int64, error) {
			return s.ledger.GetDailyWithdrawalTotal(ctx, walletID, now)
		}, nil)
		if err != nil {
			return nil, err
		}
		if total+creditAmount > s.cfg.DailyLimit {
			return nil, apperr.Newf(apperr.KindValidation, op,
				"daily withdrawal limit exceeded, %d credits remaining today", max(s.cfg.DailyLimit-total, 0))
		}
	}

	q := s.Quote(creditAmount)
	if q.NetTokenAmount <= 0 {
		return nil, apperr.Newf(apperr.KindValidation, op, "amount does not cover the network fee of %d", q.NetworkFee)
	}

	account, err := breaker.Execute(s.dbBreaker, func() (*model.Account, error) {
		return s.ledger.GetAccount(ctx, walletID)
	}, nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.New(apperr.KindInsufficientFunds, op, "account has no balance")
	}
	if err != nil {
		return nil, err
	}
	if account.Balance < creditAmount {
		return nil, apperr.Newf(apperr.KindInsufficientFunds, op, "balance %d does not cover %d", account.Balance, creditAmount)
	}

	req := &model.WithdrawalRequest{
		ID:                 uuid.NewString(),
		WalletID:           walletID,
		DestinationAddress: destination,
		CreditAmount:       creditAmount,
		TokenAmount:        q.TokenAmount,
		NetworkFee:         q.NetworkFee,
		NetTokenAmount:     q.NetTokenAmount,
		State:              model.WithdrawalPending,
		RequestedAt:        now,
		UpdatedAt:          now,
		FraudFlags:         s.screen(ctx, account, creditAmount),
	}
	if len(req.FraudFlags) > 0 {
		req.State = model.WithdrawalFlagged
	}

	if err := s.dbBreaker.Do(func() error { return s.ledger.AtomicDebit(ctx, req, s.cfg.DailyLimit) }, nil); err != nil {
		return nil, err
	}

	log := s.logger.With(zap.String("withdrawal_id", req.ID), zap.String("wallet_id", walletID), zap.Int64("credits", creditAmount))
	receipt := &model.WithdrawalReceipt{
		ID:             req.ID,
		State:          req.State,
		CreditAmount:   req.CreditAmount,
		NetTokenAmount: req.NetTokenAmount,
		NetworkFee:     req.NetworkFee,
		EstimatedTime:  estimatedTime(string(req.State)),
	}
	s.publish(ctx, walletID, notify.BalanceUpdate, map[string]any{
		"balance": account.Balance - creditAmount,
		"change":  -creditAmount,
		"reason":  "withdrawal",
	})
	if req.State == model.WithdrawalFlagged {
		receipt.Message = "withdrawal is under manual review"
		log.Warn("withdrawal flagged", zap.Strings("flags", req.FraudFlags))
		s.countRequest("flagged")
		s.publish(ctx, walletID, notify.WithdrawalFlagged, *req)
		return receipt, nil
	}

	s.enqueue(req.ID)
	log.Info("withdrawal queued", zap.Int64("net_tokens", req.NetTokenAmount))
	s.countRequest("pending")
	s.publish(ctx, walletID, notify.WithdrawalRequested, *req)
	return receipt, nil
}

// screen returns the fraud flags for a request. A failing check flags the
// request instead of blocking it.
func (s *Service) screen(ctx context.Context, account *model.Account, credits int64) []string {
	var flags []string
	if s.cfg.MaxRequestsPerWindow > 0 && s.cfg.FraudWindow > 0 {
		since := s.now().Add(-s.cfg.FraudWindow)
		n, err := breaker.Execute(s.dbBreaker, func() (int, error) {
			return s.ledger.CountWithdrawalsSince(ctx, account.WalletID, since)
		}, nil)
		switch {
		case err != nil:
			s.logger.Warn("frequency check failed", zap.String("wallet_id", account.WalletID), zap.Error(err))
			flags = append(flags, FlagCheckFailed)
		case n >= s.cfg.MaxRequestsPerWindow:
			flags = append(flags, FlagExcessiveFrequency)
		}
	}
	if s.rates.checkWager {
		limit := decimal.NewFromInt(account.TotalWagered).Mul(s.rates.wagerRatio)
		if decimal.NewFromInt(credits).GreaterThan(limit) {
			flags = append(flags, FlagExcessiveAmount)
		}
	}
	return flags
}

// GetWithdrawalStatus reads the request from the ledger.
func (s *Service) GetWithdrawalStatus(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	return breaker.Execute(s.dbBreaker, func() (*model.WithdrawalRequest, error) {
		return s.ledger.GetWithdrawal(ctx, id)
	}, nil)
}

// List returns withdrawals in any of states, oldest first.
func (s *Service) List(ctx context.Context, states ...model.WithdrawalState) ([]model.WithdrawalRequest, error) {
	return breaker.Execute(s.dbBreaker, func() ([]model.WithdrawalRequest, error) {
		return s.ledger.ListWithdrawals(ctx, states...)
	}, nil)
}

// EstimatedTime is the player-facing wait for a request in state.
func EstimatedTime(state model.WithdrawalState) string {
	return estimatedTime(string(state))
}

func (s *Service) enqueue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[id] {
		return false
	}
	s.queued[id] = true
	s.queue = append(s.queue, id)
	return true
}

func (s *Service) requeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[id] = true
	s.queue = append([]string{id}, s.queue...)
}

func (s *Service) dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, id)
	return id, true
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Queued: len(s.queue), RefundsPending: len(s.refunds), MarksPending: len(s.marks)}
}

// Resume queues every pending request found in the ledger, e.g. after a
// restart. It returns how many were added. Submitting requests are left to
// FinalizeTick; their message may already be on chain.
func (s *Service) Resume(ctx context.Context) (int, error) {
	pending, err := breaker.Execute(s.dbBreaker, func() ([]model.WithdrawalRequest, error) {
		return s.ledger.ListWithdrawals(ctx, model.WithdrawalPending)
	}, nil)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range pending {
		if s.enqueue(w.ID) {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("pending withdrawals resumed", zap.Int("count", n))
	}
	return n, nil
}

// ProcessQueue drains the queue with a single worker. A drain already in
// progress makes this call a no-op. The drain stops early when a dependency
// is unavailable and leaves the rest of the queue for the next tick.
func (s *Service) ProcessQueue(ctx context.Context) {
	if !s.workerMu.TryLock() {
		s.logger.Debug("queue drain skipped, worker busy")
		return
	}
	defer s.workerMu.Unlock()

	s.retryRefunds(ctx)
	s.retryMarks(ctx)

	for ctx.Err() == nil {
		id, ok := s.dequeue()
		if !ok {
			return
		}
		if !s.process(ctx, id) {
			return
		}
	}
}

// process handles one queued request and reports whether the drain may go on.
func (s *Service) process(ctx context.Context, id string) bool {
	log := s.logger.With(zap.String("withdrawal_id", id))

	req, err := breaker.Execute(s.dbBreaker, func() (*model.WithdrawalRequest, error) {
		return s.ledger.GetWithdrawal(ctx, id)
	}, nil)
	if apperr.Is(err, apperr.KindNotFound) {
		log.Warn("queued withdrawal not in ledger")
		return true
	}
	if err != nil {
		log.Warn("loading withdrawal failed", zap.Error(err))
		s.requeue(id)
		return false
	}
	if req.State != model.WithdrawalPending {
		log.Debug("skipping non-pending withdrawal", zap.String("state", string(req.State)))
		return true
	}

	balance, err := breaker.Execute(s.chainBreaker, func() (int64, error) {
		return s.chain.GetBalance(ctx, s.cfg.HouseAddress)
	}, nil)
	if err != nil {
		s.mu.Lock()
		s.attempts[id]++
		attempts := s.attempts[id]
		s.mu.Unlock()
		log.Warn("liquidity check failed", zap.Int("attempt", attempts), zap.Error(err))
		if attempts >= s.cfg.MaxProcessAttempts {
			s.refund(ctx, req, "liquidity check unavailable, funds refunded")
			return true
		}
		s.requeue(id)
		return false
	}
	s.mu.Lock()
	delete(s.attempts, id)
	s.mu.Unlock()

	if balance-s.cfg.LiquidityReserve < req.NetTokenAmount {
		log.Warn("insufficient house liquidity", zap.Int64("balance", balance), zap.Int64("needed", req.NetTokenAmount))
		s.publish(ctx, notify.SystemWallet, notify.OpsAlert, map[string]any{
			"alert":         "insufficient_liquidity",
			"withdrawal_id": req.ID,
			"balance":       balance,
			"needed":        req.NetTokenAmount,
		})
		s.refund(ctx, req, "insufficient house liquidity, funds refunded")
		return true
	}

	out, err := breaker.Execute(s.signerBreaker, func() (*model.OutgoingTransfer, error) {
		return s.chain.PrepareTransfer(ctx, s.cfg.HouseAddress, req.DestinationAddress, req.NetTokenAmount, s.cfg.Asset)
	}, nil)
	if err != nil {
		log.Error("signing transfer failed", zap.Error(err))
		s.refund(ctx, req, "transfer submission failed, funds refunded")
		return true
	}

	// Nothing has been sent yet, so a failed write can simply be retried.
	if err := s.dbBreaker.Do(func() error {
		return s.ledger.MarkWithdrawalSubmitting(ctx, req.ID, out.MessageHash, out.ExpiresAt)
	}, nil); err != nil {
		log.Warn("recording signed transfer failed", zap.Error(err))
		s.requeue(id)
		return false
	}
	req.State = model.WithdrawalSubmitting
	req.MessageHash = out.MessageHash
	req.MessageExpiresAt = out.ExpiresAt

	res, err := breaker.Execute(s.signerBreaker, func() (model.BroadcastResult, error) {
		return s.chain.SubmitTransfer(ctx, out)
	}, nil)
	if err == nil && !res.Success {
		err = apperr.New(apperr.KindChainSubmission, "withdrawal.submit", res.Error)
	}
	if err != nil || res.TxID == "" {
		// The message may still land until it expires. FinalizeTick settles it.
		log.Warn("transfer outcome unknown, waiting for the chain", zap.String("message", out.MessageHash),
			zap.Time("expires_at", out.ExpiresAt), zap.Error(err))
		return true
	}

	log.Info("withdrawal broadcast", zap.String("tx", res.TxID), zap.Int64("net_tokens", req.NetTokenAmount))
	s.markProcessing(ctx, *req, res.TxID)
	return true
}

// markProcessing records the transaction of a sent transfer. The transfer is
// already out, so a failed write is retried instead of refunded.
func (s *Service) markProcessing(ctx context.Context, req model.WithdrawalRequest, txID string) {
	err := s.dbBreaker.Do(func() error { return s.ledger.MarkWithdrawalProcessing(ctx, req.ID, txID) }, nil)
	if err != nil {
		s.logger.Error("recording broadcast failed", zap.String("withdrawal_id", req.ID), zap.String("tx", txID), zap.Error(err))
		s.mu.Lock()
		s.marks[req.ID] = txID
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	delete(s.marks, req.ID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.paidOut.Add(float64(req.NetTokenAmount))
	}

	req.State = model.WithdrawalProcessing
	req.ChainTxID = txID
	s.publish(ctx, req.WalletID, notify.WithdrawalProcessing, map[string]any{
		"withdrawal":     req,
		"estimated_time": estimatedTime(string(model.WithdrawalProcessing)),
	})
}

func (s *Service) retryMarks(ctx context.Context) {
	s.mu.Lock()
	marks := make(map[string]string, len(s.marks))
	for id, tx := range s.marks {
		marks[id] = tx
	}
	s.mu.Unlock()

	for id, tx := range marks {
		req, err := breaker.Execute(s.dbBreaker, func() (*model.WithdrawalRequest, error) {
			return s.ledger.GetWithdrawal(ctx, id)
		}, nil)
		if err != nil {
			continue
		}
		if req.State != model.WithdrawalPending && req.State != model.WithdrawalSubmitting {
			s.mu.Lock()
			delete(s.marks, id)
			s.mu.Unlock()
			continue
		}
		s.markProcessing(ctx, *req, tx)
	}
}

// refund fails the request and returns the held credits in one ledger
// operation. Until that commit lands the request stays non-terminal and the
// refund is retried on later drains.
func (s *Service) refund(ctx context.Context, req *model.WithdrawalRequest, reason string) {
	log := s.logger.With(zap.String("withdrawal_id", req.ID), zap.String("reason", reason))
	err := s.dbBreaker.Do(func() error {
		return s.ledger.AtomicRefundAndMarkFailed(ctx, req.ID, req.CreditAmount, reason)
	}, nil)
	if err != nil {
		log.Error("refund failed, will retry", zap.Error(err))
		s.mu.Lock()
		s.refunds[req.ID] = reason
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	delete(s.refunds, req.ID)
	delete(s.attempts, req.ID)
	s.mu.Unlock()

	log.Info("withdrawal failed and refunded", zap.Int64("credits", req.CreditAmount))
	s.countOutcome("refunded")
	failed := *req
	failed.State = model.WithdrawalFailed
	failed.FailureReason = reason
	s.publish(ctx, req.WalletID, notify.WithdrawalFailed, map[string]any{
		"withdrawal": failed,
		"refunded":   req.CreditAmount,
	})
	s.publish(ctx, req.WalletID, notify.BalanceUpdate, map[string]any{
		"change": req.CreditAmount,
		"reason": "withdrawal_refund",
	})
}

func (s *Service) retryRefunds(ctx context.Context) {
	s.mu.Lock()
	refunds := make(map[string]string, len(s.refunds))
	for id, reason := range s.refunds {
		refunds[id] = reason
	}
	s.mu.Unlock()

	for id, reason := range refunds {
		req, err := breaker.Execute(s.dbBreaker, func() (*model.WithdrawalRequest, error) {
			return s.ledger.GetWithdrawal(ctx, id)
		}, nil)
		if err != nil {
			s.logger.Warn("refund retry deferred", zap.String("withdrawal_id", id), zap.Error(err))
			continue
		}
		if req.State.Terminal() {
			s.mu.Lock()
			delete(s.refunds, id)
			s.mu.Unlock()
			continue
		}
		s.refund(ctx, req, reason)
	}
}

// FinalizeTick settles every request whose transfer has been sent. Submitting
// requests move to processing once their message shows up on chain and are
// refunded once it has expired without landing. Processing requests complete
// at the required confirmations and are refunded when the chain reports them
// as failed.
func (s *Service) FinalizeTick(ctx context.Context) {
	if !s.finalizeMu.TryLock() {
		s.logger.Debug("finalize tick skipped, previous tick still running")
		return
	}
	defer s.finalizeMu.Unlock()

	inFlight, err := breaker.Execute(s.dbBreaker, func() ([]model.WithdrawalRequest, error) {
		return s.ledger.ListWithdrawals(ctx, model.WithdrawalSubmitting, model.WithdrawalProcessing)
	}, nil)
	if err != nil {
		s.logger.Warn("listing in-flight withdrawals failed", zap.Error(err))
		return
	}

	for i := range inFlight {
		if ctx.Err() != nil {
			return
		}
		req := &inFlight[i]
		if req.State == model.WithdrawalSubmitting && !s.locate(ctx, req) {
			continue
		}
		s.finalize(ctx, req)
	}
}

// locate looks for the transaction of a submitting request and reports
// whether req is now processing.
func (s *Service) locate(ctx context.Context, req *model.WithdrawalRequest) bool {
	log := s.logger.With(zap.String("withdrawal_id", req.ID), zap.String("message", req.MessageHash))
	if req.MessageHash == "" {
		log.Warn("submitting withdrawal without message hash")
		return false
	}

	txID, err := breaker.Execute(s.chainBreaker, func() (string, error) {
		return s.chain.FindTransfer(ctx, req.MessageHash)
	}, nil)
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		if s.now().Before(req.MessageExpiresAt.Add(s.cfg.ExpiryGrace)) {
			log.Debug("transfer not on chain yet")
			return false
		}
		log.Warn("transfer expired without reaching the chain")
		s.refund(ctx, req, "transfer expired before reaching the chain, funds refunded")
		return false
	case err != nil:
		log.Warn("looking up transfer failed", zap.Error(err))
		return false
	}

	s.markProcessing(ctx, *req, txID)
	s.mu.Lock()
	_, retry := s.marks[req.ID]
	s.mu.Unlock()
	if retry {
		return false
	}
	req.State = model.WithdrawalProcessing
	req.ChainTxID = txID
	return true
}

func (s *Service) finalize(ctx context.Context, req *model.WithdrawalRequest) {
	log := s.logger.With(zap.String("withdrawal_id", req.ID), zap.String("tx", req.ChainTxID))
	if req.ChainTxID == "" {
		log.Warn("processing withdrawal without transaction")
		return
	}

	tx, err := breaker.Execute(s.chainBreaker, func() (*model.ChainTx, error) {
		return s.chain.GetTransaction(ctx, req.ChainTxID)
	}, nil)
	if apperr.Is(err, apperr.KindNotFound) {
		log.Debug("transfer not indexed yet")
		return
	}
	if err != nil {
		log.Warn("checking transfer failed", zap.Error(err))
		return
	}
	if !tx.Success {
		s.refund(ctx, req, "transfer failed on chain, funds refunded")
		return
	}
	if tx.Confirmations < s.cfg.RequiredConfirmations {
		return
	}

	txID := tx.TxID
	if txID == "" {
		txID = req.ChainTxID
	}
	if err := s.dbBreaker.Do(func() error { return s.ledger.CompleteWithdrawal(ctx, req.ID, txID) }, nil); err != nil {
		log.Error("completing withdrawal failed", zap.Error(err))
		return
	}

	log.Info("withdrawal completed", zap.Int("confirmations", tx.Confirmations))
	s.countOutcome("completed")
	done := *req
	done.State = model.WithdrawalCompleted
	done.ChainTxID = txID
	s.publish(ctx, req.WalletID, notify.WithdrawalCompleted, done)
}

// Approve releases a flagged request into the queue.
func (s *Service) Approve(ctx context.Context, id string) error {
	err := s.dbBreaker.Do(func() error {
		return s.ledger.TransitionWithdrawal(ctx, id, model.WithdrawalFlagged, model.WithdrawalPending)
	}, nil)
	if err != nil {
		return err
	}
	s.enqueue(id)
	s.logger.Info("flagged withdrawal approved", zap.String("withdrawal_id", id))
	return nil
}

// Reject fails a flagged request and refunds it.
func (s *Service) Reject(ctx context.Context, id, reason string) error {
	const op = "withdrawal.reject"
	req, err := s.GetWithdrawalStatus(ctx, id)
	if err != nil {
		return err
	}
	if req.State != model.WithdrawalFlagged {
		return apperr.Newf(apperr.KindConflict, op, "withdrawal %s is %s, not flagged", id, req.State)
	}
	if reason == "" {
		reason = "rejected after review"
	}
	if err := s.dbBreaker.Do(func() error {
		return s.ledger.AtomicRefundAndMarkFailed(ctx, req.ID, req.CreditAmount, reason+", funds refunded")
	}, nil); err != nil {
		return err
	}
	s.logger.Info("flagged withdrawal rejected", zap.String("withdrawal_id", id), zap.String("reason", reason))
	s.countOutcome("rejected")
	req.State = model.WithdrawalFailed
	req.FailureReason = reason + ", funds refunded"
	s.publish(ctx, req.WalletID, notify.WithdrawalFailed, map[string]any{
		"withdrawal": *req,
		"refunded":   req.CreditAmount,
	})
	return nil
}

func (s *Service) publish(ctx context.Context, walletID string, typ notify.EventType, payload any) {
	if err := s.notifier.Publish(ctx, walletID, typ, payload); err != nil {
		s.logger.Warn("notification failed", zap.String("event", string(typ)), zap.Error(err))
	}
}

func (s *Service) countRequest(state string) {
	if s.metrics != nil {
		s.metrics.requests.WithLabelValues(state).Inc()
	}
}

func (s *Service) countOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.withdrawals.WithLabelValues(outcome).Inc()
	}
}
