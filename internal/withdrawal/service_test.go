package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/breaker"
	"tonsettle/internal/database"
	"tonsettle/internal/model"
	"tonsettle/internal/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const house = "0:house"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type broadcast struct {
	from, to string
	amount   int64
	asset    string
}

type fakeChain struct {
	mu         sync.Mutex
	now        func() time.Time
	balance    int64
	balanceErr error
	// failPrepare makes signing fail before anything is sent.
	failPrepare string
	// unanswered transfers land on chain but the send reports an error.
	unanswered bool
	// dropped transfers never land and the send reports an error.
	dropped  bool
	prepared map[string]broadcast
	sent     []broadcast
	landed   map[string]string
	txs      map[string]*model.ChainTx
}

func newFakeChain(now func() time.Time) *fakeChain {
	return &fakeChain{
		now:      now,
		balance:  1_000_000,
		prepared: map[string]broadcast{},
		landed:   map[string]string{},
		txs:      map[string]*model.ChainTx{},
	}
}

func (f *fakeChain) GetBalance(_ context.Context, addr string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	if addr != house {
		return 0, apperr.New(apperr.KindNotFound, "fake", "unknown wallet")
	}
	return f.balance, nil
}

func (f *fakeChain) PrepareTransfer(_ context.Context, from, to string, amount int64, asset string) (*model.OutgoingTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPrepare != "" {
		return nil, apperr.New(apperr.KindChainSubmission, "fake", f.failPrepare)
	}
	hash := fmt.Sprintf("msg-%d", len(f.prepared)+1)
	f.prepared[hash] = broadcast{from: from, to: to, amount: amount, asset: asset}
	return &model.OutgoingTransfer{MessageHash: hash, ExpiresAt: f.now().Add(3 * time.Minute)}, nil
}

func (f *fakeChain) SubmitTransfer(_ context.Context, out *model.OutgoingTransfer) (model.BroadcastResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropped {
		return model.BroadcastResult{}, apperr.New(apperr.KindUnavailable, "fake", "liteserver unreachable")
	}
	b := f.prepared[out.MessageHash]
	f.sent = append(f.sent, b)
	id := fmt.Sprintf("tx-%d", len(f.sent))
	f.txs[id] = &model.ChainTx{TxID: id, Success: true}
	f.landed[out.MessageHash] = id
	f.balance -= b.amount
	if f.unanswered {
		return model.BroadcastResult{}, apperr.New(apperr.KindTimeout, "fake", "transaction was not confirmed in a given deadline")
	}
	return model.BroadcastResult{Success: true, TxID: id}, nil
}

func (f *fakeChain) FindTransfer(_ context.Context, messageHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.landed[messageHash]
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "fake", "message not on chain")
	}
	return id, nil
}

func (f *fakeChain) GetTransaction(_ context.Context, txID string) (*model.ChainTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "fake", "no such tx")
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeChain) confirm(txID string, n int, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[txID].Confirmations = n
	f.txs[txID].Success = success
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, walletID string, typ notify.EventType, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notify.Event{WalletID: walletID, Type: typ, Payload: payload})
	return nil
}

func (r *recorder) count(typ notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// flakyLedger fails the next refunds or processing marks before they reach
// the database.
type flakyLedger struct {
	*database.Database
	mu          sync.Mutex
	failRefunds int
	failMarks   int
}

func (l *flakyLedger) MarkWithdrawalProcessing(ctx context.Context, id, txHash string) error {
	l.mu.Lock()
	if l.failMarks > 0 {
		l.failMarks--
		l.mu.Unlock()
		return apperr.New(apperr.KindLedgerConsistency, "fake", "commit failed")
	}
	l.mu.Unlock()
	return l.Database.MarkWithdrawalProcessing(ctx, id, txHash)
}

func (l *flakyLedger) AtomicRefundAndMarkFailed(ctx context.Context, id string, amount int64, reason string) error {
	l.mu.Lock()
	if l.failRefunds > 0 {
		l.failRefunds--
		l.mu.Unlock()
		return apperr.New(apperr.KindLedgerConsistency, "fake", "commit failed")
	}
	l.mu.Unlock()
	return l.Database.AtomicRefundAndMarkFailed(ctx, id, amount, reason)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *clock
	db     *database.Database
	ledger *flakyLedger
	chain  *fakeChain
	events *recorder
	svc    *Service
	funded int
}

func newHarness(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	db, err := database.New(database.Config{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  c,
		db:     db,
		ledger: &flakyLedger{Database: db},
		chain:  newFakeChain(c.Now),
		events: &recorder{},
	}
	cfg := DefaultConfig()
	cfg.HouseAddress = house
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc = h.newService(cfg, opts...)
	return h
}

func (h *harness) newService(cfg Config, opts ...Option) *Service {
	h.t.Helper()
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop(), breaker.WithClock(h.clock.Now))
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	svc, err := NewService(cfg, h.chain, h.ledger, h.events, breakers, zap.NewNop(), opts...)
	require.NoError(h.t, err)
	return svc
}

// fund credits the wallet and records a break-even round so the amount also
// counts as wagered.
func (h *harness) fund(wallet string, amount, wagered int64) {
	h.t.Helper()
	h.funded++
	_, err := h.db.AtomicCreditAndRecord(h.ctx, wallet, amount, fmt.Sprintf("fund-%d", h.funded), model.CreditMeta{})
	require.NoError(h.t, err)
	if wagered == 0 {
		return
	}
	_, err = h.db.SettleRound(h.ctx, model.GameRound{
		RoundID:     fmt.Sprintf("round-%d", h.funded),
		SessionID:   "session",
		WalletID:    wallet,
		BetAmount:   wagered,
		Lines:       1,
		TotalBet:    wagered,
		OutcomeGrid: []int{0},
		WinAmount:   wagered,
		IsWin:       true,
		CreatedAt:   h.clock.Now(),
	})
	require.NoError(h.t, err)
}

func (h *harness) balance(wallet string) int64 {
	h.t.Helper()
	acct, err := h.db.GetAccount(h.ctx, wallet)
	require.NoError(h.t, err)
	return acct.Balance
}

func (h *harness) state(id string) *model.WithdrawalRequest {
	h.t.Helper()
	w, err := h.svc.GetWithdrawalStatus(h.ctx, id)
	require.NoError(h.t, err)
	return w
}

func TestQuote(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, Quote{CreditAmount: 1000, TokenAmount: 1000, NetworkFee: 20, NetTokenAmount: 980}, h.svc.Quote(1000))
	// the fee rounds up
	require.Equal(t, Quote{CreditAmount: 51, TokenAmount: 51, NetworkFee: 2, NetTokenAmount: 49}, h.svc.Quote(51))

	h = newHarness(t, func(c *Config) { c.TokensPerCredit = "0.5"; c.FixedNetworkFee = 5 })
	require.Equal(t, Quote{CreditAmount: 101, TokenAmount: 50, NetworkFee: 6, NetTokenAmount: 44}, h.svc.Quote(101))
}

func TestWithdrawalSettles(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 1000)

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 1000, "0:dest")
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalPending, receipt.State)
	require.EqualValues(t, 980, receipt.NetTokenAmount)
	require.Equal(t, "5-15 minutes", receipt.EstimatedTime)
	require.Zero(t, h.balance("W1"), "funds are held before queuing")
	require.Equal(t, 1, h.svc.Status().Queued)

	h.svc.ProcessQueue(h.ctx)
	w := h.state(receipt.ID)
	require.Equal(t, model.WithdrawalProcessing, w.State)
	require.Equal(t, "tx-1", w.ChainTxID)
	require.Equal(t, []broadcast{{from: house, to: "0:dest", amount: 980, asset: "TON"}}, h.chain.sent)

	h.svc.FinalizeTick(h.ctx)
	require.Equal(t, model.WithdrawalProcessing, h.state(receipt.ID).State, "no confirmations yet")

	h.chain.confirm("tx-1", 1, true)
	h.svc.FinalizeTick(h.ctx)
	require.Equal(t, model.WithdrawalCompleted, h.state(receipt.ID).State)
	require.Zero(t, h.balance("W1"))
	require.Equal(t, 1, h.events.count(notify.WithdrawalCompleted))

	// a second tick has nothing left to finalize
	h.svc.FinalizeTick(h.ctx)
	require.Equal(t, 1, h.events.count(notify.WithdrawalCompleted))
}

func TestLiquidityFailureRefundsHeldCredits(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 1000)
	h.chain.balance = 0

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 500, "0:dest")
	require.NoError(t, err)
	require.EqualValues(t, 500, h.balance("W1"))

	h.svc.ProcessQueue(h.ctx)
	w := h.state(receipt.ID)
	require.Equal(t, model.WithdrawalFailed, w.State)
	require.Contains(t, w.FailureReason, "refunded")
	require.EqualValues(t, 1000, h.balance("W1"))
	require.Empty(t, h.chain.sent)
	require.Equal(t, 1, h.events.count(notify.WithdrawalFailed))
	require.Equal(t, 1, h.events.count(notify.OpsAlert))

	// a refunded request is never refunded again
	h.svc.ProcessQueue(h.ctx)
	require.NoError(t, h.db.AtomicRefundAndMarkFailed(h.ctx, receipt.ID, 500, "again"))
	require.EqualValues(t, 1000, h.balance("W1"))
}

func TestSubmissionFailureRefunds(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 1000)
	h.chain.failPrepare = "seqno mismatch"

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 800, "0:dest")
	require.NoError(t, err)
	h.svc.ProcessQueue(h.ctx)

	require.Equal(t, model.WithdrawalFailed, h.state(receipt.ID).State)
	require.EqualValues(t, 1000, h.balance("W1"))
	require.Empty(t, h.chain.sent)
}

func TestUnansweredSubmitWaitsForTheChain(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 1000)
	h.chain.unanswered = true

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 800, "0:dest")
	require.NoError(t, err)
	h.svc.ProcessQueue(h.ctx)

	w := h.state(receipt.ID)
	require.Equal(t, model.WithdrawalSubmitting, w.State, "the transfer may have gone out")
	require.Equal(t, "msg-1", w.MessageHash)
	require.Zero(t, h.balance("W1"), "credits stay held")
	require.Zero(t, h.events.count(notify.WithdrawalFailed))
	require.Len(t, h.chain.sent, 1)

	// long after the message would have expired the landed transfer is found
	h.clock.Advance(time.Hour)
	h.svc.ProcessQueue(h.ctx)
	h.svc.FinalizeTick(h.ctx)
	w = h.state(receipt.ID)
	require.Equal(t, model.WithdrawalProcessing, w.State)
	require.Equal(t, "tx-1", w.ChainTxID)
	require.Len(t, h.chain.sent, 1)

	h.chain.confirm("tx-1", 1, true)
	h.svc.FinalizeTick(h.ctx)
	require.Equal(t, model.WithdrawalCompleted, h.state(receipt.ID).State)
	require.Zero(t, h.balance("W1"))
	require.Zero(t, h.events.count(notify.WithdrawalFailed))
}

func TestExpiredTransferIsRefunded(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 1000)
	h.chain.dropped = true

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 800, "0:dest")
	require.NoError(t, err)
	h.svc.ProcessQueue(h.ctx)
	require.Equal(t, model.WithdrawalSubmitting, h.state(receipt.ID).State)

	h.svc.FinalizeTick(h.ctx)
	require.Equal(t, model.WithdrawalSubmitting, h.state(receipt.ID).State)

	// expired, but still inside the grace period
	h.clock.Advance(3*time.Minute + 30*time.Second)
	h.svc.FinalizeTick(h.ctx)
	require.Equal(t, model.WithdrawalSubmitting, h.state(receipt.ID).State)

	h.clock.Advance(time.Minute)
	h.svc.FinalizeTick(h.ctx)
	w := h.state(receipt.ID)
	require.Equal(t, model.WithdrawalFailed, w.State)
	require.Contains(t, w.FailureReason, "expired")
	require.EqualValues(t, 1000, h.balance("W1"))
	require.Empty(t, h.chain.sent)
}

func TestRestartAfterBroadcastDoesNotPayTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 1000)
	h.ledger.failMarks = 1

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 800, "0:dest")
	require.NoError(t, err)
	h.svc.ProcessQueue(h.ctx)
	require.Len(t, h.chain.sent, 1)
	require.Equal(t, model.WithdrawalSubmitting, h.state(receipt.ID).State)

	// the process dies before the retried mark lands
	cfg := DefaultConfig()
	cfg.HouseAddress = house
	h.svc = h.newService(cfg)
	n, err := h.svc.Resume(h.ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.svc.ProcessQueue(h.ctx)
	require.Len(t, h.chain.sent, 1)

	h.chain.confirm("tx-1", 1, true)
	h.svc.FinalizeTick(h.ctx)
	w := h.state(receipt.ID)
	require.Equal(t, model.WithdrawalCompleted, w.State)
	require.Equal(t, "tx-1", w.ChainTxID)
	require.Len(t, h.chain.sent, 1)
	require.Zero(t, h.balance("W1"))
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, nil, WithAddressValidator(func(addr string) error {
		if !strings.HasPrefix(addr, "0:") {
			return errors.New("not a raw address")
		}
		return nil
	}))
	h.fund("W1", 10_000, 10_000)

	_, err := h.svc.RequestWithdrawal(h.ctx, "W1", 49, "0:dest")
	require.True(t, apperr.Is(err, apperr.KindValidation), "below minimum: %v", err)

	_, err = h.svc.RequestWithdrawal(h.ctx, "W1", 100, "EQbad")
	require.True(t, apperr.Is(err, apperr.KindValidation), "bad address: %v", err)

	_, err = h.svc.RequestWithdrawal(h.ctx, "W1", 100, "")
	require.True(t, apperr.Is(err, apperr.KindValidation), "wallet id is not a raw address: %v", err)

	_, err = h.svc.RequestWithdrawal(h.ctx, "nobody", 100, "0:dest")
	require.True(t, apperr.Is(err, apperr.KindInsufficientFunds), "unknown account: %v", err)

	_, err = h.svc.RequestWithdrawal(h.ctx, "", 100, "0:dest")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.svc.RequestWithdrawal(h.ctx, "W1", 3000, "0:dest")
	require.NoError(t, err)
	_, err = h.svc.RequestWithdrawal(h.ctx, "W1", 2500, "0:dest")
	require.True(t, apperr.Is(err, apperr.KindValidation), "daily limit: %v", err)
	require.Contains(t, err.Error(), "2000 credits remaining")

	// the allowance resets on the next calendar day
	h.clock.Advance(24 * time.Hour)
	_, err = h.svc.RequestWithdrawal(h.ctx, "W1", 2500, "0:dest")
	require.NoError(t, err)
	require.EqualValues(t, 4500, h.balance("W1"))
}

func TestRequestRejectsWhatTheBalanceCannotCover(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 300, 300)

	_, err := h.svc.RequestWithdrawal(h.ctx, "W1", 400, "0:dest")
	require.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
	require.EqualValues(t, 300, h.balance("W1"))
}

func TestFeeMustLeaveSomethingToSend(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FixedNetworkFee = 100 })
	h.fund("W1", 1000, 1000)

	_, err := h.svc.RequestWithdrawal(h.ctx, "W1", 60, "0:dest")
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.EqualValues(t, 1000, h.balance("W1"))
}

func TestFlaggedRequestsWaitForReview(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 0)

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 600, "0:dest")
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalFlagged, receipt.State)
	require.Equal(t, "24-48 hours (manual review)", receipt.EstimatedTime)
	require.Equal(t, []string{FlagExcessiveAmount}, h.state(receipt.ID).FraudFlags)
	require.EqualValues(t, 400, h.balance("W1"), "flagged requests still hold funds")

	h.svc.ProcessQueue(h.ctx)
	require.Equal(t, model.WithdrawalFlagged, h.state(receipt.ID).State)
	require.Empty(t, h.chain.sent)

	require.NoError(t, h.svc.Approve(h.ctx, receipt.ID))
	h.svc.ProcessQueue(h.ctx)
	require.Equal(t, model.WithdrawalProcessing, h.state(receipt.ID).State)

	err = h.svc.Approve(h.ctx, receipt.ID)
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestRejectRefundsFlaggedRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 0)

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 600, "0:dest")
	require.NoError(t, err)
	require.NoError(t, h.svc.Reject(h.ctx, receipt.ID, "bonus abuse"))

	w := h.state(receipt.ID)
	require.Equal(t, model.WithdrawalFailed, w.State)
	require.Contains(t, w.FailureReason, "bonus abuse")
	require.EqualValues(t, 1000, h.balance("W1"))

	err = h.svc.Reject(h.ctx, receipt.ID, "")
	require.True(t, apperr.Is(err, apperr.KindConflict))
	require.EqualValues(t, 1000, h.balance("W1"))
}

func TestFrequencyFlag(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxRequestsPerWindow = 2 })
	h.fund("W1", 1000, 1000)

	for i := 0; i < 2; i++ {
		r, err := h.svc.RequestWithdrawal(h.ctx, "W1", 100, "0:dest")
		require.NoError(t, err)
		require.Equal(t, model.WithdrawalPending, r.State)
	}
	r, err := h.svc.RequestWithdrawal(h.ctx, "W1", 100, "0:dest")
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalFlagged, r.State)
	require.Equal(t, []string{FlagExcessiveFrequency}, h.state(r.ID).FraudFlags)

	// outside the window the count starts over
	h.clock.Advance(time.Hour + time.Second)
	r, err = h.svc.RequestWithdrawal(h.ctx, "W1", 100, "0:dest")
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalPending, r.State)
}

func TestLiquidityLookupErrorsAreBounded(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 1000)
	h.chain.balanceErr = apperr.New(apperr.KindUnavailable, "fake", "indexer down")

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 500, "0:dest")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		h.svc.ProcessQueue(h.ctx)
		require.Equal(t, model.WithdrawalPending, h.state(receipt.ID).State)
		require.Equal(t, 1, h.svc.Status().Queued)
	}

	h.svc.ProcessQueue(h.ctx)
	require.Equal(t, model.WithdrawalFailed, h.state(receipt.ID).State)
	require.Zero(t, h.svc.Status().Queued)
	require.EqualValues(t, 1000, h.balance("W1"))
}

func TestRefundIsRetriedUntilCommitted(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 1000)
	h.chain.balance = 0
	h.ledger.failRefunds = 1

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 500, "0:dest")
	require.NoError(t, err)

	h.svc.ProcessQueue(h.ctx)
	require.Equal(t, model.WithdrawalPending, h.state(receipt.ID).State, "not terminal until the refund commits")
	require.EqualValues(t, 500, h.balance("W1"))
	require.Equal(t, 1, h.svc.Status().RefundsPending)

	h.svc.ProcessQueue(h.ctx)
	require.Equal(t, model.WithdrawalFailed, h.state(receipt.ID).State)
	require.EqualValues(t, 1000, h.balance("W1"))
	require.Zero(t, h.svc.Status().RefundsPending)
	require.Empty(t, h.chain.sent)
}

func TestChainFailureAfterBroadcastRefunds(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 1000, 1000)

	receipt, err := h.svc.RequestWithdrawal(h.ctx, "W1", 700, "0:dest")
	require.NoError(t, err)
	h.svc.ProcessQueue(h.ctx)
	require.Equal(t, model.WithdrawalProcessing, h.state(receipt.ID).State)

	h.chain.confirm("tx-1", 3, false)
	h.svc.FinalizeTick(h.ctx)
	require.Equal(t, model.WithdrawalFailed, h.state(receipt.ID).State)
	require.EqualValues(t, 1000, h.balance("W1"))
}

func TestResumeRebuildsQueueFromLedger(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("W1", 2000, 2000)

	pending, err := h.svc.RequestWithdrawal(h.ctx, "W1", 500, "0:dest")
	require.NoError(t, err)
	h.fund("W2", 1000, 0)
	flagged, err := h.svc.RequestWithdrawal(h.ctx, "W2", 900, "0:dest")
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalFlagged, flagged.State)

	// a fresh process knows nothing about the queue
	cfg := DefaultConfig()
	cfg.HouseAddress = house
	h.svc = h.newService(cfg)
	require.Zero(t, h.svc.Status().Queued)

	n, err := h.svc.Resume(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = h.svc.Resume(h.ctx)
	require.NoError(t, err)
	require.Zero(t, n, "already queued")

	h.svc.ProcessQueue(h.ctx)
	require.Equal(t, model.WithdrawalProcessing, h.state(pending.ID).State)
	require.Equal(t, model.WithdrawalFlagged, h.state(flagged.ID).State)
}

func TestWithdrawalMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, nil, WithMetrics(reg))
	h.fund("W1", 1000, 1000)
	h.chain.balance = 0

	_, err := h.svc.RequestWithdrawal(h.ctx, "W1", 500, "0:dest")
	require.NoError(t, err)
	h.svc.ProcessQueue(h.ctx)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			found[f.GetName()] += m.GetCounter().GetValue()
		}
	}
	require.EqualValues(t, 1, found["tonsettle_withdrawal_requests_total"])
	require.EqualValues(t, 1, found["tonsettle_withdrawals_total"])
	require.Zero(t, found["tonsettle_withdrawal_tokens_total"])
}
