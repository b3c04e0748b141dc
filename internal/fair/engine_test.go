package fair_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/fair"
	"tonsettle/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() fair.Config {
	cfg := fair.DefaultConfig()
	cfg.Fraud.IdenticalBetRatio = 0
	return cfg
}

type fakeLedger struct {
	mu       sync.Mutex
	balance  int64
	failEnd  bool
	rounds   map[string]model.GameRound
	sessions map[string]model.GameSession
	revealed map[string]string
}

func newFakeLedger(balance int64) *fakeLedger {
	return &fakeLedger{
		balance:  balance,
		rounds:   map[string]model.GameRound{},
		sessions: map[string]model.GameSession{},
		revealed: map[string]string{},
	}
}

func (l *fakeLedger) SettleRound(_ context.Context, r model.GameRound) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance < r.TotalBet {
		return 0, apperr.New(apperr.KindInsufficientFunds, "ledger.settle", "insufficient balance")
	}
	l.balance += r.WinAmount - r.TotalBet
	l.rounds[r.RoundID] = r
	if gs, ok := l.sessions[r.SessionID]; ok && gs.EndedAt == nil {
		gs.Nonce = r.Nonce + 1
		gs.ClientSeed = r.ClientSeed
		gs.RoundsPlayed++
		gs.TotalWagered += r.TotalBet
		gs.TotalWon += r.WinAmount
		l.sessions[r.SessionID] = gs
	}
	return l.balance, nil
}

func (l *fakeLedger) SaveGameSession(_ context.Context, gs model.GameSession) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[gs.SessionID] = gs
	return nil
}

func (l *fakeLedger) EndGameSession(_ context.Context, sessionID string, endedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failEnd {
		return apperr.New(apperr.KindUnavailable, "ledger.session", "database is locked")
	}
	gs, ok := l.sessions[sessionID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "ledger.session", "game session not found")
	}
	gs.EndedAt = &endedAt
	l.sessions[sessionID] = gs
	l.revealed[sessionID] = gs.ServerSeed
	return nil
}

func (l *fakeLedger) ListActiveGameSessions(context.Context) ([]model.GameSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.GameSession
	for _, gs := range l.sessions {
		if gs.EndedAt == nil {
			out = append(out, gs)
		}
	}
	return out, nil
}

func (l *fakeLedger) GetGameRound(_ context.Context, id string) (*model.GameRound, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rounds[id]
	if !ok {
		return nil, "", apperr.New(apperr.KindNotFound, "ledger.round", "round not found")
	}
	return &r, l.revealed[r.SessionID], nil
}

func TestInitializeSession(t *testing.T) {
	ctx := context.Background()
	e := fair.NewEngine(testConfig(), zap.NewNop())

	info, err := e.InitializeSession(ctx, "W1", "my-seed")
	require.NoError(t, err)
	require.Equal(t, "my-seed", info.ClientSeed)
	require.EqualValues(t, 1, info.Nonce)
	require.Len(t, info.ServerSeedHash, 64)
	require.Empty(t, info.ServerSeed, "seed stays secret while the session is active")

	generated, err := e.InitializeSession(ctx, "W2", "")
	require.NoError(t, err)
	require.Len(t, generated.ClientSeed, 32)

	rotated, err := e.InitializeSession(ctx, "W1", "")
	require.NoError(t, err)
	require.Equal(t, info.SessionID, rotated.PreviousSessionID)
	require.True(t, fair.CommitmentMatches(rotated.PreviousServerSeed, info.ServerSeedHash))

	_, err = e.InitializeSession(ctx, "", "")
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestPlayRoundNonceAndVerification(t *testing.T) {
	ctx := context.Background()
	e := fair.NewEngine(testConfig(), zap.NewNop())

	info, err := e.InitializeSession(ctx, "W1", testClientSeed)
	require.NoError(t, err)

	var rounds []model.GameRound
	for i := 0; i < 25; i++ {
		res, err := e.PlayRound(ctx, "W1", 10, 3, "")
		require.NoError(t, err)
		require.Equal(t, info.ServerSeedHash, res.ServerSeedHash, "commitment never changes")
		rounds = append(rounds, res.Round)
	}

	for i, r := range rounds {
		require.EqualValues(t, 1+i, r.Nonce)
		require.EqualValues(t, 30, r.TotalBet)
		require.Equal(t, r.WinAmount > r.TotalBet, r.IsWin)

		v, err := e.VerifyRound(ctx, r.RoundID)
		require.NoError(t, err)
		require.True(t, v.Valid, v.Reason)
		require.False(t, v.Revealed)
		require.Empty(t, v.ServerSeed)
	}

	ended, err := e.EndSession(ctx, "W1")
	require.NoError(t, err)
	require.NotEmpty(t, ended.ServerSeed)
	require.Equal(t, info.ServerSeedHash, fair.HashSeed(ended.ServerSeed))
	require.Equal(t, 25, ended.RoundsPlayed)

	for _, r := range rounds {
		v, err := e.VerifyRound(ctx, r.RoundID)
		require.NoError(t, err)
		require.True(t, v.Valid)
		require.True(t, v.Revealed)

		// the player can reproduce the round from the revealed seed alone
		out := fair.Verify(ended.ServerSeed, r.ClientSeed, r.Nonce)
		require.Equal(t, r.GameHash, out.GameHash)
		require.Equal(t, r.OutcomeGrid, out.Grid)
	}

	_, err = e.EndSession(ctx, "W1")
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	stats := e.SystemStats()
	require.Equal(t, 25, stats.TotalRounds)
	require.EqualValues(t, 750, stats.TotalWagered)
	require.Zero(t, stats.ActiveSessions)
}

func TestPlayRoundValidation(t *testing.T) {
	ctx := context.Background()
	e := fair.NewEngine(testConfig(), zap.NewNop())

	fixtures := []struct {
		name  string
		bet   int64
		lines int
	}{
		{"below minimum", 0, 1},
		{"above maximum", 1001, 1},
		{"too many lines", 10, 4},
		{"negative lines", 10, -1},
	}
	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			_, err := e.PlayRound(ctx, "W1", f.bet, f.lines, "")
			require.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}

	cfg := testConfig()
	cfg.MaxTotalBet = 100
	capped := fair.NewEngine(cfg, zap.NewNop())
	_, err := capped.PlayRound(ctx, "W1", 50, 3, "")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, ok := e.Session("W1")
	require.False(t, ok, "rejected bets never open a session")
}

func TestPlayRoundAutoInitializesSession(t *testing.T) {
	e := fair.NewEngine(testConfig(), zap.NewNop())
	res, err := e.PlayRound(context.Background(), "W9", 5, 0, "auto-seed")
	require.NoError(t, err)
	require.Equal(t, 1, res.Round.Lines)
	require.Equal(t, "auto-seed", res.Round.ClientSeed)
	require.EqualValues(t, 2, res.Session.Nonce)
}

func TestSecurityHoldDoesNotResolveRound(t *testing.T) {
	ctx := context.Background()
	cfg := fair.DefaultConfig()
	cfg.Fraud.PatternMinSample = 5
	cfg.Fraud.IdenticalBetRatio = 1
	e := fair.NewEngine(cfg, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := e.PlayRound(ctx, "W1", 10, 1, "")
		require.NoError(t, err)
	}
	before, _ := e.Session("W1")

	_, err := e.PlayRound(ctx, "W1", 10, 1, "")
	require.True(t, apperr.Is(err, apperr.KindSecurityHold))

	after, _ := e.Session("W1")
	require.Equal(t, before.Nonce, after.Nonce)
	require.Equal(t, 5, e.PlayerStats("W1").TotalRounds)

	_, err = e.PlayRound(ctx, "W1", 11, 1, "")
	require.NoError(t, err)
}

func TestPlayRoundSettlesAgainstLedger(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(25)
	e := fair.NewEngine(testConfig(), zap.NewNop(), fair.WithLedger(ledger))

	res, err := e.PlayRound(ctx, "W1", 10, 2, "")
	require.NoError(t, err)
	require.NotNil(t, res.Balance)
	require.Equal(t, 25-20+res.Round.WinAmount, *res.Balance)

	ledger.balance = 0
	before, _ := e.Session("W1")
	_, err = e.PlayRound(ctx, "W1", 10, 2, "")
	require.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
	after, _ := e.Session("W1")
	require.Equal(t, before.Nonce, after.Nonce, "an unsettled round does not consume a nonce")

	_, err = e.EndSession(ctx, "W1")
	require.NoError(t, err)
	require.Len(t, ledger.revealed, 1)

	// rounds evicted from memory are verified from the ledger copy
	fresh := fair.NewEngine(testConfig(), zap.NewNop(), fair.WithLedger(ledger))
	v, err := fresh.VerifyRound(ctx, res.Round.RoundID)
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.True(t, v.Revealed)
}

func TestEndSessionKeepsSeedUntilLedgerHasIt(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(1000)
	e := fair.NewEngine(testConfig(), zap.NewNop(), fair.WithLedger(ledger))

	res, err := e.PlayRound(ctx, "W1", 10, 1, "")
	require.NoError(t, err)

	ledger.failEnd = true
	_, err = e.EndSession(ctx, "W1")
	require.True(t, apperr.Is(err, apperr.KindUnavailable))
	info, ok := e.Session("W1")
	require.True(t, ok, "session stays active")
	require.Empty(t, info.ServerSeed)
	_, err = e.InitializeSession(ctx, "W1", "")
	require.Error(t, err, "rotation cannot skip the reveal")

	ledger.failEnd = false
	ended, err := e.EndSession(ctx, "W1")
	require.NoError(t, err)
	require.Equal(t, res.Round.SessionID, ended.SessionID)
	require.Equal(t, ended.ServerSeed, ledger.revealed[ended.SessionID])
}

func TestRestoredSessionKeepsNonceAndReveals(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(1000)
	before := fair.NewEngine(testConfig(), zap.NewNop(), fair.WithLedger(ledger))
	first, err := before.PlayRound(ctx, "W1", 10, 1, "lucky")
	require.NoError(t, err)

	after := fair.NewEngine(testConfig(), zap.NewNop(), fair.WithLedger(ledger))
	n, err := after.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	info, ok := after.Session("W1")
	require.True(t, ok)
	require.Equal(t, first.Round.SessionID, info.SessionID)
	require.EqualValues(t, 2, info.Nonce)
	require.Equal(t, 1, info.RoundsPlayed)
	require.Equal(t, "lucky", info.ClientSeed)

	second, err := after.PlayRound(ctx, "W1", 10, 1, "")
	require.NoError(t, err)
	require.EqualValues(t, 2, second.Round.Nonce)
	require.Equal(t, first.Round.SessionID, second.Round.SessionID)

	ended, err := after.EndSession(ctx, "W1")
	require.NoError(t, err)
	require.True(t, fair.CommitmentMatches(ended.ServerSeed, first.Round.ServerSeedHash))

	v, err := after.VerifyRound(ctx, first.Round.RoundID)
	require.NoError(t, err)
	require.True(t, v.Revealed)
	require.True(t, v.Valid)

	again, err := after.Restore(ctx)
	require.NoError(t, err)
	require.Zero(t, again)
}

func TestConcurrentPlaySerializedPerWallet(t *testing.T) {
	ctx := context.Background()
	e := fair.NewEngine(testConfig(), zap.NewNop())
	_, err := e.InitializeSession(ctx, "W1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	nonces := make(chan uint64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.PlayRound(ctx, "W1", 1, 1, "")
			if err == nil {
				nonces <- res.Round.Nonce
			}
		}()
	}
	wg.Wait()
	close(nonces)

	seen := map[uint64]bool{}
	for n := range nonces {
		require.False(t, seen[n], "nonce %d reused", n)
		seen[n] = true
	}
	require.Len(t, seen, 50)
	for n := uint64(1); n <= 50; n++ {
		require.True(t, seen[n], "nonce %d missing", n)
	}
}
