package fair

import (
	"context"
	"errors"
	"sync"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	RTP         float64 `mapstructure:"rtp" json:"rtp"`
	MinBet      int64   `mapstructure:"min_bet" json:"min_bet"`
	MaxBet      int64   `mapstructure:"max_bet" json:"max_bet"`
	MaxTotalBet int64   `mapstructure:"max_total_bet" json:"max_total_bet"`
	MaxWin      int64   `mapstructure:"max_win" json:"max_win"`
	MaxLines    int     `mapstructure:"max_lines" json:"max_lines"`

	// DefaultLines is used when a round is requested without a line count.
	DefaultLines     int           `mapstructure:"default_lines" json:"default_lines"`
	NonceStart       uint64        `mapstructure:"nonce_start" json:"nonce_start"`
	SessionRetention time.Duration `mapstructure:"session_retention" json:"session_retention"`
	Fraud            FraudConfig   `mapstructure:"fraud" json:"fraud"`
}

func DefaultConfig() Config {
	return Config{
		RTP:              0.96,
		MinBet:           1,
		MaxBet:           1000,
		MaxTotalBet:      3000,
		MaxWin:           50000,
		MaxLines:         Rows,
		DefaultLines:     1,
		NonceStart:       1,
		SessionRetention: 24 * time.Hour,
		Fraud:            DefaultFraudConfig(),
	}
}

// Ledger persists sessions and resolved rounds. SettleRound must debit the
// stake, credit the win, store the round and advance the session nonce in one
// atomic unit. EndGameSession must mark the session ended and reveal its seed
// on the stored rounds in one atomic unit.
type Ledger interface {
	SettleRound(ctx context.Context, round model.GameRound) (int64, error)
	SaveGameSession(ctx context.Context, s model.GameSession) error
	EndGameSession(ctx context.Context, sessionID string, endedAt time.Time) error
	ListActiveGameSessions(ctx context.Context) ([]model.GameSession, error)
	GetGameRound(ctx context.Context, roundID string) (*model.GameRound, string, error)
}

type session struct {
	id             string
	walletID       string
	serverSeed     string
	serverSeedHash string
	clientSeed     string
	nonce          uint64
	roundsPlayed   int
	totalWagered   int64
	totalWon       int64
	createdAt      time.Time
	endedAt        time.Time
}

func (s *session) ended() bool { return !s.endedAt.IsZero() }

// SessionInfo is the public view of a session. ServerSeed is only set once the
// session has ended.
type SessionInfo struct {
	SessionID          string     `json:"session_id"`
	WalletID           string     `json:"wallet_id"`
	ServerSeedHash     string     `json:"server_seed_hash"`
	ClientSeed         string     `json:"client_seed"`
	Nonce              uint64     `json:"nonce"`
	RoundsPlayed       int        `json:"rounds_played"`
	TotalWagered       int64      `json:"total_wagered"`
	TotalWon           int64      `json:"total_won"`
	CreatedAt          time.Time  `json:"created_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	ServerSeed         string     `json:"server_seed,omitempty"`
	PreviousSessionID  string     `json:"previous_session_id,omitempty"`
	PreviousServerSeed string     `json:"previous_server_seed,omitempty"`
}

func (s *session) info() SessionInfo {
	out := SessionInfo{
		SessionID:      s.id,
		WalletID:       s.walletID,
		ServerSeedHash: s.serverSeedHash,
		ClientSeed:     s.clientSeed,
		Nonce:          s.nonce,
		RoundsPlayed:   s.roundsPlayed,
		TotalWagered:   s.totalWagered,
		TotalWon:       s.totalWon,
		CreatedAt:      s.createdAt,
	}
	if s.ended() {
		ended := s.endedAt
		out.EndedAt = &ended
		out.ServerSeed = s.serverSeed
	}
	return out
}

type PlayResult struct {
	Round          model.GameRound `json:"round"`
	ServerSeedHash string          `json:"server_seed_hash"`
	Session        SessionInfo     `json:"session"`
	Balance        *int64          `json:"balance,omitempty"`
}

type VerifyResult struct {
	RoundID         string `json:"round_id"`
	Valid           bool   `json:"valid"`
	Revealed        bool   `json:"revealed"`
	CommitmentValid bool   `json:"commitment_valid"`
	ServerSeed      string `json:"server_seed,omitempty"`
	ServerSeedHash  string `json:"server_seed_hash"`
	ClientSeed      string `json:"client_seed"`
	Nonce           uint64 `json:"nonce"`
	StoredHash      string `json:"stored_hash"`
	ComputedHash    string `json:"computed_hash"`
	StoredGrid      []int  `json:"stored_grid"`
	ComputedGrid    []int  `json:"computed_grid"`
	Reason          string `json:"reason,omitempty"`
}

type SystemStats struct {
	ActiveSessions int     `json:"active_sessions"`
	TotalRounds    int     `json:"total_rounds"`
	TotalWagered   int64   `json:"total_wagered"`
	TotalWon       int64   `json:"total_won"`
	RealizedRTP    float64 `json:"realized_rtp"`
	TargetRTP      float64 `json:"target_rtp"`
}

type roundEntry struct {
	round   model.GameRound
	session *session
}

// Engine owns all game sessions. Calls for one wallet are serialized; calls for
// different wallets run concurrently.
type Engine struct {
	cfg    Config
	rtp    decimal.Decimal
	ledger Ledger
	logger *zap.Logger
	now    func() time.Time

	walletMu sync.Map // walletID -> *sync.Mutex

	mu           sync.RWMutex
	active       map[string]*session
	sessionsByID map[string]*session
	rounds       map[string]roundEntry
	stats        map[string]*PlayerStats
	totalRounds  int
	totalWagered int64
	totalWon     int64
}

type Option func(*Engine)

// WithLedger makes every round settle against the ledger before it resolves.
func WithLedger(l Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.MaxLines <= 0 || cfg.MaxLines > Rows {
		cfg.MaxLines = Rows
	}
	if cfg.DefaultLines <= 0 || cfg.DefaultLines > cfg.MaxLines {
		cfg.DefaultLines = 1
	}
	e := &Engine{
		cfg:          cfg,
		rtp:          decimal.NewFromFloat(cfg.RTP),
		logger:       logger.With(zap.String("component", "fair")),
		now:          time.Now,
		active:       make(map[string]*session),
		sessionsByID: make(map[string]*session),
		rounds:       make(map[string]roundEntry),
		stats:        make(map[string]*PlayerStats),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockWallet serializes calls for walletID. A mutex Prune dropped from the
// map while it was being waited on is not used; the caller takes a new one.
func (e *Engine) lockWallet(walletID string) func() {
	for {
		m, _ := e.walletMu.LoadOrStore(walletID, &sync.Mutex{})
		mu := m.(*sync.Mutex)
		mu.Lock()
		if cur, ok := e.walletMu.Load(walletID); ok && cur == m {
			return mu.Unlock
		}
		mu.Unlock()
	}
}

// Restore reloads the sessions that were still active when the process
// stopped, so their rounds keep their nonces and can be revealed later.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.ledger == nil {
		return 0, nil
	}
	stored, err := e.ledger.ListActiveGameSessions(ctx)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, gs := range stored {
		if _, ok := e.sessionsByID[gs.SessionID]; ok {
			continue
		}
		s := &session{
			id:             gs.SessionID,
			walletID:       gs.WalletID,
			serverSeed:     gs.ServerSeed,
			serverSeedHash: gs.ServerSeedHash,
			clientSeed:     gs.ClientSeed,
			nonce:          gs.Nonce,
			roundsPlayed:   gs.RoundsPlayed,
			totalWagered:   gs.TotalWagered,
			totalWon:       gs.TotalWon,
			createdAt:      gs.CreatedAt,
		}
		// the newest one becomes active; older leftovers stay reachable by id
		if cur, ok := e.active[s.walletID]; !ok || cur.createdAt.Before(s.createdAt) {
			e.active[s.walletID] = s
		}
		e.sessionsByID[s.id] = s
		n++
	}
	if n > 0 {
		e.logger.Info("game sessions restored", zap.Int("count", n))
	}
	return n, nil
}

// InitializeSession commits to a fresh server seed for walletID. An active
// session is ended first and its seed revealed in the returned info.
func (e *Engine) InitializeSession(ctx context.Context, walletID, clientSeed string) (*SessionInfo, error) {
	if walletID == "" {
		return nil, apperr.New(apperr.KindValidation, "fair.init", "wallet id is required")
	}
	unlock := e.lockWallet(walletID)
	defer unlock()

	var prev *session
	e.mu.RLock()
	if s, ok := e.active[walletID]; ok {
		prev = s
	}
	e.mu.RUnlock()
	if prev != nil {
		if err := e.endLocked(ctx, prev); err != nil {
			return nil, err
		}
	}

	s, err := e.newSession(ctx, walletID, clientSeed)
	if err != nil {
		return nil, err
	}
	info := s.info()
	if prev != nil {
		info.PreviousSessionID = prev.id
		info.PreviousServerSeed = prev.serverSeed
	}
	return &info, nil
}

func (e *Engine) newSession(ctx context.Context, walletID, clientSeed string) (*session, error) {
	serverSeed, err := NewServerSeed()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "fair.init", err)
	}
	if clientSeed == "" {
		if clientSeed, err = NewClientSeed(); err != nil {
			return nil, apperr.Wrap(apperr.KindUnavailable, "fair.init", err)
		}
	}
	s := &session{
		id:             uuid.NewString(),
		walletID:       walletID,
		serverSeed:     serverSeed,
		serverSeedHash: HashSeed(serverSeed),
		clientSeed:     clientSeed,
		nonce:          e.cfg.NonceStart,
		createdAt:      e.now(),
	}
	if e.ledger != nil {
		if err := e.ledger.SaveGameSession(ctx, model.GameSession{
			SessionID:      s.id,
			WalletID:       s.walletID,
			ServerSeed:     s.serverSeed,
			ServerSeedHash: s.serverSeedHash,
			ClientSeed:     s.clientSeed,
			Nonce:          s.nonce,
			CreatedAt:      s.createdAt,
		}); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.active[walletID] = s
	e.sessionsByID[s.id] = s
	e.mu.Unlock()

	e.logger.Info("game session initialized",
		zap.String("wallet_id", walletID),
		zap.String("session_id", s.id),
		zap.String("server_seed_hash", s.serverSeedHash))
	return s, nil
}

func (e *Engine) validateBet(bet int64, lines int) error {
	const op = "fair.play"
	if lines < 1 || lines > e.cfg.MaxLines {
		return apperr.Newf(apperr.KindValidation, op, "lines must be between 1 and %d", e.cfg.MaxLines)
	}
	if bet < e.cfg.MinBet || bet > e.cfg.MaxBet {
		return apperr.Newf(apperr.KindValidation, op, "invalid bet amount, min %d max %d", e.cfg.MinBet, e.cfg.MaxBet)
	}
	if e.cfg.MaxTotalBet > 0 && bet*int64(lines) > e.cfg.MaxTotalBet {
		return apperr.Newf(apperr.KindValidation, op, "total bet %d exceeds maximum %d", bet*int64(lines), e.cfg.MaxTotalBet)
	}
	return nil
}

// PlayRound resolves one round for walletID at the session's current nonce.
func (e *Engine) PlayRound(ctx context.Context, walletID string, betPerLine int64, lines int, clientSeed string) (*PlayResult, error) {
	const op = "fair.play"
	if walletID == "" {
		return nil, apperr.New(apperr.KindValidation, op, "wallet id is required")
	}
	if lines == 0 {
		lines = e.cfg.DefaultLines
	}
	if err := e.validateBet(betPerLine, lines); err != nil {
		return nil, err
	}

	unlock := e.lockWallet(walletID)
	defer unlock()

	e.mu.RLock()
	s := e.active[walletID]
	stats := e.stats[walletID]
	e.mu.RUnlock()
	if s == nil {
		var err error
		if s, err = e.newSession(ctx, walletID, clientSeed); err != nil {
			return nil, err
		}
	}
	if clientSeed != "" && clientSeed != s.clientSeed {
		e.mu.Lock()
		s.clientSeed = clientSeed
		e.mu.Unlock()
	}

	totalBet := betPerLine * int64(lines)
	outcome := Verify(s.serverSeed, s.clientSeed, s.nonce)
	win := Payout(RawPayout(outcome.Grid, betPerLine, lines), totalBet, e.rtp, e.cfg.MaxWin)
	isWin := win > totalBet

	if reason, ok := e.cfg.Fraud.checkRound(stats, totalBet, win, isWin); !ok {
		e.logger.Warn("round blocked by fraud check",
			zap.String("wallet_id", walletID),
			zap.String("reason", reason))
		return nil, apperr.New(apperr.KindSecurityHold, op, reason)
	}

	round := model.GameRound{
		RoundID:        uuid.NewString(),
		SessionID:      s.id,
		WalletID:       walletID,
		BetAmount:      betPerLine,
		Lines:          lines,
		TotalBet:       totalBet,
		OutcomeGrid:    outcome.Grid,
		WinAmount:      win,
		GameHash:       outcome.GameHash,
		ServerSeedHash: s.serverSeedHash,
		ClientSeed:     s.clientSeed,
		Nonce:          s.nonce,
		IsWin:          isWin,
		RTPRealized:    ratio(win, totalBet),
		CreatedAt:      e.now(),
	}

	var balance *int64
	if e.ledger != nil {
		b, err := e.ledger.SettleRound(ctx, round)
		if err != nil {
			return nil, err
		}
		balance = &b
	}

	e.mu.Lock()
	s.nonce++
	s.roundsPlayed++
	s.totalWagered += totalBet
	s.totalWon += win
	e.rounds[round.RoundID] = roundEntry{round: round, session: s}
	if stats == nil {
		stats = &PlayerStats{WalletID: walletID}
		e.stats[walletID] = stats
	}
	stats.record(totalBet, win, isWin, e.cfg.Fraud.PatternWindow)
	e.totalRounds++
	e.totalWagered += totalBet
	e.totalWon += win
	info := s.info()
	e.mu.Unlock()

	return &PlayResult{Round: round, ServerSeedHash: s.serverSeedHash, Session: info, Balance: balance}, nil
}

// VerifyRound recomputes a stored round from its seeds. The server seed is only
// disclosed when the round's session has ended.
func (e *Engine) VerifyRound(ctx context.Context, roundID string) (*VerifyResult, error) {
	e.mu.RLock()
	entry, ok := e.rounds[roundID]
	var serverSeed string
	revealed := false
	if ok {
		serverSeed = entry.session.serverSeed
		revealed = entry.session.ended()
	}
	e.mu.RUnlock()

	round := entry.round
	if !ok {
		if e.ledger == nil {
			return nil, apperr.New(apperr.KindNotFound, "fair.verify", "round not found")
		}
		stored, seed, err := e.ledger.GetGameRound(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if seed == "" {
			return nil, apperr.New(apperr.KindValidation, "fair.verify", "server seed not revealed yet, end the session first")
		}
		round, serverSeed, revealed = *stored, seed, true
	}

	res := verifyAgainst(round, serverSeed)
	if revealed {
		res.Revealed = true
		res.ServerSeed = serverSeed
	}
	return res, nil
}

func verifyAgainst(round model.GameRound, serverSeed string) *VerifyResult {
	out := Verify(serverSeed, round.ClientSeed, round.Nonce)
	res := &VerifyResult{
		RoundID:         round.RoundID,
		ServerSeedHash:  round.ServerSeedHash,
		ClientSeed:      round.ClientSeed,
		Nonce:           round.Nonce,
		StoredHash:      round.GameHash,
		ComputedHash:    out.GameHash,
		StoredGrid:      round.OutcomeGrid,
		ComputedGrid:    out.Grid,
		CommitmentValid: CommitmentMatches(serverSeed, round.ServerSeedHash),
	}
	switch {
	case !res.CommitmentValid:
		res.Reason = "server seed does not match commitment"
	case out.GameHash != round.GameHash:
		res.Reason = "game hash mismatch"
	case !equalGrid(out.Grid, round.OutcomeGrid):
		res.Reason = "outcome grid mismatch"
	default:
		res.Valid = true
	}
	return res
}

func equalGrid(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EndSession reveals the server seed of walletID's active session.
func (e *Engine) EndSession(ctx context.Context, walletID string) (*SessionInfo, error) {
	unlock := e.lockWallet(walletID)
	defer unlock()

	e.mu.RLock()
	s, ok := e.active[walletID]
	e.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "fair.end", "no active session")
	}
	if err := e.endLocked(ctx, s); err != nil {
		return nil, err
	}
	info := s.info()
	return &info, nil
}

func (e *Engine) endLocked(ctx context.Context, s *session) error {
	if !CommitmentMatches(s.serverSeed, s.serverSeedHash) {
		return apperr.New(apperr.KindLedgerConsistency, "fair.end", "server seed does not match commitment")
	}

	endedAt := e.now()
	// the seed is disclosed only once the ledger holds it for every round;
	// on failure the session stays active and the next end tries again
	if e.ledger != nil {
		if err := e.ledger.EndGameSession(ctx, s.id, endedAt); err != nil {
			e.logger.Error("failed to end game session",
				zap.String("session_id", s.id), zap.Error(err))
			return err
		}
	}

	e.mu.Lock()
	s.endedAt = endedAt
	if e.active[s.walletID] == s {
		delete(e.active, s.walletID)
	}
	e.mu.Unlock()

	e.logger.Info("game session ended",
		zap.String("wallet_id", s.walletID),
		zap.String("session_id", s.id),
		zap.Int("rounds_played", s.roundsPlayed))
	return nil
}

func (e *Engine) Session(walletID string) (*SessionInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.active[walletID]
	if !ok {
		return nil, false
	}
	info := s.info()
	return &info, true
}

func (e *Engine) PlayerStats(walletID string) PlayerStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.stats[walletID]; ok {
		out := *s
		out.recentBets = nil
		return out
	}
	return PlayerStats{WalletID: walletID}
}

func (e *Engine) SystemStats() SystemStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return SystemStats{
		ActiveSessions: len(e.active),
		TotalRounds:    e.totalRounds,
		TotalWagered:   e.totalWagered,
		TotalWon:       e.totalWon,
		RealizedRTP:    ratio(e.totalWon, e.totalWagered),
		TargetRTP:      e.cfg.RTP,
	}
}

// Prune drops ended sessions, and their rounds, older than the retention
// period, then forgets the locks and stats of wallets left without a session.
func (e *Engine) Prune() int {
	if e.cfg.SessionRetention <= 0 {
		return 0
	}
	cutoff := e.now().Add(-e.cfg.SessionRetention)

	e.mu.Lock()
	defer e.mu.Unlock()
	pruned := 0
	for id, s := range e.sessionsByID {
		if s.ended() && s.endedAt.Before(cutoff) {
			delete(e.sessionsByID, id)
			pruned++
		}
	}
	if pruned > 0 {
		for id, r := range e.rounds {
			if _, ok := e.sessionsByID[r.session.id]; !ok {
				delete(e.rounds, id)
			}
		}
	}

	retained := make(map[string]bool, len(e.sessionsByID))
	for _, s := range e.sessionsByID {
		retained[s.walletID] = true
	}
	for walletID := range e.stats {
		if !retained[walletID] {
			if _, held := e.walletMu.Load(walletID); !held {
				delete(e.stats, walletID)
			}
		}
	}
	e.walletMu.Range(func(k, v any) bool {
		walletID := k.(string)
		if retained[walletID] {
			return true
		}
		// a wallet whose lock is taken is mid-call; leave it for the next run
		mu := v.(*sync.Mutex)
		if !mu.TryLock() {
			return true
		}
		e.walletMu.Delete(walletID)
		delete(e.stats, walletID)
		mu.Unlock()
		return true
	})
	return pruned
}

var errNoSession = errors.New("no session")

// SessionByID returns the public view of any retained session.
func (e *Engine) SessionByID(id string) (*SessionInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessionsByID[id]
	if !ok {
		return nil, apperr.Wrap(apperr.KindNotFound, "fair.session", errNoSession)
	}
	info := s.info()
	return &info, nil
}
