package model

import "time"

// GameRound is one resolved wager. It is immutable once created.
type GameRound struct {
	RoundID        string    `json:"round_id"`
	SessionID      string    `json:"session_id"`
	WalletID       string    `json:"wallet_id"`
	BetAmount      int64     `json:"bet_amount"`
	Lines          int       `json:"lines"`
	TotalBet       int64     `json:"total_bet"`
	OutcomeGrid    []int     `json:"outcome_grid"`
	WinAmount      int64     `json:"win_amount"`
	GameHash       string    `json:"game_hash"`
	ServerSeedHash string    `json:"server_seed_hash"`
	ClientSeed     string    `json:"client_seed"`
	Nonce          uint64    `json:"nonce"`
	IsWin          bool      `json:"is_win"`
	RTPRealized    float64   `json:"rtp_realized"`
	CreatedAt      time.Time `json:"created_at"`
}

// GameSession is the stored state of a provably-fair session. ServerSeed is
// secret until EndedAt is set.
type GameSession struct {
	SessionID      string     `json:"session_id"`
	WalletID       string     `json:"wallet_id"`
	ServerSeed     string     `json:"-"`
	ServerSeedHash string     `json:"server_seed_hash"`
	ClientSeed     string     `json:"client_seed"`
	Nonce          uint64     `json:"nonce"`
	RoundsPlayed   int        `json:"rounds_played"`
	TotalWagered   int64      `json:"total_wagered"`
	TotalWon       int64      `json:"total_won"`
	CreatedAt      time.Time  `json:"created_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

type CreateSessionRequest struct {
	WalletID   string `json:"wallet_id" binding:"required"`
	ClientSeed string `json:"client_seed"`
}

type PlayRoundRequest struct {
	WalletID   string `json:"wallet_id" binding:"required"`
	BetAmount  int64  `json:"bet_amount" binding:"required,gt=0"`
	Lines      int    `json:"lines"`
	ClientSeed string `json:"client_seed"`
}

type MonitorRequest struct {
	Address  string `json:"address" binding:"required"`
	WalletID string `json:"wallet_id"`
}

type EndSessionRequest struct {
	WalletID string `json:"wallet_id" binding:"required"`
}

type AdjustBalanceRequest struct {
	Delta  int64  `json:"delta" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}
