package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/model"
)

// SettleRound debits the stake, credits the win and stores the round in one
// transaction. It returns the wallet balance after settlement.
func (d *Database) SettleRound(ctx context.Context, round model.GameRound) (int64, error) {
	const op = "ledger.settle_round"
	var balance int64
	err := d.inTx(ctx, op, func(tx *sql.Tx) error {
		now := d.now().Unix()
		res, err := d.exec(ctx, tx, `
			UPDATE accounts
			SET balance = balance - ? + ?, total_wagered = total_wagered + ?, total_won = total_won + ?, updated_at = ?
			WHERE wallet_id = ? AND balance >= ?`,
			round.TotalBet, round.WinAmount, round.TotalBet, round.WinAmount, now, round.WalletID, round.TotalBet)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.KindInsufficientFunds, op, "insufficient balance for bet")
		}

		grid, err := json.Marshal(round.OutcomeGrid)
		if err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `
			INSERT INTO game_rounds (round_id, session_id, wallet_id, bet_amount, lines, total_bet, grid, win_amount,
				game_hash, server_seed_hash, client_seed, nonce, is_win, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			round.RoundID, round.SessionID, round.WalletID, round.BetAmount, round.Lines, round.TotalBet, string(grid),
			round.WinAmount, round.GameHash, round.ServerSeedHash, round.ClientSeed, int64(round.Nonce),
			boolToInt(round.IsWin), round.CreatedAt.Unix()); err != nil {
			return err
		}

		// the next nonce is stored with the round it follows
		if _, err := d.exec(ctx, tx, `
			UPDATE game_sessions
			SET nonce = ?, client_seed = ?, rounds_played = rounds_played + 1,
				total_wagered = total_wagered + ?, total_won = total_won + ?
			WHERE session_id = ? AND ended_at IS NULL`,
			int64(round.Nonce+1), round.ClientSeed, round.TotalBet, round.WinAmount, round.SessionID); err != nil {
			return err
		}

		if err := d.addOperation(ctx, tx, &model.Operation{
			WalletID:    round.WalletID,
			Type:        model.OperationTypeGameRound,
			Amount:      round.WinAmount - round.TotalBet,
			Description: fmt.Sprintf("Slot round: bet %d, won %d", round.TotalBet, round.WinAmount),
			Extra:       map[string]any{"round_id": round.RoundID, "game_hash": round.GameHash, "nonce": round.Nonce},
		}); err != nil {
			return err
		}

		return d.queryRow(ctx, tx, `SELECT balance FROM accounts WHERE wallet_id = ?`, round.WalletID).Scan(&balance)
	})
	return balance, err
}

// SaveGameSession stores a new session together with its secret server seed.
func (d *Database) SaveGameSession(ctx context.Context, s model.GameSession) error {
	_, err := d.exec(ctx, d.db, `
		INSERT INTO game_sessions (session_id, wallet_id, server_seed, server_seed_hash, client_seed, nonce, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.WalletID, s.ServerSeed, s.ServerSeedHash, s.ClientSeed, int64(s.Nonce), s.CreatedAt.Unix())
	if err != nil {
		return classify("ledger.save_session", err)
	}
	return nil
}

// EndGameSession marks a session ended and stores its server seed on every
// round it played, in one transaction. Ending an ended session only fills in
// rounds that are still unrevealed.
func (d *Database) EndGameSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	const op = "ledger.end_session"
	return d.inTx(ctx, op, func(tx *sql.Tx) error {
		var seed string
		err := d.queryRow(ctx, tx, `SELECT server_seed FROM game_sessions WHERE session_id = ?`, sessionID).Scan(&seed)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Newf(apperr.KindNotFound, op, "session %s not found", sessionID)
		}
		if err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx,
			`UPDATE game_sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
			endedAt.Unix(), sessionID); err != nil {
			return err
		}
		_, err = d.exec(ctx, tx,
			`UPDATE game_rounds SET server_seed = ? WHERE session_id = ? AND server_seed IS NULL`,
			seed, sessionID)
		return err
	})
}

// ListActiveGameSessions returns every session that has not ended, oldest first.
func (d *Database) ListActiveGameSessions(ctx context.Context) ([]model.GameSession, error) {
	const op = "ledger.active_sessions"
	rows, err := d.query(ctx, d.db, `
		SELECT session_id, wallet_id, server_seed, server_seed_hash, client_seed, nonce,
			rounds_played, total_wagered, total_won, created_at
		FROM game_sessions WHERE ended_at IS NULL ORDER BY created_at, session_id`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLedgerConsistency, op, err)
	}
	defer rows.Close()

	out := make([]model.GameSession, 0)
	for rows.Next() {
		var (
			s       model.GameSession
			nonce   int64
			created int64
		)
		if err := rows.Scan(&s.SessionID, &s.WalletID, &s.ServerSeed, &s.ServerSeedHash, &s.ClientSeed, &nonce,
			&s.RoundsPlayed, &s.TotalWagered, &s.TotalWon, &created); err != nil {
			return nil, apperr.Wrap(apperr.KindLedgerConsistency, op, err)
		}
		s.Nonce = uint64(nonce)
		s.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindLedgerConsistency, op, err)
	}
	return out, nil
}

// GetGameRound returns a stored round and its server seed, which is empty
// until the round's session has ended.
func (d *Database) GetGameRound(ctx context.Context, roundID string) (*model.GameRound, string, error) {
	const op = "ledger.game_round"
	var (
		r       model.GameRound
		grid    string
		seed    sql.NullString
		nonce   int64
		isWin   int
		created int64
	)
	err := d.queryRow(ctx, d.db, `
		SELECT round_id, session_id, wallet_id, bet_amount, lines, total_bet, grid, win_amount,
			game_hash, server_seed_hash, server_seed, client_seed, nonce, is_win, created_at
		FROM game_rounds WHERE round_id = ?`, roundID).Scan(
		&r.RoundID, &r.SessionID, &r.WalletID, &r.BetAmount, &r.Lines, &r.TotalBet, &grid, &r.WinAmount,
		&r.GameHash, &r.ServerSeedHash, &seed, &r.ClientSeed, &nonce, &isWin, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", apperr.New(apperr.KindNotFound, op, "round not found")
	}
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindLedgerConsistency, op, err)
	}
	if err := json.Unmarshal([]byte(grid), &r.OutcomeGrid); err != nil {
		return nil, "", apperr.Wrap(apperr.KindLedgerConsistency, op, err)
	}
	r.Nonce = uint64(nonce)
	r.IsWin = isWin == 1
	r.CreatedAt = time.Unix(created, 0).UTC()
	if r.TotalBet > 0 {
		r.RTPRealized = float64(r.WinAmount) / float64(r.TotalBet)
	}
	return &r, seed.String, nil
}
