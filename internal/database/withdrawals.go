package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/model"
)

const withdrawalColumns = `id, wallet_id, destination, credit_amount, token_amount, network_fee, net_token_amount,
	status, tx_hash, msg_hash, msg_expires_at, failure_reason, flags, requested_at, updated_at`

func scanWithdrawal(row interface{ Scan(...any) error }) (*model.WithdrawalRequest, error) {
	var (
		w                  model.WithdrawalRequest
		status             string
		txHash, msgHash    sql.NullString
		msgExpires         sql.NullInt64
		reason, flags      sql.NullString
		requested, updated int64
	)
	if err := row.Scan(&w.ID, &w.WalletID, &w.DestinationAddress, &w.CreditAmount, &w.TokenAmount,
		&w.NetworkFee, &w.NetTokenAmount, &status, &txHash, &msgHash, &msgExpires, &reason, &flags,
		&requested, &updated); err != nil {
		return nil, err
	}
	w.State = model.WithdrawalState(status)
	w.ChainTxID = txHash.String
	w.MessageHash = msgHash.String
	if msgExpires.Valid {
		w.MessageExpiresAt = time.Unix(msgExpires.Int64, 0).UTC()
	}
	w.FailureReason = reason.String
	if flags.Valid && flags.String != "" {
		if err := json.Unmarshal([]byte(flags.String), &w.FraudFlags); err != nil {
			return nil, err
		}
	}
	w.RequestedAt = time.Unix(requested, 0).UTC()
	w.UpdatedAt = time.Unix(updated, 0).UTC()
	return &w, nil
}

// AtomicDebit holds req.CreditAmount from the wallet and records the request
// and its pending ledger row in the same transaction. It fails with
// KindInsufficientFunds when the balance does not cover the amount and with
// KindValidation when a positive dailyLimit would be exceeded. The account row
// is locked before the day's total is read, so concurrent requests of one
// wallet are checked one after the other.
func (d *Database) AtomicDebit(ctx context.Context, req *model.WithdrawalRequest, dailyLimit int64) error {
	const op = "ledger.debit"
	if req.CreditAmount <= 0 {
		return apperr.New(apperr.KindValidation, op, "debit amount must be positive")
	}

	return d.inTx(ctx, op, func(tx *sql.Tx) error {
		now := d.now().Unix()
		if d.dialect == dialectPostgres {
			var balance int64
			err := d.queryRow(ctx, tx, `SELECT balance FROM accounts WHERE wallet_id = ? FOR UPDATE`, req.WalletID).Scan(&balance)
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.KindInsufficientFunds, op, "insufficient balance")
			}
			if err != nil {
				return err
			}
		}
		// on sqlite the update takes the write lock
		res, err := d.exec(ctx, tx, `
			UPDATE accounts
			SET balance = balance - ?, total_withdrawn = total_withdrawn + ?, updated_at = ?
			WHERE wallet_id = ? AND balance >= ?`,
			req.CreditAmount, req.CreditAmount, now, req.WalletID, req.CreditAmount)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.KindInsufficientFunds, op, "insufficient balance")
		}

		if dailyLimit > 0 {
			total, err := d.dailyTotal(ctx, tx, req.WalletID, req.RequestedAt)
			if err != nil {
				return err
			}
			if total+req.CreditAmount > dailyLimit {
				return apperr.Newf(apperr.KindValidation, op,
					"daily withdrawal limit exceeded, %d credits remaining today", max(dailyLimit-total, 0))
			}
		}

		var flags any
		if len(req.FraudFlags) > 0 {
			b, err := json.Marshal(req.FraudFlags)
			if err != nil {
				return err
			}
			flags = string(b)
		}
		if _, err := d.exec(ctx, tx, `
			INSERT INTO withdrawals (id, wallet_id, destination, credit_amount, token_amount, network_fee,
				net_token_amount, status, flags, requested_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.WalletID, req.DestinationAddress, req.CreditAmount, req.TokenAmount, req.NetworkFee,
			req.NetTokenAmount, string(req.State), flags, req.RequestedAt.Unix(), now); err != nil {
			return err
		}

		if _, err := d.exec(ctx, tx, `
			INSERT INTO transactions (wallet_id, type, amount, token_amount, reference, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.WalletID, string(model.TxTypeWithdrawal), req.CreditAmount, req.NetTokenAmount, req.ID,
			model.TxStatusPending, now); err != nil {
			return err
		}

		return d.addOperation(ctx, tx, &model.Operation{
			WalletID:    req.WalletID,
			Type:        model.OperationTypeWithdrawal,
			Amount:      -req.CreditAmount,
			Description: fmt.Sprintf("Withdrawal of %d credits requested", req.CreditAmount),
			Extra:       map[string]any{"withdrawal_id": req.ID, "destination": req.DestinationAddress, "state": req.State},
		})
	})
}

// AtomicRefundAndMarkFailed moves a non-terminal withdrawal to Failed and
// returns the held amount to the wallet. Refunding an already failed request
// is a no-op, so a retried call never refunds twice.
func (d *Database) AtomicRefundAndMarkFailed(ctx context.Context, withdrawalID string, amount int64, reason string) error {
	const op = "ledger.refund"
	return d.inTx(ctx, op, func(tx *sql.Tx) error {
		w, err := scanWithdrawal(d.queryRow(ctx, tx,
			`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, withdrawalID))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, op, "withdrawal not found")
		}
		if err != nil {
			return err
		}
		switch w.State {
		case model.WithdrawalFailed:
			return nil
		case model.WithdrawalCompleted:
			return apperr.New(apperr.KindConflict, op, "withdrawal already completed")
		}
		if amount != w.CreditAmount {
			return apperr.Newf(apperr.KindValidation, op, "refund amount %d does not match held amount %d", amount, w.CreditAmount)
		}

		now := d.now().Unix()
		res, err := d.exec(ctx, tx, `
			UPDATE withdrawals SET status = ?, failure_reason = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(model.WithdrawalFailed), reason, now, withdrawalID, string(w.State))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.KindConflict, op, "withdrawal changed concurrently")
		}

		if _, err := d.exec(ctx, tx, `
			UPDATE accounts
			SET balance = balance + ?, total_withdrawn = total_withdrawn - ?, updated_at = ?
			WHERE wallet_id = ?`, amount, amount, now, w.WalletID); err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `
			UPDATE transactions SET status = ? WHERE reference = ? AND type = ?`,
			model.TxStatusFailed, withdrawalID, string(model.TxTypeWithdrawal)); err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `
			INSERT INTO transactions (wallet_id, type, amount, reference, status, created_at, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.WalletID, string(model.TxTypeRefund), amount, withdrawalID, model.TxStatusCompleted, now, reason); err != nil {
			return err
		}

		return d.addOperation(ctx, tx, &model.Operation{
			WalletID:    w.WalletID,
			Type:        model.OperationTypeWithdrawalRefund,
			Amount:      amount,
			Description: fmt.Sprintf("Withdrawal refunded: %s", reason),
			Extra:       map[string]any{"withdrawal_id": withdrawalID},
		})
	})
}

// GetDailyWithdrawalTotal sums the credits of every non-failed withdrawal
// requested by walletID on the UTC calendar day of day.
func (d *Database) GetDailyWithdrawalTotal(ctx context.Context, walletID string, day time.Time) (int64, error) {
	total, err := d.dailyTotal(ctx, d.db, walletID, day)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindLedgerConsistency, "ledger.daily_total", err)
	}
	return total, nil
}

func (d *Database) dailyTotal(ctx context.Context, q querier, walletID string, day time.Time) (int64, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	var total sql.NullInt64
	err := d.queryRow(ctx, q, `
		SELECT SUM(credit_amount) FROM withdrawals
		WHERE wallet_id = ? AND requested_at >= ? AND requested_at < ? AND status <> ?`,
		walletID, start.Unix(), end.Unix(), string(model.WithdrawalFailed)).Scan(&total)
	return total.Int64, err
}

// CountWithdrawalsSince counts the withdrawals walletID requested at or after since.
func (d *Database) CountWithdrawalsSince(ctx context.Context, walletID string, since time.Time) (int, error) {
	var n int
	err := d.queryRow(ctx, d.db,
		`SELECT COUNT(*) FROM withdrawals WHERE wallet_id = ? AND requested_at >= ?`,
		walletID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindLedgerConsistency, "ledger.count_withdrawals", err)
	}
	return n, nil
}

// TransitionWithdrawal moves a withdrawal from one non-terminal state to another.
func (d *Database) TransitionWithdrawal(ctx context.Context, id string, from, to model.WithdrawalState) error {
	const op = "ledger.transition"
	res, err := d.exec(ctx, d.db,
		`UPDATE withdrawals SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), d.now().Unix(), id, string(from))
	if err != nil {
		return apperr.Wrap(apperr.KindLedgerConsistency, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindConflict, op, "withdrawal %s is not %s", id, from)
	}
	return nil
}

// MarkWithdrawalSubmitting records the signed message of a pending
// withdrawal before it is sent. From here on the request is only settled from
// what the chain reports.
func (d *Database) MarkWithdrawalSubmitting(ctx context.Context, id, msgHash string, expiresAt time.Time) error {
	const op = "ledger.submitting"
	res, err := d.exec(ctx, d.db,
		`UPDATE withdrawals SET status = ?, msg_hash = ?, msg_expires_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.WithdrawalSubmitting), msgHash, expiresAt.Unix(), d.now().Unix(), id, string(model.WithdrawalPending))
	if err != nil {
		return apperr.Wrap(apperr.KindLedgerConsistency, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindConflict, op, "withdrawal %s is not pending", id)
	}
	return nil
}

// MarkWithdrawalProcessing records the transaction of a pending or
// submitting withdrawal.
func (d *Database) MarkWithdrawalProcessing(ctx context.Context, id, txHash string) error {
	const op = "ledger.processing"
	res, err := d.exec(ctx, d.db,
		`UPDATE withdrawals SET status = ?, tx_hash = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.WithdrawalProcessing), txHash, d.now().Unix(), id,
		string(model.WithdrawalPending), string(model.WithdrawalSubmitting))
	if err != nil {
		return apperr.Wrap(apperr.KindLedgerConsistency, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindConflict, op, "withdrawal %s is not pending or submitting", id)
	}
	return nil
}

// CompleteWithdrawal finalizes a processing withdrawal and stores the final
// transaction hash on its ledger row.
func (d *Database) CompleteWithdrawal(ctx context.Context, id, txHash string) error {
	const op = "ledger.complete"
	return d.inTx(ctx, op, func(tx *sql.Tx) error {
		now := d.now().Unix()
		var walletID string
		var amount int64
		if err := d.queryRow(ctx, tx,
			`SELECT wallet_id, credit_amount FROM withdrawals WHERE id = ?`, id).Scan(&walletID, &amount); err != nil {
			return err
		}
		res, err := d.exec(ctx, tx,
			`UPDATE withdrawals SET status = ?, tx_hash = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.WithdrawalCompleted), txHash, now, id, string(model.WithdrawalProcessing))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.Newf(apperr.KindConflict, op, "withdrawal %s is not processing", id)
		}
		if _, err := d.exec(ctx, tx,
			`UPDATE transactions SET status = ?, tx_hash = ? WHERE reference = ? AND type = ?`,
			model.TxStatusCompleted, txHash, id, string(model.TxTypeWithdrawal)); err != nil {
			return err
		}
		return d.addOperation(ctx, tx, &model.Operation{
			WalletID:    walletID,
			Type:        model.OperationTypeWithdrawalPayout,
			Amount:      -amount,
			Description: fmt.Sprintf("Withdrawal of %d credits completed", amount),
			Extra:       map[string]any{"withdrawal_id": id, "tx_hash": txHash},
		})
	})
}

func (d *Database) GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	w, err := scanWithdrawal(d.queryRow(ctx, d.db, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "ledger.withdrawal", "withdrawal not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLedgerConsistency, "ledger.withdrawal", err)
	}
	return w, nil
}

// ListWithdrawals returns withdrawals in any of states, oldest first.
func (d *Database) ListWithdrawals(ctx context.Context, states ...model.WithdrawalState) ([]model.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, s := range states {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY requested_at, id`

	rows, err := d.query(ctx, d.db, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLedgerConsistency, "ledger.list_withdrawals", err)
	}
	defer rows.Close()

	out := make([]model.WithdrawalRequest, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindLedgerConsistency, "ledger.list_withdrawals", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
