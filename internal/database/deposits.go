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

	"github.com/shopspring/decimal"
)

const transactionColumns = `id, wallet_id, type, amount, token_amount, bonus, tx_hash, reference, status, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*model.TransactionRecord, error) {
	var (
		rec       model.TransactionRecord
		txHash    sql.NullString
		reference sql.NullString
		created   int64
	)
	if err := row.Scan(&rec.ID, &rec.WalletID, &rec.Type, &rec.Amount, &rec.TokenAmount, &rec.Bonus,
		&txHash, &reference, &rec.Status, &created); err != nil {
		return nil, err
	}
	rec.TxHash = txHash.String
	rec.Reference = reference.String
	rec.CreatedAt = time.Unix(created, 0).UTC()
	return &rec, nil
}

// FindCompletedTransaction returns the completed ledger row for a chain
// transaction, or nil when it was never credited.
func (d *Database) FindCompletedTransaction(ctx context.Context, txHash string) (*model.TransactionRecord, error) {
	rec, err := scanTransaction(d.queryRow(ctx, d.db,
		`SELECT `+transactionColumns+` FROM transactions WHERE tx_hash = ? AND status = ?`,
		txHash, model.TxStatusCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLedgerConsistency, "ledger.find_tx", err)
	}
	return rec, nil
}

// AtomicCreditAndRecord credits a confirmed deposit. The balance update, the
// deposit row, the first-deposit bonus and the journal entry commit together or
// not at all. A second credit of the same txHash fails with KindConflict.
func (d *Database) AtomicCreditAndRecord(ctx context.Context, walletID string, creditAmount int64, txHash string, meta model.CreditMeta) (*model.TransactionRecord, error) {
	const op = "ledger.credit"
	if creditAmount <= 0 {
		return nil, apperr.New(apperr.KindValidation, op, "credit amount must be positive")
	}

	var rec *model.TransactionRecord
	err := d.inTx(ctx, op, func(tx *sql.Tx) error {
		if err := d.ensureAccount(ctx, tx, walletID); err != nil {
			return err
		}

		var previous int
		if err := d.queryRow(ctx, tx,
			`SELECT COUNT(*) FROM transactions WHERE wallet_id = ? AND type = ? AND status = ?`,
			walletID, string(model.TxTypeDeposit), model.TxStatusCompleted).Scan(&previous); err != nil {
			return err
		}

		var bonus int64
		if previous == 0 && meta.BonusRate != "" {
			rate, err := decimal.NewFromString(meta.BonusRate)
			if err != nil {
				return apperr.Wrap(apperr.KindValidation, op, err)
			}
			bonus = decimal.NewFromInt(creditAmount).Mul(rate).Floor().IntPart()
		}

		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		now := d.now().Unix()

		var id int64
		if err := d.queryRow(ctx, tx, `
			INSERT INTO transactions (wallet_id, type, amount, token_amount, bonus, tx_hash, reference, status, created_at, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			walletID, string(model.TxTypeDeposit), creditAmount, meta.TokenAmount, bonus, txHash,
			nullString(meta.DepositID), model.TxStatusCompleted, now, string(metaJSON)).Scan(&id); err != nil {
			return err
		}

		if bonus > 0 {
			if _, err := d.exec(ctx, tx, `
				INSERT INTO transactions (wallet_id, type, amount, reference, status, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				walletID, string(model.TxTypeBonus), bonus, txHash, model.TxStatusCompleted, now); err != nil {
				return err
			}
		}

		if _, err := d.exec(ctx, tx, `
			UPDATE accounts
			SET balance = balance + ?, total_deposited = total_deposited + ?, updated_at = ?
			WHERE wallet_id = ?`,
			creditAmount+bonus, creditAmount, now, walletID); err != nil {
			return err
		}

		if err := d.addOperation(ctx, tx, &model.Operation{
			WalletID:    walletID,
			Type:        model.OperationTypeDeposit,
			Amount:      creditAmount,
			Description: fmt.Sprintf("Deposit of %d credits", creditAmount),
			Extra:       map[string]any{"tx_hash": txHash, "token_amount": meta.TokenAmount, "confirmations": meta.Confirmations},
		}); err != nil {
			return err
		}
		if bonus > 0 {
			if err := d.addOperation(ctx, tx, &model.Operation{
				WalletID:    walletID,
				Type:        model.OperationTypeDepositBonus,
				Amount:      bonus,
				Description: "First deposit bonus",
				Extra:       map[string]any{"tx_hash": txHash},
			}); err != nil {
				return err
			}
		}

		rec = &model.TransactionRecord{
			ID:          id,
			WalletID:    walletID,
			Type:        model.TxTypeDeposit,
			Amount:      creditAmount,
			TokenAmount: meta.TokenAmount,
			Bonus:       bonus,
			TxHash:      txHash,
			Reference:   meta.DepositID,
			Status:      model.TxStatusCompleted,
			CreatedAt:   time.Unix(now, 0).UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListTransactions returns the most recent ledger rows of walletID.
func (d *Database) ListTransactions(ctx context.Context, walletID string, limit int) ([]model.TransactionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := d.query(ctx, d.db,
		`SELECT `+transactionColumns+` FROM transactions WHERE wallet_id = ? ORDER BY id DESC LIMIT ?`,
		walletID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLedgerConsistency, "ledger.list_tx", err)
	}
	defer rows.Close()

	out := make([]model.TransactionRecord, 0)
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindLedgerConsistency, "ledger.list_tx", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
