package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/model"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

type Config struct {
	// Driver is "sqlite3" or "postgres".
	Driver       string `mapstructure:"driver" json:"driver"`
	Path         string `mapstructure:"path" json:"path"`
	DSN          string `mapstructure:"dsn" json:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" json:"max_open_conns"`
}

func DefaultConfig() Config {
	return Config{Driver: "sqlite3", Path: "./tonsettle.db", MaxOpenConns: 10}
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Database is the ledger of record. Every balance change goes through a single
// SQL transaction together with the rows that explain it.
type Database struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// New opens the database described by cfg and initializes the schema
func New(cfg Config) (*Database, error) {
	var (
		db  *sql.DB
		err error
		d   dialect
	)
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		d = dialectSQLite
		db, err = sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
		if err == nil {
			// sqlite serializes writers; one connection avoids SQLITE_BUSY inside transactions
			db.SetMaxOpenConns(1)
		}
	case "postgres", "pgx":
		d = dialectPostgres
		db, err = sql.Open("pgx", cfg.DSN)
		if err == nil && cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	out := &Database{db: db, dialect: d, now: time.Now}
	if err := out.createTables(); err != nil {
		return nil, fmt.Errorf("error creating tables: %v", err)
	}
	return out, nil
}

func (d *Database) createTables() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == dialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			wallet_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			total_deposited BIGINT NOT NULL DEFAULT 0,
			total_withdrawn BIGINT NOT NULL DEFAULT 0,
			total_wagered BIGINT NOT NULL DEFAULT 0,
			total_won BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id ` + serial + `,
			wallet_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			token_amount BIGINT NOT NULL DEFAULT 0,
			bonus BIGINT NOT NULL DEFAULT 0,
			tx_hash TEXT UNIQUE,
			reference TEXT,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			meta TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions (wallet_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_reference ON transactions (reference)`,
		`CREATE TABLE IF NOT EXISTS withdrawals (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			destination TEXT NOT NULL,
			credit_amount BIGINT NOT NULL,
			token_amount BIGINT NOT NULL,
			network_fee BIGINT NOT NULL,
			net_token_amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			tx_hash TEXT,
			msg_hash TEXT,
			msg_expires_at BIGINT,
			failure_reason TEXT,
			flags TEXT,
			requested_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_wallet ON withdrawals (wallet_id, requested_at)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals (status)`,
		`CREATE TABLE IF NOT EXISTS game_rounds (
			round_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			wallet_id TEXT NOT NULL,
			bet_amount BIGINT NOT NULL,
			lines INTEGER NOT NULL,
			total_bet BIGINT NOT NULL,
			grid TEXT NOT NULL,
			win_amount BIGINT NOT NULL,
			game_hash TEXT NOT NULL,
			server_seed_hash TEXT NOT NULL,
			server_seed TEXT,
			client_seed TEXT NOT NULL,
			nonce BIGINT NOT NULL,
			is_win INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_rounds_session ON game_rounds (session_id)`,
		`CREATE TABLE IF NOT EXISTS game_sessions (
			session_id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			server_seed TEXT NOT NULL,
			server_seed_hash TEXT NOT NULL,
			client_seed TEXT NOT NULL,
			nonce BIGINT NOT NULL,
			rounds_played INTEGER NOT NULL DEFAULT 0,
			total_wagered BIGINT NOT NULL DEFAULT 0,
			total_won BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			ended_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_sessions_open ON game_sessions (ended_at)`,
		`CREATE TABLE IF NOT EXISTS operations (
			id ` + serial + `,
			wallet_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			description TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			extra TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_wallet ON operations (wallet_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("error executing query: %v\nQuery: %s", err, query)
		}
	}

	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// DB returns the underlying database connection
func (d *Database) DB() *sql.DB {
	return d.db
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind turns ? placeholders into $n for postgres.
func (d *Database) rebind(query string) string {
	if d.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, d.rebind(query), args...)
}

func (d *Database) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, d.rebind(query), args...)
}

func (d *Database) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, d.rebind(query), args...)
}

// inTx runs fn in a transaction and maps driver errors to ledger error kinds.
func (d *Database) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindLedgerConsistency, op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindLedgerConsistency, op, err)
	}
	return nil
}

func classify(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, op, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	return apperr.Wrap(apperr.KindLedgerConsistency, op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (d *Database) ensureAccount(ctx context.Context, q querier, walletID string) error {
	now := d.now().Unix()
	_, err := d.exec(ctx, q, `
		INSERT INTO accounts (wallet_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (wallet_id) DO NOTHING`, walletID, now, now)
	return err
}

const accountColumns = `wallet_id, balance, total_deposited, total_withdrawn, total_wagered, total_won, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var created, updated int64
	if err := row.Scan(&a.WalletID, &a.Balance, &a.TotalDeposited, &a.TotalWithdrawn,
		&a.TotalWagered, &a.TotalWon, &created, &updated); err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

// GetAccount returns the ledger account of walletID.
func (d *Database) GetAccount(ctx context.Context, walletID string) (*model.Account, error) {
	a, err := scanAccount(d.queryRow(ctx, d.db, `SELECT `+accountColumns+` FROM accounts WHERE wallet_id = ?`, walletID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "ledger.account", "account not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLedgerConsistency, "ledger.account", err)
	}
	return a, nil
}

// AdjustBalance applies an operator correction of delta credits.
func (d *Database) AdjustBalance(ctx context.Context, walletID string, delta int64, reason string) (*model.Account, error) {
	const op = "ledger.adjust"
	var out *model.Account
	err := d.inTx(ctx, op, func(tx *sql.Tx) error {
		if err := d.ensureAccount(ctx, tx, walletID); err != nil {
			return err
		}
		res, err := d.exec(ctx, tx, `
			UPDATE accounts SET balance = balance + ?, updated_at = ?
			WHERE wallet_id = ? AND balance + ? >= 0`, delta, d.now().Unix(), walletID, delta)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.KindInsufficientFunds, op, "adjustment would make the balance negative")
		}
		if err := d.addOperation(ctx, tx, &model.Operation{
			WalletID:    walletID,
			Type:        model.OperationTypeAdjustment,
			Amount:      delta,
			Description: reason,
		}); err != nil {
			return err
		}
		out, err = scanAccount(d.queryRow(ctx, tx, `SELECT `+accountColumns+` FROM accounts WHERE wallet_id = ?`, walletID))
		return err
	})
	return out, err
}

// AddOperation adds a new operation to the journal
func (d *Database) AddOperation(ctx context.Context, op *model.Operation) error {
	return d.addOperation(ctx, d.db, op)
}

func (d *Database) addOperation(ctx context.Context, q querier, op *model.Operation) error {
	var extraJSON []byte
	if op.Extra != nil {
		var err error
		extraJSON, err = json.Marshal(op.Extra)
		if err != nil {
			return err
		}
	}
	var extra any
	if extraJSON != nil {
		extra = string(extraJSON)
	}

	_, err := d.exec(ctx, q, `
		INSERT INTO operations (wallet_id, type, amount, description, created_at, extra)
		VALUES (?, ?, ?, ?, ?, ?)`,
		op.WalletID,
		string(op.Type),
		op.Amount,
		op.Description,
		d.now().Unix(),
		extra,
	)
	return err
}

// GetUserOperations retrieves wallet operations with pagination
func (d *Database) GetUserOperations(ctx context.Context, walletID string, page, pageSize int) (*model.OperationHistory, error) {
	// Get total count
	var total int
	err := d.queryRow(ctx, d.db, "SELECT COUNT(*) FROM operations WHERE wallet_id = ?", walletID).Scan(&total)
	if err != nil {
		return nil, err
	}

	offset := (page - 1) * pageSize

	rows, err := d.query(ctx, d.db, `
		SELECT id, wallet_id, type, amount, description, created_at, extra
		FROM operations
		WHERE wallet_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, walletID, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	operations := make([]model.Operation, 0)
	for rows.Next() {
		var op model.Operation
		var extraJSON sql.NullString
		if err := rows.Scan(&op.ID, &op.WalletID, &op.Type, &op.Amount, &op.Description, &op.CreatedAt, &extraJSON); err != nil {
			return nil, err
		}

		if extraJSON.Valid && extraJSON.String != "" {
			var extra interface{}
			if err := json.Unmarshal([]byte(extraJSON.String), &extra); err != nil {
				return nil, err
			}
			op.Extra = extra
		}

		operations = append(operations, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &model.OperationHistory{
		Operations: operations,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
