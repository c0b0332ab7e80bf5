package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

// Schema holds the tables the Postgres ledger expects. Applied by
// EnsureSchema; production deployments manage migrations externally.
const Schema = `
CREATE TABLE IF NOT EXISTS quota_accounts (
    account_id TEXT PRIMARY KEY,
    balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quota_transactions (
    id         UUID PRIMARY KEY,
    task_id    TEXT NOT NULL UNIQUE,
    account_id TEXT NOT NULL REFERENCES quota_accounts(account_id),
    amount     BIGINT NOT NULL CHECK (amount > 0),
    phase      TEXT NOT NULL CHECK (phase IN ('reserved', 'confirmed', 'cancelled')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_quota_transactions_phase_created
    ON quota_transactions (phase, created_at);
`

const uniqueViolation = "23505"

// PostgresLedger is a pgx-backed Ledger. Reserve takes a row lock on
// the account for the duration of its transaction, which is the only
// mutual-exclusion point in the whole pipeline flow.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger over an existing connection pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure quota schema: %w", err)
	}
	return nil
}

// Reserve implements Ledger.
func (l *PostgresLedger) Reserve(ctx context.Context, accountID, taskID string, amount int64) (*types.QuotaTransaction, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	var active bool
	err = tx.QueryRow(ctx,
		`SELECT balance, active FROM quota_accounts WHERE account_id = $1 FOR UPDATE`,
		accountID,
	).Scan(&balance, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	if !active {
		return nil, ErrNotMember
	}
	if balance < amount {
		return nil, &InsufficientError{AccountID: accountID, Remaining: balance, Requested: amount}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE quota_accounts SET balance = balance - $2, updated_at = now() WHERE account_id = $1`,
		accountID, amount,
	); err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	record := &types.QuotaTransaction{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AccountID: accountID,
		Amount:    amount,
		Phase:     types.QuotaPhaseReserved,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO quota_transactions (id, task_id, account_id, amount, phase)
         VALUES ($1, $2, $3, $4, $5)
         RETURNING created_at, updated_at`,
		record.ID, record.TaskID, record.AccountID, record.Amount, record.Phase,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrTransactionExists
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return record, nil
}

// Confirm implements Ledger.
func (l *PostgresLedger) Confirm(ctx context.Context, taskID string) (*types.QuotaTransaction, error) {
	return l.finalize(ctx, taskID, types.QuotaPhaseConfirmed, false)
}

// Cancel implements Ledger.
func (l *PostgresLedger) Cancel(ctx context.Context, taskID string) (*types.QuotaTransaction, error) {
	return l.finalize(ctx, taskID, types.QuotaPhaseCancelled, true)
}

// finalize moves a reserved transaction to its terminal phase,
// optionally refunding the account. The phase predicate in the locked
// select makes repeated calls no-ops.
func (l *PostgresLedger) finalize(ctx context.Context, taskID string, phase types.QuotaPhase, refund bool) (*types.QuotaTransaction, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	record := &types.QuotaTransaction{TaskID: taskID}
	err = tx.QueryRow(ctx,
		`SELECT id, account_id, amount, created_at FROM quota_transactions
         WHERE task_id = $1 AND phase = 'reserved' FOR UPDATE`,
		taskID,
	).Scan(&record.ID, &record.AccountID, &record.Amount, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoReservation
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}

	if refund {
		if _, err := tx.Exec(ctx,
			`UPDATE quota_accounts SET balance = balance + $2, updated_at = now() WHERE account_id = $1`,
			record.AccountID, record.Amount,
		); err != nil {
			return nil, fmt.Errorf("refund balance: %w", err)
		}
	}

	err = tx.QueryRow(ctx,
		`UPDATE quota_transactions SET phase = $2, updated_at = now() WHERE id = $1 RETURNING updated_at`,
		record.ID, phase,
	).Scan(&record.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update phase: %w", err)
	}
	record.Phase = phase

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return record, nil
}

// Balance implements Ledger.
func (l *PostgresLedger) Balance(ctx context.Context, accountID string) (*types.QuotaBalance, error) {
	b := &types.QuotaBalance{AccountID: accountID}
	err := l.pool.QueryRow(ctx,
		`SELECT balance, active, updated_at FROM quota_accounts WHERE account_id = $1`,
		accountID,
	).Scan(&b.Balance, &b.Active, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// Transaction implements Ledger.
func (l *PostgresLedger) Transaction(ctx context.Context, taskID string) (*types.QuotaTransaction, error) {
	record := &types.QuotaTransaction{TaskID: taskID}
	err := l.pool.QueryRow(ctx,
		`SELECT id, account_id, amount, phase, created_at, updated_at
         FROM quota_transactions WHERE task_id = $1`,
		taskID,
	).Scan(&record.ID, &record.AccountID, &record.Amount, &record.Phase, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return record, nil
}

// ListReservedBefore implements Ledger.
func (l *PostgresLedger) ListReservedBefore(ctx context.Context, cutoff time.Time) ([]*types.QuotaTransaction, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, task_id, account_id, amount, created_at, updated_at
         FROM quota_transactions WHERE phase = 'reserved' AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list reserved: %w", err)
	}
	defer rows.Close()

	var out []*types.QuotaTransaction
	for rows.Next() {
		record := &types.QuotaTransaction{Phase: types.QuotaPhaseReserved}
		if err := rows.Scan(&record.ID, &record.TaskID, &record.AccountID, &record.Amount, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Credit implements Ledger.
func (l *PostgresLedger) Credit(ctx context.Context, accountID string, amount int64) (*types.QuotaBalance, error) {
	b := &types.QuotaBalance{AccountID: accountID, Active: true}
	err := l.pool.QueryRow(ctx,
		`INSERT INTO quota_accounts (account_id, balance, active)
         VALUES ($1, $2, TRUE)
         ON CONFLICT (account_id)
         DO UPDATE SET balance = quota_accounts.balance + $2, updated_at = now()
         RETURNING balance, active, updated_at`,
		accountID, amount,
	).Scan(&b.Balance, &b.Active, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("credit account: %w", err)
	}
	return b, nil
}

// Close releases the connection pool.
func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
