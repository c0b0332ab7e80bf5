package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

type memoryAccount struct {
	balance   int64
	active    bool
	updatedAt time.Time
}

// MemoryLedger is an in-memory Ledger. Suitable for development and
// testing. A single mutex serializes all mutations, which gives the
// same never-negative guarantee as the row lock in the Postgres
// implementation.
type MemoryLedger struct {
	mu           sync.Mutex
	accounts     map[string]*memoryAccount
	transactions map[string]*types.QuotaTransaction // keyed by task ID
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts:     make(map[string]*memoryAccount),
		transactions: make(map[string]*types.QuotaTransaction),
	}
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(ctx context.Context, accountID, taskID string, amount int64) (*types.QuotaTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok || !acct.active {
		return nil, ErrNotMember
	}
	if _, exists := l.transactions[taskID]; exists {
		return nil, ErrTransactionExists
	}
	if acct.balance < amount {
		return nil, &InsufficientError{AccountID: accountID, Remaining: acct.balance, Requested: amount}
	}

	now := time.Now().UTC()
	acct.balance -= amount
	acct.updatedAt = now

	tx := &types.QuotaTransaction{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AccountID: accountID,
		Amount:    amount,
		Phase:     types.QuotaPhaseReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.transactions[taskID] = tx

	cp := *tx
	return &cp, nil
}

// Confirm implements Ledger.
func (l *MemoryLedger) Confirm(ctx context.Context, taskID string) (*types.QuotaTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.transactions[taskID]
	if !ok || tx.Phase != types.QuotaPhaseReserved {
		return nil, ErrNoReservation
	}

	tx.Phase = types.QuotaPhaseConfirmed
	tx.UpdatedAt = time.Now().UTC()

	cp := *tx
	return &cp, nil
}

// Cancel implements Ledger.
func (l *MemoryLedger) Cancel(ctx context.Context, taskID string) (*types.QuotaTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.transactions[taskID]
	if !ok || tx.Phase != types.QuotaPhaseReserved {
		return nil, ErrNoReservation
	}

	now := time.Now().UTC()
	if acct, ok := l.accounts[tx.AccountID]; ok {
		acct.balance += tx.Amount
		acct.updatedAt = now
	}
	tx.Phase = types.QuotaPhaseCancelled
	tx.UpdatedAt = now

	cp := *tx
	return &cp, nil
}

// Balance implements Ledger.
func (l *MemoryLedger) Balance(ctx context.Context, accountID string) (*types.QuotaBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok {
		return nil, ErrNotMember
	}
	return &types.QuotaBalance{
		AccountID: accountID,
		Balance:   acct.balance,
		Active:    acct.active,
		UpdatedAt: acct.updatedAt,
	}, nil
}

// Transaction implements Ledger.
func (l *MemoryLedger) Transaction(ctx context.Context, taskID string) (*types.QuotaTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.transactions[taskID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

// ListReservedBefore implements Ledger.
func (l *MemoryLedger) ListReservedBefore(ctx context.Context, cutoff time.Time) ([]*types.QuotaTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*types.QuotaTransaction
	for _, tx := range l.transactions {
		if tx.Phase == types.QuotaPhaseReserved && tx.CreatedAt.Before(cutoff) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Credit implements Ledger.
func (l *MemoryLedger) Credit(ctx context.Context, accountID string, amount int64) (*types.QuotaBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok {
		acct = &memoryAccount{active: true}
		l.accounts[accountID] = acct
	}
	acct.balance += amount
	acct.updatedAt = time.Now().UTC()

	return &types.QuotaBalance{
		AccountID: accountID,
		Balance:   acct.balance,
		Active:    acct.active,
		UpdatedAt: acct.updatedAt,
	}, nil
}

// Deactivate revokes an account's entitlement without touching its
// balance. Test and admin helper.
func (l *MemoryLedger) Deactivate(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, ok := l.accounts[accountID]; ok {
		acct.active = false
		acct.updatedAt = time.Now().UTC()
	}
}

// Close is a no-op for the memory ledger.
func (l *MemoryLedger) Close() error {
	return nil
}
