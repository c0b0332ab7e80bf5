package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger()
	return NewCoordinator(ledger, nil, nil), ledger
}

func mustBalance(t *testing.T, c *Coordinator, accountID string) int64 {
	t.Helper()
	b, err := c.GetQuota(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetQuota failed: %v", err)
	}
	return b.Balance
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("debits balance and records reserved transaction", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		c.Credit(ctx, "acct", 10)

		tx, err := c.Reserve(ctx, "acct", "t1", 3)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if tx.Phase != types.QuotaPhaseReserved {
			t.Errorf("expected reserved phase, got %s", tx.Phase)
		}
		if got := mustBalance(t, c, "acct"); got != 7 {
			t.Errorf("expected balance 7, got %d", got)
		}
	})

	t.Run("fails NOT_MEMBER for unknown account", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		if _, err := c.Reserve(ctx, "ghost", "t1", 1); !errors.Is(err, ErrNotMember) {
			t.Errorf("expected ErrNotMember, got %v", err)
		}
	})

	t.Run("fails NOT_MEMBER for inactive account", func(t *testing.T) {
		c, ledger := newTestCoordinator(t)
		c.Credit(ctx, "acct", 10)
		ledger.Deactivate("acct")
		if _, err := c.Reserve(ctx, "acct", "t1", 1); !errors.Is(err, ErrNotMember) {
			t.Errorf("expected ErrNotMember, got %v", err)
		}
	})

	t.Run("fails QUOTA_INSUFFICIENT carrying amounts", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		c.Credit(ctx, "acct", 2)

		_, err := c.Reserve(ctx, "acct", "t1", 5)
		var insufficient *InsufficientError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientError, got %v", err)
		}
		if insufficient.Remaining != 2 || insufficient.Requested != 5 {
			t.Errorf("expected remaining 2 requested 5, got %+v", insufficient)
		}
		if got := mustBalance(t, c, "acct"); got != 2 {
			t.Errorf("failed reserve must not change balance, got %d", got)
		}
	})

	t.Run("rejects second transaction for same task", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		c.Credit(ctx, "acct", 10)
		c.Reserve(ctx, "acct", "t1", 1)
		if _, err := c.Reserve(ctx, "acct", "t1", 1); !errors.Is(err, ErrTransactionExists) {
			t.Errorf("expected ErrTransactionExists, got %v", err)
		}
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		if _, err := c.Reserve(ctx, "acct", "t1", 0); err == nil {
			t.Error("expected error for zero amount")
		}
	})
}

func TestConservation(t *testing.T) {
	ctx := context.Background()

	t.Run("reserve then cancel restores balance exactly", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		c.Credit(ctx, "acct", 10)

		c.Reserve(ctx, "acct", "t1", 3)
		if err := c.Cancel(ctx, "t1"); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}

		if got := mustBalance(t, c, "acct"); got != 10 {
			t.Errorf("expected balance 10 after refund, got %d", got)
		}
		tx, _ := c.GetTransaction(ctx, "t1")
		if tx.Phase != types.QuotaPhaseCancelled {
			t.Errorf("expected cancelled phase, got %s", tx.Phase)
		}
	})

	t.Run("reserve then confirm leaves debit permanent", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		c.Credit(ctx, "acct", 10)

		c.Reserve(ctx, "acct", "t1", 3)
		if err := c.Confirm(ctx, "t1"); err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}

		if got := mustBalance(t, c, "acct"); got != 7 {
			t.Errorf("expected balance 7 after confirm, got %d", got)
		}
		tx, _ := c.GetTransaction(ctx, "t1")
		if tx.Phase != types.QuotaPhaseConfirmed {
			t.Errorf("expected confirmed phase, got %s", tx.Phase)
		}
	})
}

func TestIdempotence(t *testing.T) {
	ctx := context.Background()

	t.Run("double cancel changes nothing", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		c.Credit(ctx, "acct", 10)
		c.Reserve(ctx, "acct", "t1", 3)

		c.Cancel(ctx, "t1")
		if err := c.Cancel(ctx, "t1"); err != nil {
			t.Fatalf("second Cancel must be a no-op, got %v", err)
		}
		if got := mustBalance(t, c, "acct"); got != 10 {
			t.Errorf("double refund detected, balance %d", got)
		}
	})

	t.Run("double confirm changes nothing", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		c.Credit(ctx, "acct", 10)
		c.Reserve(ctx, "acct", "t1", 3)

		c.Confirm(ctx, "t1")
		if err := c.Confirm(ctx, "t1"); err != nil {
			t.Fatalf("second Confirm must be a no-op, got %v", err)
		}
		if got := mustBalance(t, c, "acct"); got != 7 {
			t.Errorf("expected balance 7, got %d", got)
		}
	})

	t.Run("cancel after confirm does not refund", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		c.Credit(ctx, "acct", 10)
		c.Reserve(ctx, "acct", "t1", 3)

		c.Confirm(ctx, "t1")
		if err := c.Cancel(ctx, "t1"); err != nil {
			t.Fatalf("Cancel after Confirm must be a no-op, got %v", err)
		}
		if got := mustBalance(t, c, "acct"); got != 7 {
			t.Errorf("confirmed debit must be permanent, balance %d", got)
		}
		tx, _ := c.GetTransaction(ctx, "t1")
		if tx.Phase != types.QuotaPhaseConfirmed {
			t.Errorf("terminal phase must not flip, got %s", tx.Phase)
		}
	})

	t.Run("finalize with no reservation is a no-op", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		if err := c.Confirm(ctx, "ghost"); err != nil {
			t.Errorf("Confirm without reservation must not error, got %v", err)
		}
		if err := c.Cancel(ctx, "ghost"); err != nil {
			t.Errorf("Cancel without reservation must not error, got %v", err)
		}
	})
}

// Two concurrent reserves on a balance-5 account each requesting 3:
// exactly one succeeds and the balance never goes negative.
func TestConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	c.Credit(ctx, "acct", 5)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taskID := []string{"t1", "t2"}[i]
			_, results[i] = c.Reserve(ctx, "acct", taskID, 3)
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			var ie *InsufficientError
			if errors.As(err, &ie) {
				insufficient++
			} else {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success and one QUOTA_INSUFFICIENT, got %d/%d", succeeded, insufficient)
	}
	if got := mustBalance(t, c, "acct"); got != 2 {
		t.Errorf("expected balance 2, got %d", got)
	}
}

func TestCheckQuota(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	c.Credit(ctx, "acct", 5)

	if ok, err := c.CheckQuota(ctx, "acct", 5); err != nil || !ok {
		t.Errorf("expected check to pass, got ok=%v err=%v", ok, err)
	}
	if ok, err := c.CheckQuota(ctx, "acct", 6); err != nil || ok {
		t.Errorf("expected check to fail, got ok=%v err=%v", ok, err)
	}
	if ok, err := c.CheckQuota(ctx, "ghost", 1); err != nil || ok {
		t.Errorf("unknown account must check false without error, got ok=%v err=%v", ok, err)
	}
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()

	statuses := map[string]types.TaskStatus{
		"failed-task":    types.TaskStatusFailed,
		"running-task":   types.TaskStatusProcessing,
		"succeeded-task": types.TaskStatusSuccess,
	}
	var mu sync.Mutex
	taskStatus := func(ctx context.Context, taskID string) (types.TaskStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		s, ok := statuses[taskID]
		if !ok {
			return "", errors.New("task not found")
		}
		return s, nil
	}
	c := NewCoordinator(ledger, taskStatus, nil)

	c.Credit(ctx, "acct", 10)
	c.Reserve(ctx, "acct", "failed-task", 3)
	c.Reserve(ctx, "acct", "running-task", 2)
	c.Reserve(ctx, "acct", "succeeded-task", 4)

	// Everything reserved so far is old enough to sweep.
	c.reconcileOnce(ctx, -time.Second)

	// Only the failed task's debit comes back; the succeeded task's
	// debit is made permanent, the running task's stays pending.
	if got := mustBalance(t, c, "acct"); got != 4 {
		t.Errorf("expected balance 4 after sweep, got %d", got)
	}
	tx, _ := c.GetTransaction(ctx, "failed-task")
	if tx.Phase != types.QuotaPhaseCancelled {
		t.Errorf("expected failed task cancelled, got %s", tx.Phase)
	}
	tx, _ = c.GetTransaction(ctx, "running-task")
	if tx.Phase != types.QuotaPhaseReserved {
		t.Errorf("running task must stay reserved, got %s", tx.Phase)
	}
	tx, _ = c.GetTransaction(ctx, "succeeded-task")
	if tx.Phase != types.QuotaPhaseConfirmed {
		t.Errorf("succeeded task must be confirmed by the sweep, got %s", tx.Phase)
	}

	// A second sweep finds nothing left to settle.
	c.reconcileOnce(ctx, -time.Second)
	if got := mustBalance(t, c, "acct"); got != 4 {
		t.Errorf("second sweep must change nothing, got balance %d", got)
	}
}
