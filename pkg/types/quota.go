package types

import "time"

// QuotaPhase is the saga phase of a quota transaction. Phase is
// monotonic: reserved moves to exactly one of confirmed or cancelled.
type QuotaPhase string

const (
	QuotaPhaseReserved  QuotaPhase = "reserved"
	QuotaPhaseConfirmed QuotaPhase = "confirmed"
	QuotaPhaseCancelled QuotaPhase = "cancelled"
)

// QuotaTransaction records a single quota debit keyed by task ID.
// At most one transaction ever exists per task.
type QuotaTransaction struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	AccountID string     `json:"account_id"`
	Amount    int64      `json:"amount"`
	Phase     QuotaPhase `json:"phase"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// QuotaBalance is the read model for an account's remaining quota.
type QuotaBalance struct {
	AccountID string    `json:"account_id"`
	Balance   int64     `json:"balance"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}
