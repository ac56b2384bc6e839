package models

import "time"

// AttemptStatus tracks the lifecycle of a reward attempt.
type AttemptStatus string

const (
	StatusPending AttemptStatus = "pending"
	StatusSettled AttemptStatus = "settled"
	StatusFailed  AttemptStatus = "failed"
)

// RewardRequest is the payload from the client.
type RewardRequest struct {
	UserWalletAddress string `json:"userWalletAddress"`
	EventType         string `json:"eventType"`
	// OccurrenceID identifies the concrete qualifying action ("article 42
	// read by user 7"). Repeated calls with the same key settle at most once.
	OccurrenceID string `json:"occurrenceId,omitempty"`
}

// RewardAttempt is the immutable audit record of one payout attempt.
// Amount is in token base units, string-encoded to avoid floating-point error.
type RewardAttempt struct {
	ID            int64         `json:"id"`
	WalletAddress string        `json:"wallet_address"`
	EventKind     string        `json:"event_kind"`
	OccurrenceID  string        `json:"occurrence_id"`
	Amount        string        `json:"amount"`
	Status        AttemptStatus `json:"status"`
	TxHash        string        `json:"tx_hash,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	SettledAt     *time.Time    `json:"settled_at,omitempty"`
}

// RewardReceipt is the canonical success response structure.
type RewardReceipt struct {
	Success  bool   `json:"success"`
	TxHash   string `json:"txHash"`
	Amount   string `json:"amount"`
	Replayed bool   `json:"replayed,omitempty"`
}
