package batch

import "time"

// BatchStatus represents the state of a batch
type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusPaused    BatchStatus = "paused"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// Active reports whether the batch can still dispatch or accept work
func (s BatchStatus) Active() bool {
	return s == BatchStatusRunning || s == BatchStatusPaused
}

// Batch groups a submitted set of automation jobs
type Batch struct {
	ID string `json:"id"`
	// IdempotencyKey rejects duplicate submissions while a batch with
	// the same key is still active
	IdempotencyKey string      `json:"idempotency_key"`
	Status         BatchStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
