package store

import (
	"time"
)

// Job is a unit of background work. A job has at most one active lease at
// any instant; leasing is arbitrated entirely by the database.
type Job struct {
	ID             int64
	Queue          string
	Payload        []byte
	AttemptsMade   int
	MaxAttempts    int
	Priority       int
	DeliverAfter   time.Time
	LeaseExpiresAt *time.Time
	LeaseOwner     *string
	LastError      *string
	FirstFailedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeadLetter is a permanently failed job parked outside the retry path.
type DeadLetter struct {
	ID            int64
	OriginalID    int64
	Queue         string
	Payload       []byte
	LastError     string
	AttemptsMade  int
	FirstFailedAt *time.Time
	FailedAt      time.Time
}

// DLQName is the address of a queue's dead-letter stream.
func DLQName(queue string) string {
	return queue + "_dlq"
}
