package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ResourceUnit is a finite shared capacity unit (dock slot block, inventory
// pool, hub throughput quota) contended for by concurrent requests. The
// version column drives optimistic concurrency: every successful mutation
// increments it, and writers must present the version they read.
type ResourceUnit struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Capacity  int64     `json:"capacity"`
	Allocated int64     `json:"allocated"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Available returns the capacity not yet granted.
func (r ResourceUnit) Available() int64 {
	return r.Capacity - r.Allocated
}

const (
	AllocationActive   = "active"
	AllocationReleased = "released"
)

// Allocation is a confirmed grant of capacity on a single resource unit.
type Allocation struct {
	ID             uuid.UUID  `json:"id"`
	ResourceID     string     `json:"resourceId"`
	Amount         int64      `json:"amount"`
	RequesterID    string     `json:"requesterId"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
}

const (
	JobPending      = "pending"
	JobInFlight     = "in_flight"
	JobSucceeded    = "succeeded"
	JobDeadLettered = "dead_lettered"
)

// Job is a unit of background work owned by the queue. Payload is opaque to
// the queue; handlers decode it by Kind. VisibleAt doubles as the retry
// schedule for pending jobs and the visibility deadline for in-flight ones:
// an in-flight job whose VisibleAt has passed is considered abandoned and
// becomes claimable again.
type Job struct {
	ID         uuid.UUID       `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	VisibleAt  time.Time       `json:"visibleAt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// DeadLetterRecord quarantines a job that cannot succeed. It is written once
// when the job dead-letters and never mutated afterwards, except for the
// archive pointer set by the drainer after the record is shipped to S3.
type DeadLetterRecord struct {
	ID          uuid.UUID       `json:"id"`
	JobID       uuid.UUID       `json:"jobId"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Reason      string          `json:"reason"`
	Attempts    int             `json:"attempts"`
	FailedAt    time.Time       `json:"failedAt"`
	ArchivedKey *string         `json:"archivedKey,omitempty"`
	ArchivedAt  *time.Time      `json:"archivedAt,omitempty"`
}
