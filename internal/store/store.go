package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/parcelgrid/hubcoord/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist (or, for ClaimJob,
	// when no job is currently claimable).
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by conditional writes when the stored
	// version no longer matches the version the caller read. The caller must
	// re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInsufficientCapacity is returned by TryAllocate when the requested
	// amount does not fit in the resource's remaining capacity.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrDuplicateKey is returned by CreateAllocation when an allocation with
	// the same idempotency key already exists.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrInvalidState is returned when a job transition is requested from a
	// status that does not permit it (e.g. acking a dead-lettered job).
	ErrInvalidState = errors.New("invalid state transition")
)

// Store is the persistence boundary for the coordination engine. It requires
// only conditional single-record read-modify-write; no multi-record
// transactions are exposed to callers.
type Store interface {
	Ledger
	Allocations
	Jobs
	DeadLetters
	Ping(ctx context.Context) error
}

// Ledger tracks allocation state per resource unit. All mutations are
// compare-and-swap on the unit's version.
type Ledger interface {
	CreateResource(ctx context.Context, in ResourceInput) (models.ResourceUnit, error)
	GetResource(ctx context.Context, id string) (models.ResourceUnit, error)

	// TryAllocate adds amount to the unit's allocated count if the stored
	// version equals expectedVersion and the result stays within capacity.
	// Returns the new version on success.
	TryAllocate(ctx context.Context, id string, amount int64, expectedVersion int64) (int64, error)

	// ReleaseCapacity subtracts amount from the unit's allocated count under
	// the same version check. Allocated never goes below zero.
	ReleaseCapacity(ctx context.Context, id string, amount int64, expectedVersion int64) (int64, error)
}

// Allocations persists confirmed grants keyed by idempotency key.
type Allocations interface {
	CreateAllocation(ctx context.Context, in AllocationInput) (models.Allocation, error)
	GetAllocation(ctx context.Context, id uuid.UUID) (models.Allocation, error)
	GetAllocationByKey(ctx context.Context, idempotencyKey string) (models.Allocation, error)

	// MarkAllocationReleased conditionally transitions an active allocation
	// to released. ErrInvalidState when the allocation is already released:
	// exactly one caller wins the flip, and only that caller may return the
	// allocation's capacity to the ledger.
	MarkAllocationReleased(ctx context.Context, id uuid.UUID) (models.Allocation, error)
}

// Jobs persists the background work queue. Claiming and completion use the
// same conditional-write discipline as the ledger so that two workers never
// hold the same job at once.
type Jobs interface {
	EnqueueJob(ctx context.Context, in JobInput) (models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (models.Job, error)

	// ClaimJob atomically moves the oldest claimable job (pending and
	// visible, or in-flight past its visibility deadline) to in_flight and
	// pushes its visibility deadline out by visibility. ErrNotFound when no
	// job is claimable.
	ClaimJob(ctx context.Context, visibility time.Duration) (models.Job, error)

	// MarkJobSucceeded transitions an in-flight job to succeeded.
	MarkJobSucceeded(ctx context.Context, id uuid.UUID) error

	// RescheduleJob returns an in-flight job to pending with the given
	// attempt count, next-visible time and last error. claimedAt fences the
	// write to the claim the caller holds: if the visibility deadline
	// elapsed and another worker reclaimed the job, the stale caller gets
	// ErrInvalidState instead of clobbering the live claim.
	RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, visibleAt time.Time, lastError string, claimedAt time.Time) (models.Job, error)

	// DeadLetterJob terminally quarantines an in-flight job: sets status
	// dead_lettered, records the attempt count and writes the immutable
	// dead-letter record. Fenced on claimedAt like RescheduleJob.
	DeadLetterJob(ctx context.Context, id uuid.UUID, attempts int, reason string, claimedAt time.Time) (models.DeadLetterRecord, error)

	// CancelJob dead-letters a job that is still pending. In-flight jobs
	// cannot be cancelled; they can only time out.
	CancelJob(ctx context.Context, id uuid.UUID, reason string) (models.DeadLetterRecord, error)
}

// DeadLetters exposes the quarantine area for operator inspection and for the
// archive drainer.
type DeadLetters interface {
	GetDeadLetter(ctx context.Context, id uuid.UUID) (models.DeadLetterRecord, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error)
	ListUnarchivedDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error)
	MarkDeadLetterArchived(ctx context.Context, id uuid.UUID, objectKey string) error
}

type ResourceInput struct {
	ID       string
	Name     string
	Capacity int64
}

type AllocationInput struct {
	ID             uuid.UUID
	ResourceID     string
	Amount         int64
	RequesterID    string
	IdempotencyKey string
}

type JobInput struct {
	ID      uuid.UUID
	Kind    string
	Payload json.RawMessage
}
