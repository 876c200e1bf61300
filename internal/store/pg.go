package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parcelgrid/hubcoord/internal/models"
)

// PGStore persists the ledger, allocations, job queue and dead letters in
// Postgres. Concurrency control is optimistic: resource mutations are a
// single conditional UPDATE keyed on version, and job claiming uses
// FOR UPDATE SKIP LOCKED so competing workers never claim the same row.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PGStore) CreateResource(ctx context.Context, in ResourceInput) (models.ResourceUnit, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	query := `
		INSERT INTO hub_resources (id, name, capacity, allocated, version)
		VALUES ($1, $2, $3, 0, 1)
		RETURNING created_at, updated_at
	`
	var created, updated time.Time
	if err := s.db.QueryRowContext(ctx, query, in.ID, in.Name, in.Capacity).Scan(&created, &updated); err != nil {
		return models.ResourceUnit{}, fmt.Errorf("insert resource: %w", err)
	}
	return models.ResourceUnit{
		ID:        in.ID,
		Name:      in.Name,
		Capacity:  in.Capacity,
		Allocated: 0,
		Version:   1,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func (s *PGStore) GetResource(ctx context.Context, id string) (models.ResourceUnit, error) {
	const query = `
		SELECT id, name, capacity, allocated, version, created_at, updated_at
		FROM hub_resources
		WHERE id=$1
	`
	var unit models.ResourceUnit
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&unit.ID, &unit.Name, &unit.Capacity, &unit.Allocated, &unit.Version, &unit.CreatedAt, &unit.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ResourceUnit{}, ErrNotFound
		}
		return models.ResourceUnit{}, fmt.Errorf("get resource: %w", err)
	}
	return unit, nil
}

func (s *PGStore) TryAllocate(ctx context.Context, id string, amount int64, expectedVersion int64) (int64, error) {
	query := `
		UPDATE hub_resources
		SET allocated = allocated + $2, version = version + 1, updated_at = NOW()
		WHERE id=$1 AND version=$3 AND allocated + $2 <= capacity
		RETURNING version
	`
	var newVersion int64
	err := s.db.QueryRowContext(ctx, query, id, amount, expectedVersion).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("try allocate: %w", err)
	}
	// No row matched: disambiguate missing unit, stale version, or full unit.
	return 0, s.classifyLedgerMiss(ctx, id, expectedVersion, ErrInsufficientCapacity)
}

func (s *PGStore) ReleaseCapacity(ctx context.Context, id string, amount int64, expectedVersion int64) (int64, error) {
	query := `
		UPDATE hub_resources
		SET allocated = GREATEST(allocated - $2, 0), version = version + 1, updated_at = NOW()
		WHERE id=$1 AND version=$3
		RETURNING version
	`
	var newVersion int64
	err := s.db.QueryRowContext(ctx, query, id, amount, expectedVersion).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("release capacity: %w", err)
	}
	return 0, s.classifyLedgerMiss(ctx, id, expectedVersion, ErrVersionConflict)
}

// classifyLedgerMiss turns a zero-row conditional UPDATE into the precise
// failure: missing unit, stale version, or (for allocate) a unit that is
// simply full at the version the caller read.
func (s *PGStore) classifyLedgerMiss(ctx context.Context, id string, expectedVersion int64, atVersion error) error {
	unit, err := s.GetResource(ctx, id)
	if err != nil {
		return err
	}
	if unit.Version != expectedVersion {
		return ErrVersionConflict
	}
	return atVersion
}

func (s *PGStore) CreateAllocation(ctx context.Context, in AllocationInput) (models.Allocation, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO hub_allocations (id, resource_id, amount, requester_id, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at
	`
	var created time.Time
	err := s.db.QueryRowContext(ctx, query, in.ID, in.ResourceID, in.Amount, in.RequesterID, in.IdempotencyKey, models.AllocationActive).Scan(&created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Allocation{}, ErrDuplicateKey
		}
		return models.Allocation{}, fmt.Errorf("insert allocation: %w", err)
	}
	return models.Allocation{
		ID:             in.ID,
		ResourceID:     in.ResourceID,
		Amount:         in.Amount,
		RequesterID:    in.RequesterID,
		IdempotencyKey: in.IdempotencyKey,
		Status:         models.AllocationActive,
		CreatedAt:      created,
	}, nil
}

func scanAllocation(row rowScanner) (models.Allocation, error) {
	var (
		alloc      models.Allocation
		releasedAt sql.NullTime
	)
	err := row.Scan(
		&alloc.ID, &alloc.ResourceID, &alloc.Amount, &alloc.RequesterID,
		&alloc.IdempotencyKey, &alloc.Status, &alloc.CreatedAt, &releasedAt,
	)
	if err != nil {
		return models.Allocation{}, err
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		alloc.ReleasedAt = &t
	}
	return alloc, nil
}

const allocationColumns = `id, resource_id, amount, requester_id, idempotency_key, status, created_at, released_at`

func (s *PGStore) GetAllocation(ctx context.Context, id uuid.UUID) (models.Allocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM hub_allocations WHERE id=$1`
	alloc, err := scanAllocation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Allocation{}, ErrNotFound
		}
		return models.Allocation{}, fmt.Errorf("get allocation: %w", err)
	}
	return alloc, nil
}

func (s *PGStore) GetAllocationByKey(ctx context.Context, idempotencyKey string) (models.Allocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM hub_allocations WHERE idempotency_key=$1`
	alloc, err := scanAllocation(s.db.QueryRowContext(ctx, query, idempotencyKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Allocation{}, ErrNotFound
		}
		return models.Allocation{}, fmt.Errorf("get allocation by key: %w", err)
	}
	return alloc, nil
}

func (s *PGStore) MarkAllocationReleased(ctx context.Context, id uuid.UUID) (models.Allocation, error) {
	// Conditional on status so exactly one of two concurrent releases wins
	// the flip; the loser must not return capacity a second time.
	query := `
		UPDATE hub_allocations
		SET status=$2, released_at=NOW()
		WHERE id=$1 AND status=$3
		RETURNING ` + allocationColumns
	alloc, err := scanAllocation(s.db.QueryRowContext(ctx, query, id, models.AllocationReleased, models.AllocationActive))
	if err == nil {
		return alloc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Allocation{}, fmt.Errorf("mark allocation released: %w", err)
	}
	if _, getErr := s.GetAllocation(ctx, id); getErr != nil {
		return models.Allocation{}, getErr
	}
	return models.Allocation{}, ErrInvalidState
}

const jobColumns = `id, kind, payload, status, attempts, last_error, visible_at, enqueued_at, updated_at`

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job       models.Job
		payload   []byte
		lastError sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.Kind, &payload, &job.Status, &job.Attempts,
		&lastError, &job.VisibleAt, &job.EnqueuedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	if len(payload) > 0 {
		job.Payload = append([]byte(nil), payload...)
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return job, nil
}

func (s *PGStore) EnqueueJob(ctx context.Context, in JobInput) (models.Job, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	query := `
		INSERT INTO hub_jobs (id, kind, payload, status, attempts, visible_at)
		VALUES ($1, $2, $3, $4, 0, NOW())
		RETURNING ` + jobColumns
	job, err := scanJob(s.db.QueryRowContext(ctx, query, in.ID, in.Kind, []byte(payload), models.JobPending))
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

func (s *PGStore) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM hub_jobs WHERE id=$1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PGStore) ClaimJob(ctx context.Context, visibility time.Duration) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Pending jobs whose visible_at has arrived, plus in-flight jobs whose
	// visibility deadline elapsed without ack/nack (abandoned by a crashed
	// worker).
	const selectClaimable = `
		SELECT id FROM hub_jobs
		WHERE (status='pending' OR status='in_flight') AND visible_at <= NOW()
		ORDER BY enqueued_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	var jobID uuid.UUID
	if err := tx.QueryRowContext(ctx, selectClaimable).Scan(&jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("select claimable job: %w", err)
	}

	claimQuery := `
		UPDATE hub_jobs
		SET status='in_flight', visible_at = NOW() + make_interval(secs => $2), updated_at = NOW()
		WHERE id=$1
		RETURNING ` + jobColumns
	job, err := scanJob(tx.QueryRowContext(ctx, claimQuery, jobID, visibility.Seconds()))
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

func (s *PGStore) MarkJobSucceeded(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE hub_jobs
		SET status='succeeded', updated_at=NOW()
		WHERE id=$1 AND status='in_flight'
	`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return s.classifyJobMiss(ctx, id)
	}
	return nil
}

func (s *PGStore) RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, visibleAt time.Time, lastError string, claimedAt time.Time) (models.Job, error) {
	// updated_at is rewritten by every claim, so fencing on it rejects a
	// nack from a worker whose claim has since been reclaimed.
	query := `
		UPDATE hub_jobs
		SET status='pending', attempts=$2, visible_at=$3, last_error=$4, updated_at=NOW()
		WHERE id=$1 AND status='in_flight' AND updated_at=$5
		RETURNING ` + jobColumns
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id, attempts, visibleAt, lastError, claimedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, s.classifyJobMiss(ctx, id)
		}
		return models.Job{}, fmt.Errorf("reschedule job: %w", err)
	}
	return job, nil
}

func (s *PGStore) DeadLetterJob(ctx context.Context, id uuid.UUID, attempts int, reason string, claimedAt time.Time) (models.DeadLetterRecord, error) {
	return s.deadLetter(ctx, id, attempts, reason, models.JobInFlight, &claimedAt)
}

func (s *PGStore) CancelJob(ctx context.Context, id uuid.UUID, reason string) (models.DeadLetterRecord, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.DeadLetterRecord{}, err
	}
	return s.deadLetter(ctx, id, job.Attempts, reason, models.JobPending, nil)
}

func (s *PGStore) deadLetter(ctx context.Context, id uuid.UUID, attempts int, reason string, fromStatus string, claimedAt *time.Time) (models.DeadLetterRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DeadLetterRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Dead-lettering from in_flight carries the caller's claim fence;
	// cancellation from pending has no claim to fence on.
	updateQuery := `
		UPDATE hub_jobs
		SET status='dead_lettered', attempts=$2, last_error=$3, updated_at=NOW()
		WHERE id=$1 AND status=$4
		RETURNING kind, payload
	`
	args := []interface{}{id, attempts, reason, fromStatus}
	if claimedAt != nil {
		updateQuery = `
		UPDATE hub_jobs
		SET status='dead_lettered', attempts=$2, last_error=$3, updated_at=NOW()
		WHERE id=$1 AND status=$4 AND updated_at=$5
		RETURNING kind, payload
	`
		args = append(args, *claimedAt)
	}
	var (
		kind    string
		payload []byte
	)
	if err := tx.QueryRowContext(ctx, updateQuery, args...).Scan(&kind, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeadLetterRecord{}, s.classifyJobMiss(ctx, id)
		}
		return models.DeadLetterRecord{}, fmt.Errorf("dead-letter job: %w", err)
	}

	record := models.DeadLetterRecord{
		ID:       uuid.New(),
		JobID:    id,
		Kind:     kind,
		Payload:  append([]byte(nil), payload...),
		Reason:   reason,
		Attempts: attempts,
	}
	insertQuery := `
		INSERT INTO hub_dead_letters (id, job_id, kind, payload, reason, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING failed_at
	`
	if err := tx.QueryRowContext(ctx, insertQuery, record.ID, record.JobID, record.Kind, []byte(record.Payload), record.Reason, record.Attempts).Scan(&record.FailedAt); err != nil {
		return models.DeadLetterRecord{}, fmt.Errorf("insert dead letter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.DeadLetterRecord{}, fmt.Errorf("commit dead letter: %w", err)
	}
	return record, nil
}

func (s *PGStore) classifyJobMiss(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrInvalidState
}

const deadLetterColumns = `id, job_id, kind, payload, reason, attempts, failed_at, archived_key, archived_at`

func scanDeadLetter(row rowScanner) (models.DeadLetterRecord, error) {
	var (
		record      models.DeadLetterRecord
		payload     []byte
		archivedKey sql.NullString
		archivedAt  sql.NullTime
	)
	err := row.Scan(
		&record.ID, &record.JobID, &record.Kind, &payload, &record.Reason,
		&record.Attempts, &record.FailedAt, &archivedKey, &archivedAt,
	)
	if err != nil {
		return models.DeadLetterRecord{}, err
	}
	if len(payload) > 0 {
		record.Payload = append([]byte(nil), payload...)
	}
	if archivedKey.Valid {
		record.ArchivedKey = &archivedKey.String
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		record.ArchivedAt = &t
	}
	return record, nil
}

func (s *PGStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (models.DeadLetterRecord, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM hub_dead_letters WHERE id=$1`
	record, err := scanDeadLetter(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeadLetterRecord{}, ErrNotFound
		}
		return models.DeadLetterRecord{}, fmt.Errorf("get dead letter: %w", err)
	}
	return record, nil
}

func (s *PGStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM hub_dead_letters ORDER BY failed_at LIMIT $1`
	return s.listDeadLetters(ctx, query, limit)
}

func (s *PGStore) ListUnarchivedDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM hub_dead_letters WHERE archived_key IS NULL ORDER BY failed_at LIMIT $1`
	return s.listDeadLetters(ctx, query, limit)
}

func (s *PGStore) listDeadLetters(ctx context.Context, query string, limit int) ([]models.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	records := make([]models.DeadLetterRecord, 0)
	for rows.Next() {
		record, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return records, nil
}

func (s *PGStore) MarkDeadLetterArchived(ctx context.Context, id uuid.UUID, objectKey string) error {
	query := `
		UPDATE hub_dead_letters
		SET archived_key=$2, archived_at=NOW()
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, id, objectKey)
	if err != nil {
		return fmt.Errorf("mark dead letter archived: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
