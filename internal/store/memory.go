package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parcelgrid/hubcoord/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and local
// development. Semantics mirror PGStore: conditional writes fail the same way
// a lost compare-and-swap fails in Postgres.
type MemoryStore struct {
	mu          sync.RWMutex
	resources   map[string]models.ResourceUnit
	allocations map[uuid.UUID]models.Allocation
	allocByKey  map[string]uuid.UUID
	jobs        map[uuid.UUID]models.Job
	deadLetters map[uuid.UUID]models.DeadLetterRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources:   map[string]models.ResourceUnit{},
		allocations: map[uuid.UUID]models.Allocation{},
		allocByKey:  map[string]uuid.UUID{},
		jobs:        map[uuid.UUID]models.Job{},
		deadLetters: map[uuid.UUID]models.DeadLetterRecord{},
	}
}

func copyPayload(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) CreateResource(ctx context.Context, in ResourceInput) (models.ResourceUnit, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	unit := models.ResourceUnit{
		ID:        in.ID,
		Name:      in.Name,
		Capacity:  in.Capacity,
		Allocated: 0,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[unit.ID]; ok {
		return models.ResourceUnit{}, ErrDuplicateKey
	}
	m.resources[unit.ID] = unit
	return unit, nil
}

func (m *MemoryStore) GetResource(ctx context.Context, id string) (models.ResourceUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	unit, ok := m.resources[id]
	if !ok {
		return models.ResourceUnit{}, ErrNotFound
	}
	return unit, nil
}

func (m *MemoryStore) TryAllocate(ctx context.Context, id string, amount int64, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.resources[id]
	if !ok {
		return 0, ErrNotFound
	}
	if unit.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	if unit.Allocated+amount > unit.Capacity {
		return 0, ErrInsufficientCapacity
	}
	unit.Allocated += amount
	unit.Version++
	unit.UpdatedAt = time.Now().UTC()
	m.resources[id] = unit
	return unit.Version, nil
}

func (m *MemoryStore) ReleaseCapacity(ctx context.Context, id string, amount int64, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.resources[id]
	if !ok {
		return 0, ErrNotFound
	}
	if unit.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	unit.Allocated -= amount
	if unit.Allocated < 0 {
		unit.Allocated = 0
	}
	unit.Version++
	unit.UpdatedAt = time.Now().UTC()
	m.resources[id] = unit
	return unit.Version, nil
}

func (m *MemoryStore) CreateAllocation(ctx context.Context, in AllocationInput) (models.Allocation, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allocByKey[in.IdempotencyKey]; ok {
		return models.Allocation{}, ErrDuplicateKey
	}
	alloc := models.Allocation{
		ID:             in.ID,
		ResourceID:     in.ResourceID,
		Amount:         in.Amount,
		RequesterID:    in.RequesterID,
		IdempotencyKey: in.IdempotencyKey,
		Status:         models.AllocationActive,
		CreatedAt:      time.Now().UTC(),
	}
	m.allocations[alloc.ID] = alloc
	m.allocByKey[alloc.IdempotencyKey] = alloc.ID
	return alloc, nil
}

func (m *MemoryStore) GetAllocation(ctx context.Context, id uuid.UUID) (models.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alloc, ok := m.allocations[id]
	if !ok {
		return models.Allocation{}, ErrNotFound
	}
	return alloc, nil
}

func (m *MemoryStore) GetAllocationByKey(ctx context.Context, idempotencyKey string) (models.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.allocByKey[idempotencyKey]
	if !ok {
		return models.Allocation{}, ErrNotFound
	}
	return m.allocations[id], nil
}

func (m *MemoryStore) MarkAllocationReleased(ctx context.Context, id uuid.UUID) (models.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.allocations[id]
	if !ok {
		return models.Allocation{}, ErrNotFound
	}
	if alloc.Status != models.AllocationActive {
		return models.Allocation{}, ErrInvalidState
	}
	now := time.Now().UTC()
	alloc.Status = models.AllocationReleased
	alloc.ReleasedAt = &now
	m.allocations[id] = alloc
	return alloc, nil
}

func (m *MemoryStore) EnqueueJob(ctx context.Context, in JobInput) (models.Job, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:         in.ID,
		Kind:       in.Kind,
		Payload:    copyPayload(in.Payload),
		Status:     models.JobPending,
		Attempts:   0,
		VisibleAt:  now,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *MemoryStore) ClaimJob(ctx context.Context, visibility time.Duration) (models.Job, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	claimable := make([]models.Job, 0)
	for _, job := range m.jobs {
		switch job.Status {
		case models.JobPending:
			if !job.VisibleAt.After(now) {
				claimable = append(claimable, job)
			}
		case models.JobInFlight:
			// Abandoned: visibility deadline elapsed without ack/nack.
			if !job.VisibleAt.After(now) {
				claimable = append(claimable, job)
			}
		}
	}
	if len(claimable) == 0 {
		return models.Job{}, ErrNotFound
	}
	sort.Slice(claimable, func(i, j int) bool {
		return claimable[i].EnqueuedAt.Before(claimable[j].EnqueuedAt)
	})

	job := claimable[0]
	job.Status = models.JobInFlight
	job.VisibleAt = now.Add(visibility)
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemoryStore) MarkJobSucceeded(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.JobInFlight {
		return ErrInvalidState
	}
	job.Status = models.JobSucceeded
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, visibleAt time.Time, lastError string, claimedAt time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status != models.JobInFlight || !job.UpdatedAt.Equal(claimedAt) {
		return models.Job{}, ErrInvalidState
	}
	job.Status = models.JobPending
	job.Attempts = attempts
	job.VisibleAt = visibleAt
	job.LastError = lastError
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return job, nil
}

func (m *MemoryStore) DeadLetterJob(ctx context.Context, id uuid.UUID, attempts int, reason string, claimedAt time.Time) (models.DeadLetterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.DeadLetterRecord{}, ErrNotFound
	}
	if job.Status != models.JobInFlight || !job.UpdatedAt.Equal(claimedAt) {
		return models.DeadLetterRecord{}, ErrInvalidState
	}
	return m.deadLetterLocked(job, attempts, reason), nil
}

func (m *MemoryStore) CancelJob(ctx context.Context, id uuid.UUID, reason string) (models.DeadLetterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.DeadLetterRecord{}, ErrNotFound
	}
	if job.Status != models.JobPending {
		return models.DeadLetterRecord{}, ErrInvalidState
	}
	return m.deadLetterLocked(job, job.Attempts, reason), nil
}

func (m *MemoryStore) deadLetterLocked(job models.Job, attempts int, reason string) models.DeadLetterRecord {
	now := time.Now().UTC()
	job.Status = models.JobDeadLettered
	job.Attempts = attempts
	job.LastError = reason
	job.UpdatedAt = now
	m.jobs[job.ID] = job

	record := models.DeadLetterRecord{
		ID:       uuid.New(),
		JobID:    job.ID,
		Kind:     job.Kind,
		Payload:  copyPayload(job.Payload),
		Reason:   reason,
		Attempts: attempts,
		FailedAt: now,
	}
	m.deadLetters[record.ID] = record
	return record
}

func (m *MemoryStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (models.DeadLetterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.deadLetters[id]
	if !ok {
		return models.DeadLetterRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDeadLettersLocked(limit, false), nil
}

func (m *MemoryStore) ListUnarchivedDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDeadLettersLocked(limit, true), nil
}

func (m *MemoryStore) listDeadLettersLocked(limit int, unarchivedOnly bool) []models.DeadLetterRecord {
	records := make([]models.DeadLetterRecord, 0, len(m.deadLetters))
	for _, record := range m.deadLetters {
		if unarchivedOnly && record.ArchivedKey != nil {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].FailedAt.Before(records[j].FailedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

func (m *MemoryStore) MarkDeadLetterArchived(ctx context.Context, id uuid.UUID, objectKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.deadLetters[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	record.ArchivedKey = &objectKey
	record.ArchivedAt = &now
	m.deadLetters[id] = record
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
