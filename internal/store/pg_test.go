package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/parcelgrid/hubcoord/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func resourceRows(version int64, allocated int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{"id", "name", "capacity", "allocated", "version", "created_at", "updated_at"}).
		AddRow("dock-a", "Dock A", int64(10), allocated, version, now, now)
}

func TestPGTryAllocateSuccess(t *testing.T) {
	pg, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE hub_resources").
		WithArgs("dock-a", int64(4), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))

	version, err := pg.TryAllocate(context.Background(), "dock-a", 4, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGTryAllocateConflictDisambiguation(t *testing.T) {
	pg, mock := newMockStore(t)

	// Conditional UPDATE matches nothing; the stored version moved on.
	mock.ExpectQuery("UPDATE hub_resources").
		WithArgs("dock-a", int64(4), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT id, name, capacity, allocated, version").
		WithArgs("dock-a").
		WillReturnRows(resourceRows(5, 0))

	_, err := pg.TryAllocate(context.Background(), "dock-a", 4, 1)
	require.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGTryAllocateInsufficientCapacity(t *testing.T) {
	pg, mock := newMockStore(t)

	// UPDATE matches nothing but the version is current: the unit is full.
	mock.ExpectQuery("UPDATE hub_resources").
		WithArgs("dock-a", int64(8), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT id, name, capacity, allocated, version").
		WithArgs("dock-a").
		WillReturnRows(resourceRows(3, 7))

	_, err := pg.TryAllocate(context.Background(), "dock-a", 8, 3)
	require.ErrorIs(t, err, ErrInsufficientCapacity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGTryAllocateMissingResource(t *testing.T) {
	pg, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE hub_resources").
		WithArgs("ghost", int64(1), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT id, name, capacity, allocated, version").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "capacity", "allocated", "version", "created_at", "updated_at"}))

	_, err := pg.TryAllocate(context.Background(), "ghost", 1, 1)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateAllocationDuplicateKey(t *testing.T) {
	pg, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING yields zero rows for a replayed key.
	mock.ExpectQuery("INSERT INTO hub_allocations").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	_, err := pg.CreateAllocation(context.Background(), AllocationInput{
		ResourceID:     "dock-a",
		Amount:         2,
		RequesterID:    "order-1",
		IdempotencyKey: "K1",
	})
	require.ErrorIs(t, err, ErrDuplicateKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func jobRows(id uuid.UUID, status string, attempts int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{"id", "kind", "payload", "status", "attempts", "last_error", "visible_at", "enqueued_at", "updated_at"}).
		AddRow(id.String(), "hub.allocate", []byte(`{}`), status, attempts, nil, now, now, now)
}

func TestPGClaimJob(t *testing.T) {
	pg, mock := newMockStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM hub_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(jobID.String()))
	mock.ExpectQuery("UPDATE hub_jobs").
		WithArgs(jobID, float64(30)).
		WillReturnRows(jobRows(jobID, models.JobInFlight, 0))
	mock.ExpectCommit()

	job, err := pg.ClaimJob(context.Background(), 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, models.JobInFlight, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimJobEmptyQueue(t *testing.T) {
	pg, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM hub_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := pg.ClaimJob(context.Background(), 30*time.Second)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGDeadLetterJobTransactional(t *testing.T) {
	pg, mock := newMockStore(t)
	jobID := uuid.New()
	claimedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE hub_jobs").
		WithArgs(jobID, 5, "handler exploded", models.JobInFlight, claimedAt).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "payload"}).AddRow("hub.allocate", []byte(`{}`)))
	mock.ExpectQuery("INSERT INTO hub_dead_letters").
		WillReturnRows(sqlmock.NewRows([]string{"failed_at"}).AddRow(time.Now().UTC()))
	mock.ExpectCommit()

	record, err := pg.DeadLetterJob(context.Background(), jobID, 5, "handler exploded", claimedAt)
	require.NoError(t, err)
	require.Equal(t, jobID, record.JobID)
	require.Equal(t, 5, record.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRescheduleJobFencesOnClaim(t *testing.T) {
	pg, mock := newMockStore(t)
	jobID := uuid.New()
	staleClaim := time.Now().UTC().Add(-time.Minute)

	// The conditional UPDATE matches nothing when updated_at has moved on,
	// which means another worker holds a newer claim. The follow-up read
	// finds the job alive under that claim.
	mock.ExpectQuery("UPDATE hub_jobs").
		WithArgs(jobID, 2, sqlmock.AnyArg(), "downstream timeout", staleClaim).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id, kind, payload").
		WithArgs(jobID).
		WillReturnRows(jobRows(jobID, models.JobInFlight, 1))

	_, err := pg.RescheduleJob(context.Background(), jobID, 2, time.Now().UTC(), "downstream timeout", staleClaim)
	require.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkAllocationReleasedLosesFlip(t *testing.T) {
	pg, mock := newMockStore(t)
	allocID := uuid.New()
	now := time.Now().UTC()

	// Conditional flip matches nothing; the follow-up read shows the
	// allocation exists but is already released.
	mock.ExpectQuery("UPDATE hub_allocations").
		WithArgs(allocID, models.AllocationReleased, models.AllocationActive).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id, resource_id, amount").
		WithArgs(allocID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource_id", "amount", "requester_id", "idempotency_key", "status", "created_at", "released_at"}).
			AddRow(allocID.String(), "dock-a", int64(2), "order-1", "K1", models.AllocationReleased, now, now))

	_, err := pg.MarkAllocationReleased(context.Background(), allocID)
	require.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}
