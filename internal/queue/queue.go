// Package queue implements the durable background job queue: at-least-once
// delivery with visibility timeouts, bounded retries and dead-letter
// quarantine. Handlers must be idempotent; a job abandoned mid-processing is
// re-delivered once its visibility deadline elapses.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/parcelgrid/hubcoord/internal/events"
	"github.com/parcelgrid/hubcoord/internal/models"
	"github.com/parcelgrid/hubcoord/internal/retry"
	"github.com/parcelgrid/hubcoord/internal/store"
)

const DefaultVisibilityTimeout = 30 * time.Second

type Queue struct {
	store      store.Store
	policy     retry.Policy
	visibility time.Duration
	publisher  events.Publisher
}

// New constructs a Queue. publisher may be nil.
func New(st store.Store, policy retry.Policy, visibility time.Duration, publisher events.Publisher) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Queue{
		store:      st,
		policy:     policy,
		visibility: visibility,
		publisher:  publisher,
	}
}

// Enqueue adds a job. The payload is opaque to the queue.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload []byte) (models.Job, error) {
	if kind == "" {
		return models.Job{}, fmt.Errorf("job kind required")
	}
	return q.store.EnqueueJob(ctx, store.JobInput{Kind: kind, Payload: payload})
}

// Dequeue claims the next available job and hides it for the visibility
// timeout. ok is false when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (models.Job, bool, error) {
	job, err := q.store.ClaimJob(ctx, q.visibility)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, err
	}
	return job, true, nil
}

// Ack marks an in-flight job succeeded. Terminal.
func (q *Queue) Ack(ctx context.Context, jobID uuid.UUID) error {
	return q.store.MarkJobSucceeded(ctx, jobID)
}

// Nack records a failed attempt for a job the caller claimed and applies the
// retry policy: either the job returns to pending after a backoff delay, or
// it dead-letters terminally. The claimed job carries the attempt count and
// the claim fence; a nack from a claim that has since been reclaimed by
// another worker returns ErrInvalidState and changes nothing.
func (q *Queue) Nack(ctx context.Context, job models.Job, jobErr error) error {
	if jobErr == nil {
		jobErr = errors.New("unspecified failure")
	}

	attempts := job.Attempts + 1
	decision := q.policy.OnFailure(attempts, jobErr)
	if decision.DeadLetter {
		record, err := q.store.DeadLetterJob(ctx, job.ID, attempts, jobErr.Error(), job.UpdatedAt)
		if err != nil {
			return err
		}
		q.publishDeadLetter(ctx, record)
		return nil
	}

	visibleAt := time.Now().UTC().Add(decision.Delay)
	if _, err := q.store.RescheduleJob(ctx, job.ID, attempts, visibleAt, jobErr.Error(), job.UpdatedAt); err != nil {
		return err
	}
	return nil
}

// Cancel dead-letters a job that has not been dequeued yet. In-flight jobs
// cannot be cancelled; they either complete or time out.
func (q *Queue) Cancel(ctx context.Context, jobID uuid.UUID) (models.DeadLetterRecord, error) {
	record, err := q.store.CancelJob(ctx, jobID, "cancelled")
	if err != nil {
		return models.DeadLetterRecord{}, err
	}
	q.publishDeadLetter(ctx, record)
	return record, nil
}

// GetJob fetches a job by id.
func (q *Queue) GetJob(ctx context.Context, jobID uuid.UUID) (models.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

func (q *Queue) publishDeadLetter(ctx context.Context, record models.DeadLetterRecord) {
	if q.publisher == nil {
		return
	}
	if err := q.publisher.Publish(ctx, events.TypeJobDeadLettered, record.JobID.String(), record); err != nil {
		log.Printf("[queue] publish dead letter %s: %v", record.ID, err)
	}
}
