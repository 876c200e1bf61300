// Package worker runs the job-consuming loop of the worker process and the
// handlers it dispatches to.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parcelgrid/hubcoord/internal/coordinator"
	"github.com/parcelgrid/hubcoord/internal/models"
	"github.com/parcelgrid/hubcoord/internal/retry"
	"github.com/parcelgrid/hubcoord/internal/store"

	"github.com/google/uuid"
)

const (
	KindAllocate = "hub.allocate"
	KindRelease  = "hub.release"
)

// Handler processes one job. A nil return acks the job; an error nacks it and
// goes through the retry policy. Handlers are invoked at least once and must
// be idempotent.
type Handler func(ctx context.Context, job models.Job) error

// Registry maps job kinds to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Resolve returns the handler for kind. An unknown kind is a permanent
// failure: no amount of retrying adds the missing handler.
func (r *Registry) Resolve(kind string) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("no handler registered for kind %q", kind))
	}
	return h, nil
}

// AllocatePayload is the payload of a hub.allocate job. The idempotency key
// makes re-delivery of the same job converge on one allocation.
type AllocatePayload struct {
	ResourceID     string `json:"resourceId"`
	Amount         int64  `json:"amount"`
	RequesterID    string `json:"requesterId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ReleasePayload is the payload of a hub.release job.
type ReleasePayload struct {
	AllocationID uuid.UUID `json:"allocationId"`
}

// RegisterCoordinatorHandlers wires the built-in allocation handlers into the
// registry.
func RegisterCoordinatorHandlers(r *Registry, coord *coordinator.Coordinator) {
	r.Register(KindAllocate, allocateHandler(coord))
	r.Register(KindRelease, releaseHandler(coord))
}

func allocateHandler(coord *coordinator.Coordinator) Handler {
	return func(ctx context.Context, job models.Job) error {
		var payload AllocatePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return retry.Permanent(fmt.Errorf("decode allocate payload: %w", err))
		}
		if payload.ResourceID == "" || payload.IdempotencyKey == "" || payload.Amount <= 0 {
			return retry.Permanent(errors.New("allocate payload requires resourceId, idempotencyKey and a positive amount"))
		}

		_, err := coord.Allocate(ctx, coordinator.AllocateInput{
			ResourceID:     payload.ResourceID,
			Amount:         payload.Amount,
			RequesterID:    payload.RequesterID,
			IdempotencyKey: payload.IdempotencyKey,
		})
		return classifyAllocationError(err)
	}
}

func releaseHandler(coord *coordinator.Coordinator) Handler {
	return func(ctx context.Context, job models.Job) error {
		var payload ReleasePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return retry.Permanent(fmt.Errorf("decode release payload: %w", err))
		}
		if payload.AllocationID == uuid.Nil {
			return retry.Permanent(errors.New("allocationId required"))
		}

		_, err := coord.Release(ctx, payload.AllocationID)
		return classifyAllocationError(err)
	}
}

// classifyAllocationError decides which coordinator outcomes are worth
// retrying. A missing resource or allocation is permanent; capacity and
// contention rejections stay transient because capacity may free up and
// contention subsides.
func classifyAllocationError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return retry.Permanent(err)
	}
	return err
}
