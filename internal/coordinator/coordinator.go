// Package coordinator serializes contended allocation requests against the
// resource ledger. Correctness comes from the ledger's version check and the
// allocation idempotency key, never from arrival order: requests may complete
// out of order under contention and replays always converge on the same
// allocation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/parcelgrid/hubcoord/internal/cache"
	"github.com/parcelgrid/hubcoord/internal/events"
	"github.com/parcelgrid/hubcoord/internal/models"
	"github.com/parcelgrid/hubcoord/internal/store"
)

const (
	ReasonCapacity            = "capacity"
	ReasonContentionExhausted = "contention-exhausted"
)

// Rejection is a terminal, caller-visible refusal. Capacity rejections are
// not retried here because capacity will not grow within the request's
// timeframe; contention-exhausted callers may resubmit.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "allocation rejected: " + r.Reason
}

// AsRejection unwraps err into a *Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Config bounds the optimistic-concurrency retry loop.
type Config struct {
	// MaxContentionRetries is how many times a lost compare-and-swap is
	// re-read and retried before the request is rejected.
	MaxContentionRetries int

	// ContentionBaseDelay is the ceiling of the randomized pause between
	// contention retries.
	ContentionBaseDelay time.Duration
}

const (
	DefaultMaxContentionRetries = 8
	DefaultContentionBaseDelay  = 20 * time.Millisecond
)

type Coordinator struct {
	store     store.Store
	publisher events.Publisher
	cache     *cache.ResourceCache
	cfg       Config
}

// New constructs a Coordinator. publisher and resourceCache may be nil; both
// are best-effort side channels.
func New(st store.Store, publisher events.Publisher, resourceCache *cache.ResourceCache, cfg Config) *Coordinator {
	if cfg.MaxContentionRetries <= 0 {
		cfg.MaxContentionRetries = DefaultMaxContentionRetries
	}
	if cfg.ContentionBaseDelay <= 0 {
		cfg.ContentionBaseDelay = DefaultContentionBaseDelay
	}
	return &Coordinator{
		store:     st,
		publisher: publisher,
		cache:     resourceCache,
		cfg:       cfg,
	}
}

type AllocateInput struct {
	ResourceID     string
	Amount         int64
	RequesterID    string
	IdempotencyKey string
}

// Allocate grants Amount on the requested resource, or returns a *Rejection.
// Replaying the same idempotency key returns the original allocation without
// touching the ledger.
func (c *Coordinator) Allocate(ctx context.Context, in AllocateInput) (models.Allocation, error) {
	if in.ResourceID == "" || in.IdempotencyKey == "" {
		return models.Allocation{}, fmt.Errorf("resourceId and idempotencyKey required")
	}
	if in.Amount <= 0 {
		return models.Allocation{}, fmt.Errorf("amount must be positive")
	}

	existing, err := c.store.GetAllocationByKey(ctx, in.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Allocation{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	for attempt := 0; attempt <= c.cfg.MaxContentionRetries; attempt++ {
		unit, err := c.store.GetResource(ctx, in.ResourceID)
		if err != nil {
			return models.Allocation{}, err
		}
		if unit.Available() < in.Amount {
			return models.Allocation{}, &Rejection{Reason: ReasonCapacity}
		}

		_, err = c.store.TryAllocate(ctx, in.ResourceID, in.Amount, unit.Version)
		switch {
		case err == nil:
			return c.recordAllocation(ctx, in)
		case errors.Is(err, store.ErrVersionConflict):
			if err := c.pause(ctx); err != nil {
				return models.Allocation{}, err
			}
		case errors.Is(err, store.ErrInsufficientCapacity):
			return models.Allocation{}, &Rejection{Reason: ReasonCapacity}
		default:
			return models.Allocation{}, fmt.Errorf("try allocate: %w", err)
		}
	}

	return models.Allocation{}, &Rejection{Reason: ReasonContentionExhausted}
}

// recordAllocation persists the grant after a successful ledger write. If a
// concurrent replay of the same key won the insert race, the ledger write is
// compensated and the winner's allocation is returned instead.
func (c *Coordinator) recordAllocation(ctx context.Context, in AllocateInput) (models.Allocation, error) {
	alloc, err := c.store.CreateAllocation(ctx, store.AllocationInput{
		ResourceID:     in.ResourceID,
		Amount:         in.Amount,
		RequesterID:    in.RequesterID,
		IdempotencyKey: in.IdempotencyKey,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		if relErr := c.releaseCapacity(ctx, in.ResourceID, in.Amount); relErr != nil {
			log.Printf("[coordinator] compensating release for key %s failed: %v", in.IdempotencyKey, relErr)
		}
		c.cache.Invalidate(ctx, in.ResourceID)
		return c.store.GetAllocationByKey(ctx, in.IdempotencyKey)
	}
	if err != nil {
		return models.Allocation{}, fmt.Errorf("create allocation: %w", err)
	}

	c.cache.Invalidate(ctx, in.ResourceID)
	c.publish(ctx, events.TypeAllocationGranted, alloc.ResourceID, alloc)
	return alloc, nil
}

// Release marks the allocation Released and returns its capacity to the
// ledger. Releasing an already-released allocation is a no-op that returns
// the allocation unchanged.
func (c *Coordinator) Release(ctx context.Context, allocationID uuid.UUID) (models.Allocation, error) {
	alloc, err := c.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return models.Allocation{}, err
	}
	if alloc.Status == models.AllocationReleased {
		return alloc, nil
	}

	// The conditional active->released flip is the idempotency gate: only
	// the caller that wins it returns capacity, so a replay or a concurrent
	// duplicate release cannot return capacity twice.
	released, err := c.store.MarkAllocationReleased(ctx, allocationID)
	if errors.Is(err, store.ErrInvalidState) {
		// A concurrent release won the flip and owns the capacity return.
		return c.store.GetAllocation(ctx, allocationID)
	}
	if err != nil {
		return models.Allocation{}, fmt.Errorf("mark released: %w", err)
	}
	if err := c.releaseCapacity(ctx, alloc.ResourceID, alloc.Amount); err != nil {
		return models.Allocation{}, err
	}

	c.cache.Invalidate(ctx, alloc.ResourceID)
	c.publish(ctx, events.TypeAllocationReleased, alloc.ResourceID, released)
	return released, nil
}

// releaseCapacity returns amount to the ledger with the same bounded
// re-read/retry structure as Allocate.
func (c *Coordinator) releaseCapacity(ctx context.Context, resourceID string, amount int64) error {
	for attempt := 0; attempt <= c.cfg.MaxContentionRetries; attempt++ {
		unit, err := c.store.GetResource(ctx, resourceID)
		if err != nil {
			return err
		}
		_, err = c.store.ReleaseCapacity(ctx, resourceID, amount, unit.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("release capacity: %w", err)
		}
		if err := c.pause(ctx); err != nil {
			return err
		}
	}
	return &Rejection{Reason: ReasonContentionExhausted}
}

// ProvisionResource registers a new resource unit with zero allocation.
func (c *Coordinator) ProvisionResource(ctx context.Context, in store.ResourceInput) (models.ResourceUnit, error) {
	if in.Name == "" {
		return models.ResourceUnit{}, fmt.Errorf("name required")
	}
	if in.Capacity < 0 {
		return models.ResourceUnit{}, fmt.Errorf("capacity must be >= 0")
	}
	return c.store.CreateResource(ctx, in)
}

// GetResource serves reads through the snapshot cache when one is configured.
func (c *Coordinator) GetResource(ctx context.Context, id string) (models.ResourceUnit, error) {
	if unit, ok := c.cache.Get(ctx, id); ok {
		return unit, nil
	}
	unit, err := c.store.GetResource(ctx, id)
	if err != nil {
		return models.ResourceUnit{}, err
	}
	c.cache.Set(ctx, unit)
	return unit, nil
}

// GetAllocation fetches an allocation by id.
func (c *Coordinator) GetAllocation(ctx context.Context, id uuid.UUID) (models.Allocation, error) {
	return c.store.GetAllocation(ctx, id)
}

// pause sleeps a random duration up to ContentionBaseDelay, respecting ctx.
func (c *Coordinator) pause(ctx context.Context) error {
	delay := time.Duration(rand.Float64() * float64(c.cfg.ContentionBaseDelay))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Coordinator) publish(ctx context.Context, eventType, key string, data interface{}) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, eventType, key, data); err != nil {
		log.Printf("[coordinator] publish %s: %v", eventType, err)
	}
}
