package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parcelgrid/hubcoord/internal/models"
	"github.com/parcelgrid/hubcoord/internal/queue"
)

// LoopConfig configures the consuming loop.
type LoopConfig struct {
	// PollInterval is the sleep when the queue is empty or the store errors.
	PollInterval time.Duration

	// HandlerTimeout is the per-job processing budget. A handler that
	// exceeds it is nacked with a timeout error; the visibility deadline is
	// the second line of defense if the process dies outright.
	HandlerTimeout time.Duration

	// Concurrency bounds how many jobs are processed at once.
	Concurrency int
}

// ErrHandlerTimeout is the failure a job is nacked with when its handler
// exceeds the processing budget. Transient: the retry policy applies.
var ErrHandlerTimeout = errors.New("handler exceeded time budget")

// Loop is the long-running job consumer. Multiple Loop instances across any
// number of processes may run against the same queue; claim exclusivity comes
// from the store, not from coordination between loops.
type Loop struct {
	queue    *queue.Queue
	registry *Registry
	cfg      LoopConfig

	wg sync.WaitGroup
}

func NewLoop(q *queue.Queue, registry *Registry, cfg LoopConfig) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 25 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Loop{queue: q, registry: registry, cfg: cfg}
}

// Run blocks until ctx is cancelled. Shutdown is cooperative: the loop stops
// dequeuing, in-flight handlers drain, and anything still unfinished is left
// to visibility-timeout re-delivery.
func (l *Loop) Run(ctx context.Context) error {
	log.Printf("[worker] starting (concurrency=%d, poll=%s, budget=%s)", l.cfg.Concurrency, l.cfg.PollInterval, l.cfg.HandlerTimeout)
	defer log.Printf("[worker] stopped")

	sem := make(chan struct{}, l.cfg.Concurrency)

	for {
		// Reserve a concurrency slot before claiming. A job claimed while
		// every slot is busy would burn its visibility deadline waiting.
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		job, ok, err := l.queue.Dequeue(ctx)
		if err != nil {
			// Store unavailable: back off before the next attempt instead
			// of hammering it.
			log.Printf("[worker] dequeue: %v", err)
			<-sem
			l.sleep(ctx)
			continue
		}
		if !ok {
			<-sem
			l.sleep(ctx)
			continue
		}

		l.wg.Add(1)
		go func(job models.Job) {
			defer func() {
				<-sem
				l.wg.Done()
			}()
			l.process(ctx, job)
		}(job)
	}
}

// process runs the handler under the time budget and reports the outcome
// back to the queue. Ack/nack use context.Background so a shutdown after the
// handler finished still records the result.
func (l *Loop) process(ctx context.Context, job models.Job) {
	handler, err := l.registry.Resolve(job.Kind)
	if err != nil {
		l.nack(job, err)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, l.cfg.HandlerTimeout)
	err = handler(handlerCtx, job)
	timedOut := errors.Is(handlerCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w: %v", ErrHandlerTimeout, err)
		}
		l.nack(job, err)
		return
	}

	if ackErr := l.queue.Ack(context.Background(), job.ID); ackErr != nil {
		log.Printf("[worker] ack job %s: %v", job.ID, ackErr)
	}
}

func (l *Loop) nack(job models.Job, jobErr error) {
	log.Printf("[worker] job %s (%s) attempt %d failed: %v", job.ID, job.Kind, job.Attempts+1, jobErr)
	if err := l.queue.Nack(context.Background(), job, jobErr); err != nil {
		// The nack itself failed; the visibility timeout will re-deliver.
		log.Printf("[worker] nack job %s: %v", job.ID, err)
	}
}

func (l *Loop) sleep(ctx context.Context) {
	timer := time.NewTimer(l.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
