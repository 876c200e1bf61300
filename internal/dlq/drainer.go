package dlq

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/parcelgrid/hubcoord/internal/models"
	"github.com/parcelgrid/hubcoord/internal/store"
)

// DrainerConfig configures the archive drainer.
type DrainerConfig struct {
	// BatchSize is how many unarchived records to take per poll.
	BatchSize int

	// PollInterval is the sleep between polls and after errors.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent archive uploads within a batch.
	MaxConcurrency int
}

// Drainer is the long-running loop of the worker process that empties the
// dead-letter backlog: it fetches unarchived records in batches, uploads each
// to object storage and marks the record with its object key so the next poll
// skips it. A record that fails to archive stays unmarked and is simply
// picked up again; the database remains the source of truth for progress.
type Drainer struct {
	store    store.Store
	archiver Archiver
	cfg      DrainerConfig

	wg sync.WaitGroup
}

func NewDrainer(st store.Store, archiver Archiver, cfg DrainerConfig) *Drainer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Drainer{store: st, archiver: archiver, cfg: cfg}
}

// Run blocks until ctx is cancelled, draining the backlog batch by batch.
func (d *Drainer) Run(ctx context.Context) error {
	log.Printf("[dlq.drainer] starting (batch=%d, concurrency=%d)", d.cfg.BatchSize, d.cfg.MaxConcurrency)
	defer log.Printf("[dlq.drainer] stopped")

	sem := make(chan struct{}, d.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		default:
		}

		records, err := d.store.ListUnarchivedDeadLetters(ctx, d.cfg.BatchSize)
		if err != nil {
			log.Printf("[dlq.drainer] list unarchived: %v", err)
			d.sleep(ctx)
			continue
		}
		if len(records) == 0 {
			d.sleep(ctx)
			continue
		}

		for _, record := range records {
			sem <- struct{}{}
			d.wg.Add(1)
			go func(record models.DeadLetterRecord) {
				defer func() {
					<-sem
					d.wg.Done()
				}()
				if err := d.drainOne(ctx, record); err != nil {
					log.Printf("[dlq.drainer] record %s: %v", record.ID, err)
				}
			}(record)
		}

		// Drain the batch before fetching more so a slow upload cannot be
		// re-fetched while still in flight.
		d.wg.Wait()
	}
}

func (d *Drainer) drainOne(parentCtx context.Context, record models.DeadLetterRecord) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	key, err := d.archiver.ArchiveRecord(ctx, record)
	if err != nil {
		return err
	}
	if err := d.store.MarkDeadLetterArchived(parentCtx, record.ID, key); err != nil {
		return err
	}
	log.Printf("[dlq.drainer] record %s archived at %s", record.ID, key)
	return nil
}

func (d *Drainer) sleep(ctx context.Context) {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
