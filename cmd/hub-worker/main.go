package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/parcelgrid/hubcoord/internal/cache"
	"github.com/parcelgrid/hubcoord/internal/config"
	"github.com/parcelgrid/hubcoord/internal/coordinator"
	"github.com/parcelgrid/hubcoord/internal/dlq"
	"github.com/parcelgrid/hubcoord/internal/events"
	"github.com/parcelgrid/hubcoord/internal/queue"
	"github.com/parcelgrid/hubcoord/internal/retry"
	"github.com/parcelgrid/hubcoord/internal/store"
	"github.com/parcelgrid/hubcoord/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("ping db: %v", err)
	}
	log.Println("connected to postgres")

	st := store.NewPGStore(db)

	var resourceCache *cache.ResourceCache
	if cfg.RedisURL != "" {
		resourceCache, err = cache.NewResourceCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("init redis cache: %v", err)
		}
		defer resourceCache.Close()
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		kp, err := events.NewKafkaPublisher(events.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("init kafka publisher: %v", err)
		}
		defer kp.Close()
		publisher = kp
		log.Printf("kafka publisher initialized (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	coord := coordinator.New(st, publisher, resourceCache, coordinator.Config{
		MaxContentionRetries: cfg.ContentionMaxRetries,
		ContentionBaseDelay:  cfg.ContentionBaseDelay,
	})
	policy := retry.NewPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.RetryMaxAttempts)
	q := queue.New(st, policy, cfg.VisibilityTimeout, publisher)

	registry := worker.NewRegistry()
	worker.RegisterCoordinatorHandlers(registry, coord)

	loop := worker.NewLoop(q, registry, worker.LoopConfig{
		PollInterval:   cfg.PollInterval,
		HandlerTimeout: cfg.HandlerTimeout,
		Concurrency:    cfg.Concurrency,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(ctx)
	})

	// Dead-letter drainer needs object storage; without it the records just
	// stay queryable in Postgres.
	if cfg.S3Bucket != "" {
		archiver, err := dlq.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("init s3 archiver: %v", err)
		}
		log.Printf("s3 archiver initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)

		drainer := dlq.NewDrainer(st, archiver, dlq.DrainerConfig{
			BatchSize:    cfg.DrainBatchSize,
			PollInterval: cfg.DrainInterval,
		})
		g.Go(func() error {
			return drainer.Run(ctx)
		})
	} else {
		log.Println("S3_BUCKET not set; dead-letter drainer disabled")
	}

	// Small health endpoint so the process manager can probe the worker.
	healthServer := &http.Server{
		Addr: cfg.HealthListenAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := st.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}),
	}
	g.Go(func() error {
		log.Printf("worker health endpoint on %s", cfg.HealthListenAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down worker...")
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker exited with error: %v", err)
	}
	log.Println("worker stopped")
}
