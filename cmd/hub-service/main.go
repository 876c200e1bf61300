package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/parcelgrid/hubcoord/internal/cache"
	"github.com/parcelgrid/hubcoord/internal/config"
	"github.com/parcelgrid/hubcoord/internal/coordinator"
	"github.com/parcelgrid/hubcoord/internal/events"
	"github.com/parcelgrid/hubcoord/internal/httpserver"
	"github.com/parcelgrid/hubcoord/internal/queue"
	"github.com/parcelgrid/hubcoord/internal/retry"
	"github.com/parcelgrid/hubcoord/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadService()
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

	// Redis snapshot cache is optional; reads fall through to Postgres
	// without it.
	var resourceCache *cache.ResourceCache
	if cfg.RedisURL != "" {
		resourceCache, err = cache.NewResourceCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("init redis cache: %v", err)
		}
		defer resourceCache.Close()
		if err := resourceCache.Ping(context.Background()); err != nil {
			log.Printf("warning: redis not reachable right now: %v (cache stays enabled)", err)
		} else {
			log.Printf("redis cache initialized (ttl=%s)", cfg.CacheTTL)
		}
	}

	// Kafka publisher is optional too; the store stays the source of truth.
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
	} else {
		log.Println("kafka not configured; coordination events disabled")
	}

	coord := coordinator.New(st, publisher, resourceCache, coordinator.Config{
		MaxContentionRetries: cfg.ContentionMaxRetries,
		ContentionBaseDelay:  cfg.ContentionBaseDelay,
	})
	policy := retry.NewPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.RetryMaxAttempts)
	q := queue.New(st, policy, cfg.VisibilityTimeout, publisher)

	server := httpserver.New(coord, q, st)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("hub service listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
	log.Println("server stopped")
}
