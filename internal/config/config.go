// Package config provides environment-backed configuration for the two
// hubcoord processes: the web service and the background worker.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine holds the knobs shared by both processes: the store, the event
// stream and the coordination/retry bounds. All durations are injected, not
// hard-coded, so operators can tune contention behavior per deployment.
type Engine struct {
	DatabaseURL string

	RedisURL     string
	CacheTTL     time.Duration
	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	VisibilityTimeout    time.Duration
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RetryMaxAttempts     int
	ContentionMaxRetries int
	ContentionBaseDelay  time.Duration
}

// ServiceConfig configures the web process.
type ServiceConfig struct {
	Engine
	ListenAddr string
}

// WorkerConfig configures the worker process.
type WorkerConfig struct {
	Engine
	PollInterval     time.Duration
	Concurrency      int
	HandlerTimeout   time.Duration
	DrainBatchSize   int
	DrainInterval    time.Duration
	HealthListenAddr string
}

const (
	defaultListenAddr       = ":8080"
	defaultHealthListenAddr = ":8081"
)

func loadEngine() (Engine, error) {
	eng := Engine{
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisURL:     os.Getenv("REDIS_URL"),
		CacheTTL:     secondsEnv("CACHE_TTL_SECONDS", 30),
		KafkaBrokers: parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   os.Getenv("KAFKA_TOPIC"),
		S3Bucket:     os.Getenv("S3_BUCKET"),
		S3Prefix:     os.Getenv("S3_PREFIX"),

		VisibilityTimeout:    secondsEnv("QUEUE_VISIBILITY_TIMEOUT_SECONDS", 30),
		RetryBaseDelay:       millisEnv("RETRY_BASE_DELAY_MS", 500),
		RetryMaxDelay:        secondsEnv("RETRY_MAX_DELAY_SECONDS", 60),
		RetryMaxAttempts:     intEnv("RETRY_MAX_ATTEMPTS", 5),
		ContentionMaxRetries: intEnv("CONTENTION_MAX_RETRIES", 8),
		ContentionBaseDelay:  millisEnv("CONTENTION_BASE_DELAY_MS", 20),
	}
	if eng.DatabaseURL == "" {
		return Engine{}, fmt.Errorf("DATABASE_URL required")
	}
	return eng, nil
}

// LoadService reads the web process configuration from the environment.
func LoadService() (ServiceConfig, error) {
	eng, err := loadEngine()
	if err != nil {
		return ServiceConfig{}, err
	}
	return ServiceConfig{
		Engine:     eng,
		ListenAddr: getEnv("LISTEN_ADDR", defaultListenAddr),
	}, nil
}

// LoadWorker reads the worker process configuration from the environment.
func LoadWorker() (WorkerConfig, error) {
	eng, err := loadEngine()
	if err != nil {
		return WorkerConfig{}, err
	}
	return WorkerConfig{
		Engine:           eng,
		PollInterval:     secondsEnv("WORKER_POLL_INTERVAL_SECONDS", 2),
		Concurrency:      intEnv("WORKER_CONCURRENCY", 4),
		HandlerTimeout:   secondsEnv("HANDLER_TIMEOUT_SECONDS", 25),
		DrainBatchSize:   intEnv("DLQ_DRAIN_BATCH_SIZE", 10),
		DrainInterval:    secondsEnv("DLQ_DRAIN_INTERVAL_SECONDS", 5),
		HealthListenAddr: getEnv("WORKER_HEALTH_ADDR", defaultHealthListenAddr),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func secondsEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Second
}

func millisEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Millisecond
}

func parseCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	chunks := strings.Split(raw, ",")
	values := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" {
			values = append(values, chunk)
		}
	}
	return values
}
