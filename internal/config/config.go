package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"hookgate/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	MinQueueConcurrency = 1
	MaxQueueConcurrency = 50
)

type Config struct {
	ListenAddr  string
	MetricsAddr string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	HMACSecret         string
	SignatureTolerance time.Duration
	IdempotencyTTL     time.Duration
	JWTSecret          string
	RateLimitPerMinute int

	EnableWorkers    bool
	QueueConcurrency int
	MaxJobAttempts   int
	RetryBackoff     time.Duration
	LeaseTTL         time.Duration
	LeaseRenewPeriod time.Duration
	PollInterval     time.Duration
	JobsPerSecond    int
	ShutdownGrace    time.Duration

	ForwardURL     string
	ForwardToken   string
	ForwardTimeout time.Duration

	JournalDir string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set in the environment
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":2112"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		HMACSecret:         os.Getenv("HMAC_SECRET"),
		SignatureTolerance: durationOr("SIGNATURE_TOLERANCE_SEC", 60) * time.Second,
		IdempotencyTTL:     durationOr("IDEMPOTENCY_TTL_SEC", 3600) * time.Second,
		JWTSecret:          os.Getenv("JWT_SECRET"),
		RateLimitPerMinute: intOr("RATE_LIMIT_PER_MINUTE", 100),
		EnableWorkers:      os.Getenv("ENABLE_WORKERS") == "true",
		QueueConcurrency:   intOr("QUEUE_CONCURRENCY", 5),
		MaxJobAttempts:     intOr("MAX_JOB_ATTEMPTS", 3),
		RetryBackoff:       durationOr("RETRY_BACKOFF_MS", 1000) * time.Millisecond,
		LeaseTTL:           30 * time.Second,
		LeaseRenewPeriod:   10 * time.Second,
		PollInterval:       durationOr("POLL_INTERVAL_MS", 1000) * time.Millisecond,
		JobsPerSecond:      intOr("JOBS_PER_SECOND", 100),
		ShutdownGrace:      durationOr("SHUTDOWN_GRACE_SEC", 30) * time.Second,
		ForwardURL:         os.Getenv("FORWARD_URL"),
		ForwardToken:       os.Getenv("FORWARD_TOKEN"),
		ForwardTimeout:     durationOr("FORWARD_TIMEOUT_SEC", 10) * time.Second,
		JournalDir:         envOr("JOURNAL_DIR", "journal"),
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.HMACSecret) < 32 {
		logger.Error("HMAC_SECRET must be at least 32 characters")
		return nil, fmt.Errorf("HMAC_SECRET must be at least 32 characters")
	}
	if len(cfg.JWTSecret) < 32 {
		logger.Error("JWT_SECRET must be at least 32 characters")
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if cfg.SignatureTolerance <= 0 {
		return nil, fmt.Errorf("SIGNATURE_TOLERANCE_SEC must be positive")
	}
	if cfg.IdempotencyTTL <= 0 {
		return nil, fmt.Errorf("IDEMPOTENCY_TTL_SEC must be positive")
	}

	if clamped := ClampConcurrency(cfg.QueueConcurrency); clamped != cfg.QueueConcurrency {
		logger.Info("Clamped queue concurrency",
			zap.Int("requested", cfg.QueueConcurrency), zap.Int("effective", clamped))
		cfg.QueueConcurrency = clamped
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

// ClampConcurrency bounds a configured worker concurrency to [1,50].
func ClampConcurrency(n int) int {
	if n < MinQueueConcurrency {
		return MinQueueConcurrency
	}
	if n > MaxQueueConcurrency {
		return MaxQueueConcurrency
	}
	return n
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func durationOr(key string, fallback int64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Duration(fallback)
	}
	return time.Duration(n)
}
