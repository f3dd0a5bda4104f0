package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hookgate/internal/audit"
	"hookgate/internal/config"
	"hookgate/internal/dedup"
	"hookgate/internal/forward"
	"hookgate/internal/id"
	"hookgate/internal/idempotency"
	"hookgate/internal/log"
	"hookgate/internal/metrics"
	"hookgate/internal/queue"
	"hookgate/internal/server"
	"hookgate/internal/signature"
	"hookgate/internal/store"
	"hookgate/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const dlqRetention = 14 * 24 * time.Hour

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	pgStore, err := store.NewPGStore(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer pgStore.Close()
	if err := pgStore.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	journal, err := audit.NewJournal(cfg.JournalDir)
	if err != nil {
		logger.Fatal("Failed to initialize audit journal", zap.Error(err))
	}
	defer journal.Close()
	recorder := audit.NewRecorder(pgStore, journal, logger)

	guard := store.NewRedisGuard(redisClient)
	verifier := signature.NewVerifier(cfg.HMACSecret, cfg.SignatureTolerance, guard, recorder, logger)
	deduper := dedup.NewDeduplicator(pgStore, logger)
	idem := idempotency.NewMiddleware(pgStore, cfg.IdempotencyTTL, logger)
	forwarder := forward.NewForwarder(cfg.ForwardURL, cfg.ForwardToken, cfg.ForwardTimeout, logger)

	node, err := id.NewNode(1)
	if err != nil {
		logger.Fatal("Failed to initialize id generator", zap.Error(err))
	}
	producer := queue.NewProducer(pgStore, node, cfg.MaxJobAttempts, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	queues := []string{"messaging_send", "otp_send", "refund_execute"}
	gatewayMetrics := metrics.NewGatewayMetrics(pgStore, queues, cfg, logger)
	go gatewayMetrics.Run(ctx)

	var pool *worker.Pool
	var health server.WorkerHealth
	if cfg.EnableWorkers {
		pool = worker.NewPool(pgStore, worker.Options{
			Concurrency:      cfg.QueueConcurrency,
			LeaseTTL:         cfg.LeaseTTL,
			LeaseRenewPeriod: cfg.LeaseRenewPeriod,
			PollInterval:     cfg.PollInterval,
			JobsPerSecond:    cfg.JobsPerSecond,
			Retry:            queue.Policy{Base: cfg.RetryBackoff, MaxAttempts: cfg.MaxJobAttempts},
		}, gatewayMetrics, logger)
		registerProcessors(pool, recorder, logger)
		if err := pool.Start(ctx); err != nil {
			logger.Fatal("Failed to start worker pool", zap.Error(err))
		}
		health = pool
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := pgStore.PurgeExpired(ctx, dlqRetention); err != nil {
					logger.Error("Failed to purge expired records", zap.Error(err))
				}
				if err := journal.Cleanup(dlqRetention); err != nil {
					logger.Error("Failed to clean audit journal", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, pgStore, guard, verifier, deduper, producer, idem, forwarder, health, gatewayMetrics, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	// A second signal skips the drain and exits immediately.
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-force
		logger.Warn("Forced shutdown")
		os.Exit(1)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	if pool != nil {
		if err := pool.Drain(cfg.ShutdownGrace); err != nil {
			logger.Error("Worker drain incomplete", zap.Error(err))
		}
	}
}

// registerProcessors binds the background queues fed by the internal
// endpoints. Delivery to real providers happens downstream; each processor
// validates its payload and leaves an audit record of the executed work.
func registerProcessors(pool *worker.Pool, recorder *audit.Recorder, logger *log.Logger) {
	mustRegister(pool, logger, "messaging_send", func(ctx context.Context, job store.Job) error {
		var payload struct {
			Channel       string `json:"channel"`
			To            string `json:"to"`
			TemplateID    string `json:"template_id"`
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		recorder.Record(ctx, audit.Event{
			Action:        "message_sent",
			CorrelationID: payload.CorrelationID,
			Details: map[string]any{
				"channel":     payload.Channel,
				"to":          payload.To,
				"template_id": payload.TemplateID,
				"job_id":      job.ID,
			},
		})
		logger.Info("Processed message job", zap.Int64("id", job.ID), zap.String("channel", payload.Channel))
		return nil
	})

	mustRegister(pool, logger, "otp_send", func(ctx context.Context, job store.Job) error {
		var payload struct {
			OTPID         string `json:"otp_id"`
			SubjectType   string `json:"subject_type"`
			SubjectID     string `json:"subject_id"`
			Channel       string `json:"channel"`
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		recorder.Record(ctx, audit.Event{
			Action:        "otp_sent",
			CorrelationID: payload.CorrelationID,
			Details: map[string]any{
				"otp_id":       payload.OTPID,
				"subject_type": payload.SubjectType,
				"subject_id":   payload.SubjectID,
				"channel":      payload.Channel,
				"job_id":       job.ID,
			},
		})
		logger.Info("Processed OTP job", zap.Int64("id", job.ID), zap.String("otp_id", payload.OTPID))
		return nil
	})

	mustRegister(pool, logger, "refund_execute", func(ctx context.Context, job store.Job) error {
		var payload struct {
			RefundID      string `json:"refund_id"`
			TransactionID string `json:"transaction_id"`
			AmountCents   int64  `json:"amount_cents"`
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		recorder.Record(ctx, audit.Event{
			Action:        "refund_executed",
			CorrelationID: payload.CorrelationID,
			Details: map[string]any{
				"refund_id":      payload.RefundID,
				"transaction_id": payload.TransactionID,
				"amount_cents":   payload.AmountCents,
				"job_id":         job.ID,
			},
		})
		logger.Info("Processed refund job", zap.Int64("id", job.ID), zap.String("refund_id", payload.RefundID))
		return nil
	})
}

func mustRegister(pool *worker.Pool, logger *log.Logger, queueName string, proc worker.Processor) {
	if err := pool.RegisterProcessor(queueName, proc); err != nil {
		logger.Fatal("Failed to register processor", zap.Error(err), zap.String("queue", queueName))
	}
}
