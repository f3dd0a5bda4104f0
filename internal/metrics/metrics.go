package metrics

import (
	"context"
	"net/http"
	"time"

	"hookgate/internal/config"
	"hookgate/internal/log"
	"hookgate/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type GatewayMetrics struct {
	IngestTotal     *prometheus.CounterVec
	IngestRejected  *prometheus.CounterVec
	EnqueueTotal    *prometheus.CounterVec
	JobsProcessed   *prometheus.CounterVec
	JobsFailed      *prometheus.CounterVec
	DeadLetterTotal *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	WorkerUp        *prometheus.GaugeVec

	store  *store.PGStore
	queues []string
	cfg    *config.Config
	logger *log.Logger
}

func NewGatewayMetrics(pgStore *store.PGStore, queues []string, cfg *config.Config, logger *log.Logger) *GatewayMetrics {
	m := &GatewayMetrics{
		IngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookgate_ingest_total",
				Help: "Total number of admitted webhook events",
			},
			[]string{"outcome"},
		),
		IngestRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookgate_ingest_rejected_total",
				Help: "Total number of rejected webhook requests",
			},
			[]string{"reason"},
		),
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookgate_enqueue_total",
				Help: "Total number of enqueued jobs",
			},
			[]string{"queue"},
		),
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookgate_jobs_processed_total",
				Help: "Total number of successfully processed jobs",
			},
			[]string{"queue"},
		),
		JobsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookgate_jobs_failed_total",
				Help: "Total number of failed job attempts",
			},
			[]string{"queue"},
		),
		DeadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookgate_dead_letter_total",
				Help: "Total number of jobs moved to the dead letter queue",
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hookgate_queue_depth",
				Help: "Number of jobs currently stored per queue",
			},
			[]string{"queue"},
		),
		WorkerUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hookgate_worker_up",
				Help: "Worker status per queue (1 = running, 0 = stopped or errored)",
			},
			[]string{"queue"},
		),
		store:  pgStore,
		queues: queues,
		cfg:    cfg,
		logger: logger,
	}

	prometheus.MustRegister(
		m.IngestTotal,
		m.IngestRejected,
		m.EnqueueTotal,
		m.JobsProcessed,
		m.JobsFailed,
		m.DeadLetterTotal,
		m.QueueDepth,
		m.WorkerUp,
	)

	return m
}

func (m *GatewayMetrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    m.cfg.MetricsAddr,
		Handler: mux,
	}

	go m.collect(ctx)

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", m.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *GatewayMetrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			for _, queue := range m.queues {
				depth, err := m.store.QueueDepth(ctx, queue)
				if err != nil {
					m.logger.Error("Failed to read queue depth", zap.Error(err), zap.String("queue", queue))
					continue
				}
				m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
			}
		}
	}
}
