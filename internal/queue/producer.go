// Package queue is the durable enqueue abstraction. Producers fire and
// forget; execution, retry and dead-lettering happen in the worker pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hookgate/internal/id"
	"hookgate/internal/log"
	"hookgate/internal/store"

	"go.uber.org/zap"
)

const DefaultMaxAttempts = 3

// JobStore persists jobs. A nil store means no durable backend is
// configured and enqueues become successful no-ops.
type JobStore interface {
	InsertJobs(ctx context.Context, jobs []store.Job) error
}

type EnqueueOptions struct {
	Delay       time.Duration
	Priority    int
	MaxAttempts int
}

type EnqueueResult struct {
	OK     bool   `json:"ok"`
	Queued bool   `json:"queued"`
	ID     int64  `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Producer struct {
	store       JobStore
	node        *id.Node
	maxAttempts int
	logger      *log.Logger
}

func NewProducer(jobStore JobStore, node *id.Node, maxAttempts int, logger *log.Logger) *Producer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Producer{store: jobStore, node: node, maxAttempts: maxAttempts, logger: logger}
}

// Enqueue adds a job to the named queue. With no backend configured the
// result is {OK, not queued, "queue_disabled"}, which is a success, not an
// error.
func (p *Producer) Enqueue(ctx context.Context, queueName string, payload any, opts *EnqueueOptions) (EnqueueResult, error) {
	if p.store == nil {
		p.logger.Info("Queue disabled; skipping enqueue", zap.String("queue", queueName))
		return EnqueueResult{OK: true, Queued: false, Reason: "queue_disabled"}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{OK: false, Reason: "invalid_payload"}, fmt.Errorf("marshal job payload: %w", err)
	}

	now := time.Now()
	job := store.Job{
		ID:           p.node.Generate(),
		Queue:        queueName,
		Payload:      data,
		MaxAttempts:  p.maxAttempts,
		DeliverAfter: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts != nil {
		if opts.MaxAttempts > 0 {
			job.MaxAttempts = opts.MaxAttempts
		}
		job.Priority = opts.Priority
		if opts.Delay > 0 {
			job.DeliverAfter = now.Add(Jitter(opts.Delay))
		}
	}

	if err := p.store.InsertJobs(ctx, []store.Job{job}); err != nil {
		p.logger.Error("Failed to enqueue job", zap.Error(err), zap.String("queue", queueName))
		return EnqueueResult{OK: false, Reason: "enqueue_failed"}, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	p.logger.Info("Job enqueued", zap.String("queue", queueName), zap.Int64("id", job.ID))
	return EnqueueResult{OK: true, Queued: true, ID: job.ID}, nil
}
