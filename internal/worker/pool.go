// Package worker runs leased jobs from the durable queue. Each registered
// queue gets a polling loop with bounded concurrency; failed attempts are
// rescheduled with jittered backoff until max attempts is reached, at which
// point the job moves to the queue's dead-letter stream.
package worker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"hookgate/internal/config"
	"hookgate/internal/log"
	"hookgate/internal/metrics"
	"hookgate/internal/queue"
	"hookgate/internal/store"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Processor handles a single job attempt. A non-nil error schedules a retry.
type Processor func(ctx context.Context, job store.Job) error

// Store is the slice of the durable store the pool needs. Leasing is
// arbitrated by the store, so several pool instances can share one database.
type Store interface {
	LeaseJobs(ctx context.Context, queue, leaseOwner string, limit int, leaseDuration time.Duration) ([]store.Job, error)
	AckJob(ctx context.Context, jobID int64) error
	RescheduleJob(ctx context.Context, job store.Job) error
	ExtendLease(ctx context.Context, jobID int64, leaseOwner string, leaseDuration time.Duration) error
	MoveToDeadLetter(ctx context.Context, job store.Job, lastError string) error
}

type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Health is a point-in-time snapshot of one queue's worker.
type Health struct {
	Queue         string     `json:"queue"`
	Status        Status     `json:"status"`
	JobsProcessed int64      `json:"jobsProcessed"`
	JobsFailed    int64      `json:"jobsFailed"`
	LastJobAt     *time.Time `json:"lastJobAt,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
}

type Options struct {
	Concurrency      int
	LeaseTTL         time.Duration
	LeaseRenewPeriod time.Duration
	PollInterval     time.Duration
	JobsPerSecond    int
	Retry            queue.Policy
	Owner            string
}

type Pool struct {
	store   Store
	opts    Options
	metrics *metrics.GatewayMetrics
	logger  *log.Logger

	mu      sync.Mutex
	workers map[string]*worker
	started bool

	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewPool(jobStore Store, opts Options, m *metrics.GatewayMetrics, logger *log.Logger) *Pool {
	opts.Concurrency = config.ClampConcurrency(opts.Concurrency)
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.LeaseRenewPeriod <= 0 {
		opts.LeaseRenewPeriod = opts.LeaseTTL / 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobsPerSecond <= 0 {
		opts.JobsPerSecond = 100
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Pool{
		store:   jobStore,
		opts:    opts,
		metrics: m,
		logger:  logger,
		workers: make(map[string]*worker),
		stopped: make(chan struct{}),
	}
}

// RegisterProcessor binds a queue to its handler. Registration is only
// allowed before Start.
func (p *Pool) RegisterProcessor(queueName string, proc Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("register %s: pool already started", queueName)
	}
	if _, ok := p.workers[queueName]; ok {
		return fmt.Errorf("register %s: processor already registered", queueName)
	}
	p.workers[queueName] = &worker{
		queue:    queueName,
		proc:     proc,
		pool:     p,
		sem:      make(chan struct{}, p.opts.Concurrency),
		limiter:  rate.NewLimiter(rate.Limit(p.opts.JobsPerSecond), p.opts.JobsPerSecond),
		status:   StatusStopped,
		inflight: make(map[int64]struct{}),
	}
	return nil
}

// Queues lists the registered queue names, sorted.
func (p *Pool) Queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.workers))
	for name := range p.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pool already started")
	}
	if len(p.workers) == 0 {
		return fmt.Errorf("no processors registered")
	}
	p.started = true
	for _, w := range p.workers {
		w.startedAt = time.Now()
		p.wg.Add(2)
		go w.run(ctx)
		go w.renewLeases(ctx)
	}
	p.logger.Info("Worker pool started",
		zap.Int("queues", len(p.workers)),
		zap.Int("concurrency", p.opts.Concurrency),
		zap.String("owner", p.opts.Owner))
	return nil
}

// Drain waits for in-flight jobs to finish, up to the grace period.
// Dispatched attempts always run to completion; Drain only bounds how long
// shutdown waits for them.
func (p *Pool) Drain(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		workers := make([]*worker, 0, len(p.workers))
		for _, w := range p.workers {
			workers = append(workers, w)
		}
		p.mu.Unlock()
		for _, w := range workers {
			w.wg.Wait()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(grace):
		err = fmt.Errorf("drain: grace period %s elapsed with jobs still in flight", grace)
	}
	p.stopOnce.Do(func() { close(p.stopped) })
	p.wg.Wait()
	return err
}

// Health reports a snapshot per queue, sorted by queue name.
func (p *Pool) Health() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Health, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

type worker struct {
	queue   string
	proc    Processor
	pool    *Pool
	sem     chan struct{}
	limiter *rate.Limiter
	wg      sync.WaitGroup

	mu        sync.Mutex
	status    Status
	processed int64
	failed    int64
	lastJobAt *time.Time
	startedAt time.Time
	inflight  map[int64]struct{}
}

func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	w.setStatus(StatusRunning)
	w.markUp(1)
	w.pool.logger.Info("Worker started", zap.String("queue", w.queue))

	ticker := time.NewTicker(w.pool.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.setStatus(StatusStopped)
			w.markUp(0)
			w.pool.logger.Info("Worker stopping", zap.String("queue", w.queue))
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *worker) poll(ctx context.Context) {
	free := cap(w.sem) - len(w.sem)
	if free == 0 {
		return
	}
	jobs, err := w.pool.store.LeaseJobs(ctx, w.queue, w.pool.opts.Owner, free, w.pool.opts.LeaseTTL)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.setStatus(StatusError)
		w.markUp(0)
		w.pool.logger.Error("Failed to lease jobs", zap.Error(err), zap.String("queue", w.queue))
		return
	}
	if w.getStatus() == StatusError {
		w.setStatus(StatusRunning)
		w.markUp(1)
	}
	for _, job := range jobs {
		if err := w.limiter.Wait(ctx); err != nil {
			// Leased but never dispatched; the lease lapses and the job is
			// picked up again after shutdown.
			return
		}
		w.sem <- struct{}{}
		w.wg.Add(1)
		go w.execute(ctx, job)
	}
}

func (w *worker) execute(ctx context.Context, job store.Job) {
	defer w.wg.Done()
	defer func() { <-w.sem }()
	w.track(job.ID)
	defer w.untrack(job.ID)

	// Dispatched attempts run to completion even when the pool context is
	// cancelled mid-flight.
	jobCtx := context.WithoutCancel(ctx)
	err := w.invoke(jobCtx, job)
	if err == nil {
		if ackErr := w.pool.store.AckJob(jobCtx, job.ID); ackErr != nil {
			w.pool.logger.Error("Failed to ack job", zap.Error(ackErr),
				zap.String("queue", w.queue), zap.Int64("id", job.ID))
			return
		}
		w.recordOutcome(true)
		if w.pool.metrics != nil {
			w.pool.metrics.JobsProcessed.WithLabelValues(w.queue).Inc()
		}
		return
	}
	w.fail(jobCtx, job, err)
}

func (w *worker) invoke(ctx context.Context, job store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.proc(ctx, job)
}

func (w *worker) fail(ctx context.Context, job store.Job, procErr error) {
	w.recordOutcome(false)
	if w.pool.metrics != nil {
		w.pool.metrics.JobsFailed.WithLabelValues(w.queue).Inc()
	}

	now := time.Now()
	msg := procErr.Error()
	job.AttemptsMade++
	job.LastError = &msg
	if job.FirstFailedAt == nil {
		job.FirstFailedAt = &now
	}

	if job.AttemptsMade >= job.MaxAttempts {
		if err := w.pool.store.MoveToDeadLetter(ctx, job, msg); err != nil {
			w.pool.logger.Error("Failed to dead-letter job", zap.Error(err),
				zap.String("queue", w.queue), zap.Int64("id", job.ID))
			return
		}
		if w.pool.metrics != nil {
			w.pool.metrics.DeadLetterTotal.WithLabelValues(w.queue).Inc()
		}
		w.pool.logger.Warn("Job moved to dead letter queue",
			zap.String("queue", w.queue), zap.Int64("id", job.ID),
			zap.Int("attempts", job.AttemptsMade), zap.String("error", msg))
		return
	}

	job.DeliverAfter = now.Add(w.pool.opts.Retry.NextDelay(job.AttemptsMade))
	if err := w.pool.store.RescheduleJob(ctx, job); err != nil {
		w.pool.logger.Error("Failed to reschedule job", zap.Error(err),
			zap.String("queue", w.queue), zap.Int64("id", job.ID))
		return
	}
	w.pool.logger.Info("Job scheduled for retry",
		zap.String("queue", w.queue), zap.Int64("id", job.ID),
		zap.Int("attempts", job.AttemptsMade), zap.Time("deliver_after", job.DeliverAfter))
}

// renewLeases keeps in-flight jobs owned while they execute. It outlives
// context cancellation so leases stay valid through the drain window.
func (w *worker) renewLeases(ctx context.Context) {
	defer w.pool.wg.Done()
	opCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(w.pool.opts.LeaseRenewPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.pool.stopped:
			return
		case <-ticker.C:
			for _, jobID := range w.inflightIDs() {
				if err := w.pool.store.ExtendLease(opCtx, jobID, w.pool.opts.Owner, w.pool.opts.LeaseTTL); err != nil {
					w.pool.logger.Warn("Failed to extend lease",
						zap.Error(err), zap.String("queue", w.queue), zap.Int64("id", jobID))
				}
			}
		}
	}
}

func (w *worker) track(jobID int64) {
	w.mu.Lock()
	w.inflight[jobID] = struct{}{}
	w.mu.Unlock()
}

func (w *worker) untrack(jobID int64) {
	w.mu.Lock()
	delete(w.inflight, jobID)
	w.mu.Unlock()
}

func (w *worker) inflightIDs() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]int64, 0, len(w.inflight))
	for jobID := range w.inflight {
		ids = append(ids, jobID)
	}
	return ids
}

func (w *worker) recordOutcome(ok bool) {
	now := time.Now()
	w.mu.Lock()
	if ok {
		w.processed++
	} else {
		w.failed++
	}
	w.lastJobAt = &now
	w.mu.Unlock()
}

func (w *worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *worker) getStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *worker) markUp(v float64) {
	if w.pool.metrics != nil {
		w.pool.metrics.WorkerUp.WithLabelValues(w.queue).Set(v)
	}
}

func (w *worker) health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := Health{
		Queue:         w.queue,
		Status:        w.status,
		JobsProcessed: w.processed,
		JobsFailed:    w.failed,
		StartedAt:     w.startedAt,
	}
	if w.lastJobAt != nil {
		t := *w.lastJobAt
		h.LastJobAt = &t
	}
	return h
}
