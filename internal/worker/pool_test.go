package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hookgate/internal/log"
	"hookgate/internal/queue"
	"hookgate/internal/store"
)

type memQueue struct {
	mu          sync.Mutex
	jobs        map[int64]*store.Job
	leaseUntil  map[int64]time.Time
	deadLetters []store.DeadLetter
	renewals    map[int64]int
	leaseErr    error
}

func newMemQueue() *memQueue {
	return &memQueue{
		jobs:       make(map[int64]*store.Job),
		leaseUntil: make(map[int64]time.Time),
		renewals:   make(map[int64]int),
	}
}

func (m *memQueue) add(job store.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := job
	m.jobs[j.ID] = &j
}

func (m *memQueue) LeaseJobs(_ context.Context, queueName, owner string, limit int, lease time.Duration) ([]store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseErr != nil {
		return nil, m.leaseErr
	}
	now := time.Now()
	var out []store.Job
	for id, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.Queue != queueName || j.DeliverAfter.After(now) || m.leaseUntil[id].After(now) {
			continue
		}
		m.leaseUntil[id] = now.Add(lease)
		j.LeaseOwner = &owner
		out = append(out, *j)
	}
	return out, nil
}

func (m *memQueue) AckJob(_ context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	delete(m.leaseUntil, jobID)
	return nil
}

func (m *memQueue) RescheduleJob(_ context.Context, job store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := job
	j.LeaseOwner = nil
	m.jobs[j.ID] = &j
	delete(m.leaseUntil, j.ID)
	return nil
}

func (m *memQueue) ExtendLease(_ context.Context, jobID int64, _ string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewals[jobID]++
	m.leaseUntil[jobID] = time.Now().Add(lease)
	return nil
}

func (m *memQueue) MoveToDeadLetter(_ context.Context, job store.Job, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, store.DeadLetter{
		OriginalID:   job.ID,
		Queue:        store.DLQName(job.Queue),
		Payload:      job.Payload,
		LastError:    lastError,
		AttemptsMade: job.AttemptsMade,
		FailedAt:     time.Now(),
	})
	delete(m.jobs, job.ID)
	delete(m.leaseUntil, job.ID)
	return nil
}

func (m *memQueue) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memQueue) dlqCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deadLetters)
}

func testOptions(concurrency int) Options {
	return Options{
		Concurrency:      concurrency,
		LeaseTTL:         time.Second,
		LeaseRenewPeriod: 5 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		JobsPerSecond:    1000,
		Retry:            queue.Policy{Base: time.Millisecond},
		Owner:            "test-worker",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestPoolProcessesAndAcksJob(t *testing.T) {
	mq := newMemQueue()
	mq.add(store.Job{ID: 1, Queue: "messaging_send", Payload: []byte(`{"to":"x"}`), MaxAttempts: 3, DeliverAfter: time.Now()})

	var processed atomic.Int64
	pool := NewPool(mq, testOptions(4), nil, log.NewNop())
	if err := pool.RegisterProcessor("messaging_send", func(_ context.Context, job store.Job) error {
		processed.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %s", err)
	}
	waitFor(t, 2*time.Second, func() bool { return mq.jobCount() == 0 }, "job acked")
	cancel()
	if err := pool.Drain(time.Second); err != nil {
		t.Fatalf("drain: %s", err)
	}

	if processed.Load() != 1 {
		t.Fatalf("processed = %d, want 1", processed.Load())
	}
	health := pool.Health()
	if len(health) != 1 || health[0].JobsProcessed != 1 || health[0].Status != StatusStopped {
		t.Fatalf("unexpected health %+v", health)
	}
	if health[0].LastJobAt == nil {
		t.Fatal("lastJobAt not recorded")
	}
}

func TestPoolRetriesThenDeadLetters(t *testing.T) {
	mq := newMemQueue()
	mq.add(store.Job{ID: 2, Queue: "otp_send", Payload: []byte(`{}`), MaxAttempts: 3, DeliverAfter: time.Now()})

	var attempts atomic.Int64
	pool := NewPool(mq, testOptions(1), nil, log.NewNop())
	_ = pool.RegisterProcessor("otp_send", func(_ context.Context, _ store.Job) error {
		attempts.Add(1)
		return errors.New("provider unavailable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %s", err)
	}
	waitFor(t, 5*time.Second, func() bool { return mq.dlqCount() == 1 }, "job dead-lettered")
	cancel()
	if err := pool.Drain(time.Second); err != nil {
		t.Fatalf("drain: %s", err)
	}

	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if mq.dlqCount() != 1 {
		t.Fatalf("dead letters = %d, want exactly 1", mq.dlqCount())
	}
	dl := mq.deadLetters[0]
	if dl.Queue != "otp_send_dlq" || dl.AttemptsMade != 3 || dl.LastError != "provider unavailable" {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if mq.jobCount() != 0 {
		t.Fatal("dead-lettered job still in jobs table")
	}
}

func TestPoolRecoversFromProcessorPanic(t *testing.T) {
	mq := newMemQueue()
	mq.add(store.Job{ID: 3, Queue: "refund_execute", Payload: []byte(`{}`), MaxAttempts: 1, DeliverAfter: time.Now()})

	pool := NewPool(mq, testOptions(2), nil, log.NewNop())
	_ = pool.RegisterProcessor("refund_execute", func(_ context.Context, _ store.Job) error {
		panic("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %s", err)
	}
	waitFor(t, 2*time.Second, func() bool { return mq.dlqCount() == 1 }, "panicking job dead-lettered")
	cancel()
	if err := pool.Drain(time.Second); err != nil {
		t.Fatalf("drain: %s", err)
	}

	health := pool.Health()
	if health[0].JobsFailed != 1 {
		t.Fatalf("jobsFailed = %d, want 1", health[0].JobsFailed)
	}
	if mq.deadLetters[0].LastError != "processor panic: boom" {
		t.Fatalf("unexpected last error %q", mq.deadLetters[0].LastError)
	}
}

func TestPoolHonorsConcurrencyLimit(t *testing.T) {
	mq := newMemQueue()
	for i := int64(10); i < 16; i++ {
		mq.add(store.Job{ID: i, Queue: "messaging_send", Payload: []byte(`{}`), MaxAttempts: 1, DeliverAfter: time.Now()})
	}

	var current, peak atomic.Int64
	pool := NewPool(mq, testOptions(1), nil, log.NewNop())
	_ = pool.RegisterProcessor("messaging_send", func(_ context.Context, _ store.Job) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %s", err)
	}
	waitFor(t, 5*time.Second, func() bool { return mq.jobCount() == 0 }, "all jobs processed")
	cancel()
	if err := pool.Drain(time.Second); err != nil {
		t.Fatalf("drain: %s", err)
	}

	if peak.Load() != 1 {
		t.Fatalf("peak parallelism = %d, want 1", peak.Load())
	}
}

func TestPoolDrainLetsInFlightJobFinish(t *testing.T) {
	mq := newMemQueue()
	mq.add(store.Job{ID: 4, Queue: "messaging_send", Payload: []byte(`{}`), MaxAttempts: 1, DeliverAfter: time.Now()})

	started := make(chan struct{})
	var finished atomic.Bool
	pool := NewPool(mq, testOptions(1), nil, log.NewNop())
	_ = pool.RegisterProcessor("messaging_send", func(_ context.Context, _ store.Job) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %s", err)
	}
	<-started
	cancel()
	if err := pool.Drain(2 * time.Second); err != nil {
		t.Fatalf("drain: %s", err)
	}

	if !finished.Load() {
		t.Fatal("in-flight job was not allowed to finish")
	}
	if mq.jobCount() != 0 {
		t.Fatal("in-flight job was not acked after drain")
	}
}

func TestPoolRenewsLeasesForLongJobs(t *testing.T) {
	mq := newMemQueue()
	mq.add(store.Job{ID: 5, Queue: "messaging_send", Payload: []byte(`{}`), MaxAttempts: 1, DeliverAfter: time.Now()})

	pool := NewPool(mq, testOptions(1), nil, log.NewNop())
	_ = pool.RegisterProcessor("messaging_send", func(_ context.Context, _ store.Job) error {
		time.Sleep(40 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %s", err)
	}
	waitFor(t, 2*time.Second, func() bool { return mq.jobCount() == 0 }, "job finished")
	cancel()
	if err := pool.Drain(time.Second); err != nil {
		t.Fatalf("drain: %s", err)
	}

	mq.mu.Lock()
	renewed := mq.renewals[5]
	mq.mu.Unlock()
	if renewed == 0 {
		t.Fatal("lease was never renewed during a long-running job")
	}
}

func TestPoolRegistrationRules(t *testing.T) {
	pool := NewPool(newMemQueue(), testOptions(1), nil, log.NewNop())
	noop := func(_ context.Context, _ store.Job) error { return nil }
	if err := pool.RegisterProcessor("q", noop); err != nil {
		t.Fatalf("first register: %s", err)
	}
	if err := pool.RegisterProcessor("q", noop); err == nil {
		t.Fatal("duplicate register should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %s", err)
	}
	if err := pool.RegisterProcessor("late", noop); err == nil {
		t.Fatal("register after start should fail")
	}
	cancel()
	if err := pool.Drain(time.Second); err != nil {
		t.Fatalf("drain: %s", err)
	}
}

func TestPoolMarksErrorStatusOnLeaseFailure(t *testing.T) {
	mq := newMemQueue()
	mq.leaseErr = errors.New("db down")

	pool := NewPool(mq, testOptions(1), nil, log.NewNop())
	_ = pool.RegisterProcessor("q", func(_ context.Context, _ store.Job) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %s", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		h := pool.Health()
		return len(h) == 1 && h[0].Status == StatusError
	}, "worker reports error status")

	mq.mu.Lock()
	mq.leaseErr = nil
	mq.mu.Unlock()
	waitFor(t, 2*time.Second, func() bool {
		return pool.Health()[0].Status == StatusRunning
	}, "worker recovers to running")

	cancel()
	if err := pool.Drain(time.Second); err != nil {
		t.Fatalf("drain: %s", err)
	}
}
