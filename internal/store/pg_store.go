package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hookgate/internal/audit"
	"hookgate/internal/idempotency"
	"hookgate/internal/log"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PGStore is the sole arbiter of mutual exclusion for admission-control
// state. Uniqueness violations on insert are the only mechanism used to
// detect duplication; job exclusivity comes from FOR UPDATE SKIP LOCKED
// leasing. Correctness never depends on an in-process lock held across a
// query.
type PGStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPGStore(databaseURL string, logger *log.Logger) (*PGStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return &PGStore{db: db, logger: logger}, nil
}

func (s *PGStore) DB() *sql.DB {
	return s.db
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processed_events (
			internal_event_id TEXT PRIMARY KEY,
			created_at        TIMESTAMPTZ NOT NULL,
			expires_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key                TEXT PRIMARY KEY,
			request_hash       TEXT NOT NULL,
			status             TEXT NOT NULL,
			response_status    INT,
			response_body      BYTEA,
			response_is_json   BOOLEAN NOT NULL DEFAULT FALSE,
			response_truncated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			expires_at         TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id               BIGINT PRIMARY KEY,
			queue            TEXT NOT NULL,
			payload          BYTEA NOT NULL,
			attempts_made    INT NOT NULL DEFAULT 0,
			max_attempts     INT NOT NULL,
			priority         INT NOT NULL DEFAULT 0,
			deliver_after    TIMESTAMPTZ NOT NULL,
			lease_expires_at TIMESTAMPTZ,
			lease_owner      TEXT,
			last_error       TEXT,
			first_failed_at  TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_queue_deliver_idx ON jobs (queue, deliver_after)`,
		`CREATE TABLE IF NOT EXISTS dead_letter (
			id              BIGSERIAL PRIMARY KEY,
			original_id     BIGINT NOT NULL,
			queue           TEXT NOT NULL,
			payload         BYTEA NOT NULL,
			last_error      TEXT NOT NULL,
			attempts_made   INT NOT NULL,
			first_failed_at TIMESTAMPTZ,
			failed_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id             BIGSERIAL PRIMARY KEY,
			action         TEXT NOT NULL,
			ip             TEXT,
			path           TEXT,
			correlation_id TEXT,
			details        JSONB,
			at             TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// AdmitEvent performs the insert-once admission of an internal event id.
func (s *PGStore) AdmitEvent(ctx context.Context, internalEventID string, expiresAt time.Time) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO processed_events (internal_event_id, created_at, expires_at)
        VALUES ($1, $2, $3)
    `, internalEventID, time.Now(), expiresAt)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert processed event: %w", err)
	}
	return true, nil
}

// BeginIdempotent is the first-writer-wins insert of an in_progress
// record. On a unique violation it loads and returns the existing record.
func (s *PGStore) BeginIdempotent(ctx context.Context, rec idempotency.Record) (*idempotency.Record, bool, error) {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO idempotency_keys (key, request_hash, status, created_at, updated_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, rec.Key, rec.RequestHash, string(rec.Status), rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
	if err == nil {
		return nil, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("insert idempotency record: %w", err)
	}

	existing, err := s.loadIdempotent(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PGStore) loadIdempotent(ctx context.Context, key string) (*idempotency.Record, error) {
	var rec idempotency.Record
	var status string
	var responseStatus sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
        SELECT key, request_hash, status, response_status, response_body, response_is_json, response_truncated, created_at, updated_at, expires_at
        FROM idempotency_keys WHERE key = $1
    `, key).Scan(&rec.Key, &rec.RequestHash, &status, &responseStatus, &rec.ResponseBody,
		&rec.ResponseIsJSON, &rec.ResponseTruncated, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Raced with the expiry sweep between insert and load.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	rec.Status = idempotency.Status(status)
	if responseStatus.Valid {
		rec.ResponseStatus = int(responseStatus.Int64)
	}
	return &rec, nil
}

// CompleteIdempotent transitions a record out of in_progress exactly once.
// The status guard in the WHERE clause makes the transition idempotent:
// a record never re-enters in_progress and is never overwritten.
func (s *PGStore) CompleteIdempotent(ctx context.Context, key string, status idempotency.Status, responseStatus int, body []byte, isJSON, truncated bool) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE idempotency_keys
        SET status = $1, response_status = $2, response_body = $3, response_is_json = $4, response_truncated = $5, updated_at = $6
        WHERE key = $7 AND status = 'in_progress'
    `, string(status), responseStatus, body, isJSON, truncated, time.Now(), key)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

func (s *PGStore) InsertJobs(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, job := range jobs {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO jobs (id, queue, payload, attempts_made, max_attempts, priority, deliver_after, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        `, job.ID, job.Queue, job.Payload, job.AttemptsMade, job.MaxAttempts, job.Priority,
			job.DeliverAfter, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// LeaseJobs grants this owner an exclusive lease on up to limit due jobs.
// SKIP LOCKED keeps competing workers from blocking on each other; the
// lease column keeps a crashed worker's jobs invisible only until expiry.
func (s *PGStore) LeaseJobs(ctx context.Context, queue, leaseOwner string, limit int, leaseDuration time.Duration) ([]Job, error) {
	now := time.Now()
	rows, err := s.db.QueryContext(ctx, `
        UPDATE jobs
        SET lease_expires_at = $1, lease_owner = $2, updated_at = $3
        WHERE id IN (
            SELECT id FROM jobs
            WHERE queue = $4
            AND deliver_after <= $3
            AND (lease_expires_at IS NULL OR lease_expires_at < $3)
            ORDER BY priority, deliver_after
            LIMIT $5
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, queue, payload, attempts_made, max_attempts, priority, deliver_after, lease_expires_at, lease_owner, last_error, first_failed_at, created_at, updated_at
    `, now.Add(leaseDuration), leaseOwner, now, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		err := rows.Scan(&job.ID, &job.Queue, &job.Payload, &job.AttemptsMade, &job.MaxAttempts,
			&job.Priority, &job.DeliverAfter, &job.LeaseExpiresAt, &job.LeaseOwner,
			&job.LastError, &job.FirstFailedAt, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PGStore) AckJob(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// RescheduleJob releases the lease and makes the job due again at
// deliver_after, carrying the updated attempt count and error.
func (s *PGStore) RescheduleJob(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE jobs
        SET attempts_made = $1, deliver_after = $2, lease_expires_at = NULL, lease_owner = NULL,
            last_error = $3, first_failed_at = $4, updated_at = $5
        WHERE id = $6
    `, job.AttemptsMade, job.DeliverAfter, job.LastError, job.FirstFailedAt, time.Now(), job.ID)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// ExtendLease renews a running job's lease so a slow handler is not
// leased out a second time.
func (s *PGStore) ExtendLease(ctx context.Context, jobID int64, leaseOwner string, leaseDuration time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET lease_expires_at = $1, updated_at = $2
        WHERE id = $3 AND lease_owner = $4
    `, time.Now().Add(leaseDuration), time.Now(), jobID, leaseOwner)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

// MoveToDeadLetter parks an exhausted job in one transaction: the
// dead-letter row appears and the job disappears atomically, so a crash
// cannot duplicate or drop it.
func (s *PGStore) MoveToDeadLetter(ctx context.Context, job Job, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO dead_letter (original_id, queue, payload, last_error, attempts_made, first_failed_at, failed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, job.ID, DLQName(job.Queue), job.Payload, lastError, job.AttemptsMade, job.FirstFailedAt, time.Now())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PGStore) DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, original_id, queue, payload, last_error, attempts_made, first_failed_at, failed_at
        FROM dead_letter
        WHERE queue = $1
        ORDER BY failed_at
        LIMIT $2
    `, DLQName(queue), limit)
	if err != nil {
		return nil, fmt.Errorf("get dead letters: %w", err)
	}
	defer rows.Close()

	var entries []DeadLetter
	for rows.Next() {
		var entry DeadLetter
		err := rows.Scan(&entry.ID, &entry.OriginalID, &entry.Queue, &entry.Payload,
			&entry.LastError, &entry.AttemptsMade, &entry.FirstFailedAt, &entry.FailedAt)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PGStore) DeleteDeadLetter(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	s.logger.Info("Deleted dead letter", zap.Int64("id", id))
	return nil
}

func (s *PGStore) QueueDepth(ctx context.Context, queue string) (int64, error) {
	var depth int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = $1`, queue).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// PurgeExpired drops admission-control records past their TTL and dead
// letters past the retention window. Run periodically.
func (s *PGStore) PurgeExpired(ctx context.Context, dlqRetention time.Duration) error {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE expires_at < $1`, now); err != nil {
		return fmt.Errorf("purge processed events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now); err != nil {
		return fmt.Errorf("purge idempotency keys: %w", err)
	}
	if dlqRetention > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE failed_at < $1`, now.Add(-dlqRetention)); err != nil {
			return fmt.Errorf("purge dead letters: %w", err)
		}
	}
	return nil
}

func (s *PGStore) InsertAudit(ctx context.Context, event audit.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO audit_log (action, ip, path, correlation_id, details, at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, event.Action, event.IP, event.Path, event.CorrelationID, details, event.At)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
