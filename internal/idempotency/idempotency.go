// Package idempotency memoizes request outcomes per client-supplied key.
// The first writer of a key owns the execution; everyone else either
// replays the stored outcome, conflicts, or waits. Ownership is decided by
// the store's unique insert, never by an in-process lock.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hookgate/internal/log"

	"go.uber.org/zap"
)

const (
	HeaderKey      = "X-Idempotency-Key"
	HeaderReplayed = "Idempotency-Replayed"

	// ResponseCacheLimit caps stored response bodies. Oversized bodies are
	// replaced by a marker, never stored verbatim.
	ResponseCacheLimit = 16 * 1024

	DefaultTTL = time.Hour
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

type Record struct {
	Key               string
	RequestHash       string
	Status            Status
	ResponseStatus    int
	ResponseBody      []byte
	ResponseIsJSON    bool
	ResponseTruncated bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
}

// Store holds idempotency records. Begin is the first-writer-wins insert:
// when the key already exists it returns the existing record and false.
// Complete transitions a record to its terminal status exactly once.
type Store interface {
	BeginIdempotent(ctx context.Context, rec Record) (*Record, bool, error)
	CompleteIdempotent(ctx context.Context, key string, status Status, responseStatus int, body []byte, isJSON, truncated bool) error
}

type Middleware struct {
	store  Store
	ttl    time.Duration
	logger *log.Logger
	now    func() time.Time
}

func NewMiddleware(store Store, ttl time.Duration, logger *log.Logger) *Middleware {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Middleware{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// RequestHash binds a cached outcome to the exact request shape.
func RequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method + " " + path + "\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Handler wraps next with the idempotency lifecycle. Requests without the
// key header pass straight through.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Unable to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		now := m.now()
		requestHash := RequestHash(r.Method, r.URL.Path, body)
		existing, inserted, err := m.store.BeginIdempotent(r.Context(), Record{
			Key:         key,
			RequestHash: requestHash,
			Status:      StatusInProgress,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(m.ttl),
		})
		if err != nil {
			// First-writer election is load-bearing; fail closed.
			m.logger.Error("Idempotency begin failed", zap.Error(err), zap.String("key", key))
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}

		if !inserted {
			m.replayOrConflict(w, existing, requestHash)
			return
		}

		capture := newCaptureWriter(w)
		next.ServeHTTP(capture, r)

		status := StatusSucceeded
		if capture.status >= 500 {
			status = StatusFailed
		}
		stored, truncated := CacheBody(capture.body(), capture.size, capture.isJSON())
		// The response is already on the wire; a failed completion update
		// only loses the replay cache, never the outcome.
		if err := m.store.CompleteIdempotent(context.WithoutCancel(r.Context()), key, status, capture.status, stored, capture.isJSON(), truncated); err != nil {
			m.logger.Warn("Idempotency completion update failed", zap.Error(err), zap.String("key", key))
		}
	})
}

func (m *Middleware) replayOrConflict(w http.ResponseWriter, existing *Record, requestHash string) {
	if existing == nil {
		// Unique violation raced with an expiry sweep; treat as conflict.
		writeError(w, http.StatusConflict, "Request with this Idempotency-Key is in progress")
		return
	}
	if existing.RequestHash != requestHash {
		writeError(w, http.StatusConflict, "Idempotency key reuse with different request")
		return
	}
	if existing.Status == StatusInProgress {
		writeError(w, http.StatusConflict, "Request with this Idempotency-Key is in progress")
		return
	}

	w.Header().Set(HeaderReplayed, "true")
	if len(existing.ResponseBody) == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"accepted","idempotent":true}`)
		return
	}
	if existing.ResponseIsJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	responseStatus := existing.ResponseStatus
	if responseStatus == 0 {
		responseStatus = http.StatusOK
	}
	w.WriteHeader(responseStatus)
	w.Write(existing.ResponseBody)
}

// CacheBody applies the storage cap. Oversized JSON becomes a marker
// object carrying the accurate size; oversized text is cut at the cap with
// an explicit trailing marker.
func CacheBody(captured []byte, size int64, isJSON bool) ([]byte, bool) {
	if size <= ResponseCacheLimit {
		return captured, false
	}
	if isJSON {
		marker := fmt.Sprintf(`{"truncated":true,"size_bytes":%d,"message":"response body exceeded cache limit"}`, size)
		return []byte(marker), true
	}
	cut := captured
	if len(cut) > ResponseCacheLimit {
		cut = cut[:ResponseCacheLimit]
	}
	return append(append([]byte{}, cut...), []byte("...[truncated]")...), true
}

// captureWriter is the explicit response-capture boundary: the handler
// writes through it to the transport while the idempotency store observes
// {status, body, isJSON}.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
	size   int64
}

func newCaptureWriter(w http.ResponseWriter) *captureWriter {
	return &captureWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.size += int64(len(b))
	if w.buf.Len() < ResponseCacheLimit {
		room := ResponseCacheLimit - w.buf.Len()
		if room > len(b) {
			room = len(b)
		}
		w.buf.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) body() []byte {
	return w.buf.Bytes()
}

func (w *captureWriter) isJSON() bool {
	return strings.Contains(w.Header().Get("Content-Type"), "json")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q}}`, message)
}
