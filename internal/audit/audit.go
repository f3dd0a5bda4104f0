// Package audit records security decisions made by the gateway. Every
// signature rejection, replay and conflict lands here before the response
// is written. Writes fail open: the request outcome never depends on the
// audit trail being reachable.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"hookgate/internal/log"

	"go.uber.org/zap"
)

type Event struct {
	Action        string         `json:"action"`
	IP            string         `json:"ip,omitempty"`
	Path          string         `json:"path,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	At            time.Time      `json:"at"`
}

// Sink consumes audit events. The gateway never blocks on it.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// Store is the durable half of the recorder, implemented by the Postgres
// store.
type Store interface {
	InsertAudit(ctx context.Context, event Event) error
}

type Recorder struct {
	store   Store
	journal *Journal
	logger  *log.Logger
}

func NewRecorder(store Store, journal *Journal, logger *log.Logger) *Recorder {
	return &Recorder{store: store, journal: journal, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	event.Details = MaskDetails(event.Details)

	if r.store != nil {
		err := r.store.InsertAudit(ctx, event)
		if err == nil {
			return
		}
		r.logger.Warn("Audit insert failed, spooling to journal", zap.Error(err), zap.String("action", event.Action))
	}
	if r.journal == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("Failed to marshal audit event", zap.Error(err))
		return
	}
	if err := r.journal.Append(data); err != nil {
		r.logger.Error("Audit journal append failed", zap.Error(err), zap.String("action", event.Action))
	}
}

var sensitiveKeys = []string{
	"signature", "token", "secret", "authorization", "password",
	"phone", "email", "to", "code", "otp",
}

// MaskDetails returns a copy of details with sensitive values shortened to
// a prefix. Nested maps are masked recursively.
func MaskDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if nested, ok := v.(map[string]any); ok {
			out[k] = MaskDetails(nested)
			continue
		}
		if isSensitiveKey(k) {
			if s, ok := v.(string); ok {
				out[k] = maskValue(s)
				continue
			}
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***"
}
