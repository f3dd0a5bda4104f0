// Package dedup computes the gateway's own fingerprint for an inbound
// event and enforces exactly-once admission through a unique insert. The
// store's uniqueness constraint is the only duplicate-detection mechanism;
// no in-process state is kept.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"hookgate/internal/canonical"
	"hookgate/internal/log"

	"go.uber.org/zap"
)

// TTL bounds how long an admission record is kept. The UTC day bucket in
// the fingerprint additionally scopes the dedup window: a payload repeated
// after UTC midnight fingerprints differently even inside the TTL.
const TTL = 72 * time.Hour

// AdmissionStore performs the insert-once of an internal event id.
// Admit returns false when the id was already admitted.
type AdmissionStore interface {
	AdmitEvent(ctx context.Context, internalEventID string, expiresAt time.Time) (bool, error)
}

type Result struct {
	InternalEventID string
	Duplicate       bool
}

type Deduplicator struct {
	store  AdmissionStore
	logger *log.Logger
	now    func() time.Time
}

func NewDeduplicator(store AdmissionStore, logger *log.Logger) *Deduplicator {
	return &Deduplicator{store: store, logger: logger, now: time.Now}
}

// Admit derives the internal event id and attempts admission. A client
// supplied key is used verbatim; otherwise the id is the SHA-256 of the
// canonical payload, its source and the current UTC calendar day.
// Duplicate=true means the caller must short-circuit with the same id and
// not forward downstream again.
func (d *Deduplicator) Admit(ctx context.Context, payload map[string]any, clientKey string) (Result, error) {
	id := clientKey
	if id == "" {
		id = EventID(payload, d.now().UTC())
	}

	inserted, err := d.store.AdmitEvent(ctx, id, d.now().Add(TTL))
	if err != nil {
		// Admission control is load-bearing; fail closed.
		return Result{}, fmt.Errorf("admit event %s: %w", id, err)
	}
	if !inserted {
		d.logger.Info("Duplicate event admission", zap.String("internal_event_id", id))
	}
	return Result{InternalEventID: id, Duplicate: !inserted}, nil
}

// EventID computes the day-bucketed fingerprint for a payload.
func EventID(payload map[string]any, now time.Time) string {
	source := "unknown"
	if s, ok := payload["source"].(string); ok && s != "" {
		source = s
	}
	dayBucket := now.UTC().Format("2006-01-02")
	sum := sha256.Sum256([]byte(canonical.Marshal(payload) + "|" + source + "|" + dayBucket))
	return hex.EncodeToString(sum[:])
}
