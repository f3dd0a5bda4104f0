// Package signature authenticates inbound webhook requests. Verification
// is bound to the exact raw body bytes, the request path and a caller
// supplied unix timestamp; a short-lived single-use guard record makes an
// already-accepted (timestamp, signature, body) triple unacceptable a
// second time.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hookgate/internal/audit"
	"hookgate/internal/log"

	"go.uber.org/zap"
)

const (
	// maxFutureSkew is the hard limit on timestamps ahead of our clock,
	// stricter than the general tolerance window.
	maxFutureSkew = 5 * time.Second

	DefaultTolerance = 60 * time.Second
)

// Rejection reason codes, recorded in the audit trail.
const (
	ReasonMissingSignature = "missing_signature"
	ReasonMissingBody      = "missing_body"
	ReasonBadTimestamp     = "bad_timestamp"
	ReasonFutureTimestamp  = "timestamp_in_future"
	ReasonStaleTimestamp   = "timestamp_out_of_window"
	ReasonBadDigest        = "digest_mismatch"
	ReasonReplay           = "replay_detected"
)

// RejectError is a terminal verification failure. There is no retry at
// this layer.
type RejectError struct {
	Status  int
	Reason  string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("signature rejected (%s): %s", e.Reason, e.Message)
}

// ReplayGuard reserves a single-use key with a TTL. Reserve returns false
// when the key was already reserved, which is the only mechanism used to
// detect a replay.
type ReplayGuard interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Meta carries request attribution for the audit trail.
type Meta struct {
	IP            string
	CorrelationID string
}

type Verifier struct {
	secret    []byte
	tolerance time.Duration
	guard     ReplayGuard
	sink      audit.Sink
	logger    *log.Logger
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration, guard ReplayGuard, sink audit.Sink, logger *log.Logger) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		guard:     guard,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// Verify checks the signature and timestamp headers against the raw,
// unmodified body bytes and reserves the replay guard. A nil return means
// the request is authentic and has not been seen before.
func (v *Verifier) Verify(ctx context.Context, path string, rawBody []byte, sigHeader, tsHeader string, meta Meta) error {
	sigHeader = strings.TrimSpace(sigHeader)
	tsHeader = strings.TrimSpace(tsHeader)

	if sigHeader == "" {
		return v.reject(ctx, path, meta, &RejectError{Status: 401, Reason: ReasonMissingSignature, Message: "Missing signature"}, sigHeader, tsHeader)
	}
	if len(rawBody) == 0 {
		return v.reject(ctx, path, meta, &RejectError{Status: 400, Reason: ReasonMissingBody, Message: "Missing raw body for signature verification"}, sigHeader, tsHeader)
	}
	if tsHeader == "" {
		return v.reject(ctx, path, meta, &RejectError{Status: 401, Reason: ReasonBadTimestamp, Message: "Missing signature timestamp"}, sigHeader, tsHeader)
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return v.reject(ctx, path, meta, &RejectError{Status: 401, Reason: ReasonBadTimestamp, Message: "Invalid signature timestamp"}, sigHeader, tsHeader)
	}

	now := v.now()
	signedAt := time.Unix(ts, 0)
	if signedAt.Sub(now) > maxFutureSkew {
		return v.reject(ctx, path, meta, &RejectError{Status: 401, Reason: ReasonFutureTimestamp, Message: "Signature timestamp is in the future"}, sigHeader, tsHeader)
	}
	drift := now.Sub(signedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return v.reject(ctx, path, meta, &RejectError{Status: 401, Reason: ReasonStaleTimestamp, Message: "Signature timestamp out of allowed window"}, sigHeader, tsHeader)
	}

	// Accept formats: "sha256=<hex>" or bare hex.
	sigHex := strings.TrimPrefix(sigHeader, "sha256=")
	supplied, err := hex.DecodeString(sigHex)
	if err != nil {
		return v.reject(ctx, path, meta, &RejectError{Status: 401, Reason: ReasonBadDigest, Message: "Invalid signature"}, sigHeader, tsHeader)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(rawBody)
	if !hmac.Equal(supplied, mac.Sum(nil)) {
		return v.reject(ctx, path, meta, &RejectError{Status: 401, Reason: ReasonBadDigest, Message: "Invalid signature"}, sigHeader, tsHeader)
	}

	replayKey := ReplayKey(tsHeader, sigHex, rawBody)
	ok, err := v.guard.Reserve(ctx, replayKey, v.tolerance)
	if err != nil {
		// The guard is load-bearing for correctness; fail closed.
		return fmt.Errorf("reserve replay guard: %w", err)
	}
	if !ok {
		return v.reject(ctx, path, meta, &RejectError{Status: 401, Reason: ReasonReplay, Message: "Replay detected"}, sigHeader, tsHeader)
	}
	return nil
}

// ReplayKey derives the guard key for a verified (timestamp, signature,
// body) triple. Guard records expire with the tolerance window, which
// bounds their growth.
func ReplayKey(tsHeader, sigHex string, rawBody []byte) string {
	bodySum := sha256.Sum256(rawBody)
	keySum := sha256.Sum256([]byte(tsHeader + ":" + sigHex + ":" + hex.EncodeToString(bodySum[:])))
	return hex.EncodeToString(keySum[:])
}

func (v *Verifier) reject(ctx context.Context, path string, meta Meta, rej *RejectError, sigHeader, tsHeader string) error {
	if v.sink != nil {
		v.sink.Record(ctx, audit.Event{
			Action:        "webhook_signature_rejected",
			IP:            meta.IP,
			Path:          path,
			CorrelationID: meta.CorrelationID,
			Details: map[string]any{
				"reason":    rej.Reason,
				"signature": sigHeader,
				"timestamp": tsHeader,
			},
		})
	}
	v.logger.Warn("Rejected webhook signature", zap.String("reason", rej.Reason), zap.String("path", path), zap.String("ip", meta.IP))
	return rej
}
