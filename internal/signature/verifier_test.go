package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hookgate/internal/audit"
	"hookgate/internal/log"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeGuard struct {
	mu       sync.Mutex
	reserved map[string]bool
	err      error
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{reserved: make(map[string]bool)}
}

func (g *fakeGuard) Reserve(_ context.Context, key string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.reserved[key] {
		return false, nil
	}
	g.reserved[key] = true
	return true, nil
}

type captureSink struct {
	events []audit.Event
}

func (s *captureSink) Record(_ context.Context, e audit.Event) {
	s.events = append(s.events, e)
}

func sign(secret, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestVerifier(guard ReplayGuard, sink audit.Sink) *Verifier {
	return NewVerifier(testSecret, 60*time.Second, guard, sink, log.NewNop())
}

func nowTS() string {
	return fmt.Sprintf("%d", time.Now().Unix())
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v := newTestVerifier(newFakeGuard(), nil)
	body := []byte(`{"source":"stripe","amount":5}`)
	sig := sign(testSecret, "/webhook/entry", body)

	if err := v.Verify(context.Background(), "/webhook/entry", body, "sha256="+sig, nowTS(), Meta{}); err != nil {
		t.Fatalf("expected accept, got %s", err)
	}
}

func TestVerifyAcceptsBareHexSignature(t *testing.T) {
	v := newTestVerifier(newFakeGuard(), nil)
	body := []byte(`{"a":1}`)
	sig := sign(testSecret, "/webhook/entry", body)

	if err := v.Verify(context.Background(), "/webhook/entry", body, sig, nowTS(), Meta{}); err != nil {
		t.Fatalf("expected accept for bare hex, got %s", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	body := []byte(`{"a":1}`)
	goodSig := "sha256=" + sign(testSecret, "/webhook/entry", body)
	future := fmt.Sprintf("%d", time.Now().Add(10*time.Second).Unix())
	stale := fmt.Sprintf("%d", time.Now().Add(-2*time.Minute).Unix())

	cases := []struct {
		name       string
		body       []byte
		sig        string
		ts         string
		wantStatus int
		wantReason string
	}{
		{"empty signature", body, "", nowTS(), 401, ReasonMissingSignature},
		{"empty body", nil, goodSig, nowTS(), 400, ReasonMissingBody},
		{"missing timestamp", body, goodSig, "", 401, ReasonBadTimestamp},
		{"non-numeric timestamp", body, goodSig, "not-a-number", 401, ReasonBadTimestamp},
		{"future timestamp", body, goodSig, future, 401, ReasonFutureTimestamp},
		{"stale timestamp", body, goodSig, stale, 401, ReasonStaleTimestamp},
		{"tampered body", []byte(`{"a":2}`), goodSig, nowTS(), 401, ReasonBadDigest},
		{"wrong secret", body, "sha256=" + sign("another-secret-another-secret-32", "/webhook/entry", body), nowTS(), 401, ReasonBadDigest},
		{"garbage hex", body, "sha256=zz", nowTS(), 401, ReasonBadDigest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &captureSink{}
			v := newTestVerifier(newFakeGuard(), sink)
			err := v.Verify(context.Background(), "/webhook/entry", tc.body, tc.sig, tc.ts, Meta{IP: "1.2.3.4"})
			var rej *RejectError
			if !errors.As(err, &rej) {
				t.Fatalf("expected RejectError, got %v", err)
			}
			if rej.Status != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rej.Status, tc.wantStatus)
			}
			if rej.Reason != tc.wantReason {
				t.Fatalf("reason = %s, want %s", rej.Reason, tc.wantReason)
			}
			if len(sink.events) != 1 {
				t.Fatalf("expected one audit event, got %d", len(sink.events))
			}
			if sink.events[0].Details["reason"] != tc.wantReason {
				t.Fatalf("audit reason = %v, want %s", sink.events[0].Details["reason"], tc.wantReason)
			}
		})
	}
}

func TestVerifyRejectsReplaySecondTime(t *testing.T) {
	guard := newFakeGuard()
	sink := &captureSink{}
	v := newTestVerifier(guard, sink)
	body := []byte(`{"event":"charge.succeeded"}`)
	ts := nowTS()
	sig := "sha256=" + sign(testSecret, "/webhook/entry", body)

	if err := v.Verify(context.Background(), "/webhook/entry", body, sig, ts, Meta{}); err != nil {
		t.Fatalf("first submission should pass, got %s", err)
	}
	err := v.Verify(context.Background(), "/webhook/entry", body, sig, ts, Meta{})
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Reason != ReasonReplay {
		t.Fatalf("second submission should be a replay, got %v", err)
	}
	if rej.Status != 401 {
		t.Fatalf("replay status = %d, want 401", rej.Status)
	}
}

func TestVerifyFailsClosedOnGuardError(t *testing.T) {
	guard := newFakeGuard()
	guard.err = errors.New("redis unreachable")
	v := newTestVerifier(guard, nil)
	body := []byte(`{"a":1}`)
	sig := "sha256=" + sign(testSecret, "/webhook/entry", body)

	err := v.Verify(context.Background(), "/webhook/entry", body, sig, nowTS(), Meta{})
	if err == nil {
		t.Fatal("expected error when guard store is down")
	}
	var rej *RejectError
	if errors.As(err, &rej) {
		t.Fatalf("guard failure must not look like a terminal rejection: %v", rej)
	}
}

func TestAuditEventsMaskSignature(t *testing.T) {
	sink := &captureSink{}
	v := newTestVerifier(newFakeGuard(), sink)
	body := []byte(`{"a":2}`)
	longSig := "sha256=" + sign("wrong-secret-wrong-secret-wrong!", "/webhook/entry", body)

	_ = v.Verify(context.Background(), "/webhook/entry", body, longSig, nowTS(), Meta{})
	if len(sink.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(sink.events))
	}
	// The recorder masks on persist; the raw event still carries the header.
	// Masking itself is covered in the audit package tests.
	if sink.events[0].Action != "webhook_signature_rejected" {
		t.Fatalf("unexpected action %s", sink.events[0].Action)
	}
}
