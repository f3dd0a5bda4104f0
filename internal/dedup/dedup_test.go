package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hookgate/internal/log"
)

type fakeAdmissionStore struct {
	mu       sync.Mutex
	admitted map[string]bool
	err      error
}

func newFakeAdmissionStore() *fakeAdmissionStore {
	return &fakeAdmissionStore{admitted: make(map[string]bool)}
}

func (s *fakeAdmissionStore) AdmitEvent(_ context.Context, id string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.admitted[id] {
		return false, nil
	}
	s.admitted[id] = true
	return true, nil
}

func TestAdmitFirstThenDuplicate(t *testing.T) {
	d := NewDeduplicator(newFakeAdmissionStore(), log.NewNop())
	payload := map[string]any{"source": "stripe", "amount": 5.0}

	first, err := d.Admit(context.Background(), payload, "")
	if err != nil {
		t.Fatalf("first admit: %s", err)
	}
	if first.Duplicate {
		t.Fatal("first admission flagged duplicate")
	}

	second, err := d.Admit(context.Background(), payload, "")
	if err != nil {
		t.Fatalf("second admit: %s", err)
	}
	if !second.Duplicate {
		t.Fatal("second admission not flagged duplicate")
	}
	if second.InternalEventID != first.InternalEventID {
		t.Fatalf("duplicate returned a different id: %s vs %s", second.InternalEventID, first.InternalEventID)
	}
}

func TestAdmitIgnoresKeyOrder(t *testing.T) {
	store := newFakeAdmissionStore()
	d := NewDeduplicator(store, log.NewNop())

	a := map[string]any{"source": "github", "x": 1.0, "y": 2.0}
	b := map[string]any{"y": 2.0, "x": 1.0, "source": "github"}

	ra, _ := d.Admit(context.Background(), a, "")
	rb, _ := d.Admit(context.Background(), b, "")
	if !rb.Duplicate || ra.InternalEventID != rb.InternalEventID {
		t.Fatal("structurally identical payloads should collide")
	}
}

func TestAdmitClientKeyUsedVerbatim(t *testing.T) {
	d := NewDeduplicator(newFakeAdmissionStore(), log.NewNop())
	res, err := d.Admit(context.Background(), map[string]any{"a": 1.0}, "client-chosen-key")
	if err != nil {
		t.Fatalf("admit: %s", err)
	}
	if res.InternalEventID != "client-chosen-key" {
		t.Fatalf("client key not used verbatim: %s", res.InternalEventID)
	}
}

func TestAdmitFailsClosedOnStoreError(t *testing.T) {
	store := newFakeAdmissionStore()
	store.err = errors.New("db down")
	d := NewDeduplicator(store, log.NewNop())
	if _, err := d.Admit(context.Background(), map[string]any{"a": 1.0}, ""); err == nil {
		t.Fatal("expected error when admission store is down")
	}
}

func TestEventIDBucketsByUTCDay(t *testing.T) {
	payload := map[string]any{"source": "stripe", "k": "v"}
	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)
	if EventID(payload, day1) == EventID(payload, day2) {
		t.Fatal("ids should differ across UTC day boundary")
	}
	sameDay := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	if EventID(payload, day1) != EventID(payload, sameDay) {
		t.Fatal("ids should match within one UTC day")
	}
}

func TestEventIDUnknownSource(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := EventID(map[string]any{"k": "v"}, now)
	b := EventID(map[string]any{"k": "v", "source": "unknown"}, now)
	// Missing source falls back to "unknown" but the canonical payload
	// still differs, so these must not collide.
	if a == b {
		t.Fatal("payloads with and without explicit source collided")
	}
}
