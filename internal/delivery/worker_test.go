package delivery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/event"
	"diaryd/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{Driver: store.DriverSQLite, Path: filepath.Join(t.TempDir(), "diary.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedEvents appends a create followed by parent-linked updates and
// returns the head sequence.
func seedEvents(t *testing.T, s *store.Store, tenant, subject string, n int) int64 {
	t.Helper()
	var parent *int64
	var head int64
	for i := 0; i < n; i++ {
		c := &event.Candidate{
			EventID:      uuid.New(),
			TenantID:     tenant,
			SiteID:       "site-011",
			SubjectID:    subject,
			Operation:    event.OpCreate,
			Payload:      json.RawMessage(`{"form":"sleep-diary-v2","data":{"hours":7}}`),
			ClientTimeNs: time.Now().UnixNano(),
		}
		if i > 0 {
			c.Operation = event.OpUpdate
			c.ParentSeq = parent
			c.ChangeReason = "entered wrong value"
		}
		e, _, err := s.Append(c, "subj-0042", "subject")
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		head = e.Sequence
		parent = &e.Sequence
	}
	return head
}

// fakeTarget records delivered events and fails on demand, keyed by
// tenant and sequence.
type fakeTarget struct {
	mu        sync.Mutex
	delivered map[string][]int64
	failures  map[string]int // "tenant/seq" -> remaining failures (-1 = always)
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		delivered: make(map[string][]int64),
		failures:  make(map[string]int),
	}
}

func failKey(tenant string, seq int64) string {
	return fmt.Sprintf("%s/%d", tenant, seq)
}

func (f *fakeTarget) failEvent(tenant string, seq int64, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[failKey(tenant, seq)] = times
}

func (f *fakeTarget) Name() string { return "fake" }

func (f *fakeTarget) Deliver(_ context.Context, e *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := failKey(e.TenantID, e.Sequence)
	if remaining, ok := f.failures[key]; ok && remaining != 0 {
		if remaining > 0 {
			f.failures[key] = remaining - 1
		}
		return errors.New("simulated target outage")
	}
	f.delivered[e.TenantID] = append(f.delivered[e.TenantID], e.Sequence)
	return nil
}

func (f *fakeTarget) Close() {}

func (f *fakeTarget) sequences(tenant string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.delivered[tenant]))
	copy(out, f.delivered[tenant])
	return out
}

func testWorker(s *store.Store, target Target) *Worker {
	opts := WorkerOptions{
		PollInterval:   10 * time.Millisecond,
		AttemptTimeout: time.Second,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}
	return NewWorker(s, target, opts, nil, nil)
}

func TestWorkerDeliversInOrder(t *testing.T) {
	s := openTestStore(t)
	seedEvents(t, s, "trial-204", "subj-0042", 5)

	target := newFakeTarget()
	w := testWorker(s, target)

	w.Sweep(context.Background())

	got := target.sequences("trial-204")
	if len(got) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(got))
	}
	for i, seq := range got {
		if seq != int64(i+1) {
			t.Fatalf("out of order delivery: %v", got)
		}
	}
}

func TestFailedHeadBlocksStream(t *testing.T) {
	s := openTestStore(t)
	seedEvents(t, s, "trial-204", "subj-0042", 3)

	target := newFakeTarget()
	target.failEvent("trial-204", 2, 2)
	w := testWorker(s, target)
	ctx := context.Background()

	// First sweep: 1 delivers, 2 fails, 3 must not move.
	w.Sweep(ctx)
	if got := target.sequences("trial-204"); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only sequence 1 delivered, got %v", got)
	}

	rows, err := s.Deliveries("fake", "trial-204", 1)
	if err != nil {
		t.Fatalf("Deliveries failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Sequence != 2 {
		t.Fatalf("expected head row for sequence 2, got %+v", rows)
	}
	if rows[0].Status != store.DeliveryFailed || rows[0].Attempts != 1 {
		t.Fatalf("expected 1 failed attempt, got %+v", rows[0])
	}
	if rows[0].LastError == "" {
		t.Error("expected last error to be recorded")
	}

	// Sweep again before the backoff expires: nothing changes.
	w.Sweep(ctx)
	if got := target.sequences("trial-204"); len(got) != 1 {
		t.Fatalf("retry fired before backoff expired: %v", got)
	}

	// Let the backoff window pass twice; the second retry succeeds and
	// the stream drains in order.
	deadline := time.Now().Add(2 * time.Second)
	for {
		time.Sleep(25 * time.Millisecond)
		w.Sweep(ctx)
		if got := target.sequences("trial-204"); len(got) == 3 {
			for i, seq := range got {
				if seq != int64(i+1) {
					t.Fatalf("out of order after retries: %v", got)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream never drained: %v", target.sequences("trial-204"))
		}
	}

	// Cursor state reflects the recovery.
	lag, err := s.DeliveryLag("fake", "trial-204")
	if err != nil {
		t.Fatalf("DeliveryLag failed: %v", err)
	}
	if lag != 0 {
		t.Errorf("expected zero lag, got %d", lag)
	}
}

func TestSkipUnblocksStream(t *testing.T) {
	s := openTestStore(t)
	seedEvents(t, s, "trial-204", "subj-0042", 3)

	target := newFakeTarget()
	target.failEvent("trial-204", 2, -1) // poison event, never deliverable
	w := testWorker(s, target)
	ctx := context.Background()

	w.Sweep(ctx)
	time.Sleep(25 * time.Millisecond)
	w.Sweep(ctx)
	if got := target.sequences("trial-204"); len(got) != 1 {
		t.Fatalf("expected stream blocked at 2, got %v", got)
	}

	skipped, err := s.SkipDelivery("fake", "trial-204", 2, time.Now().UnixNano())
	if err != nil {
		t.Fatalf("SkipDelivery failed: %v", err)
	}
	if !skipped {
		t.Fatal("expected skip to take effect")
	}

	w.Sweep(ctx)
	got := target.sequences("trial-204")
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected [1 3] after skip, got %v", got)
	}
}

func TestTenantsFailIndependently(t *testing.T) {
	s := openTestStore(t)
	seedEvents(t, s, "trial-204", "subj-0042", 2)
	seedEvents(t, s, "trial-399", "subj-0007", 2)

	target := newFakeTarget()
	target.failEvent("trial-204", 1, -1)
	w := testWorker(s, target)

	// One tenant's outage must not stall the other's cursor.
	w.Sweep(context.Background())

	if got := target.sequences("trial-204"); len(got) != 0 {
		t.Fatalf("expected trial-204 blocked, got %v", got)
	}
	got := target.sequences("trial-399")
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected trial-399 to drain, got %v", got)
	}

	lag204, err := s.DeliveryLag("fake", "trial-204")
	if err != nil {
		t.Fatalf("DeliveryLag failed: %v", err)
	}
	if lag204 != 2 {
		t.Errorf("expected trial-204 lag 2, got %d", lag204)
	}
	lag399, err := s.DeliveryLag("fake", "trial-399")
	if err != nil {
		t.Fatalf("DeliveryLag failed: %v", err)
	}
	if lag399 != 0 {
		t.Errorf("expected trial-399 lag 0, got %d", lag399)
	}

	// Lift the outage; the blocked tenant recovers on its own.
	target.failEvent("trial-204", 1, 0)
	deadline := time.Now().Add(2 * time.Second)
	for {
		time.Sleep(25 * time.Millisecond)
		w.Sweep(context.Background())
		if lag, _ := s.DeliveryLag("fake", "trial-204"); lag == 0 {
			break
		}
		if time.Now().After(deadline) {
			lag, _ := s.DeliveryLag("fake", "trial-204")
			t.Fatalf("trial-204 never drained: lag=%d", lag)
		}
	}
}

func TestBackoffDoubles(t *testing.T) {
	w := &Worker{opts: WorkerOptions{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}}

	cases := []struct {
		attempts int64
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{7, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := w.backoffFor(tc.attempts); got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestWorkerStartStop(t *testing.T) {
	s := openTestStore(t)
	seedEvents(t, s, "trial-204", "subj-0042", 3)

	target := newFakeTarget()
	w := testWorker(s, target)

	w.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for len(target.sequences("trial-204")) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never drained: %v", target.sequences("trial-204"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	got := target.sequences("trial-204")
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestEnvelopeFields(t *testing.T) {
	parent := int64(4)
	e := &event.Event{
		Sequence:     5,
		EventID:      uuid.New(),
		TenantID:     "trial-204",
		SiteID:       "site-011",
		SubjectID:    "subj-0042",
		Operation:    event.OpUpdate,
		ParentSeq:    &parent,
		ActorID:      "subj-0042",
		ActorRole:    "subject",
		Payload:      json.RawMessage(`{"form":"sleep-diary-v2","data":{"hours":6}}`),
		ChangeReason: "entered wrong value",
		Evidence:     []byte{0xde, 0xad, 0xbe, 0xef},
		ClientTimeNs: 111,
		RecordedAtNs: 222,
	}
	e.ContentHash[0] = 0xab
	e.ChainHash[31] = 0xcd

	env := NewEnvelope(e)

	if env.EventID != e.EventID.String() {
		t.Errorf("event id mismatch: %s", env.EventID)
	}
	if env.SequenceID != 5 || env.ParentSeq == nil || *env.ParentSeq != 4 {
		t.Errorf("sequence fields mismatch: %+v", env)
	}
	if env.Operation != "update" || env.ActorRole != "subject" {
		t.Errorf("operation fields mismatch: %+v", env)
	}
	if env.ContentHash != hex.EncodeToString(e.ContentHash[:]) {
		t.Errorf("content hash not hex encoded: %s", env.ContentHash)
	}
	if env.ChainHash[62:] != "cd" {
		t.Errorf("chain hash tail mismatch: %s", env.ChainHash)
	}
	if string(env.Evidence) != string(e.Evidence) {
		t.Error("evidence must pass through verbatim")
	}

	// The envelope must be JSON-stable for receivers.
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if decoded["tenant_id"] != "trial-204" {
		t.Errorf("tenant_id missing from wire form: %v", decoded)
	}
}
