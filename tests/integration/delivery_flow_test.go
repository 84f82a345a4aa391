//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"diaryd/internal/config"
	"diaryd/internal/delivery"
	"diaryd/internal/store"
)

// Backoff sized so a sweep immediately after a failure is reliably
// inside the retry window, while a full outage-and-recovery run stays
// under a second.
const (
	testInitialBackoff = 200 * time.Millisecond
	testMaxBackoff     = 800 * time.Millisecond
)

// captureEndpoint is a downstream stand-in. It records accepted
// envelopes in arrival order; failures are switched per run or per
// sequence.
type captureEndpoint struct {
	mu       sync.Mutex
	received []delivery.Envelope
	failing  bool
	failSeqs map[int64]bool
}

func newCaptureEndpoint() *captureEndpoint {
	return &captureEndpoint{failSeqs: map[int64]bool{}}
}

func (c *captureEndpoint) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env delivery.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.failing || c.failSeqs[env.SequenceID] {
			http.Error(w, "backend unavailable", http.StatusInternalServerError)
			return
		}
		c.received = append(c.received, env)
		w.WriteHeader(http.StatusOK)
	})
}

func (c *captureEndpoint) setFailing(v bool) {
	c.mu.Lock()
	c.failing = v
	c.mu.Unlock()
}

func (c *captureEndpoint) failSequence(seq int64) {
	c.mu.Lock()
	c.failSeqs[seq] = true
	c.mu.Unlock()
}

func (c *captureEndpoint) sequences() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.received))
	for i, e := range c.received {
		out[i] = e.SequenceID
	}
	return out
}

// newSyncWorker wires an HTTP target named ctms at url. The poll
// interval never fires; tests call Sweep directly so timing stays in
// their hands.
func newSyncWorker(st *store.Store, url string) (*delivery.Worker, *delivery.HTTPTarget) {
	target := delivery.NewHTTPTarget(&config.TargetConfig{
		Name: "ctms",
		Type: "http",
		URL:  url,
	}, 5*time.Second)
	worker := delivery.NewWorker(st, target, delivery.WorkerOptions{
		PollInterval:   time.Hour,
		AttemptTimeout: 5 * time.Second,
		InitialBackoff: testInitialBackoff,
		MaxBackoff:     testMaxBackoff,
	}, nil, nil)
	return worker, target
}

// TestDeliveryHoldsOrderThroughOutage covers the core delivery
// guarantee: while the target is down nothing past the head is
// attempted, retries back off, and after recovery the backlog drains
// strictly in sequence order.
func TestDeliveryHoldsOrderThroughOutage(t *testing.T) {
	env := NewTestEnv(t)
	env.SeedSubject("subj-0042", "site-011", 6)

	endpoint := newCaptureEndpoint()
	server := httptest.NewServer(endpoint.handler())
	defer server.Close()

	worker, target := newSyncWorker(env.Store, server.URL)
	defer target.Close()

	// Outage: the first attempt fails and the head stays put.
	endpoint.setFailing(true)
	worker.Sweep(env.Ctx)

	rows, err := env.Store.Deliveries("ctms", testTenant, 10)
	AssertNoError(t, err, "list deliveries")
	AssertEqual(t, 1, len(rows), "rows opened during outage")
	AssertEqual(t, store.DeliveryFailed, rows[0].Status, "head status")
	AssertEqual(t, int64(1), rows[0].Sequence, "head sequence")
	AssertEqual(t, int64(1), rows[0].Attempts, "attempts after first sweep")
	AssertEqual(t, 0, len(endpoint.sequences()), "events accepted during outage")

	// Inside the backoff window nothing is retried.
	worker.Sweep(env.Ctx)
	rows, err = env.Store.Deliveries("ctms", testTenant, 10)
	AssertNoError(t, err, "list deliveries")
	AssertEqual(t, int64(1), rows[0].Attempts, "attempts inside backoff window")
	firstRetryAt := rows[0].NextRetryNs

	// Past the window the retry fires, fails again, and the delay grows.
	time.Sleep(testInitialBackoff + 50*time.Millisecond)
	worker.Sweep(env.Ctx)
	rows, err = env.Store.Deliveries("ctms", testTenant, 10)
	AssertNoError(t, err, "list deliveries")
	AssertEqual(t, int64(2), rows[0].Attempts, "attempts after backoff expired")
	AssertTrue(t, rows[0].NextRetryNs > firstRetryAt, "retry horizon moved out")
	AssertEqual(t, 1, len(rows), "still only the head in flight")

	// Recovery: one sweep drains the whole backlog in order.
	endpoint.setFailing(false)
	time.Sleep(2*testInitialBackoff + 50*time.Millisecond)
	worker.Sweep(env.Ctx)

	seqs := endpoint.sequences()
	AssertEqual(t, 6, len(seqs), "events delivered after recovery")
	for i, seq := range seqs {
		AssertEqual(t, int64(i+1), seq, "delivery order")
	}

	lag, err := env.Store.DeliveryLag("ctms", testTenant)
	AssertNoError(t, err, "delivery lag")
	AssertEqual(t, int64(0), lag, "lag after drain")
}

// TestOperatorSkipUnblocksTenant poisons one event so the target
// rejects it forever, then has an operator skip it. Delivery resumes at
// the next sequence; the poison event is never re-sent.
func TestOperatorSkipUnblocksTenant(t *testing.T) {
	env := NewTestEnv(t)
	env.SeedSubject("subj-0042", "site-011", 3)

	endpoint := newCaptureEndpoint()
	endpoint.failSequence(2)
	server := httptest.NewServer(endpoint.handler())
	defer server.Close()

	worker, target := newSyncWorker(env.Store, server.URL)
	defer target.Close()

	worker.Sweep(env.Ctx)

	seqs := endpoint.sequences()
	AssertEqual(t, 1, len(seqs), "delivered before the poison event")
	AssertEqual(t, int64(1), seqs[0], "first delivered sequence")

	// The operator reviews the failure and skips the event. Skipping is
	// terminal, so the cursor moves regardless of the pending backoff.
	skipped, err := env.Engine.SkipDelivery(env.Ctx, Admin("ops-001"), "ctms", 2,
		"payload rejected by CTMS, raised ticket 4711")
	AssertNoError(t, err, "skip delivery")
	AssertTrue(t, skipped, "skip applied")

	worker.Sweep(env.Ctx)

	// Sequence 4 is the annotation the skip itself appended; it rides
	// the same stream out to the target.
	seqs = endpoint.sequences()
	AssertEqual(t, 3, len(seqs), "delivered after skip")
	AssertEqual(t, int64(3), seqs[1], "delivery resumed past the skip")
	AssertEqual(t, int64(4), seqs[2], "skip annotation delivered")

	rows, err := env.Store.Deliveries("ctms", testTenant, 10)
	AssertNoError(t, err, "list deliveries")
	AssertEqual(t, 4, len(rows), "ledger rows")
	// Newest first: 4 and 3 succeeded, 2 skipped, 1 succeeded.
	AssertEqual(t, store.DeliverySucceeded, rows[0].Status, "row for sequence 4")
	AssertEqual(t, store.DeliverySucceeded, rows[1].Status, "row for sequence 3")
	AssertEqual(t, store.DeliverySkipped, rows[2].Status, "row for sequence 2")
	AssertEqual(t, store.DeliverySucceeded, rows[3].Status, "row for sequence 1")

	lag, err := env.Store.DeliveryLag("ctms", testTenant)
	AssertNoError(t, err, "delivery lag")
	AssertEqual(t, int64(0), lag, "skipped events do not count as lag")
}

// TestTargetsFailIndependently runs a healthy and a failing target over
// the same log: the failing one pins its own cursor without holding the
// healthy one back.
func TestTargetsFailIndependently(t *testing.T) {
	env := NewTestEnv(t)
	env.SeedSubject("subj-0042", "site-011", 3)

	healthy := newCaptureEndpoint()
	healthyServer := httptest.NewServer(healthy.handler())
	defer healthyServer.Close()

	broken := newCaptureEndpoint()
	broken.setFailing(true)
	brokenServer := httptest.NewServer(broken.handler())
	defer brokenServer.Close()

	healthyWorker, healthyTarget := newSyncWorker(env.Store, healthyServer.URL)
	defer healthyTarget.Close()
	brokenWorker, brokenTarget := func() (*delivery.Worker, *delivery.HTTPTarget) {
		target := delivery.NewHTTPTarget(&config.TargetConfig{
			Name: "edc",
			Type: "http",
			URL:  brokenServer.URL,
		}, 5*time.Second)
		return delivery.NewWorker(env.Store, target, delivery.WorkerOptions{
			PollInterval:   time.Hour,
			AttemptTimeout: 5 * time.Second,
			InitialBackoff: testInitialBackoff,
			MaxBackoff:     testMaxBackoff,
		}, nil, nil), target
	}()
	defer brokenTarget.Close()

	healthyWorker.Sweep(env.Ctx)
	brokenWorker.Sweep(env.Ctx)

	AssertEqual(t, 3, len(healthy.sequences()), "healthy target drained")
	AssertEqual(t, 0, len(broken.sequences()), "failing target delivered nothing")

	healthyLag, err := env.Store.DeliveryLag("ctms", testTenant)
	AssertNoError(t, err, "healthy lag")
	AssertEqual(t, int64(0), healthyLag, "healthy target lag")

	brokenLag, err := env.Store.DeliveryLag("edc", testTenant)
	AssertNoError(t, err, "broken lag")
	AssertEqual(t, int64(3), brokenLag, "failing target lag")
}
