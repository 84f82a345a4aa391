package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"diaryd/internal/config"
	"diaryd/internal/logging"
	"diaryd/internal/metrics"
	"diaryd/internal/store"
)

// WorkerOptions tunes one target's delivery loop.
type WorkerOptions struct {
	// PollInterval is how often the worker scans tenants for due work.
	PollInterval time.Duration

	// AttemptTimeout bounds a single delivery attempt. It is distinct
	// from backoff: a slow target fails fast and reschedules instead of
	// stalling the whole sweep.
	AttemptTimeout time.Duration

	// InitialBackoff is the delay before the first retry. Each further
	// failure doubles it.
	InitialBackoff time.Duration

	// MaxBackoff caps the doubling retry delay.
	MaxBackoff time.Duration
}

// DefaultWorkerOptions mirror the config defaults: 1s initial backoff
// doubling to a 30s ceiling.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		PollInterval:   500 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Worker drives one target's per-tenant cursors. Every tenant's events
// reach the target strictly in sequence order; a failing event blocks
// its tenant (and only its tenant) until it succeeds or is skipped.
type Worker struct {
	store   *store.Store
	target  Target
	opts    WorkerOptions
	log     *logging.Logger
	metrics *metrics.DiarydMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker wires a worker to its target and store.
func NewWorker(st *store.Store, target Target, opts WorkerOptions, log *logging.Logger, m *metrics.DiarydMetrics) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultWorkerOptions().PollInterval
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultWorkerOptions().AttemptTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultWorkerOptions().InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if log == nil {
		log = logging.Default()
	}
	return &Worker{
		store:   st,
		target:  target,
		opts:    opts,
		log:     log.WithComponent("delivery"),
		metrics: m,
	}
}

// Start launches the delivery loop. Stop (or cancelling ctx) ends it;
// the database cursor makes restarts safe at any point.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop ends the loop and waits for the in-flight attempt, which is
// bounded by AttemptTimeout.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("delivery worker stopped", "target", w.target.Name())
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over all tenants, pumping each cursor as far as
// it will go, then refreshes the target's lag gauge.
func (w *Worker) Sweep(ctx context.Context) {
	tenants, err := w.store.Tenants()
	if err != nil {
		w.log.Error("list tenants", "target", w.target.Name(), "error", err)
		return
	}

	var lag int64
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		w.pump(ctx, tenant)

		l, err := w.store.DeliveryLag(w.target.Name(), tenant)
		if err != nil {
			w.log.Error("delivery lag", "target", w.target.Name(), "tenant", tenant, "error", err)
			continue
		}
		lag += l
	}

	if w.metrics != nil {
		w.metrics.DeliveryLag(w.target.Name()).Set(lag)
	}
}

// pump delivers a tenant's events in order until the cursor is caught
// up, the head is waiting out its backoff, or an attempt fails.
func (w *Worker) pump(ctx context.Context, tenant string) {
	name := w.target.Name()

	for {
		if ctx.Err() != nil {
			return
		}

		now := time.Now()
		head, err := w.store.DeliveryHead(name, tenant, now.UnixNano())
		if err != nil {
			w.log.Error("delivery head", "target", name, "tenant", tenant, "error", err)
			return
		}
		if head == nil {
			return // caught up
		}
		if head.NextRetryNs > now.UnixNano() {
			return // head still backing off
		}

		ev, err := w.store.EventAt(tenant, head.Sequence)
		if err != nil {
			w.log.Error("load event for delivery",
				"target", name, "tenant", tenant, "sequence", head.Sequence, "error", err)
			return
		}

		if err := w.store.MarkDelivering(name, tenant, head.Sequence, now.UnixNano()); err != nil {
			w.log.Error("mark delivering",
				"target", name, "tenant", tenant, "sequence", head.Sequence, "error", err)
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, w.opts.AttemptTimeout)
		start := time.Now()
		deliverErr := w.target.Deliver(attemptCtx, ev)
		cancel()

		if w.metrics != nil {
			w.metrics.DeliveryAttempts(name).Inc()
			w.metrics.DeliveryDuration(name).ObserveDuration(time.Since(start))
		}

		if deliverErr != nil {
			attempts := head.Attempts + 1
			backoff := w.backoffFor(attempts)
			nextRetry := time.Now().Add(backoff)

			if err := w.store.MarkDeliveryFailed(
				name, tenant, head.Sequence,
				attempts, nextRetry.UnixNano(),
				deliverErr.Error(), time.Now().UnixNano(),
			); err != nil {
				w.log.Error("mark delivery failed",
					"target", name, "tenant", tenant, "sequence", head.Sequence, "error", err)
				return
			}

			if w.metrics != nil {
				w.metrics.DeliveryFailures(name).Inc()
			}
			w.log.Warn("delivery failed, will retry",
				"target", name,
				"tenant", tenant,
				"sequence", head.Sequence,
				"attempt", attempts,
				"backoff", backoff.String(),
				"error", deliverErr)
			return // the head stays put; nothing behind it moves
		}

		if err := w.store.MarkDelivered(name, tenant, head.Sequence, time.Now().UnixNano()); err != nil {
			// The target accepted the event but the cursor did not
			// advance; the retry will re-send and the idempotency key
			// deduplicates on the far side.
			w.log.Error("mark delivered",
				"target", name, "tenant", tenant, "sequence", head.Sequence, "error", err)
			return
		}

		w.log.Debug("event delivered",
			"target", name, "tenant", tenant, "sequence", head.Sequence)
	}
}

// backoffFor doubles the delay per attempt: initial, 2x, 4x ... capped
// at MaxBackoff.
func (w *Worker) backoffFor(attempts int64) time.Duration {
	d := w.opts.InitialBackoff
	for i := int64(1); i < attempts; i++ {
		d *= 2
		if d >= w.opts.MaxBackoff {
			return w.opts.MaxBackoff
		}
	}
	if d > w.opts.MaxBackoff {
		d = w.opts.MaxBackoff
	}
	return d
}

// Manager owns one worker per configured target.
type Manager struct {
	workers []*Worker
	targets []Target
}

// NewManager builds targets from config and pairs each with a worker.
// MQTT targets connect eagerly; a broker that is down fails startup
// rather than silently queueing forever.
func NewManager(st *store.Store, cfg *config.Config, log *logging.Logger, m *metrics.DiarydMetrics) (*Manager, error) {
	opts := WorkerOptions{
		PollInterval:   time.Duration(cfg.Delivery.PollIntervalMs) * time.Millisecond,
		InitialBackoff: time.Duration(cfg.Delivery.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Delivery.MaxBackoffMs) * time.Millisecond,
	}

	mgr := &Manager{}
	for i := range cfg.Delivery.Targets {
		tc := &cfg.Delivery.Targets[i]
		timeout := time.Duration(cfg.AttemptTimeoutSec(tc)) * time.Second

		var target Target
		switch tc.Type {
		case "http":
			target = NewHTTPTarget(tc, timeout)
		case "mqtt":
			t, err := NewMQTTTarget(tc, timeout)
			if err != nil {
				mgr.Close()
				return nil, fmt.Errorf("target %s: %w", tc.Name, err)
			}
			target = t
		default:
			mgr.Close()
			return nil, fmt.Errorf("target %s: unknown type %q", tc.Name, tc.Type)
		}

		workerOpts := opts
		workerOpts.AttemptTimeout = timeout
		mgr.targets = append(mgr.targets, target)
		mgr.workers = append(mgr.workers, NewWorker(st, target, workerOpts, log, m))
	}

	return mgr, nil
}

// Start launches every worker.
func (m *Manager) Start(ctx context.Context) {
	for _, w := range m.workers {
		w.Start(ctx)
	}
}

// Stop halts all workers and disconnects their targets.
func (m *Manager) Stop() {
	for _, w := range m.workers {
		w.Stop()
	}
	m.Close()
}

// Close disconnects targets without waiting for workers.
func (m *Manager) Close() {
	for _, t := range m.targets {
		t.Close()
	}
	m.targets = nil
}

// TargetNames lists the configured targets in config order.
func (m *Manager) TargetNames() []string {
	names := make([]string, 0, len(m.workers))
	for _, w := range m.workers {
		names = append(names, w.target.Name())
	}
	return names
}
