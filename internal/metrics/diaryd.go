package metrics

import (
	"time"
)

// DiarydMetrics holds all diaryd-specific metrics.
type DiarydMetrics struct {
	registry *Registry

	// Counters
	EventsAppendedTotal  *Counter
	ConflictsTotal       *Counter
	ValidationFailsTotal *Counter
	DenialsTotal         *Counter
	IntegrityFailsTotal  *Counter
	ExportsTotal         *Counter
	VerificationsTotal   *Counter
	CacheHitsTotal       *Counter
	CacheMissesTotal     *Counter
	ErrorsTotal          *Counter

	// Gauges
	HaltedChains  *Gauge
	OpenConflicts *Gauge
	UptimeSeconds *Gauge

	// Histograms
	AppendDuration       *Histogram
	VerificationDuration *Histogram
	ExportDuration       *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewDiarydMetrics creates and registers all diaryd metrics.
func NewDiarydMetrics(registry *Registry) *DiarydMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &DiarydMetrics{
		registry: registry,

		// Counters
		EventsAppendedTotal: registry.RegisterCounter(
			"events_appended_total",
			"Total number of events accepted into the log",
			nil,
		),
		ConflictsTotal: registry.RegisterCounter(
			"conflicts_total",
			"Total number of writes rejected by the lineage check",
			nil,
		),
		ValidationFailsTotal: registry.RegisterCounter(
			"validation_failures_total",
			"Total number of submissions rejected by validation",
			nil,
		),
		DenialsTotal: registry.RegisterCounter(
			"authorization_denials_total",
			"Total number of requests denied by the access policy",
			nil,
		),
		IntegrityFailsTotal: registry.RegisterCounter(
			"integrity_failures_total",
			"Total number of tamper-evidence failures detected",
			nil,
		),
		ExportsTotal: registry.RegisterCounter(
			"exports_total",
			"Total number of archive exports",
			nil,
		),
		VerificationsTotal: registry.RegisterCounter(
			"verifications_total",
			"Total number of chain verification walks",
			nil,
		),
		CacheHitsTotal: registry.RegisterCounter(
			"cache_hits_total",
			"Total number of state reads served from cache",
			nil,
		),
		CacheMissesTotal: registry.RegisterCounter(
			"cache_misses_total",
			"Total number of state reads that fell through to the store",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of internal errors",
			nil,
		),

		// Gauges
		HaltedChains: registry.RegisterGauge(
			"halted_chains",
			"Number of tenant chains halted pending operator action",
			nil,
		),
		OpenConflicts: registry.RegisterGauge(
			"open_conflicts",
			"Number of conflict records awaiting resolution",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		// Histograms
		AppendDuration: registry.RegisterHistogram(
			"append_duration_seconds",
			"Duration of append transactions in seconds",
			nil,
			DurationBuckets,
		),
		VerificationDuration: registry.RegisterHistogram(
			"verification_duration_seconds",
			"Duration of chain verification walks in seconds",
			nil,
			DurationBuckets,
		),
		ExportDuration: registry.RegisterHistogram(
			"export_duration_seconds",
			"Duration of archive exports in seconds",
			nil,
			DurationBuckets,
		),
	}

	return m
}

// RecordAppend records an accepted append.
func (m *DiarydMetrics) RecordAppend(duration time.Duration) {
	m.EventsAppendedTotal.Inc()
	m.AppendDuration.ObserveDuration(duration)
}

// StartAppendTimer returns a timer for append transactions.
func (m *DiarydMetrics) StartAppendTimer() *HistogramTimer {
	return m.AppendDuration.Timer()
}

// RecordConflict records a write rejected by the lineage check.
func (m *DiarydMetrics) RecordConflict() {
	m.ConflictsTotal.Inc()
}

// RecordValidationFailure records a rejected malformed submission.
func (m *DiarydMetrics) RecordValidationFailure() {
	m.ValidationFailsTotal.Inc()
}

// RecordDenial records a policy denial.
func (m *DiarydMetrics) RecordDenial() {
	m.DenialsTotal.Inc()
}

// RecordIntegrityFailure records a tamper-evidence failure.
func (m *DiarydMetrics) RecordIntegrityFailure() {
	m.IntegrityFailsTotal.Inc()
}

// RecordVerification records a chain verification walk.
func (m *DiarydMetrics) RecordVerification(duration time.Duration, clean bool) {
	m.VerificationsTotal.Inc()
	m.VerificationDuration.ObserveDuration(duration)
	if !clean {
		m.IntegrityFailsTotal.Inc()
	}
}

// RecordExport records an archive export.
func (m *DiarydMetrics) RecordExport(duration time.Duration) {
	m.ExportsTotal.Inc()
	m.ExportDuration.ObserveDuration(duration)
}

// RecordCacheHit records a state read served from cache.
func (m *DiarydMetrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a state read that fell through to the store.
func (m *DiarydMetrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordError records an internal error.
func (m *DiarydMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// SetHaltedChains sets the halted chain count.
func (m *DiarydMetrics) SetHaltedChains(count int64) {
	m.HaltedChains.Set(count)
}

// SetOpenConflicts sets the open conflict count.
func (m *DiarydMetrics) SetOpenConflicts(count int64) {
	m.OpenConflicts.Set(count)
}

// Per-target delivery series. The target name rides as a label so one
// scrape shows every downstream stream side by side.

// DeliveryAttempts returns the attempt counter for a target.
func (m *DiarydMetrics) DeliveryAttempts(target string) *Counter {
	return m.registry.RegisterCounter(
		"delivery_attempts_total",
		"Total number of delivery attempts",
		Labels{"target": target},
	)
}

// DeliveryFailures returns the failed-attempt counter for a target.
func (m *DiarydMetrics) DeliveryFailures(target string) *Counter {
	return m.registry.RegisterCounter(
		"delivery_failures_total",
		"Total number of failed delivery attempts",
		Labels{"target": target},
	)
}

// DeliverySkips returns the operator-skip counter for a target.
func (m *DiarydMetrics) DeliverySkips(target string) *Counter {
	return m.registry.RegisterCounter(
		"delivery_skips_total",
		"Total number of deliveries skipped by an operator",
		Labels{"target": target},
	)
}

// DeliveryLag returns the lag gauge for a target: events not yet
// delivered or skipped, summed over tenants.
func (m *DiarydMetrics) DeliveryLag(target string) *Gauge {
	return m.registry.RegisterGauge(
		"delivery_lag_events",
		"Events not yet resolved for a delivery target",
		Labels{"target": target},
	)
}

// DeliveryDuration returns the attempt duration histogram for a target.
func (m *DiarydMetrics) DeliveryDuration(target string) *Histogram {
	return m.registry.RegisterHistogram(
		"delivery_attempt_duration_seconds",
		"Duration of delivery attempts in seconds",
		Labels{"target": target},
		DurationBuckets,
	)
}

// UpdateUptime updates the uptime metric.
func (m *DiarydMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *DiarydMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"events_appended_total":       m.EventsAppendedTotal.Value(),
		"conflicts_total":             m.ConflictsTotal.Value(),
		"validation_failures_total":   m.ValidationFailsTotal.Value(),
		"authorization_denials_total": m.DenialsTotal.Value(),
		"integrity_failures_total":    m.IntegrityFailsTotal.Value(),
		"exports_total":               m.ExportsTotal.Value(),
		"verifications_total":         m.VerificationsTotal.Value(),
		"halted_chains":               m.HaltedChains.Value(),
		"open_conflicts":              m.OpenConflicts.Value(),
		"uptime_seconds":              m.UptimeSeconds.Value(),
		"append_avg_seconds":          m.AppendDuration.Mean(),
	}
}

// Global diaryd metrics instance.
var defaultDiarydMetrics *DiarydMetrics

// GetMetrics returns the global diaryd metrics instance.
func GetMetrics() *DiarydMetrics {
	if defaultDiarydMetrics == nil {
		defaultDiarydMetrics = NewDiarydMetrics(Default())
	}
	return defaultDiarydMetrics
}

// InitMetrics initializes the global diaryd metrics with a custom registry.
func InitMetrics(registry *Registry) *DiarydMetrics {
	defaultDiarydMetrics = NewDiarydMetrics(registry)
	return defaultDiarydMetrics
}
