// Package metrics is diaryd's self-contained instrumentation: counters,
// gauges, and histograms collected in-process and exposed in Prometheus
// text format (or JSON on request) from the daemon's scrape endpoint.
// The daemon-wide instrument set lives in diaryd.go; this file is the
// registry they hang off.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels distinguish series that share a name, e.g. one delivery lag
// gauge per downstream target.
type Labels map[string]string

// String renders labels in Prometheus brace form with keys sorted, or
// "" when there are none.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Counter is a monotonically increasing count.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// Inc adds one.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Gauge is a value that moves in both directions.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// Set replaces the value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Add adds v, which may be negative.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// DurationBuckets suit the latencies diaryd observes: sub-millisecond
// SQLite commits up to delivery attempts that ride out a full timeout.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Histogram accumulates observations into cumulative buckets.
type Histogram struct {
	name   string
	help   string
	labels Labels
	bounds []float64

	mu     sync.Mutex
	counts []uint64 // one per bound, plus +Inf at the end
	sum    float64
	count  uint64
}

func newHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = DurationBuckets
	}
	bounds := make([]float64, len(buckets))
	copy(bounds, buckets)
	sort.Float64s(bounds)
	return &Histogram{
		name:   name,
		help:   help,
		labels: labels,
		bounds: bounds,
		counts: make([]uint64, len(bounds)+1),
	}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, bound := range h.bounds {
		if v <= bound {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.bounds)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Timer starts a stopwatch that observes its elapsed time on Stop.
func (h *Histogram) Timer() *HistogramTimer {
	return &HistogramTimer{h: h, start: time.Now()}
}

// Sum returns the total of all observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the average observed value, 0 before any observation.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// HistogramTimer observes the time between its creation and Stop.
type HistogramTimer struct {
	h     *Histogram
	start time.Time
}

// Stop records the elapsed duration and returns it.
func (t *HistogramTimer) Stop() time.Duration {
	d := time.Since(t.start)
	t.h.ObserveDuration(d)
	return d
}

// Registry holds every instrument the daemon registers. Registration is
// idempotent per (name, labels) so per-target helpers can re-register
// on every call and always get the same series back.
type Registry struct {
	namespace string
	subsystem string

	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry. Namespace and subsystem prefix
// every metric name, underscore-joined, when non-empty.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) fullName(name string) string {
	var parts []string
	if r.namespace != "" {
		parts = append(parts, r.namespace)
	}
	if r.subsystem != "" {
		parts = append(parts, r.subsystem)
	}
	return strings.Join(append(parts, name), "_")
}

func seriesKey(fullName string, labels Labels) string {
	return fullName + labels.String()
}

// RegisterCounter returns the counter for (name, labels), creating it on
// first use.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := seriesKey(full, labels)
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{name: full, help: help, labels: labels}
	r.counters[key] = c
	return c
}

// RegisterGauge returns the gauge for (name, labels), creating it on
// first use.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := seriesKey(full, labels)
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &Gauge{name: full, help: help, labels: labels}
	r.gauges[key] = g
	return g
}

// RegisterHistogram returns the histogram for (name, labels), creating
// it on first use. A nil bucket slice selects DurationBuckets.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := seriesKey(full, labels)
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h := newHistogram(full, help, labels, buckets)
	r.histograms[key] = h
	return h
}

// WritePrometheus renders every series in the text exposition format.
// Labeled series sharing a name appear under one HELP/TYPE header.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	header := ""
	for _, key := range sortedKeys(r.counters) {
		c := r.counters[key]
		if c.name != header {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
			header = c.name
		}
		fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
	}

	header = ""
	for _, key := range sortedKeys(r.gauges) {
		g := r.gauges[key]
		if g.name != header {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			header = g.name
		}
		fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
	}

	header = ""
	for _, key := range sortedKeys(r.histograms) {
		h := r.histograms[key]
		h.mu.Lock()
		if h.name != header {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
			header = h.name
		}

		// Re-open the label set so the le label joins any others.
		open := h.labels.String()
		if open == "" {
			open = "{"
		} else {
			open = open[:len(open)-1] + ","
		}

		var cumulative uint64
		for i, bound := range h.bounds {
			cumulative += h.counts[i]
			fmt.Fprintf(w, "%s_bucket%sle=\"%g\"} %d\n", h.name, open, bound, cumulative)
		}
		cumulative += h.counts[len(h.bounds)]
		fmt.Fprintf(w, "%s_bucket%sle=\"+Inf\"} %d\n", h.name, open, cumulative)
		fmt.Fprintf(w, "%s_sum%s %f\n", h.name, h.labels.String(), h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.count)
		h.mu.Unlock()
	}
	return nil
}

// WriteJSON renders every series as one JSON object keyed by series.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any)
	for key, c := range r.counters {
		out[key] = map[string]any{"type": "counter", "help": c.help, "value": c.Value()}
	}
	for key, g := range r.gauges {
		out[key] = map[string]any{"type": "gauge", "help": g.help, "value": g.Value()}
	}
	for key, h := range r.histograms {
		h.mu.Lock()
		buckets := make(map[string]uint64, len(h.bounds)+1)
		var cumulative uint64
		for i, bound := range h.bounds {
			cumulative += h.counts[i]
			buckets[fmt.Sprintf("%g", bound)] = cumulative
		}
		cumulative += h.counts[len(h.bounds)]
		buckets["+Inf"] = cumulative
		out[key] = map[string]any{
			"type":    "histogram",
			"help":    h.help,
			"buckets": buckets,
			"sum":     h.sum,
			"count":   h.count,
		}
		h.mu.Unlock()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// HTTPHandler serves the registry: Prometheus text by default, JSON
// when the client asks for it.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var defaultRegistry = NewRegistry("diaryd", "")

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// SetDefault replaces the process-wide registry.
func SetDefault(r *Registry) {
	defaultRegistry = r
}
