// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Metrics & Health (C8): per-method latency histograms with fixed
// exponential buckets, lock-free frame/byte/error counters, and an
// aggregate health_status() view combining pool occupancy with queue
// saturation (§4.8).
package control

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// histogramBuckets are the upper bounds (inclusive) of each exponential
// bucket, in nanoseconds, spanning roughly 1us to ~1s. The final bucket
// catches everything above it.
var histogramBuckets = buildExponentialBuckets(1*time.Microsecond, 1*time.Second, 24)

func buildExponentialBuckets(min, max time.Duration, count int) []int64 {
	bounds := make([]int64, count)
	factor := math.Pow(float64(max)/float64(min), 1/float64(count-1))
	v := float64(min)
	for i := 0; i < count; i++ {
		bounds[i] = int64(v)
		v *= factor
	}
	return bounds
}

// Histogram is a lock-free, fixed-bucket latency histogram. Observe is
// safe for concurrent use; Percentile reads a point-in-time snapshot.
type Histogram struct {
	counts []uint64 // len(histogramBuckets)+1, last is the overflow bucket
	total  uint64
}

// NewHistogram allocates a histogram over the shared exponential buckets.
func NewHistogram() *Histogram {
	return &Histogram{counts: make([]uint64, len(histogramBuckets)+1)}
}

// Observe records one latency sample.
func (h *Histogram) Observe(d time.Duration) {
	ns := int64(d)
	idx := sort.Search(len(histogramBuckets), func(i int) bool { return histogramBuckets[i] >= ns })
	atomic.AddUint64(&h.counts[idx], 1)
	atomic.AddUint64(&h.total, 1)
}

// Percentile estimates the p-th percentile (0 < p <= 1) latency from the
// bucket counts, rounding up to the containing bucket's upper bound.
func (h *Histogram) Percentile(p float64) time.Duration {
	total := atomic.LoadUint64(&h.total)
	if total == 0 {
		return 0
	}
	target := uint64(math.Ceil(p * float64(total)))
	var cumulative uint64
	for i, bound := range histogramBuckets {
		cumulative += atomic.LoadUint64(&h.counts[i])
		if cumulative >= target {
			return time.Duration(bound)
		}
	}
	return time.Duration(histogramBuckets[len(histogramBuckets)-1])
}

// Snapshot returns p50/p95/p99 plus the total sample count.
func (h *Histogram) Snapshot() HistogramSnapshot {
	return HistogramSnapshot{
		P50:   h.Percentile(0.50),
		P95:   h.Percentile(0.95),
		P99:   h.Percentile(0.99),
		Count: atomic.LoadUint64(&h.total),
	}
}

// HistogramSnapshot is a point-in-time percentile readout.
type HistogramSnapshot struct {
	P50, P95, P99 time.Duration
	Count         uint64
}

// methodMetrics tracks the two latencies named in §4.8: send-to-first-
// response and send-to-final-frame (the two coincide for non-streamed
// responses).
type methodMetrics struct {
	firstResponse *Histogram
	final         *Histogram
}

// Registry aggregates per-method latency histograms and module-wide
// frame/byte/error counters. All counters are atomic; methods appear
// lazily on first observation so no upfront method catalogue is needed.
type Registry struct {
	methodsMu sync.RWMutex
	methods   map[string]*methodMetrics

	frames uint64
	bytes  uint64

	errorsMu     sync.RWMutex
	errorsByKind map[string]*uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		methods:      make(map[string]*methodMetrics),
		errorsByKind: make(map[string]*uint64),
	}
}

func (r *Registry) methodFor(method string) *methodMetrics {
	r.methodsMu.RLock()
	m, ok := r.methods[method]
	r.methodsMu.RUnlock()
	if ok {
		return m
	}
	r.methodsMu.Lock()
	defer r.methodsMu.Unlock()
	if m, ok = r.methods[method]; ok {
		return m
	}
	m = &methodMetrics{firstResponse: NewHistogram(), final: NewHistogram()}
	r.methods[method] = m
	return m
}

// ObserveFirstResponse records send-to-first-response-frame latency for method.
func (r *Registry) ObserveFirstResponse(method string, d time.Duration) {
	r.methodFor(method).firstResponse.Observe(d)
}

// ObserveFinal records send-to-final-frame latency for method.
func (r *Registry) ObserveFinal(method string, d time.Duration) {
	r.methodFor(method).final.Observe(d)
}

// AddFrames increments the frame counter by n.
func (r *Registry) AddFrames(n uint64) { atomic.AddUint64(&r.frames, n) }

// AddBytes increments the byte counter by n.
func (r *Registry) AddBytes(n uint64) { atomic.AddUint64(&r.bytes, n) }

// AddError increments the counter for the given error kind.
func (r *Registry) AddError(kind string) {
	r.errorsMu.RLock()
	c, ok := r.errorsByKind[kind]
	r.errorsMu.RUnlock()
	if !ok {
		r.errorsMu.Lock()
		if c, ok = r.errorsByKind[kind]; !ok {
			c = new(uint64)
			r.errorsByKind[kind] = c
		}
		r.errorsMu.Unlock()
	}
	atomic.AddUint64(c, 1)
}

// MethodSnapshot pairs a method name with its latency percentiles.
type MethodSnapshot struct {
	Method        string
	FirstResponse HistogramSnapshot
	Final         HistogramSnapshot
}

// Snapshot is a point-in-time readout of the whole registry.
type Snapshot struct {
	Frames       uint64
	Bytes        uint64
	ErrorsByKind map[string]uint64
	Methods      []MethodSnapshot
}

// Snapshot returns a consistent-enough point-in-time view of all counters
// and histograms for export (e.g. a metrics-port HTTP handler).
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		Frames:       atomic.LoadUint64(&r.frames),
		Bytes:        atomic.LoadUint64(&r.bytes),
		ErrorsByKind: make(map[string]uint64),
	}

	r.errorsMu.RLock()
	for k, c := range r.errorsByKind {
		snap.ErrorsByKind[k] = atomic.LoadUint64(c)
	}
	r.errorsMu.RUnlock()

	r.methodsMu.RLock()
	for name, m := range r.methods {
		snap.Methods = append(snap.Methods, MethodSnapshot{
			Method:        name,
			FirstResponse: m.firstResponse.Snapshot(),
			Final:         m.final.Snapshot(),
		})
	}
	r.methodsMu.RUnlock()

	sort.Slice(snap.Methods, func(i, j int) bool { return snap.Methods[i].Method < snap.Methods[j].Method })
	return snap
}

// PoolHealth is the subset of pool.HealthStatus this package consumes,
// defined locally so control has no import-cycle dependency on pool.
type PoolHealth struct {
	IsHealthy bool
	OpenConns int
	Issues    []string
}

// HealthStatus is the aggregate health_status() view of §4.8: pool
// occupancy plus queue saturation, rolled up into a single is_healthy bit.
type HealthStatus struct {
	IsHealthy bool
	OpenConns int
	Issues    []string
}

// ComputeHealthStatus folds the pool's own health view together with
// server-loop queue depth, flagging saturation once the queue is at or
// above 90% of capacity (the "queue saturated" issue named in §4.8).
func ComputeHealthStatus(pool PoolHealth, queueDepth, queueCapacity int) HealthStatus {
	issues := append([]string{}, pool.Issues...)
	saturated := queueCapacity > 0 && queueDepth*10 >= queueCapacity*9
	if saturated {
		issues = append(issues, "queue saturated")
	}
	return HealthStatus{
		IsHealthy: pool.IsHealthy && !saturated,
		OpenConns: pool.OpenConns,
		Issues:    issues,
	}
}
