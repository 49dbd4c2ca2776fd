package portalauth

import (
	"sync/atomic"
	"time"
)

// MetricID indexes an in-process counter.
type MetricID uint16

const (
	// MetricResolveSuccess counts resolutions that committed a user.
	MetricResolveSuccess MetricID = iota
	// MetricResolveEmpty counts resolutions that found no session.
	MetricResolveEmpty
	// MetricResolveFailure counts resolutions that failed closed.
	MetricResolveFailure
	// MetricResolveSuperseded counts resolutions discarded because a newer one had
	// already committed.
	MetricResolveSuperseded
	MetricResolveAbandoned
	MetricRefreshTick
	MetricSessionEvent
	MetricSignInSuccess
	MetricSignInFailure
	MetricSignOut
	// MetricSignOutPartial counts sign-outs whose provider call failed after local
	// state was cleared.
	MetricSignOutPartial
	MetricRoleOverride
	MetricRoleCorrectionFailure
	MetricGuardAuthorized
	MetricGuardForbidden
	MetricGuardUnauthenticated
	MetricGuardPending
	// MetricResolveLatency is the only histogram.
	MetricResolveLatency
)

// latencyBounds are the inclusive upper bounds of the first seven resolve latency
// buckets; the eighth is +Inf. Provider round trips dominate, so the bounds sit
// at network latencies.
var latencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const histBucketCount = len(latencyBounds) + 1

// counter sits alone on its cache line so hot counters do not false-share.
type counter struct {
	atomic.Uint64
	_ [56]byte
}

// Metrics is a fixed set of lock-free counters plus the resolve latency histogram.
// A nil or disabled Metrics ignores every call.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [MetricResolveLatency]counter
	latency       [histBucketCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of every counter. Histogram buckets are
// non-cumulative.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

func (m *Metrics) LatencyEnabled() bool { return m != nil && m.enableLatency }

func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= MetricResolveLatency {
		return
	}
	m.counters[id].Add(1)
}

// Observe records d into the histogram for id. Only [MetricResolveLatency] has one.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() || id != MetricResolveLatency {
		return
	}
	m.latency[bucketIndex(d)].Add(1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= MetricResolveLatency {
		return 0
	}
	return m.counters[id].Load()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return s
	}
	for id := MetricID(0); id < MetricResolveLatency; id++ {
		s.Counters[id] = m.counters[id].Load()
	}
	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = m.latency[i].Load()
		}
		s.Histograms[MetricResolveLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	for i, bound := range latencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(latencyBounds)
}
