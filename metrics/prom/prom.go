package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cachelab/blockcache/cache"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	evicts     *prometheus.CounterVec
	hotHits    prometheus.Counter
	hotMisses  prometheus.Counter
	hotBlocked prometheus.Counter
	hotFlushes prometheus.Counter
	hotRefills prometheus.Counter
	secHits    prometheus.Counter
	sizeEnt    prometheus.Gauge
	sizeUsage  prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:       counter("hits_total", "Cache hits"),
		misses:     counter("misses_total", "Cache misses"),
		hotHits:    counter("hot_index_hits_total", "Lookups served under the shared lock"),
		hotMisses:  counter("hot_index_misses_total", "Hot-index probes that fell back to the primary table"),
		hotBlocked: counter("hot_index_insert_blocked_total", "Hot-index insertions refused because every FIFO candidate was pinned"),
		hotFlushes: counter("hot_index_flushes_total", "Hot-index drains triggered by the adaptive controller"),
		hotRefills: counter("hot_index_refilled_entries_total", "Entries moved from the LRU into the hot index"),
		secHits:    counter("secondary_hits_total", "Lookups served by the secondary tier"),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		sizeEnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries (last written shard snapshot)",
			ConstLabels: constLabels,
		}),
		sizeUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_usage_bytes",
			Help:        "Total resident charge (last written shard snapshot)",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.hotHits, a.hotMisses,
		a.hotBlocked, a.hotFlushes, a.hotRefills, a.secHits, a.sizeEnt, a.sizeUsage)
	return a
}

func (a *Adapter) Hit()              { a.hits.Inc() }
func (a *Adapter) Miss()             { a.misses.Inc() }
func (a *Adapter) HotHit()           { a.hotHits.Inc() }
func (a *Adapter) HotMiss()          { a.hotMisses.Inc() }
func (a *Adapter) HotInsertBlocked() { a.hotBlocked.Inc() }
func (a *Adapter) HotFlush()         { a.hotFlushes.Inc() }
func (a *Adapter) SecondaryHit()     { a.secHits.Inc() }

// HotRefill adds the number of entries a controller refill moved.
func (a *Adapter) HotRefill(entries int) { a.hotRefills.Add(float64(entries)) }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(reason(r)).Inc()
}

// Size updates gauges for the entry count and total charge.
func (a *Adapter) Size(entries, usage int64) {
	a.sizeEnt.Set(float64(entries))
	a.sizeUsage.Set(float64(usage))
}

// reason maps EvictReason to a stable label value.
func reason(r cache.EvictReason) string {
	switch r {
	case cache.EvictErase:
		return "erase"
	case cache.EvictOverwrite:
		return "overwrite"
	default:
		return "capacity"
	}
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
