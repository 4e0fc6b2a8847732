// Package metrics is a small in-process counter/gauge/histogram registry
// with Prometheus text exposition. It is write-only from the core; readers
// accept slightly stale snapshots.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds all metric series. Safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
	help       map[string]string
}

type histogram struct {
	buckets []float64 // upper bounds, ascending
	raw     []uint64  // per-bucket non-cumulative counts
	sum     float64
	total   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
		help:       make(map[string]string),
	}
}

// Describe records help text for a metric name.
func (r *Registry) Describe(name, help string) {
	r.mu.Lock()
	r.help[name] = help
	r.mu.Unlock()
}

// IncCounter adds delta to a counter. Labels are optional.
func (r *Registry) IncCounter(name string, delta float64, labels map[string]string) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	r.counters[key] += delta
	r.mu.Unlock()
}

// SetGauge sets a gauge to value.
func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	r.gauges[key] = value
	r.mu.Unlock()
}

// AddGauge adds delta to a gauge.
func (r *Registry) AddGauge(name string, delta float64, labels map[string]string) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	r.gauges[key] += delta
	r.mu.Unlock()
}

// DefineHistogram registers a histogram with the given bucket upper bounds.
// Bounds must be ascending; +Inf is implicit.
func (r *Registry) DefineHistogram(name string, bounds []float64) {
	h := &histogram{
		buckets: append([]float64(nil), bounds...),
		raw:     make([]uint64, len(bounds)+1),
	}
	r.mu.Lock()
	r.histograms[name] = h
	r.mu.Unlock()
}

// Observe records a value into a previously defined histogram. Observations
// against an undefined histogram are dropped.
func (r *Registry) Observe(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[name]
	if !ok {
		return
	}
	idx := len(h.buckets)
	for i, b := range h.buckets {
		if value <= b {
			idx = i
			break
		}
	}
	h.raw[idx]++
	h.sum += value
	h.total++
}

// CounterValue returns the current value of a counter series. Test helper.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[seriesKey(name, labels)]
}

// GaugeValue returns the current value of a gauge series. Test helper.
func (r *Registry) GaugeValue(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[seriesKey(name, labels)]
}

// Render writes the registry in Prometheus text exposition format.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder

	writeFamily := func(kind string, series map[string]float64) {
		names := make([]string, 0, len(series))
		for k := range series {
			names = append(names, k)
		}
		sort.Strings(names)
		seen := map[string]bool{}
		for _, k := range names {
			base := baseName(k)
			if !seen[base] {
				seen[base] = true
				if help := r.help[base]; help != "" {
					fmt.Fprintf(&b, "# HELP %s %s\n", base, help)
				}
				fmt.Fprintf(&b, "# TYPE %s %s\n", base, kind)
			}
			fmt.Fprintf(&b, "%s %g\n", k, series[k])
		}
	}

	writeFamily("counter", r.counters)
	writeFamily("gauge", r.gauges)

	hnames := make([]string, 0, len(r.histograms))
	for k := range r.histograms {
		hnames = append(hnames, k)
	}
	sort.Strings(hnames)
	for _, name := range hnames {
		h := r.histograms[name]
		if help := r.help[name]; help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		}
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		var cum uint64
		for i, bound := range h.buckets {
			cum += h.raw[i]
			fmt.Fprintf(&b, "%s_bucket{le=%q} %d\n", name, fmt.Sprintf("%g", bound), cum)
		}
		cum += h.raw[len(h.buckets)]
		fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", name, cum)
		fmt.Fprintf(&b, "%s_sum %g\n", name, h.sum)
		fmt.Fprintf(&b, "%s_count %d\n", name, h.total)
	}

	return b.String()
}

// seriesKey renders name plus sorted labels into the exposition form.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func baseName(key string) string {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		return key[:i]
	}
	return key
}
