package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mahoraga"

type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	keys     map[string]string // name -> canonical label keys, fixed on first use
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		keys:     map[string]string{},
	}
}

// labelKeys returns the sorted label names so vector shape is stable across calls.
func labelKeys(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shapeOK records the label shape of a metric on first use and rejects later mismatches.
func (r *registry) shapeOK(name string, keys []string) bool {
	canon := strings.Join(keys, ",")
	if prev, ok := r.keys[name]; ok {
		return prev == canon
	}
	r.keys[name] = canon
	return true
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	keys := labelKeys(labels)
	reg.mu.Lock()
	if !reg.shapeOK(name, keys) {
		reg.mu.Unlock()
		dropped(name, labels)
		return
	}
	vec, ok := reg.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, keys)
		reg.prom.MustRegister(vec)
		reg.counters[name] = vec
	}
	reg.mu.Unlock()

	c, err := vec.GetMetricWith(labels)
	if err != nil {
		dropped(name, labels)
		return
	}
	c.Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	keys := labelKeys(labels)
	reg.mu.Lock()
	if !reg.shapeOK(name, keys) {
		reg.mu.Unlock()
		dropped(name, labels)
		return
	}
	vec, ok := reg.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, keys)
		reg.prom.MustRegister(vec)
		reg.gauges[name] = vec
	}
	reg.mu.Unlock()

	g, err := vec.GetMetricWith(labels)
	if err != nil {
		dropped(name, labels)
		return
	}
	g.Set(value)
}

// Observe records a histogram sample with default buckets.
func Observe(name string, value float64, labels map[string]string) {
	keys := labelKeys(labels)
	reg.mu.Lock()
	if !reg.shapeOK(name, keys) {
		reg.mu.Unlock()
		dropped(name, labels)
		return
	}
	vec, ok := reg.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		reg.prom.MustRegister(vec)
		reg.hist[name] = vec
	}
	reg.mu.Unlock()

	o, err := vec.GetMetricWith(labels)
	if err != nil {
		dropped(name, labels)
		return
	}
	o.Observe(value)
}

func dropped(name string, labels map[string]string) {
	Warn("metric_label_mismatch", map[string]any{"metric": name, "labels": labels})
}

// Handler serves the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}
