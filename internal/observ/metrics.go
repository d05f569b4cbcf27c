package observ

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry lazily creates Prometheus collectors so call sites can record
// metrics by name without declaring them up front. Label keys for a metric
// are fixed by its first use.
type registry struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
}

var reg = &registry{
	reg:      prometheus.NewRegistry(),
	counters: map[string]*prometheus.CounterVec{},
	gauges:   map[string]*prometheus.GaugeVec{},
	hist:     map[string]*prometheus.HistogramVec{},
}

// labelKeys returns the sorted key set so collector registration is stable
// regardless of map iteration order.
func labelKeys(lbl map[string]string) []string {
	if len(lbl) == 0 {
		return nil
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	c, ok := reg.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelKeys(labels))
		reg.reg.MustRegister(c)
		reg.counters[name] = c
	}
	reg.mu.Unlock()
	c.With(prometheus.Labels(labels)).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	g, ok := reg.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys(labels))
		reg.reg.MustRegister(g)
		reg.gauges[name] = g
	}
	reg.mu.Unlock()
	g.With(prometheus.Labels(labels)).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	h, ok := reg.hist[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, labelKeys(labels))
		reg.reg.MustRegister(h)
		reg.hist[name] = h
	}
	reg.mu.Unlock()
	h.With(prometheus.Labels(labels)).Observe(value)
}

// Handler serves the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}
