package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const namespace = "swapfusion"

type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	labels   map[string][]string // name -> label names fixed at first use
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		labels:   map[string][]string{},
	}
	r.prom.MustRegister(collectors.NewGoCollector())
	return r
}

// labelNames returns sorted label keys so vector shape is stable
func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// values orders label values by the names fixed for the metric; missing
// labels become "".
func values(names []string, lbl map[string]string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = lbl[n]
	}
	return out
}

func (r *registry) namesFor(name string, lbl map[string]string) []string {
	if names, ok := r.labels[name]; ok {
		return names
	}
	names := labelNames(lbl)
	r.labels[name] = names
	return names
}

func metricName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func (r *registry) counter(name string, lbl map[string]string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := r.namesFor(name, lbl)
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      name,
		}, names)
		r.prom.MustRegister(vec)
		r.counters[name] = vec
	}
	return vec.WithLabelValues(values(names, lbl)...)
}

func (r *registry) gauge(name string, lbl map[string]string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := r.namesFor(name, lbl)
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      name,
		}, names)
		r.prom.MustRegister(vec)
		r.gauges[name] = vec
	}
	return vec.WithLabelValues(values(names, lbl)...)
}

func (r *registry) histogram(name string, lbl map[string]string) prometheus.Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := r.namesFor(name, lbl)
	vec, ok := r.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, names)
		r.prom.MustRegister(vec)
		r.hist[name] = vec
	}
	return vec.WithLabelValues(values(names, lbl)...)
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if value < 0 {
		return
	}
	reg.counter(name, labels).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.gauge(name, labels).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.histogram(name, labels).Observe(value)
}

// RecordDuration observes a duration in seconds
func RecordDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name+"_seconds", d.Seconds(), labels)
}

// CounterValue reads the current value of a counter; 0 if it was never touched.
func CounterValue(name string, labels map[string]string) float64 {
	reg.mu.Lock()
	vec, ok := reg.counters[name]
	names := reg.labels[name]
	reg.mu.Unlock()
	if !ok {
		return 0
	}
	return testutil.ToFloat64(vec.WithLabelValues(values(names, labels)...))
}

// Handler serves the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// Health is a liveness probe.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
