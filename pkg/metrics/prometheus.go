package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyBuckets are tuned for single-script round trips to Redis.
var latencyBuckets = []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

// PrometheusRecorder implements Recorder on top of Prometheus.
//
// Add maps to a CounterVec and Observe to a HistogramVec. Vectors are created
// lazily on first use of a name; the label set is fixed by the tag keys of
// that first call. Later calls with a different tag key set are dropped and
// counted in DroppedSamples, since Prometheus cannot change a vector's labels
// after registration.
//
// All metrics live on a private registry for test isolation. Expose it with
// promhttp.HandlerFor(r.Registry(), promhttp.HandlerOpts{}).
type PrometheusRecorder struct {
	registry  *prometheus.Registry
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
	dropped    prometheus.Counter
}

// NewPrometheusRecorder creates a recorder whose metric names are prefixed
// with namespace (for example "coord" yields "coord_lock_call_total").
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metrics_dropped_samples_total",
		Help:      "Samples dropped because their tag set did not match the registered labels",
	})
	registry.MustRegister(dropped)

	return &PrometheusRecorder{
		registry:   registry,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
		dropped:    dropped,
	}
}

// Registry returns the registry holding every metric created so far.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Add increments the counter called name.
func (r *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	vec, labels, ok := r.counter(name, tags)
	if !ok {
		r.dropped.Inc()
		return
	}
	vec.WithLabelValues(labelValues(labels, tags)...).Add(value)
}

// Observe records value into the histogram called name.
func (r *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	vec, labels, ok := r.histogram(name, tags)
	if !ok {
		r.dropped.Inc()
		return
	}
	vec.WithLabelValues(labelValues(labels, tags)...).Observe(value)
}

func (r *PrometheusRecorder) counter(name string, tags map[string]string) (*prometheus.CounterVec, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := "c:" + name
	if vec, ok := r.counters[name]; ok {
		labels := r.labels[key]
		return vec, labels, sameKeys(labels, tags)
	}

	labels := sortedKeys(tags)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      sanitize(name) + "_total",
		Help:      fmt.Sprintf("Counter %s", name),
	}, labels)
	if err := r.registry.Register(vec); err != nil {
		return nil, nil, false
	}
	r.counters[name] = vec
	r.labels[key] = labels
	return vec, labels, true
}

func (r *PrometheusRecorder) histogram(name string, tags map[string]string) (*prometheus.HistogramVec, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := "h:" + name
	if vec, ok := r.histograms[name]; ok {
		labels := r.labels[key]
		return vec, labels, sameKeys(labels, tags)
	}

	labels := sortedKeys(tags)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Name:      sanitize(name) + "_seconds",
		Help:      fmt.Sprintf("Histogram %s", name),
		Buckets:   latencyBuckets,
	}, labels)
	if err := r.registry.Register(vec); err != nil {
		return nil, nil, false
	}
	r.histograms[name] = vec
	r.labels[key] = labels
	return vec, labels, true
}

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(name)
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(labels []string, tags map[string]string) bool {
	if len(labels) != len(tags) {
		return false
	}
	for _, l := range labels {
		if _, ok := tags[l]; !ok {
			return false
		}
	}
	return true
}

func labelValues(labels []string, tags map[string]string) []string {
	values := make([]string, len(labels))
	for i, l := range labels {
		values[i] = tags[l]
	}
	return values
}

var _ Recorder = (*PrometheusRecorder)(nil)
var _ Recorder = (*NoOpRecorder)(nil)
