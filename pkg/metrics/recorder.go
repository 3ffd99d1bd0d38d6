// Package metrics defines the small recording surface the coordination
// primitives report through, with a no-op default and a Prometheus backend.
package metrics

// Recorder receives counters and observations from the primitives.
//
// Names are dot-separated ("ratelimit.call", "lock.latency"). Tags carry
// low-cardinality dimensions such as the primitive outcome.
type Recorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpRecorder is a placeholder that does nothing.
// It ensures we never have to check 'if r.recorder != nil' in our hot path.
type NoOpRecorder struct{}

func (n *NoOpRecorder) Add(name string, value float64, tags map[string]string)     {}
func (n *NoOpRecorder) Observe(name string, value float64, tags map[string]string) {}
