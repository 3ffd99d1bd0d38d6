package store

import (
	"strings"
	"time"

	"github.com/manenim/redis-coord/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every store round trip unless overridden.
const DefaultTimeout = 5 * time.Second

// Options holds the configuration shared by every primitive.
type Options struct {
	Namespace string
	Timeout   time.Duration
	Recorder  metrics.Recorder
	Logger    *zap.Logger
}

// Option configures a primitive using the Functional Options pattern.
type Option func(*Options)

// WithNamespace prepends ns to every key the primitive touches, for example
// "myapp:" turns "lock:billing" into "myapp:lock:billing".
func WithNamespace(ns string) Option {
	return func(o *Options) {
		o.Namespace = ns
	}
}

// WithTimeout sets the context timeout applied to each store operation.
// A zero or negative value disables the extra deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Options) {
		if r != nil {
			o.Recorder = r
		}
	}
}

// WithLogger injects a zap logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) Options {
	o := Options{
		Timeout:  DefaultTimeout,
		Recorder: &metrics.NoOpRecorder{},
		Logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Key joins parts with ":" under the configured namespace.
func (o Options) Key(parts ...string) string {
	return o.Namespace + strings.Join(parts, ":")
}
