package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder increments counters for session events.
type Recorder interface {
	Increment(event string)
}

// CounterMetrics implements Recorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics implements Recorder with a labelled Prometheus counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers a "<namespace>_events_total" counter on registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: sanitizeNamespace(namespace),
		Name:      "events_total",
		Help:      "Count of authentication and session events by name.",
	}, []string{"event"})
	if err := registerer.Register(events); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if asAlreadyRegistered(err, &alreadyRegistered) {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if ok {
				return &PrometheusMetrics{events: existing}, nil
			}
		}
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// Fanout forwards every event to all recorders.
type Fanout []Recorder

// Increment forwards the event.
func (recorders Fanout) Increment(event string) {
	for _, recorder := range recorders {
		if recorder != nil {
			recorder.Increment(event)
		}
	}
}

// Nop discards every event.
type Nop struct{}

// Increment does nothing.
func (Nop) Increment(string) {}

func sanitizeNamespace(namespace string) string {
	trimmed := strings.TrimSpace(namespace)
	if trimmed == "" {
		return "learnauth"
	}
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(trimmed)
}

func asAlreadyRegistered(err error, target *prometheus.AlreadyRegisteredError) bool {
	alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError)
	if ok {
		*target = alreadyRegistered
	}
	return ok
}
