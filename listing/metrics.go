package listing

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomeCanceled = "canceled"
	outcomeStale    = "stale"
)

// Metrics are shared by every source in the process. A nil *Metrics records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	duration  prometheus.Histogram
	cacheHits prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "room_directory",
			Subsystem: "listing",
			Name:      "num_requests",
			Help:      "Number of directory page requests, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "room_directory",
			Subsystem: "listing",
			Name:      "request_duration_secs",
			Help:      "Time taken to fetch a directory page, including cache hits.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "room_directory",
			Subsystem: "listing",
			Name:      "num_cache_hits",
			Help:      "Number of directory pages served from the page cache.",
		}),
	}
	prometheus.MustRegister(m.requests, m.duration, m.cacheHits)
	return m
}

func (m *Metrics) Unregister() {
	if m == nil {
		return
	}
	prometheus.Unregister(m.requests)
	prometheus.Unregister(m.duration)
	prometheus.Unregister(m.cacheHits)
}

func (m *Metrics) observe(outcome string, secs float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.Observe(secs)
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}
