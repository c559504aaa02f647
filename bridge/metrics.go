package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest outcomes recorded by Metrics.Ingests.
const (
	ResultOK        = "ok"
	ResultDeclined  = "declined"
	ResultExhausted = "exhausted"
	ResultAborted   = "aborted"
	ResultViolation = "violation"
)

// Metrics holds the Prometheus metrics for a Bridge.
// A nil *Metrics records nothing.
type Metrics struct {
	ActiveBuffers        prometheus.Gauge
	BufferedBytes        prometheus.Gauge
	OutstandingResponses prometheus.Gauge
	Ingests              *prometheus.CounterVec
	DispatchDuration     prometheus.Histogram
	ProtocolViolations   *prometheus.CounterVec
	ResponsesSwept       prometheus.Counter
}

// NewMetrics creates and registers all bridge metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActiveBuffers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rpcbridge",
				Name:      "active_buffers",
				Help:      "Number of request bodies currently being received",
			},
		),
		BufferedBytes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rpcbridge",
				Name:      "buffered_bytes",
				Help:      "Bytes held by request bodies being received",
			},
		),
		OutstandingResponses: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rpcbridge",
				Name:      "outstanding_responses",
				Help:      "Number of responses waiting to be fetched",
			},
		),
		Ingests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpcbridge",
				Name:      "ingests_total",
				Help:      "Total POST bodies handled, by outcome",
			},
			[]string{"result"}, // ok/declined/exhausted/aborted/violation
		),
		DispatchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "rpcbridge",
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent in the JSON-RPC engine per request body",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ProtocolViolations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpcbridge",
				Name:      "protocol_violations_total",
				Help:      "Callbacks received for unknown or out-of-order connections",
			},
			[]string{"op"},
		),
		ResponsesSwept: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "rpcbridge",
				Name:      "responses_swept_total",
				Help:      "Responses released because they were not fetched in time",
			},
		),
	}
}

func (m *Metrics) ingest(result string) {
	if m != nil {
		m.Ingests.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) violation(op string) {
	if m != nil {
		m.ProtocolViolations.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) dispatched(d time.Duration) {
	if m != nil {
		m.DispatchDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) swept(n int) {
	if m != nil && n > 0 {
		m.ResponsesSwept.Add(float64(n))
	}
}

// observe refreshes the gauges from the current bridge state.
func (m *Metrics) observe(s *Store, p *Provider) {
	if m == nil {
		return
	}
	m.ActiveBuffers.Set(float64(s.Len()))
	m.BufferedBytes.Set(float64(s.Size()))
	m.OutstandingResponses.Set(float64(p.Len()))
}
