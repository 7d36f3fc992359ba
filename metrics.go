package spanstream

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MetricsObserver is notified of span delivery outcomes. OnSpansDropped may be
// called from any goroutine recording spans, so implementations must be safe
// for concurrent use.
type MetricsObserver interface {
	OnSpansSent(n int)
	OnSpansDropped(n int)
	OnFlush()
}

// Stats is a snapshot of the counters kept by a Recorder.
type Stats struct {
	SpansSent     uint64
	SpansDropped  uint64
	Flushes       uint64
	Reconnects    uint64
	BufferedSpans int
}

type metricsTracker struct {
	observer MetricsObserver

	// dropped spans not yet reported to a satellite in a stream header
	pendingDropped atomic.Int64

	spansSent    atomic.Uint64
	spansDropped atomic.Uint64
	flushes      atomic.Uint64
	reconnects   atomic.Uint64

	dropWarnings *rate.Limiter
}

func newMetricsTracker(observer MetricsObserver) *metricsTracker {
	return &metricsTracker{
		observer:     observer,
		dropWarnings: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (m *metricsTracker) onSpansSent(n int) {
	if n <= 0 {
		return
	}
	m.spansSent.Add(uint64(n))
	if m.observer != nil {
		m.observer.OnSpansSent(n)
	}
}

func (m *metricsTracker) onSpansDropped(n int) {
	if n <= 0 {
		return
	}
	m.pendingDropped.Add(int64(n))
	m.spansDropped.Add(uint64(n))
	if m.observer != nil {
		m.observer.OnSpansDropped(n)
	}
	if m.dropWarnings.Allow() {
		InternalLogger().Warn("dropping spans",
			zap.Int("count", n),
			zap.Uint64("total_dropped", m.spansDropped.Load()),
		)
	}
}

func (m *metricsTracker) onFlush() {
	m.flushes.Add(1)
	if m.observer != nil {
		m.observer.OnFlush()
	}
}

func (m *metricsTracker) onReconnect() { m.reconnects.Add(1) }

// consumeDroppedSpans takes the dropped span count for reporting in a stream
// header, leaving zero behind.
func (m *metricsTracker) consumeDroppedSpans() int64 {
	return m.pendingDropped.Swap(0)
}

// unconsumeDroppedSpans gives back a count taken by consumeDroppedSpans that
// never reached a satellite.
func (m *metricsTracker) unconsumeDroppedSpans(n int64) {
	if n > 0 {
		m.pendingDropped.Add(n)
	}
}

// droppedSpansPending returns the number of dropped spans not yet reported to
// a satellite.
func (m *metricsTracker) droppedSpansPending() int64 { return m.pendingDropped.Load() }

func (m *metricsTracker) stats() Stats {
	return Stats{
		SpansSent:    m.spansSent.Load(),
		SpansDropped: m.spansDropped.Load(),
		Flushes:      m.flushes.Load(),
		Reconnects:   m.reconnects.Load(),
	}
}

// metricsCollector exposes a metricsTracker to Prometheus.
type metricsCollector struct {
	m        *metricsTracker
	buffered func() int

	spansSent     *prometheus.Desc
	spansDropped  *prometheus.Desc
	flushes       *prometheus.Desc
	reconnects    *prometheus.Desc
	bufferedSpans *prometheus.Desc
}

func newMetricsCollector(m *metricsTracker, buffered func() int) *metricsCollector {
	return &metricsCollector{
		m:        m,
		buffered: buffered,
		spansSent: prometheus.NewDesc("spanstream_spans_sent_total",
			"Total spans fully written to a satellite connection", nil, nil),
		spansDropped: prometheus.NewDesc("spanstream_spans_dropped_total",
			"Total spans dropped because of a full buffer or a failed connection", nil, nil),
		flushes: prometheus.NewDesc("spanstream_flushes_total",
			"Total flushes of buffered spans", nil, nil),
		reconnects: prometheus.NewDesc("spanstream_reconnects_total",
			"Total satellite reconnections", nil, nil),
		bufferedSpans: prometheus.NewDesc("spanstream_buffered_spans",
			"Spans waiting in the buffer", nil, nil),
	}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.spansSent
	ch <- c.spansDropped
	ch <- c.flushes
	ch <- c.reconnects
	ch <- c.bufferedSpans
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.stats()
	ch <- prometheus.MustNewConstMetric(c.spansSent, prometheus.CounterValue, float64(s.SpansSent))
	ch <- prometheus.MustNewConstMetric(c.spansDropped, prometheus.CounterValue, float64(s.SpansDropped))
	ch <- prometheus.MustNewConstMetric(c.flushes, prometheus.CounterValue, float64(s.Flushes))
	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(s.Reconnects))
	ch <- prometheus.MustNewConstMetric(c.bufferedSpans, prometheus.GaugeValue, float64(c.buffered()))
}
