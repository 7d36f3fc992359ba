package spanstream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Recorder buffers serialized spans recorded by any number of goroutines, and
// streams them to satellites from a single consumer goroutine.
//
// Recording never blocks: when the buffer is full, or the Recorder is shut
// down, spans are dropped and counted. The count of dropped spans is reported
// to the satellites in the header of each stream.
type Recorder struct {
	opts      *RecorderOptions
	buffer    *RingBuffer[Chain]
	metrics   *metricsTracker
	spans     *SpanStream
	loop      *eventLoop
	streamer  *streamer
	collector *metricsCollector

	pendingFlushes atomic.Int64
	exit           atomic.Bool
	doneCh         chan struct{}

	// consumer goroutine only
	earlyFlushMarker int
	lastFlush        time.Time
	shuttingDown     bool
	draining         bool
	shutdownDeadline time.Time
}

// NewRecorder creates a Recorder and starts resolving the satellites and
// connecting to them in the background. It returns an error if the options
// can't be used, but never for satellites that are unreachable.
func NewRecorder(opts *RecorderOptions) (*Recorder, error) {
	if opts == nil {
		opts = DefaultRecorderOptions()
	}
	opts.resolve()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid RecorderOptions: %w", err)
	}

	r := &Recorder{
		opts:    opts,
		buffer:  NewRingBuffer[Chain](opts.MaxBufferedSpans),
		metrics: newMetricsTracker(opts.MetricsObserver),
		loop:    newEventLoop(),
		doneCh:  make(chan struct{}),
	}
	r.spans = NewSpanStream(r.buffer, r.metrics)
	r.collector = newMetricsCollector(r.metrics, r.buffer.Len)
	r.earlyFlushMarker = int(float64(opts.MaxBufferedSpans) * opts.EarlyFlushThreshold)

	s, err := newStreamer(r.loop, opts, r.metrics, r.spans)
	if err != nil {
		return nil, err
	}
	r.streamer = s

	if opts.Registerer != nil {
		if err := opts.Registerer.Register(r.collector); err != nil {
			return nil, fmt.Errorf("failed to register the Recorder metrics: %w", err)
		}
	}

	r.debug("starting Recorder", zap.Stringers("satellites", opts.SatelliteEndpoints),
		zap.Int("max_buffered_spans", opts.MaxBufferedSpans),
		zap.Int("connections", opts.NumConnections),
	)

	go r.run()

	return r, nil
}

// RecordSpan takes ownership of c, a serialized span, and buffers it for
// streaming. It reports whether the span was buffered; if it wasn't, the span
// is counted as dropped and c is freed. c must not be used after the call.
func (r *Recorder) RecordSpan(c *Chain) bool {
	if c == nil {
		return false
	}
	c.CloseOutput(r.opts.SpanFraming)
	if c.Len() == 0 {
		c.Free()
		return false
	}
	if r.exit.Load() || !r.buffer.Add(c) {
		r.metrics.onSpansDropped(1)
		c.Free()
		return false
	}
	return true
}

// Flush requests that the buffered spans be flushed at the next opportunity,
// rather than when the flushing period is up. It doesn't wait.
func (r *Recorder) Flush() {
	r.pendingFlushes.Add(1)
}

// Stats returns a snapshot of the Recorder's counters.
func (r *Recorder) Stats() Stats {
	s := r.metrics.stats()
	s.BufferedSpans = r.buffer.Len()
	return s
}

// Collector returns a Prometheus collector for the Recorder's counters.
func (r *Recorder) Collector() prometheus.Collector { return r.collector }

// Shutdown is used to support graceful shutdown. Spans recorded afterwards are
// dropped. The buffered spans get a final chance to be flushed (or are
// discarded with DiscardOnShutdown), then every satellite stream is ended
// cleanly, bounded by the GracefulShutdownTimeout. Shutdown blocks until that
// is done, or the context expires, whichever occurs first.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.exit.Store(true)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneCh:
		r.debug("Recorder shut down", zap.Uint64("spans_sent", r.metrics.spansSent.Load()),
			zap.Uint64("spans_dropped", r.metrics.spansDropped.Load()))
		return nil
	}
}

func (r *Recorder) run() {
	defer close(r.doneCh)

	r.lastFlush = time.Now()
	r.streamer.start()
	r.loop.run(r.opts.PollingPeriod, r.poll)

	r.streamer.close()
	r.spans.Discard()
}

func (r *Recorder) poll() {
	if r.exit.Load() {
		r.pollShutdown()
		return
	}

	r.streamer.flushShuttingDown()

	switch {
	case r.pendingFlushes.Load() > 0:
	case r.buffer.Len() > r.earlyFlushMarker:
	case time.Since(r.lastFlush) >= r.opts.FlushingPeriod:
	default:
		return
	}
	r.flush()
}

func (r *Recorder) flush() {
	r.pendingFlushes.Store(0)
	r.lastFlush = time.Now()
	r.metrics.onFlush()

	if r.opts.ThrowAwaySpans {
		r.spans.Discard()
		return
	}
	r.streamer.flush()
}

// pollShutdown drains the buffer while a connection can take spans, then
// shuts the connections down, and finally stops the loop.
func (r *Recorder) pollShutdown() {
	now := time.Now()
	if !r.shuttingDown {
		r.shuttingDown = true
		r.draining = true
		r.shutdownDeadline = now.Add(r.opts.GracefulShutdownTimeout)
		r.debug("shutting down Recorder", zap.Int("buffered_spans", r.buffer.Len()))
		if r.opts.DiscardOnShutdown {
			r.spans.Discard()
		}
	}

	if r.draining {
		r.flush()
		if r.buffer.Empty() || !r.streamer.streaming() || now.After(r.shutdownDeadline) {
			r.draining = false
			// connections time out on their own; this is only a backstop
			r.shutdownDeadline = now.Add(2 * r.opts.GracefulShutdownTimeout)
			r.streamer.shutdown()
		}
		return
	}

	r.streamer.flushShuttingDown()
	if r.streamer.closed() || now.After(r.shutdownDeadline) {
		r.loop.stop()
	}
}

// internal logging helpers:
func (r *Recorder) debug(msg string, fields ...zap.Field) {
	if !r.opts.Verbose {
		return
	}
	InternalLogger().Debug(msg, fields...)
}
