package spanstream

// StreamState is the protocol state of a ConnectionStream.
type StreamState int

const (
	// StreamInitializing means the stream header hasn't been armed yet.
	StreamInitializing StreamState = iota

	// StreamStreaming means the header, then spans, are being written.
	StreamStreaming

	// StreamShuttingDown means the next flushes finish any remnant and write
	// the terminal chunk, instead of new spans.
	StreamShuttingDown

	// StreamCompleted means the terminal chunk has been written.
	StreamCompleted
)

func (s StreamState) String() string {
	switch s {
	case StreamInitializing:
		return "initializing"
	case StreamStreaming:
		return "streaming"
	case StreamShuttingDown:
		return "shutting down"
	case StreamCompleted:
		return "completed"
	}
	return "unknown"
}

var (
	requestCommonFragment = []byte("POST /api/v2/reports HTTP/1.1\r\n" +
		"Connection:close\r\n" +
		"Content-Type:application/octet-stream\r\n" +
		"Transfer-Encoding:chunked\r\n")

	terminalFragment = []byte("0\r\n\r\n")
)

// ConnectionStream produces the bytes of one chunked HTTP request streaming
// spans to a satellite. Every write starts with whatever the previous write
// left off, so a connection can write any number of bytes at a time.
//
// The first chunk is the stream header, carrying the reporter, the access
// token, and the count of spans dropped since the last header reached a
// satellite. Each following chunk carries one span.
type ConnectionStream struct {
	hostHeader   []byte
	headerCommon []byte
	spans        *SpanStream
	metrics      *metricsTracker

	state        StreamState
	shuttingDown bool

	// the dropped span count captured into the current header, if armed
	armed        bool
	droppedSpans int64

	chunkHeader []byte
	metricsBuf  []byte
	header      FragmentArray
	terminal    FragmentArray
	remnant     *Chain
	streams     []FragmentStream
}

// NewConnectionStream returns a ConnectionStream writing headerCommon at the
// start of its header, and then spans.
func NewConnectionStream(headerCommon []byte, spans *SpanStream) *ConnectionStream {
	s := &ConnectionStream{
		headerCommon: headerCommon,
		spans:        spans,
		metrics:      spans.metrics,
	}
	s.initialize()
	return s
}

// SetHost sets the Host header sent by the next stream. The header of a stream
// already in progress isn't affected.
func (s *ConnectionStream) SetHost(host string) {
	s.hostHeader = s.hostHeader[:0]
	if host == "" {
		return
	}
	s.hostHeader = append(s.hostHeader, "Host:"...)
	s.hostHeader = append(s.hostHeader, host...)
	s.hostHeader = append(s.hostHeader, lineTerminator...)
}

// State returns the protocol state of the stream.
func (s *ConnectionStream) State() StreamState { return s.state }

// Completed reports whether the terminal chunk has been written.
func (s *ConnectionStream) Completed() bool { return s.state == StreamCompleted }

// ShuttingDown reports whether Shutdown was called since the last Reset.
func (s *ConnectionStream) ShuttingDown() bool { return s.shuttingDown }

// Shutdown makes the following flushes end the request instead of writing new
// spans. A write in progress isn't interrupted.
func (s *ConnectionStream) Shutdown() {
	s.shuttingDown = true
	if s.state != StreamCompleted {
		s.state = StreamShuttingDown
	}
}

// Reset starts a new stream, as needed whenever the connection is
// reestablished. A dropped span count captured by a header that didn't fully
// reach the satellite is given back, and an unfinished remnant is dropped.
func (s *ConnectionStream) Reset() {
	if s.armed && !IsEmpty(&s.header) {
		s.metrics.unconsumeDroppedSpans(s.droppedSpans)
	}
	if s.remnant != nil {
		if !IsEmpty(s.remnant) {
			s.metrics.onSpansDropped(1)
		}
		s.remnant.Free()
		s.remnant = nil
	}
	s.initialize()
}

func (s *ConnectionStream) initialize() {
	s.state = StreamInitializing
	s.shuttingDown = false
	s.armed = false
	s.droppedSpans = 0
	s.header.Reset()
	s.terminal.Reset(terminalFragment)
}

// armHeader captures the dropped span count and builds the stream header.
func (s *ConnectionStream) armHeader() {
	s.droppedSpans = s.metrics.consumeDroppedSpans()
	s.metricsBuf = appendInternalMetrics(s.metricsBuf[:0], s.droppedSpans)
	s.chunkHeader = appendChunkHeader(s.chunkHeader[:0], len(s.headerCommon)+len(s.metricsBuf))
	s.header.Reset(
		requestCommonFragment,
		s.hostHeader,
		lineTerminator,
		s.chunkHeader,
		s.headerCommon,
		s.metricsBuf,
		lineTerminator,
	)
	s.armed = true
	if !s.shuttingDown {
		s.state = StreamStreaming
	}
}

// disarmHeader gives back the captured dropped span count when none of the
// header was written.
func (s *ConnectionStream) disarmHeader() {
	s.metrics.unconsumeDroppedSpans(s.droppedSpans)
	s.droppedSpans = 0
	s.armed = false
	s.header.Reset()
	if !s.shuttingDown {
		s.state = StreamInitializing
	}
}

// Flush hands the pending bytes of the stream to w, and acknowledges however
// many bytes w reports written. It reports whether every pending byte was
// written, including the terminal chunk when shutting down. The error from w,
// if any, is returned after the written bytes are acknowledged.
func (s *ConnectionStream) Flush(w Writer) (bool, error) {
	if s.state == StreamCompleted {
		return true, nil
	}

	armed := false
	if !s.armed {
		s.armHeader()
		armed = true
	}

	s.streams = append(s.streams[:0], &s.header)
	if s.remnant != nil {
		s.streams = append(s.streams, s.remnant)
	}
	if s.shuttingDown {
		s.streams = append(s.streams, &s.terminal)
	} else {
		s.spans.Allot()
		s.streams = append(s.streams, s.spans)
	}

	n, err := w(s.streams)
	if n < 0 {
		n = 0
	}
	done := Consume(s.streams, n)

	if armed && n == 0 {
		s.disarmHeader()
	}

	if s.remnant != nil && IsEmpty(s.remnant) {
		s.metrics.onSpansSent(1)
		s.remnant.Free()
		s.remnant = nil
	}
	if s.remnant == nil && !s.shuttingDown {
		s.remnant = s.spans.ConsumeRemnant()
	}

	if done && s.shuttingDown {
		s.state = StreamCompleted
	}
	return done, err
}
