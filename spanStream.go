package spanstream

// SpanStream is the consumer's FragmentStream view of the spans allotted from
// the span buffer. Spans are released from the buffer as they are seeked past.
// A span that a Seek lands inside of is detached from the buffer as the
// remnant, so the connection that wrote part of it can finish it later.
type SpanStream struct {
	buffer    *RingBuffer[Chain]
	metrics   *metricsTracker
	allotment Allotment[Chain]
	remnant   *Chain
}

// NewSpanStream returns a SpanStream reading from buffer.
func NewSpanStream(buffer *RingBuffer[Chain], metrics *metricsTracker) *SpanStream {
	if metrics == nil {
		metrics = newMetricsTracker(nil)
	}
	return &SpanStream{buffer: buffer, metrics: metrics}
}

// Allot refreshes the stream with every span currently in the buffer.
func (s *SpanStream) Allot() {
	s.allotment = s.buffer.Peek()
}

// Allotted returns the number of spans in the current allotment.
func (s *SpanStream) Allotted() int { return s.allotment.Len() }

// ConsumeRemnant hands over the span left partially written by the last Seek,
// or nil if there isn't one.
func (s *SpanStream) ConsumeRemnant() *Chain {
	r := s.remnant
	s.remnant = nil
	return r
}

// NumFragments returns the number of unread fragments across the allotted
// spans.
func (s *SpanStream) NumFragments() int {
	n := 0
	s.allotment.ForEach(func(span *Chain) bool {
		n += span.NumFragments()
		return true
	})
	return n
}

// ForEachFragment implements FragmentStream over the allotted spans, in order.
func (s *SpanStream) ForEachFragment(fn func(fragment []byte) bool) bool {
	return s.allotment.ForEach(func(span *Chain) bool {
		return span.ForEachFragment(fn)
	})
}

// Clear releases every allotted span, counting them as sent.
func (s *SpanStream) Clear() {
	s.dropRemnant()
	n := s.allotment.Len()
	s.buffer.Consume(n, (*Chain).Free)
	s.metrics.onSpansSent(n)
	s.allotment = Allotment[Chain]{}
}

// Seek releases the spans written in full, counting them as sent. If the
// position falls inside a span, that span becomes the remnant. A position on
// the boundary between two spans leaves the following span in the buffer.
func (s *SpanStream) Seek(fragmentIndex, position int) {
	s.dropRemnant()

	count := 0
	partial := false
	s.allotment.ForEach(func(span *Chain) bool {
		n := span.NumFragments()
		if n <= fragmentIndex {
			fragmentIndex -= n
			count++
			return true
		}
		if fragmentIndex == 0 && position == 0 {
			return false
		}
		count++
		partial = true
		return false
	})

	var remnant *Chain
	if partial {
		remnant = s.allotment.At(count - 1)
		remnant.Seek(fragmentIndex, position)
	}
	s.buffer.Consume(count, func(span *Chain) {
		if span != remnant {
			span.Free()
		}
	})

	sent := count
	if partial {
		sent--
	}
	s.metrics.onSpansSent(sent)
	s.remnant = remnant
	s.allotment = Allotment[Chain]{}
}

// Discard releases every span in the buffer, counting them as dropped. It
// returns the number of spans discarded.
func (s *SpanStream) Discard() int {
	s.dropRemnant()
	n := s.buffer.Len()
	s.buffer.Consume(n, (*Chain).Free)
	s.metrics.onSpansDropped(n)
	s.allotment = Allotment[Chain]{}
	return n
}

func (s *SpanStream) dropRemnant() {
	if s.remnant == nil {
		return
	}
	if !IsEmpty(s.remnant) {
		s.metrics.onSpansDropped(1)
	}
	s.remnant.Free()
	s.remnant = nil
}
