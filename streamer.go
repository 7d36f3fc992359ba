package spanstream

import "time"

// streamer owns the pool of satellite connections, and decides which of them
// flushes the buffered spans.
type streamer struct {
	*RecorderOptions
	endpoints   *endpointManager
	connections []*satelliteConnection
	traverser   *randomTraverser
}

func newStreamer(loop *eventLoop, opts *RecorderOptions, metrics *metricsTracker, spans *SpanStream) (*streamer, error) {
	s := &streamer{RecorderOptions: opts}

	endpoints, err := newEndpointManager(loop, opts, s.onEndpointsReady)
	if err != nil {
		return nil, err
	}
	s.endpoints = endpoints

	headerCommon := encodeHeaderCommon(opts.ReporterID, opts.Tags, opts.AccessToken)
	s.connections = make([]*satelliteConnection, opts.NumConnections)
	for i := range s.connections {
		stream := NewConnectionStream(headerCommon, spans)
		s.connections[i] = newSatelliteConnection(i+1, opts, loop, endpoints, metrics, stream)
	}
	s.traverser = newRandomTraverser(len(s.connections))

	return s, nil
}

func (s *streamer) start() { s.endpoints.start() }

// onEndpointsReady starts the connections once the first satellite host has
// resolved.
func (s *streamer) onEndpointsReady() {
	for _, c := range s.connections {
		c.start()
	}
}

// flush gives the connections a chance to write, visiting them in random
// order so none is starved under sustained backpressure. Spans are allotted
// from the buffer by each connection in turn, until one writes everything
// pending. Once a write slice has gone by, the remaining connections wait for
// the next flush. It reports whether a connection wrote everything.
func (s *streamer) flush() bool {
	s.flushShuttingDown()

	start := time.Now()
	written := false
	s.traverser.forEach(func(i int) bool {
		if time.Since(start) >= s.WriteSlice {
			return false
		}
		c := s.connections[i]
		if c.state != connStreaming {
			return true
		}
		if c.flush() {
			written = true
			return false
		}
		return true
	})
	return written
}

// flushShuttingDown moves connections in graceful shutdown along. They never
// take spans from the buffer.
func (s *streamer) flushShuttingDown() {
	for _, c := range s.connections {
		if c.state == connGracefulShutdown {
			c.flush()
		}
	}
}

// streaming reports whether any connection can take spans.
func (s *streamer) streaming() bool {
	for _, c := range s.connections {
		if c.state == connStreaming {
			return true
		}
	}
	return false
}

// shutdown gracefully shuts down every connection.
func (s *streamer) shutdown() {
	s.endpoints.stop()
	for _, c := range s.connections {
		c.shutdown()
	}
}

// closed reports whether every connection has shut down.
func (s *streamer) closed() bool {
	for _, c := range s.connections {
		if !c.finished() {
			return false
		}
	}
	return true
}

// close tears down every connection immediately.
func (s *streamer) close() {
	s.endpoints.stop()
	for _, c := range s.connections {
		c.close()
	}
}
