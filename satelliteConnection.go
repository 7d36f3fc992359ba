package spanstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bitdabbler/backoff"
	"go.uber.org/zap"
)

type connState int

const (
	connDisconnected connState = iota
	connConnecting
	connStreaming
	connGracefulShutdown
	connDraining
	connReconnecting
)

func (s connState) String() string {
	switch s {
	case connDisconnected:
		return "disconnected"
	case connConnecting:
		return "connecting"
	case connStreaming:
		return "streaming"
	case connGracefulShutdown:
		return "graceful shutdown"
	case connDraining:
		return "draining"
	case connReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type sleeper interface{ Sleep() }

// satelliteConnection streams spans to a satellite over one socket, moving
// through connect, stream and reconnect for the life of the Recorder. All of
// its methods run on the event loop; dialing and reading the satellite's
// response run on helper goroutines that post their results back.
type satelliteConnection struct {
	*RecorderOptions
	id        int
	loop      *eventLoop
	endpoints *endpointManager
	metrics   *metricsTracker
	stream    *ConnectionStream

	state    connState
	closing  bool
	conn     net.Conn
	endpoint Endpoint

	// incremented whenever a socket is abandoned, so results posted by helper
	// goroutines for an older socket are ignored
	generation uint64

	backoff       sleeper
	connectedOnce bool
	lastProgress  time.Time
	timer         *time.Timer
	bufs          net.Buffers
}

func newSatelliteConnection(id int, opts *RecorderOptions, loop *eventLoop, endpoints *endpointManager, metrics *metricsTracker, stream *ConnectionStream) *satelliteConnection {
	return &satelliteConnection{
		RecorderOptions: opts,
		id:              id,
		loop:            loop,
		endpoints:       endpoints,
		metrics:         metrics,
		stream:          stream,
	}
}

func (c *satelliteConnection) start() {
	if c.state == connDisconnected && !c.closing {
		c.connect()
	}
}

// ready reports whether the connection can take a flush.
func (c *satelliteConnection) ready() bool {
	return c.state == connStreaming || c.state == connGracefulShutdown
}

// finished reports whether the connection has shut down for good.
func (c *satelliteConnection) finished() bool {
	return c.closing && c.state == connDisconnected
}

func (c *satelliteConnection) connect() {
	endpoint, ok := c.endpoints.requestEndpoint()
	if !ok {
		c.debug("no satellite endpoint resolved")
		c.scheduleReconnect()
		return
	}

	c.generation++
	g := c.generation
	c.state = connConnecting
	c.endpoint = endpoint
	c.debug("dialing satellite", zap.Stringer("endpoint", endpoint))

	addr, timeout := endpoint.Addr.String(), c.DialTimeout
	go func() {
		var d net.Dialer
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		conn, err := d.DialContext(ctx, "tcp", addr)
		cancel()
		if err != nil {
			err = fmt.Errorf("failed to dial satellite: addr: %s: %w", addr, err)
		}
		posted := c.loop.post(func() { c.onDialed(g, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

func (c *satelliteConnection) onDialed(g uint64, conn net.Conn, err error) {
	if g != c.generation || c.state != connConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.onFailure(err)
		return
	}

	c.conn = conn
	c.state = connStreaming
	c.backoff = nil
	c.lastProgress = time.Now()
	if c.connectedOnce {
		c.metrics.onReconnect()
	}
	c.connectedOnce = true
	c.debug("connected to satellite", zap.Stringer("endpoint", c.endpoint))

	c.stream.Reset()
	c.stream.SetHost(c.endpoint.Host)

	go c.readResponse(g, conn)

	if c.closing {
		c.beginGracefulShutdown()
		return
	}

	// replace the connection after a while, so load spreads across satellites
	c.setTimer(randomDuration(c.MinReconnectPeriod, c.MaxReconnectPeriod), func() {
		if g == c.generation && c.state == connStreaming {
			c.debug("starting periodic reconnect")
			c.beginGracefulShutdown()
		}
	})
}

// readResponse waits for the satellite to respond, which it only does once
// the request is over, or to drop the connection.
func (c *satelliteConnection) readResponse(g uint64, conn net.Conn) {
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	status := 0
	if err == nil {
		// the body is never read; the socket gets closed instead
		status = resp.StatusCode
	}
	c.loop.post(func() { c.onResponse(g, status, err) })
}

func (c *satelliteConnection) onResponse(g uint64, status int, err error) {
	if g != c.generation {
		return
	}

	if status != 0 && (status < 200 || status > 299) {
		c.reportError("satellite responded with an error", zap.Int("status", status))
	}

	if c.state == connDraining {
		c.debug("satellite stream finished", zap.Int("status", status))
		c.closeConn()
		c.next()
		return
	}

	// the satellite ended the request before the stream did
	switch {
	case err != nil:
		c.onFailure(fmt.Errorf("failed to read satellite response: %w", err))
	default:
		c.onFailure(fmt.Errorf("satellite ended the stream early with status %d", status))
	}
}

// flush writes whatever it can of the stream without blocking for longer than
// the write slice. It reports whether everything pending was written.
func (c *satelliteConnection) flush() bool {
	if !c.ready() {
		return false
	}

	done, err := c.stream.Flush(c.write)
	if err != nil {
		c.onFailure(fmt.Errorf("failed to write to satellite: %w", err))
		return false
	}

	if done {
		c.lastProgress = time.Now()
	} else if time.Since(c.lastProgress) > c.SatelliteWriteTimeout {
		c.onFailure(fmt.Errorf("no progress writing to satellite for %s", c.SatelliteWriteTimeout))
		return false
	}

	if c.stream.Completed() {
		c.onStreamCompleted()
	}
	return done
}

// write gather-writes the fragments of streams. Running out of the write slice
// isn't an error; the rest is written by a later flush.
func (c *satelliteConnection) write(streams []FragmentStream) (int, error) {
	c.bufs = c.bufs[:0]
	for _, s := range streams {
		s.ForEachFragment(func(f []byte) bool {
			c.bufs = append(c.bufs, f)
			return true
		})
	}
	if len(c.bufs) == 0 {
		return 0, nil
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.WriteSlice)); err != nil {
		return 0, err
	}

	// WriteTo consumes the slice it's called on, so leave c.bufs intact
	bufs := c.bufs
	n, err := bufs.WriteTo(c.conn)
	if n > 0 {
		c.lastProgress = time.Now()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		err = nil
	}
	return int(n), err
}

// beginGracefulShutdown ends the request once any span in progress is
// finished, and bounds how long that may take.
func (c *satelliteConnection) beginGracefulShutdown() {
	if c.state != connStreaming {
		return
	}
	c.state = connGracefulShutdown
	c.stream.Shutdown()

	g := c.generation
	c.setTimer(c.GracefulShutdownTimeout, func() {
		if g != c.generation {
			return
		}
		if c.state == connGracefulShutdown || c.state == connDraining {
			c.reportError("graceful shutdown timed out", zap.Stringer("state", c.state))
			c.stream.Reset()
			c.closeConn()
			c.next()
		}
	})
	c.flush()
}

// onStreamCompleted half-closes the socket and waits for the satellite to
// respond, bounded by the graceful shutdown timer.
func (c *satelliteConnection) onStreamCompleted() {
	c.state = connDraining
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			c.debug("failed to half-close satellite connection", zap.Error(err))
		}
	}
}

// next moves on after the socket was closed: reconnecting, or staying
// disconnected for good once the Recorder is shutting down.
func (c *satelliteConnection) next() {
	if c.closing {
		c.state = connDisconnected
		return
	}
	c.connect()
}

func (c *satelliteConnection) onFailure(err error) {
	c.reportError("satellite connection failed", zap.Error(err), zap.Stringer("endpoint", c.endpoint))
	c.stream.Reset()
	c.closeConn()
	if c.closing {
		c.state = connDisconnected
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect waits out the backoff on a helper goroutine, then
// reconnects.
func (c *satelliteConnection) scheduleReconnect() {
	c.state = connReconnecting
	if c.backoff == nil {
		c.backoff = c.newBackoff()
	}

	g := c.generation
	b, delay := c.backoff, c.SatelliteFailureRetryPeriod
	go func() {
		if b != nil {
			b.Sleep()
		} else {
			time.Sleep(delay)
		}
		c.loop.post(func() {
			if g == c.generation && c.state == connReconnecting && !c.closing {
				c.connect()
			}
		})
	}()
}

func (c *satelliteConnection) newBackoff() sleeper {
	b, err := backoff.New(
		backoff.WithInitialDelay(c.SatelliteFailureRetryPeriod),
		backoff.WithExponentialLimit(c.MaxRetryDelay),
	)
	if err != nil {
		c.reportError("failed to create reconnect backoff", zap.Error(err))
		return nil
	}
	return b
}

// shutdown starts a graceful shutdown, after which the connection never
// reconnects.
func (c *satelliteConnection) shutdown() {
	c.closing = true
	switch c.state {
	case connStreaming:
		c.beginGracefulShutdown()
	case connConnecting, connReconnecting, connDisconnected:
		c.generation++
		c.state = connDisconnected
	}
}

// close tears down the connection immediately.
func (c *satelliteConnection) close() {
	c.closing = true
	c.stream.Reset()
	c.closeConn()
	c.state = connDisconnected
}

func (c *satelliteConnection) closeConn() {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.debug("error closing satellite connection", zap.Error(err))
	}
	c.conn = nil
}

func (c *satelliteConnection) setTimer(d time.Duration, fn func()) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.loop.afterFunc(d, fn)
}

// internal logging helpers:
func (c *satelliteConnection) debug(msg string, fields ...zap.Field) {
	if !c.Verbose {
		return
	}
	fields = append(fields, zap.Int("connection", c.id))
	InternalLogger().Debug(msg, fields...)
}

func (c *satelliteConnection) reportError(msg string, fields ...zap.Field) {
	fields = append(fields, zap.Int("connection", c.id))
	InternalLogger().Warn(msg, fields...)
}
