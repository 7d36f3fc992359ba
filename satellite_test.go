package spanstream

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// testReport holds the decoded fields of a ReportRequest.
type testReport struct {
	reporterID   uint64
	tags         map[string]string
	accessToken  string
	hasMetrics   bool
	droppedSpans int64
	spans        [][]byte
}

// readReportField reads the next top level field of a ReportRequest streamed
// in r. Every top level field written by a Recorder is length delimited.
func readReportField(r *bufio.Reader) (protowire.Number, []byte, error) {
	key, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	num, typ := protowire.DecodeTag(key)
	if typ != protowire.BytesType {
		return 0, nil, fmt.Errorf("unexpected wire type %d for field %d", typ, num)
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read length of field %d: %w", num, io.ErrUnexpectedEOF)
	}
	value := make([]byte, n)
	if _, err := io.ReadFull(r, value); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fmt.Errorf("failed to read field %d: %w", num, err)
	}
	return num, value, nil
}

// forEachField calls fn with every field of the message b.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, value, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (rep *testReport) apply(num protowire.Number, value []byte) error {
	switch num {
	case reportRequestReporterField:
		return forEachField(value, func(num protowire.Number, _ protowire.Type, value []byte, v uint64) error {
			switch num {
			case reporterIDField:
				rep.reporterID = v
			case reporterTagsField:
				var k, s string
				err := forEachField(value, func(num protowire.Number, _ protowire.Type, value []byte, _ uint64) error {
					switch num {
					case keyValueKeyField:
						k = string(value)
					case keyValueStringValueField:
						s = string(value)
					}
					return nil
				})
				if err != nil {
					return err
				}
				if rep.tags == nil {
					rep.tags = make(map[string]string)
				}
				rep.tags[k] = s
			}
			return nil
		})
	case reportRequestAuthField:
		return forEachField(value, func(num protowire.Number, _ protowire.Type, value []byte, _ uint64) error {
			if num == authAccessTokenField {
				rep.accessToken = string(value)
			}
			return nil
		})
	case reportRequestInternalMetricsField:
		rep.hasMetrics = true
		return forEachField(value, func(num protowire.Number, _ protowire.Type, value []byte, _ uint64) error {
			if num != internalMetricsCountsField {
				return nil
			}
			var name string
			var count uint64
			err := forEachField(value, func(num protowire.Number, _ protowire.Type, value []byte, v uint64) error {
				switch num {
				case metricsSampleNameField:
					name = string(value)
				case metricsSampleIntValueField:
					count = v
				}
				return nil
			})
			if name == droppedSpansMetricName {
				rep.droppedSpans = int64(count)
			}
			return err
		})
	case reportRequestSpansField:
		rep.spans = append(rep.spans, value)
	}
	return nil
}

// parseReportRequest parses a complete chunked request, as written by a
// ConnectionStream.
func parseReportRequest(raw []byte) (*http.Request, *testReport, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read request: %w", err)
	}
	body := bufio.NewReader(req.Body)
	rep := &testReport{}
	for {
		num, value, err := readReportField(body)
		if errors.Is(err, io.EOF) {
			return req, rep, nil
		}
		if err != nil {
			return nil, nil, err
		}
		if err := rep.apply(num, value); err != nil {
			return nil, nil, err
		}
	}
}

// testSatellite accepts span streams, and publishes the header of each stream
// and every span as they arrive.
type testSatellite struct {
	listener   net.Listener
	headerCh   chan *testReport
	messageCh  chan []byte
	host       string
	port       int
	streams    atomic.Int64
	shutdownCh chan struct{}
	*testSatelliteOptions
}

const testHost = "127.0.0.1"

// testSatelliteMode is how a testSatellite treats the streams it accepts.
type testSatelliteMode int

const (
	// satelliteAccepting reads each stream to the end, then responds
	satelliteAccepting testSatelliteMode = iota

	// satelliteRejecting responds as soon as the request headers arrive
	satelliteRejecting

	// satelliteGarbling responds with a malformed status line as soon as the
	// request headers arrive
	satelliteGarbling

	// satelliteStalled never reads anything, so the client's writes back up
	satelliteStalled
)

type testSatelliteOptions struct {
	verbose bool
	mode    testSatelliteMode

	// status is the response status, 200 if unset
	status int

	// maxSpansPerStream, if set, makes the satellite drop the connection once
	// that many spans arrived on it
	maxSpansPerStream int
}

func newTestSatellite(opts *testSatelliteOptions) (*testSatellite, error) {
	if opts == nil {
		opts = &testSatelliteOptions{}
	}
	if opts.status == 0 {
		opts.status = http.StatusOK
	}

	s := &testSatellite{
		headerCh:             make(chan *testReport, 128),
		messageCh:            make(chan []byte, 4096),
		shutdownCh:           make(chan struct{}),
		host:                 testHost,
		testSatelliteOptions: opts,
	}

	// assign port dynamically (use port 0 to assign dynamically)
	l, err := net.Listen("tcp", s.host+":0")
	if err != nil {
		return nil, fmt.Errorf("failed to start test satellite listener: %v", err)
	}
	s.listener = l

	// parse out the dynamically assigned port
	addr := l.Addr().String()
	idx := strings.LastIndex(addr, ":")
	if idx == len(addr)-1 {
		return nil, errors.New("bad addr: ends with ':'")
	}
	s.port, err = strconv.Atoi(addr[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("invalid port value: '%s': %v", addr[idx+1:], err)
	}

	go func() {
		s.debug("starting listener")
		for {
			conn, err := l.Accept()
			if err != nil {
				select {
				case <-s.shutdownCh:
					s.debug("shutting down")
					return
				default:
				}
				s.debug("listener.Accept() error", zap.Error(err))
				continue
			}
			s.debug("new client connected")
			go s.handle(conn)
		}
	}()

	return s, nil
}

func (s *testSatellite) endpoint() SatelliteEndpoint {
	return SatelliteEndpoint{Host: s.host, Port: s.port}
}

func (s *testSatellite) Shutdown() {
	close(s.shutdownCh)
	s.listener.Close()
}

func (s *testSatellite) handle(conn net.Conn) {
	defer func() {
		s.debug("closing connection")
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	req, err := http.ReadRequest(r)
	if err != nil {
		s.debug("failed to read request", zap.Error(err))
		return
	}
	if req.Method != http.MethodPost || req.URL.Path != "/api/v2/reports" {
		s.debug("unexpected request", zap.String("method", req.Method), zap.String("path", req.URL.Path))
		return
	}
	s.streams.Add(1)

	switch s.mode {
	case satelliteRejecting:
		s.respond(conn)
		s.drain(r)
		return
	case satelliteGarbling:
		if _, err := io.WriteString(conn, "GARBAGE\r\n\r\n"); err != nil {
			s.debug("failed to write response", zap.Error(err))
		}
		s.drain(r)
		return
	case satelliteStalled:
		<-s.shutdownCh
		return
	}

	body := bufio.NewReader(req.Body)
	rep := &testReport{}
	received := 0
	for {
		num, value, err := readReportField(body)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.debug("stream ended", zap.Error(err))
				return
			}
			break
		}
		if err := rep.apply(num, value); err != nil {
			s.debug("failed to decode field", zap.Error(err))
			return
		}
		switch num {
		case reportRequestInternalMetricsField:
			header := *rep
			s.headerCh <- &header
		case reportRequestSpansField:
			s.messageCh <- value
			received++
			if s.maxSpansPerStream > 0 && received >= s.maxSpansPerStream {
				s.debug("dropping connection", zap.Int("spans", received))
				return
			}
		}
	}

	s.respond(conn)
}

func (s *testSatellite) respond(conn net.Conn) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		s.status, http.StatusText(s.status))
	if _, err := io.WriteString(conn, resp); err != nil {
		s.debug("failed to write response", zap.Error(err))
	}
}

// drain reads until the client hangs up, so closing the connection never
// resets it while the response is still unread.
func (s *testSatellite) drain(r io.Reader) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		s.debug("drain ended", zap.Error(err))
	}
}

func (s *testSatellite) debug(msg string, fields ...zap.Field) {
	if !s.verbose {
		return
	}
	InternalLogger().Named("testSatellite").Debug(msg, fields...)
}
