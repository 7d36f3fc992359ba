package spanstream

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoSatelliteEndpoints is returned when a Recorder is created without any
// satellite to stream to.
var ErrNoSatelliteEndpoints = errors.New("no satellite endpoints provided")

// SatelliteEndpoint is a satellite host name (or IP address) and port.
type SatelliteEndpoint struct {
	Host string
	Port int
}

func (e SatelliteEndpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// SatelliteEndpoints is a list of satellites. It decodes from a comma separated
// list of host:port pairs.
type SatelliteEndpoints []SatelliteEndpoint

// ParseSatelliteEndpoints parses a comma separated list of host:port pairs.
func ParseSatelliteEndpoints(s string) (SatelliteEndpoints, error) {
	var endpoints SatelliteEndpoints
	for _, hostPort := range strings.Split(s, ",") {
		hostPort = strings.TrimSpace(hostPort)
		if hostPort == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(hostPort)
		if err != nil {
			return nil, fmt.Errorf("invalid satellite endpoint %q: %w", hostPort, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid satellite endpoint %q: bad port", hostPort)
		}
		if host == "" {
			return nil, fmt.Errorf("invalid satellite endpoint %q: empty host", hostPort)
		}
		endpoints = append(endpoints, SatelliteEndpoint{Host: host, Port: port})
	}
	return endpoints, nil
}

// Decode implements envconfig.Decoder.
func (e *SatelliteEndpoints) Decode(value string) error {
	endpoints, err := ParseSatelliteEndpoints(value)
	if err != nil {
		return err
	}
	*e = endpoints
	return nil
}

// RecorderOptions are used to customize the Recorder.
//
// # Invalid options are coerced
//
// Zero or out-of-range values are replaced with their defaults by the
// Recorder, so the zero value is usable once SatelliteEndpoints is set.
type RecorderOptions struct {

	// SatelliteEndpoints are the satellites spans are streamed to. Each
	// endpoint's host is resolved independently, and connections are spread
	// round robin across endpoints and their resolved addresses. Required.
	SatelliteEndpoints SatelliteEndpoints `envconfig:"SATELLITE_ENDPOINTS"`

	// AccessToken is sent in the header of each stream.
	AccessToken string `envconfig:"ACCESS_TOKEN"`

	// Tags describe the reporter in the header of each stream.
	Tags map[string]string `envconfig:"TAGS"`

	// ReporterID identifies the reporter. A random id is generated if 0.
	ReporterID uint64 `envconfig:"REPORTER_ID"`

	// MaxBufferedSpans is the number of spans the buffer holds before new spans
	// are dropped. The default is 2000.
	MaxBufferedSpans int `envconfig:"MAX_BUFFERED_SPANS"`

	// NumConnections is the number of satellite connections kept open. Only
	// one connection streams the buffered spans at a time; the others take
	// over when it is blocked or fails. The default is 8.
	NumConnections int `envconfig:"NUM_CONNECTIONS"`

	// PollingPeriod is how often the consumer checks for shutdown, flush
	// requests, and a buffer filling past EarlyFlushThreshold. The default is
	// 1ms.
	PollingPeriod time.Duration `envconfig:"POLLING_PERIOD"`

	// FlushingPeriod is how often buffered spans are flushed regardless of
	// how many there are. The default is 500ms.
	FlushingPeriod time.Duration `envconfig:"FLUSHING_PERIOD"`

	// EarlyFlushThreshold is the fraction of MaxBufferedSpans which, once
	// exceeded, triggers a flush ahead of the FlushingPeriod. Must be in
	// (0, 1]. The default is 0.5.
	EarlyFlushThreshold float64 `envconfig:"EARLY_FLUSH_THRESHOLD"`

	// DialTimeout bounds each attempt to connect to a satellite. The default
	// is 5s.
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT"`

	// WriteSlice bounds how long a single write may block the consumer. A
	// write that runs out of time is treated as backpressure, and resumed on
	// the next flush. The default is 1ms.
	WriteSlice time.Duration `envconfig:"WRITE_SLICE"`

	// SatelliteWriteTimeout is how long a connection with data pending can
	// make no progress before it is considered failed. The default is 5s.
	SatelliteWriteTimeout time.Duration `envconfig:"SATELLITE_WRITE_TIMEOUT"`

	// SatelliteFailureRetryPeriod is the initial delay before reconnecting
	// after a failure. Consecutive failures back off exponentially, up to
	// MaxRetryDelay. The default is 1s.
	SatelliteFailureRetryPeriod time.Duration `envconfig:"SATELLITE_FAILURE_RETRY_PERIOD"`

	// MaxRetryDelay caps the reconnection backoff. The default is 30s.
	MaxRetryDelay time.Duration `envconfig:"MAX_RETRY_DELAY"`

	// MinReconnectPeriod and MaxReconnectPeriod bound the random lifetime of a
	// healthy connection, after which it is gracefully replaced so load
	// rebalances across satellites. The defaults are 5s and 7s.
	MinReconnectPeriod time.Duration `envconfig:"MIN_RECONNECT_PERIOD"`
	MaxReconnectPeriod time.Duration `envconfig:"MAX_RECONNECT_PERIOD"`

	// GracefulShutdownTimeout bounds how long a connection waits for its
	// stream to finish, and for the satellite to respond, before it is closed.
	// The default is 5s.
	GracefulShutdownTimeout time.Duration `envconfig:"GRACEFUL_SHUTDOWN_TIMEOUT"`

	// MinDNSRefreshPeriod and MaxDNSRefreshPeriod bound the random delay
	// between successful resolutions of a satellite host. The defaults are 5m
	// and 6m.
	MinDNSRefreshPeriod time.Duration `envconfig:"MIN_DNS_REFRESH_PERIOD"`
	MaxDNSRefreshPeriod time.Duration `envconfig:"MAX_DNS_REFRESH_PERIOD"`

	// DNSFailureRetryPeriod is the delay before retrying a failed resolution.
	// The default is 5s.
	DNSFailureRetryPeriod time.Duration `envconfig:"DNS_FAILURE_RETRY_PERIOD"`

	// DNSTimeout bounds each resolution. The default is 5s.
	DNSTimeout time.Duration `envconfig:"DNS_TIMEOUT"`

	// DNSServers, if set, are queried directly instead of using the system
	// resolver. Ignored when Resolver is set.
	DNSServers []string `envconfig:"DNS_SERVERS"`

	// Resolver resolves satellite hosts. The default is the system resolver,
	// or a DNSResolver if DNSServers is set.
	Resolver Resolver `ignored:"true"`

	// SpanFraming is applied to each recorded span. The default,
	// ReportSpanFraming, is what satellites expect.
	SpanFraming Framing `envconfig:"SPAN_FRAMING"`

	// DiscardOnShutdown drops the buffered spans on Shutdown instead of making
	// a final attempt to flush them.
	DiscardOnShutdown bool `envconfig:"DISCARD_ON_SHUTDOWN"`

	// ThrowAwaySpans discards every span instead of streaming it. Meant for
	// benchmarking the recording path.
	ThrowAwaySpans bool `envconfig:"THROW_AWAY_SPANS"`

	// MetricsObserver, if set, is notified of spans sent and dropped.
	MetricsObserver MetricsObserver `ignored:"true"`

	// Registerer, if set, gets the Recorder's Prometheus collector registered.
	Registerer prometheus.Registerer `ignored:"true"`

	// Verbose controls whether debug logs are written to the internal logger.
	Verbose bool `envconfig:"VERBOSE"`
}

const (
	defaultMaxBufferedSpans            = 2000
	defaultNumConnections              = 8
	defaultPollingPeriod               = time.Millisecond
	defaultFlushingPeriod              = time.Millisecond * 500
	defaultEarlyFlushThreshold         = 0.5
	defaultDialTimeout                 = time.Second * 5
	defaultWriteSlice                  = time.Millisecond
	defaultSatelliteWriteTimeout       = time.Second * 5
	defaultSatelliteFailureRetryPeriod = time.Second
	defaultMaxRetryDelay               = time.Second * 30
	defaultMinReconnectPeriod          = time.Second * 5
	defaultMaxReconnectPeriod          = time.Second * 7
	defaultGracefulShutdownTimeout     = time.Second * 5
	defaultMinDNSRefreshPeriod         = time.Minute * 5
	defaultMaxDNSRefreshPeriod         = time.Minute * 6
	defaultDNSFailureRetryPeriod       = time.Second * 5
	defaultDNSTimeout                  = time.Second * 5
	defaultSpanFraming                 = ReportSpanFraming
)

// DefaultRecorderOptions returns *RecorderOptions with all default values. The
// SatelliteEndpoints still need to be set.
func DefaultRecorderOptions() *RecorderOptions {
	return &RecorderOptions{
		MaxBufferedSpans:            defaultMaxBufferedSpans,
		NumConnections:              defaultNumConnections,
		PollingPeriod:               defaultPollingPeriod,
		FlushingPeriod:              defaultFlushingPeriod,
		EarlyFlushThreshold:         defaultEarlyFlushThreshold,
		DialTimeout:                 defaultDialTimeout,
		WriteSlice:                  defaultWriteSlice,
		SatelliteWriteTimeout:       defaultSatelliteWriteTimeout,
		SatelliteFailureRetryPeriod: defaultSatelliteFailureRetryPeriod,
		MaxRetryDelay:               defaultMaxRetryDelay,
		MinReconnectPeriod:          defaultMinReconnectPeriod,
		MaxReconnectPeriod:          defaultMaxReconnectPeriod,
		GracefulShutdownTimeout:     defaultGracefulShutdownTimeout,
		MinDNSRefreshPeriod:         defaultMinDNSRefreshPeriod,
		MaxDNSRefreshPeriod:         defaultMaxDNSRefreshPeriod,
		DNSFailureRetryPeriod:       defaultDNSFailureRetryPeriod,
		DNSTimeout:                  defaultDNSTimeout,
		SpanFraming:                 defaultSpanFraming,
	}
}

// RecorderOptionsFromEnv returns the default options, overridden by any
// environment variables set with the given prefix, such as
// SPANSTREAM_SATELLITE_ENDPOINTS for the prefix "spanstream".
func RecorderOptionsFromEnv(prefix string) (*RecorderOptions, error) {
	opts := DefaultRecorderOptions()
	if err := envconfig.Process(prefix, opts); err != nil {
		return nil, fmt.Errorf("failed to load recorder options from the environment: %w", err)
	}
	return opts, nil
}

// resolve ensures that all options have valid values.
func (o *RecorderOptions) resolve() {

	// must be positive
	if o.MaxBufferedSpans < 1 {
		o.MaxBufferedSpans = defaultMaxBufferedSpans
	}

	// must have at least one connection
	if o.NumConnections < 1 {
		o.NumConnections = defaultNumConnections
	}

	// must be positive
	if o.PollingPeriod < 1 {
		o.PollingPeriod = defaultPollingPeriod
	}
	if o.FlushingPeriod < 1 {
		o.FlushingPeriod = defaultFlushingPeriod
	}

	// a fraction of the buffer, so (0, 1]
	if o.EarlyFlushThreshold <= 0 || o.EarlyFlushThreshold > 1 {
		o.EarlyFlushThreshold = defaultEarlyFlushThreshold
	}

	// must be positive
	if o.DialTimeout < 1 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteSlice < 1 {
		o.WriteSlice = defaultWriteSlice
	}
	if o.SatelliteWriteTimeout < 1 {
		o.SatelliteWriteTimeout = defaultSatelliteWriteTimeout
	}
	if o.SatelliteFailureRetryPeriod < 1 {
		o.SatelliteFailureRetryPeriod = defaultSatelliteFailureRetryPeriod
	}

	// can't be shorter than the first retry
	if o.MaxRetryDelay < o.SatelliteFailureRetryPeriod {
		o.MaxRetryDelay = max(defaultMaxRetryDelay, o.SatelliteFailureRetryPeriod)
	}

	// both positive, and min <= max
	if o.MinReconnectPeriod < 1 {
		o.MinReconnectPeriod = defaultMinReconnectPeriod
	}
	if o.MaxReconnectPeriod < o.MinReconnectPeriod {
		o.MaxReconnectPeriod = max(defaultMaxReconnectPeriod, o.MinReconnectPeriod)
	}

	// must be positive
	if o.GracefulShutdownTimeout < 1 {
		o.GracefulShutdownTimeout = defaultGracefulShutdownTimeout
	}

	// both positive, and min <= max
	if o.MinDNSRefreshPeriod < 1 {
		o.MinDNSRefreshPeriod = defaultMinDNSRefreshPeriod
	}
	if o.MaxDNSRefreshPeriod < o.MinDNSRefreshPeriod {
		o.MaxDNSRefreshPeriod = max(defaultMaxDNSRefreshPeriod, o.MinDNSRefreshPeriod)
	}

	// must be positive
	if o.DNSFailureRetryPeriod < 1 {
		o.DNSFailureRetryPeriod = defaultDNSFailureRetryPeriod
	}
	if o.DNSTimeout < 1 {
		o.DNSTimeout = defaultDNSTimeout
	}

	// only the known framings
	if o.SpanFraming < ReportSpanFraming || o.SpanFraming > NoFraming {
		o.SpanFraming = defaultSpanFraming
	}

	if o.Resolver == nil {
		if len(o.DNSServers) > 0 {
			o.Resolver = NewDNSResolver(o.DNSServers, o.DNSTimeout)
		} else {
			o.Resolver = SystemResolver{}
		}
	}

	if o.ReporterID == 0 {
		o.ReporterID = newReporterID()
	}
}

// validate reports options that can't be coerced.
func (o *RecorderOptions) validate() error {
	if len(o.SatelliteEndpoints) == 0 {
		return ErrNoSatelliteEndpoints
	}
	var err error
	for _, e := range o.SatelliteEndpoints {
		if e.Host == "" {
			err = errors.Join(err, fmt.Errorf("invalid satellite endpoint %s: empty host", e))
		}
		if e.Port < 1 || e.Port > 65535 {
			err = errors.Join(err, fmt.Errorf("invalid satellite endpoint %s: bad port", e))
		}
	}
	return err
}
