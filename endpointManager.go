package spanstream

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Endpoint is a resolved satellite address, along with the host name it was
// resolved from, which is sent in the Host header.
type Endpoint struct {
	Addr netip.AddrPort
	Host string
}

func (e Endpoint) String() string {
	return e.Host + "(" + e.Addr.String() + ")"
}

// randomDuration returns a uniformly distributed duration in [min, max].
func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

// dnsResolutionManager keeps the addresses of one host, for one address
// family, up to date. It runs on the event loop; only the resolution itself
// runs on a helper goroutine.
type dnsResolutionManager struct {
	*RecorderOptions
	loop     *eventLoop
	host     string
	family   AddressFamily
	addrs    []netip.Addr
	onReady  func()
	timer    *time.Timer
	resolves int
	stopped  bool
}

func (m *dnsResolutionManager) start() {

	// an IP literal of the other family never resolves
	if addr, err := netip.ParseAddr(m.host); err == nil && addr.Unmap().Is4() != (m.family == IPv4) {
		return
	}
	m.debug("resolving satellite host")
	m.resolve()
}

func (m *dnsResolutionManager) stop() {
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *dnsResolutionManager) resolve() {
	m.resolves++
	resolver, host, family, timeout := m.Resolver, m.host, m.family, m.DNSTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		addrs, err := resolver.Resolve(ctx, host, family)
		cancel()
		m.loop.post(func() { m.onResolution(addrs, err) })
	}()
}

func (m *dnsResolutionManager) onResolution(addrs []netip.Addr, err error) {
	if m.stopped {
		return
	}
	if err == nil && len(addrs) == 0 {
		err = errors.New("no addresses returned")
	}
	if err != nil {
		m.debug("failed to resolve satellite host", zap.Error(err))
		m.timer = m.loop.afterFunc(m.DNSFailureRetryPeriod, m.resolve)
		return
	}

	first := len(m.addrs) == 0
	m.addrs = addrs
	m.debug("resolved satellite host", zap.Stringers("addresses", addrs))
	if first && m.onReady != nil {
		m.onReady()
	}
	m.timer = m.loop.afterFunc(randomDuration(m.MinDNSRefreshPeriod, m.MaxDNSRefreshPeriod), m.resolve)
}

func (m *dnsResolutionManager) debug(msg string, fields ...zap.Field) {
	if !m.Verbose {
		return
	}
	fields = append(fields, zap.String("host", m.host), zap.Stringer("family", m.family))
	InternalLogger().Debug(msg, fields...)
}

type hostManager struct {
	name         string
	ipv4         *dnsResolutionManager
	ipv6         *dnsResolutionManager
	addressIndex int
}

// addrs returns the IPv4 addresses of the host if there are any, and
// otherwise its IPv6 addresses.
func (h *hostManager) addrs() []netip.Addr {
	if len(h.ipv4.addrs) > 0 {
		return h.ipv4.addrs
	}
	return h.ipv6.addrs
}

type endpointRef struct {
	hostIndex int
	port      uint16
}

// endpointManager resolves the configured satellites and hands out their
// addresses round robin.
type endpointManager struct {
	*RecorderOptions
	hosts         []*hostManager
	endpoints     []endpointRef
	endpointIndex int
	numReady      int
	onReady       func()
}

// newEndpointManager returns an endpointManager for the resolved opts. onReady
// is called once, when the first address of any host is resolved.
func newEndpointManager(loop *eventLoop, opts *RecorderOptions, onReady func()) (*endpointManager, error) {
	if len(opts.SatelliteEndpoints) == 0 {
		return nil, ErrNoSatelliteEndpoints
	}

	m := &endpointManager{RecorderOptions: opts, onReady: onReady}

	hostIndexes := make(map[string]int)
	for _, e := range opts.SatelliteEndpoints {
		key := strings.ToLower(e.Host)
		i, ok := hostIndexes[key]
		if !ok {
			i = len(m.hosts)
			hostIndexes[key] = i
			h := &hostManager{name: e.Host}
			h.ipv4 = &dnsResolutionManager{RecorderOptions: opts, loop: loop, host: e.Host, family: IPv4, onReady: m.onResolutionReady}
			h.ipv6 = &dnsResolutionManager{RecorderOptions: opts, loop: loop, host: e.Host, family: IPv6, onReady: m.onResolutionReady}
			m.hosts = append(m.hosts, h)
		}
		m.endpoints = append(m.endpoints, endpointRef{hostIndex: i, port: uint16(e.Port)})
	}

	return m, nil
}

func (m *endpointManager) start() {
	for _, h := range m.hosts {
		h.ipv4.start()
		h.ipv6.start()
	}
}

func (m *endpointManager) stop() {
	for _, h := range m.hosts {
		h.ipv4.stop()
		h.ipv6.stop()
	}
}

func (m *endpointManager) onResolutionReady() {
	m.numReady++
	if m.numReady == 1 && m.onReady != nil {
		m.onReady()
	}
}

// ready reports whether any host has resolved.
func (m *endpointManager) ready() bool { return m.numReady > 0 }

// requestEndpoint returns the next endpoint in round robin order: first across
// the configured endpoints, then across the addresses of the chosen host. It
// returns false if no configured host has resolved yet.
func (m *endpointManager) requestEndpoint() (Endpoint, bool) {
	for range m.endpoints {
		ref := m.endpoints[m.endpointIndex%len(m.endpoints)]
		m.endpointIndex++

		h := m.hosts[ref.hostIndex]
		addrs := h.addrs()
		if len(addrs) == 0 {
			continue
		}
		addr := addrs[h.addressIndex%len(addrs)]
		h.addressIndex++
		return Endpoint{Addr: netip.AddrPortFrom(addr, ref.port), Host: h.name}, true
	}
	return Endpoint{}, false
}
