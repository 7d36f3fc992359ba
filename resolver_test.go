package spanstream

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLiteral(t *testing.T) {

	tests := []struct {
		name     string
		host     string
		family   AddressFamily
		expect   []netip.Addr
		expectOK bool
	}{
		{"ipv4 literal", "10.1.2.3", IPv4, []netip.Addr{netip.MustParseAddr("10.1.2.3")}, true},
		{"ipv4 literal asked for ipv6", "10.1.2.3", IPv6, nil, true},
		{"ipv6 literal", "fd00::2", IPv6, []netip.Addr{netip.MustParseAddr("fd00::2")}, true},
		{"mapped ipv4 literal", "::ffff:10.1.2.3", IPv4, []netip.Addr{netip.MustParseAddr("10.1.2.3")}, true},
		{"host name", "satellite.test", IPv4, nil, false},
	}
	for i := 0; i < len(tests); i++ {
		tt := tests[i]
		t.Run(tt.name, func(t *testing.T) {
			got, ok := resolveLiteral(tt.host, tt.family)
			assert.Equal(t, tt.expectOK, ok)
			assert.Equal(t, tt.expect, got)
		})
	}
}

// startTestDNSServer serves A and AAAA records from records, keyed by fully
// qualified name, and answers NXDOMAIN for anything else.
func startTestDNSServer(t *testing.T, records map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		addrs, ok := records[q.Name]
		if !ok {
			m.SetRcode(req, dns.RcodeNameError)
		}
		for _, a := range addrs {
			ip := net.ParseIP(a)
			hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: 60}
			switch {
			case q.Qtype == dns.TypeA && ip.To4() != nil:
				hdr.Rrtype = dns.TypeA
				m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: ip.To4()})
			case q.Qtype == dns.TypeAAAA && ip.To4() == nil:
				hdr.Rrtype = dns.TypeAAAA
				m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(time.Second * 5):
		t.Fatal("failed: DNS server never started")
	}
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	server := startTestDNSServer(t, map[string][]string{
		"satellite.test.": {"10.0.0.1", "10.0.0.2", "fd00::1"},
	})
	r := NewDNSResolver([]string{server}, time.Second*2)
	ctx := context.Background()

	addrs, err := r.Resolve(ctx, "satellite.test", IPv4)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}, addrs)

	addrs, err = r.Resolve(ctx, "satellite.test", IPv6)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fd00::1")}, addrs)

	_, err = r.Resolve(ctx, "unknown.test", IPv4)
	assert.ErrorContains(t, err, "NXDOMAIN")

	// literals never reach the server
	addrs, err = r.Resolve(ctx, "192.168.0.9", IPv4)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.0.9")}, addrs)
}

func TestDNSResolver_fallsBackToNextServer(t *testing.T) {
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	require.NoError(t, dead.Close())

	server := startTestDNSServer(t, map[string][]string{"satellite.test.": {"10.0.0.7"}})
	r := NewDNSResolver([]string{deadAddr, server}, time.Millisecond*500)

	addrs, err := r.Resolve(context.Background(), "satellite.test", IPv4)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.7")}, addrs)
}

func TestNewDNSResolver_defaultPort(t *testing.T) {
	r := NewDNSResolver([]string{"10.0.0.53", "10.0.0.54:5353", "fd00::53", "dns.test"}, time.Second)
	assert.Equal(t, []string{"10.0.0.53:53", "10.0.0.54:5353", "[fd00::53]:53", "dns.test:53"}, r.servers)
}

func TestDNSResolver_noServers(t *testing.T) {
	r := NewDNSResolver(nil, time.Second)
	_, err := r.Resolve(context.Background(), "satellite.test", IPv4)
	assert.Error(t, err)
}
