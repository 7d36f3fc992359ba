package spanstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// AddressFamily selects the IP version resolved for a host.
type AddressFamily int

const (
	IPv4 AddressFamily = iota
	IPv6
)

func (f AddressFamily) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

func (f AddressFamily) network() string {
	if f == IPv6 {
		return "ip6"
	}
	return "ip4"
}

// Resolver resolves the addresses of a host for one address family. It may be
// called concurrently, and should honor the context deadline.
type Resolver interface {
	Resolve(ctx context.Context, host string, family AddressFamily) ([]netip.Addr, error)
}

// resolveLiteral handles hosts that are already IP addresses.
func resolveLiteral(host string, family AddressFamily) ([]netip.Addr, bool) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, false
	}
	addr = addr.Unmap()
	if addr.Is4() != (family == IPv4) {
		return nil, true
	}
	return []netip.Addr{addr}, true
}

// SystemResolver resolves hosts with the system resolver.
type SystemResolver struct{}

// Resolve looks host up with the system resolver.
func (SystemResolver) Resolve(ctx context.Context, host string, family AddressFamily) ([]netip.Addr, error) {
	if addrs, ok := resolveLiteral(host, family); ok {
		return addrs, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, family.network(), host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s addresses of %s: %w", family, host, err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

// DNSResolver resolves hosts by querying a fixed set of DNS servers directly,
// bypassing the system resolver configuration.
type DNSResolver struct {
	servers []string
	client  *dns.Client
}

// NewDNSResolver returns a DNSResolver that queries servers in order until one
// answers. A server without a port is queried on port 53.
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	r := &DNSResolver{client: &dns.Client{Timeout: timeout}}
	for _, s := range servers {
		if _, err := netip.ParseAddrPort(s); err != nil {
			if _, _, err := net.SplitHostPort(s); err != nil {
				s = net.JoinHostPort(s, "53")
			}
		}
		r.servers = append(r.servers, s)
	}
	return r
}

// Resolve queries the servers in order, moving on to the next one when a
// server fails or doesn't answer in time.
func (r *DNSResolver) Resolve(ctx context.Context, host string, family AddressFamily) ([]netip.Addr, error) {
	if addrs, ok := resolveLiteral(host, family); ok {
		return addrs, nil
	}
	if len(r.servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}

	qtype := dns.TypeA
	if family == IPv6 {
		qtype = dns.TypeAAAA
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)

	var errs error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("DNS query to %s failed: %w", server, err))
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			errs = errors.Join(errs, fmt.Errorf("DNS query to %s failed: %s", server, dns.RcodeToString[in.Rcode]))
			continue
		}
		return answerAddrs(in.Answer), nil
	}
	return nil, fmt.Errorf("failed to resolve %s addresses of %s: %w", family, host, errs)
}

func answerAddrs(answer []dns.RR) []netip.Addr {
	var addrs []netip.Addr
	for _, rr := range answer {
		var ip net.IP
		switch rr := rr.(type) {
		case *dns.A:
			ip = rr.A
		case *dns.AAAA:
			ip = rr.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs
}
