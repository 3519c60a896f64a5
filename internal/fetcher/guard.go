package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/JakeFAU/print-quote-service/internal/apperr"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// blockedNets are special-purpose ranges not covered by the net.IP predicates.
var blockedNets = []*net.IPNet{
	mustCIDR("0.0.0.0/8"),
	mustCIDR("100.64.0.0/10"),
	mustCIDR("192.0.0.0/24"),
	mustCIDR("198.18.0.0/15"),
	mustCIDR("240.0.0.0/4"),
	mustCIDR("255.255.255.255/32"),
	mustCIDR("fec0::/10"),
}

// metadataIPs are cloud instance-metadata endpoints that are never fetchable.
var metadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("169.254.170.2"),
	net.ParseIP("fd00:ec2::254"),
	net.ParseIP("100.100.100.200"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// IPv6 prefixes that carry an IPv4 address a gateway will route to.
var (
	nat64Prefix      = []byte{0x00, 0x64, 0xff, 0x9b, 0, 0, 0, 0, 0, 0, 0, 0}
	nat64LocalPrefix = []byte{0x00, 0x64, 0xff, 0x9b, 0x00, 0x01}
	compatPrefix     = make([]byte, 12)
)

// embeddedIPv4 extracts the IPv4 address carried by NAT64 (64:ff9b::/96 and
// 64:ff9b:1::/48), 6to4 (2002::/16) and IPv4-compatible (::/96) addresses.
// IPv4-mapped addresses are handled by To4.
func embeddedIPv4(ip net.IP) (net.IP, bool) {
	ip = ip.To16()
	if ip == nil || ip.To4() != nil {
		return nil, false
	}
	switch {
	case bytes.HasPrefix(ip, nat64Prefix),
		bytes.HasPrefix(ip, nat64LocalPrefix),
		bytes.HasPrefix(ip, compatPrefix):
		return net.IPv4(ip[12], ip[13], ip[14], ip[15]), true
	case ip[0] == 0x20 && ip[1] == 0x02:
		return net.IPv4(ip[2], ip[3], ip[4], ip[5]), true
	}
	return nil, false
}

// isBlockedIP reports whether ip points into a network the fetcher must never reach.
func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if v4, ok := embeddedIPv4(ip); ok && isBlockedIP(v4) {
		return true
	}
	for _, m := range metadataIPs {
		if m.Equal(ip) {
			return true
		}
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		ip.IsPrivate()
}

// checkURL enforces the scheme rule and resolves the host through the guard.
func (f *Fetcher) checkURL(ctx context.Context, u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return apperr.Newf(apperr.KindSSRFBlocked, "scheme %q is not allowed", u.Scheme)
	}
	if u.User != nil {
		return apperr.New(apperr.KindValidation, "credentials in url are not allowed")
	}
	if u.Hostname() == "" {
		return apperr.New(apperr.KindValidation, "url has no host")
	}
	_, err := f.resolve(ctx, u.Hostname())
	return err
}

// resolve returns the host's addresses. One blocked address fails the whole answer.
func (f *Fetcher) resolve(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if ip := net.ParseIP(host); ip != nil {
		if f.blocked(ip) {
			return nil, apperr.Newf(apperr.KindSSRFBlocked, "address %s is not reachable", ip)
		}
		return []net.IP{ip}, nil
	}
	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, fmt.Sprintf("resolve %s", host), err)
	}
	if len(addrs) == 0 {
		return nil, apperr.Newf(apperr.KindNetwork, "resolve %s: no addresses", host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if f.blocked(a.IP) {
			return nil, apperr.Newf(apperr.KindSSRFBlocked, "host %s resolves to a blocked address", host)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// dialContext connects only to addresses that passed the guard at dial time.
func (f *Fetcher) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split dial address: %w", err)
	}
	ips, err := f.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range ips {
		conn, dialErr := f.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
	}
	return nil, fmt.Errorf("dial %s: %w", host, lastErr)
}
