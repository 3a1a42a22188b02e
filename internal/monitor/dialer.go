package monitor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Resolver resolves a host name to addresses. The system resolver is used
// when none is configured.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// Dialer 拨号器，可选使用自定义DNS
type Dialer struct {
	Resolver Resolver
	net      net.Dialer
}

// ResolveIP returns the first address of host. Literal IPs are returned as is.
func (d *Dialer) ResolveIP(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	var (
		ips []net.IP
		err error
	)
	if d.Resolver != nil {
		ips, err = d.Resolver.LookupIP(ctx, host)
	} else {
		var addrs []net.IPAddr
		addrs, err = net.DefaultResolver.LookupIPAddr(ctx, host)
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}

	// 优先IPv4
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.Resolver == nil {
		return d.net.DialContext(ctx, network, address)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ip, err := d.ResolveIP(ctx, host)
	if err != nil {
		return nil, err
	}
	return d.net.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

// HostOf extracts the bare host from a monitor target, which may be a URL,
// host:port or a plain host name.
func HostOf(target string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil {
			return u.Hostname()
		}
	}
	if idx := strings.IndexAny(target, "/?#"); idx != -1 {
		target = target[:idx]
	}
	if h, _, err := net.SplitHostPort(target); err == nil {
		return h
	}
	return strings.Trim(target, "[]")
}

// portOf returns the port embedded in target, or 0.
func portOf(target string) int {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil {
			p, _ := strconv.Atoi(u.Port())
			return p
		}
		return 0
	}
	if idx := strings.IndexAny(target, "/?#"); idx != -1 {
		target = target[:idx]
	}
	if _, p, err := net.SplitHostPort(target); err == nil {
		n, _ := strconv.Atoi(p)
		return n
	}
	return 0
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprint(port))
}
