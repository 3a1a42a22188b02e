package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"uptime/internal/models"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58

	pingFallbackPort = 80
)

type icmpFamily struct {
	dgram     string
	raw       string
	listen    string
	proto     int
	echo      icmp.Type
	echoReply icmp.Type
}

var (
	icmpV4 = icmpFamily{"udp4", "ip4:icmp", "0.0.0.0", protocolICMP, ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply}
	icmpV6 = icmpFamily{"udp6", "ip6:ipv6-icmp", "::", protocolIPv6ICMP, ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply}
)

// PingChecker sends a single ICMP echo. Without ICMP privileges it falls
// back to a TCP connect on the monitor port.
type PingChecker struct {
	Dialer *Dialer

	listen func(network, address string) (net.PacketConn, error)
	id     int
	seq    atomic.Uint32
}

func NewPingChecker(dialer *Dialer) *PingChecker {
	return &PingChecker{
		Dialer: dialer,
		listen: listenICMP,
		id:     os.Getpid() & 0xffff,
	}
}

func listenICMP(network, address string) (net.PacketConn, error) {
	c, err := icmp.ListenPacket(network, address)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PingChecker) Check(ctx context.Context, m *models.Monitor) (*Outcome, error) {
	host := HostOf(m.Target)
	if host == "" {
		return nil, errors.New("ping monitor requires a host")
	}

	start := time.Now()
	ip, err := p.Dialer.ResolveIP(ctx, host)
	if err != nil {
		return &Outcome{
			Success:   false,
			ElapsedMs: elapsedMs(start),
			Detail:    "resolve failed: " + transportDetail(err),
		}, nil
	}

	fam := icmpV4
	if ip.To4() == nil {
		fam = icmpV6
	}

	// 优先非特权ICMP，其次原始套接字
	conn, privileged, err := p.open(fam)
	if err != nil {
		return p.tcpFallback(ctx, m, ip, start), nil
	}
	defer conn.Close()

	mode := "unprivileged"
	var dst net.Addr = &net.UDPAddr{IP: ip}
	if privileged {
		mode = "raw"
		dst = &net.IPAddr{IP: ip}
	}

	rtt, err := p.echo(ctx, conn, fam, dst, ip, privileged)
	if err != nil {
		return &Outcome{
			Success:   false,
			ElapsedMs: elapsedMs(start),
			Detail:    fmt.Sprintf("icmp echo to %s (%s) failed: %s", ip, mode, transportDetail(err)),
		}, nil
	}

	return &Outcome{
		Success:   true,
		ElapsedMs: rtt.Milliseconds(),
		Detail:    fmt.Sprintf("icmp echo reply from %s (%s)", ip, mode),
	}, nil
}

func (p *PingChecker) open(fam icmpFamily) (net.PacketConn, bool, error) {
	conn, err := p.listen(fam.dgram, fam.listen)
	if err == nil {
		return conn, false, nil
	}
	conn, rawErr := p.listen(fam.raw, fam.listen)
	if rawErr == nil {
		return conn, true, nil
	}
	return nil, false, errors.Join(err, rawErr)
}

func (p *PingChecker) echo(ctx context.Context, conn net.PacketConn, fam icmpFamily, dst net.Addr, ip net.IP, privileged bool) (time.Duration, error) {
	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: fam.echo,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte("uptime-ping")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, err
		}
		if !samePeer(peer, ip) {
			continue
		}

		reply, err := icmp.ParseMessage(fam.proto, buf[:n])
		if err != nil || reply.Type != fam.echoReply {
			continue
		}
		body, ok := reply.Body.(*icmp.Echo)
		if !ok || body.Seq != seq {
			continue
		}
		// 非特权模式下内核会改写ID
		if privileged && body.ID != p.id {
			continue
		}
		return time.Since(start), nil
	}
}

func samePeer(addr net.Addr, ip net.IP) bool {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	case *net.IPAddr:
		return a.IP.Equal(ip)
	}
	return false
}

// tcpFallback treats both an accepted and a refused connection as reachable:
// either way the host answered.
func (p *PingChecker) tcpFallback(ctx context.Context, m *models.Monitor, ip net.IP, start time.Time) *Outcome {
	port := pingFallbackPort
	if m.Port != nil && *m.Port > 0 {
		port = *m.Port
	}
	address := hostPort(ip.String(), port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	switch {
	case err == nil:
		conn.Close()
		return &Outcome{
			Success:   true,
			ElapsedMs: elapsedMs(start),
			Detail:    fmt.Sprintf("icmp unavailable, tcp fallback: %s accepted connection", address),
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Outcome{
			Success:   true,
			ElapsedMs: elapsedMs(start),
			Detail:    fmt.Sprintf("icmp unavailable, tcp fallback: %s refused connection (host reachable)", address),
		}
	default:
		return &Outcome{
			Success:   false,
			ElapsedMs: elapsedMs(start),
			Detail:    fmt.Sprintf("icmp unavailable, tcp fallback to %s failed: %s", address, transportDetail(err)),
		}
	}
}
