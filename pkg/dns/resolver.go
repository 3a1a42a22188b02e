package dns

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

const maxUDPSize = 1232

// Resolver queries a single DNS server directly, bypassing the system
// resolver. Queries go over UDP and are retried over TCP when the answer
// is truncated.
type Resolver struct {
	Server  string // host:port, port defaults to 53
	Timeout time.Duration
}

func NewResolver(server string) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(strings.Trim(server, "[]"), "53")
	}
	return &Resolver{
		Server:  server,
		Timeout: 5 * time.Second,
	}
}

// LookupIP returns the A and AAAA records of host.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	name, err := dnsmessage.NewName(strings.TrimSuffix(host, ".") + ".")
	if err != nil {
		return nil, &net.DNSError{Err: "invalid host name", Name: host}
	}

	var (
		ips     []net.IP
		lastErr error
	)
	for _, qtype := range []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA} {
		found, err := r.query(ctx, name, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		ips = append(ips, found...)
	}

	if len(ips) == 0 {
		if lastErr != nil {
			var dnsErr *net.DNSError
			if errors.As(lastErr, &dnsErr) {
				return nil, dnsErr
			}
			return nil, &net.DNSError{Err: lastErr.Error(), Name: host, Server: r.Server}
		}
		return nil, &net.DNSError{Err: "no such host", Name: host, Server: r.Server, IsNotFound: true}
	}
	return ips, nil
}

func (r *Resolver) query(ctx context.Context, name dnsmessage.Name, qtype dnsmessage.Type) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	id := uint16(rand.Uint32())
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: id, RecursionDesired: true},
		Questions: []dnsmessage.Question{
			{Name: name, Type: qtype, Class: dnsmessage.ClassINET},
		},
	}
	query, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack message failed: %w", err)
	}

	resp, err := r.exchangeUDP(ctx, query, id)
	if err != nil {
		return nil, err
	}
	// 响应被截断时改用 TCP
	if resp.Header.Truncated {
		resp, err = r.exchangeTCP(ctx, query, id)
		if err != nil {
			return nil, err
		}
	}

	switch resp.Header.RCode {
	case dnsmessage.RCodeSuccess:
	case dnsmessage.RCodeNameError:
		return nil, &net.DNSError{Err: "no such host", Name: name.String(), Server: r.Server, IsNotFound: true}
	default:
		return nil, &net.DNSError{Err: "server failure: " + resp.Header.RCode.String(), Name: name.String(), Server: r.Server, IsTemporary: true}
	}

	var ips []net.IP
	for _, ans := range resp.Answers {
		switch body := ans.Body.(type) {
		case *dnsmessage.AResource:
			ips = append(ips, net.IP(body.A[:]))
		case *dnsmessage.AAAAResource:
			ips = append(ips, net.IP(body.AAAA[:]))
		}
	}
	return ips, nil
}

func (r *Resolver) exchangeUDP(ctx context.Context, query []byte, id uint16) (*dnsmessage.Message, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", r.Server)
	if err != nil {
		return nil, fmt.Errorf("UDP dial failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("send query failed: %w", err)
	}

	buf := make([]byte, maxUDPSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("receive response failed: %w", err)
		}
		var resp dnsmessage.Message
		if err := resp.Unpack(buf[:n]); err != nil {
			// 截断的报文可能无法完整解析，只取头部
			var p dnsmessage.Parser
			h, herr := p.Start(buf[:n])
			if herr != nil || h.ID != id {
				continue
			}
			if h.Truncated {
				return &dnsmessage.Message{Header: h}, nil
			}
			return nil, fmt.Errorf("unpack response failed: %w", err)
		}
		// 丢弃 ID 不匹配的报文
		if resp.Header.ID != id || !resp.Header.Response {
			continue
		}
		return &resp, nil
	}
}

func (r *Resolver) exchangeTCP(ctx context.Context, query []byte, id uint16) (*dnsmessage.Message, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.Server)
	if err != nil {
		return nil, fmt.Errorf("TCP dial failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// TCP 报文前两个字节为长度
	framed := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(framed, uint16(len(query)))
	copy(framed[2:], query)
	if _, err := conn.Write(framed); err != nil {
		return nil, fmt.Errorf("send query failed: %w", err)
	}

	var length [2]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, fmt.Errorf("receive response failed: %w", err)
	}
	buf := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("receive response failed: %w", err)
	}

	var resp dnsmessage.Message
	if err := resp.Unpack(buf); err != nil {
		return nil, fmt.Errorf("unpack response failed: %w", err)
	}
	if resp.Header.ID != id {
		return nil, errors.New("response id mismatch")
	}
	return &resp, nil
}
