package monitor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"uptime/internal/models"
)

// Outcome 单次探测的原始结果，不直接持久化
type Outcome struct {
	Success    bool
	ElapsedMs  int64
	StatusCode *int
	Detail     string
	// Body is kept only for content matching.
	Body string
	Cert *CertInfo
	// CheckedAt is the reference time for the certificate horizon.
	CheckedAt time.Time
}

// CertInfo 证书信息；Err 非空表示握手或校验失败
type CertInfo struct {
	NotAfter time.Time
	Subject  string
	Issuer   string
	Err      string
}

// Checker probes one protocol. Expected network failures are reported
// through Outcome.Success/Detail; an error means the monitor itself is
// unusable (bad target, missing port).
type Checker interface {
	Check(ctx context.Context, m *models.Monitor) (*Outcome, error)
}

const defaultProbeTimeout = 30 * time.Second

// ProtocolChecker picks the checker for a monitor's protocol and enforces
// the monitor timeout as a hard deadline on the whole probe.
type ProtocolChecker struct {
	checkers map[models.Protocol]Checker
	now      func() time.Time
}

// Options 探测依赖，进程启动时构造一次
type Options struct {
	HTTPClient *http.Client
	TLSConfig  *tls.Config
	Resolver   Resolver
}

// NewChecker returns the checker for one protocol.
func NewChecker(protocol models.Protocol, opts Options) (Checker, error) {
	dialer := &Dialer{Resolver: opts.Resolver}
	switch protocol {
	case models.ProtocolHTTP, models.ProtocolHTTPS:
		client := opts.HTTPClient
		if client == nil {
			client = NewHTTPClient(opts.TLSConfig)
		}
		return &HTTPChecker{Client: client, TLS: &TLSInspector{Config: opts.TLSConfig, Dialer: dialer}}, nil
	case models.ProtocolTCP:
		return &TCPChecker{Dialer: dialer}, nil
	case models.ProtocolPing:
		return NewPingChecker(dialer), nil
	default:
		return nil, fmt.Errorf("unsupported monitor type: %s", protocol)
	}
}

func NewProtocolChecker(opts Options) *ProtocolChecker {
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient(opts.TLSConfig)
	}

	p := &ProtocolChecker{
		checkers: make(map[models.Protocol]Checker),
		now:      time.Now,
	}
	for _, protocol := range []models.Protocol{
		models.ProtocolHTTP, models.ProtocolHTTPS, models.ProtocolTCP, models.ProtocolPing,
	} {
		c, _ := NewChecker(protocol, opts)
		p.checkers[protocol] = c
	}
	return p
}

// Register replaces the checker for a protocol.
func (p *ProtocolChecker) Register(protocol models.Protocol, c Checker) {
	p.checkers[protocol] = c
}

func (p *ProtocolChecker) Probe(ctx context.Context, m *models.Monitor) (*Outcome, error) {
	checker, ok := p.checkers[m.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported monitor type: %s", m.Type)
	}

	timeout := time.Duration(m.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	checkedAt := p.now()
	out, err := checker.Check(ctx, m)
	if err != nil {
		return nil, err
	}
	out.CheckedAt = checkedAt
	return out, nil
}

// transportDetail turns a network error into a short reason.
func transportDetail(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout: no response before deadline"
	case errors.Is(err, context.Canceled):
		return "probe cancelled"
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("dns lookup failed for %s: %s", dnsErr.Name, dnsErr.Err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return "host unreachable"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout: " + err.Error()
	}
	return err.Error()
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
