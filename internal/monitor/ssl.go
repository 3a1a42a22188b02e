package monitor

import (
	"context"
	"crypto/tls"
	"net"

	"uptime/internal/logger"

	"go.uber.org/zap"
)

// TLSInspector opens a dedicated TLS session and reports the leaf
// certificate. It never decides whether the certificate is acceptable.
type TLSInspector struct {
	Config *tls.Config
	Dialer *Dialer
}

func (t *TLSInspector) Inspect(ctx context.Context, address string) *CertInfo {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return &CertInfo{Err: err.Error()}
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.Config != nil {
		cfg = t.Config.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	d := &tls.Dialer{Config: cfg}
	if t.Dialer != nil && t.Dialer.Resolver != nil {
		// 自定义DNS：先解析再握手，SNI仍使用原主机名
		ip, err := t.Dialer.ResolveIP(ctx, host)
		if err != nil {
			return &CertInfo{Err: "tls dial failed: " + transportDetail(err)}
		}
		_, port, _ := net.SplitHostPort(address)
		address = net.JoinHostPort(ip.String(), port)
	}

	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		logger.Debug("TLS handshake failed",
			zap.String("address", address),
			zap.Error(err),
		)
		return &CertInfo{Err: "tls handshake failed: " + transportDetail(err)}
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return &CertInfo{Err: "no certificates presented"}
	}

	leaf := state.PeerCertificates[0]
	return &CertInfo{
		NotAfter: leaf.NotAfter,
		Subject:  leaf.Subject.CommonName,
		Issuer:   leaf.Issuer.CommonName,
	}
}
