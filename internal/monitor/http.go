package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"uptime/internal/logger"
	"uptime/internal/models"

	"go.uber.org/zap"
)

// maxBodyBytes 内容匹配只读取前1MiB
const maxBodyBytes = 1 << 20

const userAgent = "uptime-monitor/1.0"

type HTTPChecker struct {
	Client *http.Client
	TLS    *TLSInspector
}

// NormalizeURL adds the scheme implied by the monitor type when the target
// has none.
func NormalizeURL(m *models.Monitor) (string, error) {
	raw := strings.TrimSpace(m.Target)
	if raw == "" {
		return "", errors.New("empty target")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = string(m.Type) + "://" + raw
	}

	u, err := neturl.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid target url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid target url: missing host in %q", m.Target)
	}
	return u.String(), nil
}

// BuildRequest 构建探测请求
func BuildRequest(ctx context.Context, m *models.Monitor) (*http.Request, error) {
	target, err := NormalizeURL(m)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// Accept-Encoding is left to the transport so gzip is decoded transparently.
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	return req, nil
}

func (c *HTTPChecker) Check(ctx context.Context, m *models.Monitor) (*Outcome, error) {
	req, err := BuildRequest(ctx, m)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.Client.Do(req)
	if err != nil {
		logger.Debug("HTTP request failed",
			zap.Uint("monitor_id", m.ID),
			zap.String("url", req.URL.String()),
			zap.Error(err),
		)
		return &Outcome{
			Success:   false,
			ElapsedMs: elapsedMs(start),
			Detail:    "request failed: " + transportDetail(err),
		}, nil
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := elapsedMs(start)

	code := resp.StatusCode
	out := &Outcome{
		Success:    true,
		ElapsedMs:  elapsed,
		StatusCode: &code,
		Detail:     resp.Status,
		Body:       string(body),
	}
	if readErr != nil {
		// 响应头已收到，正文读取失败只记录
		out.Detail = fmt.Sprintf("%s (body read error: %s)", resp.Status, transportDetail(readErr))
	}

	if m.Type == models.ProtocolHTTPS && m.SSLCheck && c.TLS != nil {
		out.Cert = c.TLS.Inspect(ctx, tlsAddress(req.URL, m))
	}

	return out, nil
}

// tlsAddress picks host:port for the certificate check: the monitor port,
// then the URL port, then 443.
func tlsAddress(u *neturl.URL, m *models.Monitor) string {
	port := 443
	if p := portOf(u.String()); p > 0 {
		port = p
	}
	if m.Port != nil && *m.Port > 0 {
		port = *m.Port
	}
	return hostPort(u.Hostname(), port)
}
