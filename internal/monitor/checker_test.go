package monitor

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"uptime/internal/models"
)

func newHTTPMonitor(target string) *models.Monitor {
	return &models.Monitor{ID: 1, Name: "web", Target: target, Type: models.ProtocolHTTP, Timeout: 5}
}

func TestBuildRequest(t *testing.T) {
	cases := []struct {
		target  string
		typ     models.Protocol
		wantURL string
		wantErr bool
	}{
		{"example.com/health", models.ProtocolHTTP, "http://example.com/health", false},
		{"example.com", models.ProtocolHTTPS, "https://example.com", false},
		{"http://example.com:8080/x?y=1", models.ProtocolHTTPS, "http://example.com:8080/x?y=1", false},
		{"", models.ProtocolHTTP, "", true},
		{"http://", models.ProtocolHTTP, "", true},
	}
	for _, tc := range cases {
		req, err := BuildRequest(context.Background(), &models.Monitor{Target: tc.target, Type: tc.typ})
		if tc.wantErr {
			if err == nil {
				t.Fatalf("BuildRequest(%q) expected error", tc.target)
			}
			continue
		}
		if err != nil {
			t.Fatalf("BuildRequest(%q): %v", tc.target, err)
		}
		if req.URL.String() != tc.wantURL {
			t.Fatalf("url = %q, want %q", req.URL.String(), tc.wantURL)
		}
		if req.Method != http.MethodGet {
			t.Fatalf("method = %s", req.Method)
		}
		if req.Header.Get("User-Agent") == "" {
			t.Fatal("missing User-Agent")
		}
		if req.Header.Get("Accept-Encoding") != "" {
			t.Fatal("Accept-Encoding must be left to the transport")
		}
	}
}

func TestHTTPCheckerRecordsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			gz.Write([]byte("service healthy"))
			gz.Close()
			return
		}
		w.Write([]byte("service healthy"))
	}))
	defer srv.Close()

	pc := NewProtocolChecker(Options{})

	out, err := pc.Probe(context.Background(), newHTTPMonitor(srv.URL+"/ok"))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !out.Success || out.StatusCode == nil || *out.StatusCode != 200 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Body != "service healthy" {
		t.Fatalf("body = %q, want decoded body", out.Body)
	}
	if out.CheckedAt.IsZero() {
		t.Fatal("CheckedAt not set")
	}

	out, err = pc.Probe(context.Background(), newHTTPMonitor(srv.URL+"/fail"))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !out.Success || *out.StatusCode != 503 {
		t.Fatalf("a non-2xx response is still a completed transport: %+v", out)
	}
}

func TestHTTPCheckerTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := NewProtocolChecker(Options{}).Probe(ctx, newHTTPMonitor(srv.URL))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if out.Success {
		t.Fatal("expected failure on timeout")
	}
	if !strings.Contains(out.Detail, "timeout") {
		t.Fatalf("detail = %q, want timeout", out.Detail)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("probe exceeded its deadline")
	}
}

func TestHTTPSCheckerInspectsCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	tlsCfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}

	m := &models.Monitor{ID: 2, Name: "secure", Target: srv.URL, Type: models.ProtocolHTTPS, Timeout: 5, SSLCheck: true}
	pc := NewProtocolChecker(Options{TLSConfig: tlsCfg})

	out, err := pc.Probe(context.Background(), m)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if out.Cert == nil || out.Cert.Err != "" {
		t.Fatalf("expected certificate info, got %+v", out.Cert)
	}
	if !out.Cert.NotAfter.Equal(srv.Certificate().NotAfter) {
		t.Fatalf("NotAfter = %v, want %v", out.Cert.NotAfter, srv.Certificate().NotAfter)
	}
	if got := Evaluate(out, m); got.Status != models.StatusUp {
		t.Fatalf("status = %s (%s), want up", got.Status, got.Detail)
	}

	// 未信任的证书：传输层失败，证书检查记录错误
	out, err = NewProtocolChecker(Options{}).Probe(context.Background(), m)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if out.Success {
		t.Fatal("request with untrusted certificate should fail")
	}
}

func TestTLSInspectorReportsHandshakeError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	info := (&TLSInspector{}).Inspect(context.Background(), srv.Listener.Addr().String())
	if info.Err == "" {
		t.Fatalf("expected verification error, got %+v", info)
	}
}

func TestTLSAddress(t *testing.T) {
	req, _ := BuildRequest(context.Background(), &models.Monitor{Target: "https://example.com:8443/x", Type: models.ProtocolHTTPS})
	if got := tlsAddress(req.URL, &models.Monitor{}); got != "example.com:8443" {
		t.Fatalf("url port: got %s", got)
	}
	if got := tlsAddress(req.URL, &models.Monitor{Port: intPtr(9443)}); got != "example.com:9443" {
		t.Fatalf("monitor port: got %s", got)
	}
	req, _ = BuildRequest(context.Background(), &models.Monitor{Target: "example.com", Type: models.ProtocolHTTPS})
	if got := tlsAddress(req.URL, &models.Monitor{}); got != "example.com:443" {
		t.Fatalf("default: got %s", got)
	}
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	pc := NewProtocolChecker(Options{})
	open := ln.Addr().(*net.TCPAddr).Port
	m := &models.Monitor{ID: 3, Target: "127.0.0.1", Type: models.ProtocolTCP, Port: &open, Timeout: 5}
	out, err := pc.Probe(context.Background(), m)
	if err != nil || !out.Success {
		t.Fatalf("open port: out=%+v err=%v", out, err)
	}

	refused := closedPort(t)
	m.Port = &refused
	start := time.Now()
	out, err = pc.Probe(context.Background(), m)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if out.Success {
		t.Fatal("refused port reported as success")
	}
	if out.Detail == "" {
		t.Fatal("empty failure detail")
	}
	if time.Duration(out.ElapsedMs)*time.Millisecond > time.Since(start) {
		t.Fatalf("elapsed %dms exceeds wall time", out.ElapsedMs)
	}
	if got := Evaluate(out, m); got.Status != models.StatusDown {
		t.Fatalf("status = %s, want down", got.Status)
	}
}

func TestTCPCheckerRequiresPort(t *testing.T) {
	_, err := NewProtocolChecker(Options{}).Probe(context.Background(),
		&models.Monitor{Target: "127.0.0.1", Type: models.ProtocolTCP, Timeout: 5})
	if err == nil {
		t.Fatal("expected configuration error without port")
	}
}

func TestProbeUnsupportedType(t *testing.T) {
	if _, err := NewProtocolChecker(Options{}).Probe(context.Background(), &models.Monitor{Type: "udp"}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
	if _, err := NewChecker("smtp", Options{}); err == nil {
		t.Fatal("NewChecker should reject unknown protocols")
	}
}

func TestHostOf(t *testing.T) {
	cases := map[string]string{
		"example.com":           "example.com",
		"https://example.com/a": "example.com",
		"example.com:8080":      "example.com",
		"10.0.0.1":              "10.0.0.1",
		"[::1]:443":             "::1",
		"example.com/path?q=1":  "example.com",
		"  http://a.b:81/x  ":   "a.b",
	}
	for in, want := range cases {
		if got := HostOf(in); got != want {
			t.Fatalf("HostOf(%q) = %q, want %q", in, got, want)
		}
	}
}
