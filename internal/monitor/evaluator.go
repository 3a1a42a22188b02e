package monitor

import (
	"fmt"
	"strings"
	"time"

	"uptime/internal/models"
)

// CertExpiryHorizon 证书剩余有效期低于该值视为异常
const CertExpiryHorizon = 30 * 24 * time.Hour

// Evaluation is the derived health of one probe.
type Evaluation struct {
	Status models.Status
	Detail string
}

// Evaluate maps a probe outcome to a status. It is pure: the certificate
// horizon is measured from out.CheckedAt.
func Evaluate(out *Outcome, m *models.Monitor) Evaluation {
	if out == nil || !out.Success {
		detail := "probe failed"
		if out != nil && out.Detail != "" {
			detail = out.Detail
		}
		return Evaluation{Status: models.StatusDown, Detail: detail}
	}

	statusOK := true
	if out.StatusCode != nil {
		if m.ExpectedStatusCode != nil {
			statusOK = *out.StatusCode == *m.ExpectedStatusCode
		} else {
			statusOK = *out.StatusCode >= 200 && *out.StatusCode < 300
		}
	}

	contentOK := m.ExpectedContent == "" || strings.Contains(out.Body, m.ExpectedContent)

	sslOK, sslDetail := true, ""
	if m.Type == models.ProtocolHTTPS && m.SSLCheck {
		sslOK, sslDetail = certificateOK(out.Cert, out.CheckedAt)
	}

	switch {
	case statusOK && contentOK && sslOK:
		return Evaluation{Status: models.StatusUp, Detail: upDetail(out)}
	case statusOK && !contentOK:
		return Evaluation{
			Status: models.StatusWarning,
			Detail: fmt.Sprintf("content mismatch: expected content %q not found", m.ExpectedContent),
		}
	case !sslOK:
		return Evaluation{Status: models.StatusWarning, Detail: "certificate issue: " + sslDetail}
	default:
		return Evaluation{Status: models.StatusDown, Detail: fmt.Sprintf("unexpected status %d", statusCode(out))}
	}
}

func certificateOK(cert *CertInfo, at time.Time) (bool, string) {
	switch {
	case cert == nil:
		return false, "certificate not inspected"
	case cert.Err != "":
		return false, cert.Err
	case !cert.NotAfter.After(at):
		return false, fmt.Sprintf("certificate expired at %s", cert.NotAfter.UTC().Format(time.RFC3339))
	case !cert.NotAfter.After(at.Add(CertExpiryHorizon)):
		days := int(cert.NotAfter.Sub(at).Hours() / 24)
		return false, fmt.Sprintf("certificate expires in %d days (%s)", days, cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return true, ""
}

func upDetail(out *Outcome) string {
	if out.StatusCode != nil {
		return fmt.Sprintf("status %d in %dms", *out.StatusCode, out.ElapsedMs)
	}
	if out.Detail != "" {
		return out.Detail
	}
	return fmt.Sprintf("reachable in %dms", out.ElapsedMs)
}

func statusCode(out *Outcome) int {
	if out.StatusCode == nil {
		return 0
	}
	return *out.StatusCode
}
