package alert

import (
	"fmt"
	"strings"
	"time"

	"uptime/internal/models"
)

const timeLayout = "2006-01-02 15:04:05 MST"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// MonitorProblemMessage 监控故障通知
func MonitorProblemMessage(m *models.Monitor, status models.Status, reason string, at time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s\n", strings.ToUpper(string(status)), m.Name)
	fmt.Fprintf(&sb, "Target: %s (%s)\n", m.Target, m.Type)
	fmt.Fprintf(&sb, "Reason: %s\n", reason)
	fmt.Fprintf(&sb, "Time: %s", formatTime(at))
	return sb.String()
}

// MonitorRecoveryMessage 监控恢复通知
func MonitorRecoveryMessage(m *models.Monitor, at time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[RECOVERED] %s\n", m.Name)
	fmt.Fprintf(&sb, "Target: %s (%s)\n", m.Target, m.Type)
	fmt.Fprintf(&sb, "Resolved: %s", formatTime(at))
	return sb.String()
}

func hostLabel(h *models.Host) string {
	if h == nil {
		return "unknown host"
	}
	if h.Name != "" {
		return h.Name
	}
	return h.Hostname
}

// EventProblemMessage Zabbix 告警通知
func EventProblemMessage(ev *models.AlertEvent, host *models.Host) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[PROBLEM] %s: %s\n", hostLabel(host), ev.TriggerName)
	fmt.Fprintf(&sb, "Severity: %s\n", ev.Severity)
	fmt.Fprintf(&sb, "Event: %s\n", ev.ExternalEventID)
	fmt.Fprintf(&sb, "Time: %s", formatTime(ev.EventTime))
	return sb.String()
}

// EventRecoveryMessage Zabbix 恢复通知
func EventRecoveryMessage(ev *models.AlertEvent, host *models.Host) string {
	resolved := ev.EventTime
	if ev.RecoveredAt != nil {
		resolved = *ev.RecoveredAt
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[RESOLVED] %s: %s\n", hostLabel(host), ev.TriggerName)
	fmt.Fprintf(&sb, "Severity: %s\n", ev.Severity)
	fmt.Fprintf(&sb, "Resolved: %s", formatTime(resolved))
	return sb.String()
}
