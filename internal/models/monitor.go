package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Protocol 监控协议类型
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolPing  Protocol = "ping"
	ProtocolTCP   Protocol = "tcp"
)

// Valid reports whether p is one of the supported protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolPing, ProtocolTCP:
		return true
	}
	return false
}

// Status 监控状态
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
	StatusWarning Status = "warning"
)

// Failing reports whether s counts toward a problem streak.
func (s Status) Failing() bool {
	return s == StatusDown || s == StatusWarning
}

const (
	MinCheckInterval = 1    // minutes
	MaxCheckInterval = 1440 // minutes
	MinTimeout       = 5    // seconds
	MaxTimeout       = 60   // seconds
)

// Monitor 监控目标
type Monitor struct {
	ID                 uint                        `gorm:"primaryKey" json:"id"`
	UserID             uint                        `gorm:"index" json:"user_id"`
	Name               string                      `gorm:"size:255;not null" json:"name"`
	Target             string                      `gorm:"size:500;not null" json:"target"` // URL, IP or hostname
	Type               Protocol                    `gorm:"size:20;not null" json:"type"`
	CheckInterval      int                         `gorm:"default:5" json:"check_interval"` // minutes
	Timeout            int                         `gorm:"default:30" json:"timeout"`       // seconds
	ExpectedStatusCode *int                        `json:"expected_status_code,omitempty"`
	ExpectedContent    string                      `gorm:"type:text" json:"expected_content,omitempty"`
	SSLCheck           bool                        `gorm:"default:false" json:"ssl_check"`
	Port               *int                        `json:"port,omitempty"`
	Enabled            bool                        `gorm:"index" json:"enabled"`
	NotifyPhones       datatypes.JSONSlice[string] `json:"notify_phones"`
	NotifyEmails       datatypes.JSONSlice[string] `json:"notify_emails"`
	NotifyThreshold    int                         `gorm:"default:1" json:"notify_threshold"`

	CurrentStatus      Status     `gorm:"size:20;default:unknown" json:"current_status"`
	LastCheckedAt      *time.Time `json:"last_checked_at,omitempty"`
	LastNotificationAt *time.Time `json:"last_notification_at,omitempty"`
	// 当前故障周期内是否已发送过故障通知
	ProblemNotified bool `json:"problem_notified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Monitor) TableName() string {
	return "monitors"
}

// Validate checks the configuration invariants of a monitor.
func (m *Monitor) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("monitor name cannot be empty")
	}
	if m.Target == "" {
		return fmt.Errorf("monitor target cannot be empty")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("unsupported monitor type: %s", m.Type)
	}
	if m.CheckInterval < MinCheckInterval || m.CheckInterval > MaxCheckInterval {
		return fmt.Errorf("check interval must be between %d and %d minutes, got %d",
			MinCheckInterval, MaxCheckInterval, m.CheckInterval)
	}
	if m.Timeout < MinTimeout || m.Timeout > MaxTimeout {
		return fmt.Errorf("timeout must be between %d and %d seconds, got %d",
			MinTimeout, MaxTimeout, m.Timeout)
	}
	if m.Type == ProtocolTCP {
		if m.Port == nil {
			return fmt.Errorf("port is required for tcp monitors")
		}
	}
	if m.Port != nil && (*m.Port < 1 || *m.Port > 65535) {
		return fmt.Errorf("invalid port: %d", *m.Port)
	}
	if m.NotifyThreshold < 1 {
		return fmt.Errorf("notify threshold must be at least 1")
	}
	return nil
}

// IsDue reports whether the monitor should be checked at now.
func (m *Monitor) IsDue(now time.Time) bool {
	if m.LastCheckedAt == nil {
		return true
	}
	next := m.LastCheckedAt.Add(time.Duration(m.CheckInterval) * time.Minute)
	return !now.Before(next)
}

// CheckResult 单次检查结果，只追加不修改
type CheckResult struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	MonitorID    uint      `gorm:"not null;index:idx_results_monitor_checked" json:"monitor_id"`
	Status       Status    `gorm:"size:20;not null" json:"status"`
	ResponseTime *int64    `json:"response_time,omitempty"` // milliseconds
	StatusCode   *int      `json:"status_code,omitempty"`
	ErrorMessage *string   `gorm:"type:text" json:"error_message,omitempty"`
	CheckedAt    time.Time `gorm:"not null;index:idx_results_monitor_checked" json:"checked_at"`
}

func (CheckResult) TableName() string {
	return "check_results"
}
