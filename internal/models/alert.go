package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Severity Zabbix 告警级别，按严重程度递增
type Severity string

const (
	SeverityNotClassified Severity = "not_classified"
	SeverityInformation   Severity = "information"
	SeverityWarning       Severity = "warning"
	SeverityAverage       Severity = "average"
	SeverityHigh          Severity = "high"
	SeverityDisaster      Severity = "disaster"
)

var severityOrder = []Severity{
	SeverityNotClassified,
	SeverityInformation,
	SeverityWarning,
	SeverityAverage,
	SeverityHigh,
	SeverityDisaster,
}

// SeverityFromLevel maps a Zabbix priority (0-5) to a Severity.
func SeverityFromLevel(level int) Severity {
	if level < 0 || level >= len(severityOrder) {
		return SeverityNotClassified
	}
	return severityOrder[level]
}

// ParseSeverity accepts enum values and the Zabbix display names
// ("Not classified", "Information", ...). Unknown input maps to not_classified.
func ParseSeverity(s string) Severity {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if key == "info" {
		return SeverityInformation
	}
	for _, sev := range severityOrder {
		if string(sev) == key {
			return sev
		}
	}
	return SeverityNotClassified
}

// Level returns the position of s in the severity ordering.
func (s Severity) Level() int {
	for i, sev := range severityOrder {
		if sev == s {
			return i
		}
	}
	return 0
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Level() >= other.Level()
}

// EventStatus AlertEvent 生命周期
type EventStatus string

const (
	EventProblem  EventStatus = "problem"
	EventOK       EventStatus = "ok"
	EventResolved EventStatus = "resolved"
)

// Host 外部告警所属主机
type Host struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	UserID         uint                        `gorm:"index" json:"user_id"`
	ExternalHostID *string                     `gorm:"size:64;uniqueIndex" json:"external_host_id,omitempty"` // Zabbix hostid
	Name           string                      `gorm:"size:255;index" json:"name"`                            // visible name
	Hostname       string                      `gorm:"size:255;index" json:"hostname"`                        // technical name
	NotifyPhones   datatypes.JSONSlice[string] `json:"notify_phones"`
	NotifyEmails   datatypes.JSONSlice[string] `json:"notify_emails"`
	MinSeverity    Severity                    `gorm:"size:32;default:not_classified" json:"min_severity"`
	Enabled        bool                        `json:"enabled"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

func (Host) TableName() string {
	return "hosts"
}

// AlertEvent 去重后的外部告警事件
type AlertEvent struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	HostID           uint           `gorm:"not null;index" json:"host_id"`
	ExternalEventID  string         `gorm:"size:128;not null;uniqueIndex" json:"external_event_id"`
	TriggerName      string         `gorm:"size:500" json:"trigger_name"`
	Severity         Severity       `gorm:"size:32" json:"severity"`
	Status           EventStatus    `gorm:"size:20;not null;index" json:"status"`
	EventTime        time.Time      `json:"event_time"`
	OpenedAt         time.Time      `json:"opened_at"`
	RecoveredAt      *time.Time     `json:"recovered_at,omitempty"`
	Acknowledged     bool           `json:"acknowledged"`
	NotificationSent bool           `json:"notification_sent"`
	RawPayload       datatypes.JSON `json:"raw_payload,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	Host *Host `gorm:"foreignKey:HostID" json:"host,omitempty"`
}

func (AlertEvent) TableName() string {
	return "alert_events"
}

// NotificationLog 通知发送记录
type NotificationLog struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	Source   string    `gorm:"size:20;index:idx_notification_source" json:"source"` // monitor, alert_event
	SourceID uint      `gorm:"index:idx_notification_source" json:"source_id"`
	Kind     string    `gorm:"size:20" json:"kind"`    // problem, recovery
	Channel  string    `gorm:"size:20" json:"channel"` // sms, email
	Address  string    `gorm:"size:255" json:"address"`
	Message  string    `gorm:"type:text" json:"message"`
	Success  bool      `json:"success"`
	Error    string    `gorm:"type:text" json:"error,omitempty"`
	SentAt   time.Time `gorm:"index" json:"sent_at"`
}

func (NotificationLog) TableName() string {
	return "notification_logs"
}
