package server

import (
	"strings"

	"uptime/internal/config"
	"uptime/internal/models"

	"gorm.io/datatypes"
)

// MonitorRequest 新增/更新监控的请求体
type MonitorRequest struct {
	Name               string   `json:"name" binding:"required"`
	Type               string   `json:"type" binding:"required,oneof=http https tcp ping"`
	Target             string   `json:"target" binding:"required"`
	CheckInterval      int      `json:"check_interval"` // minutes
	Timeout            int      `json:"timeout"`        // seconds
	ExpectedStatusCode *int     `json:"expected_status_code"`
	ExpectedContent    string   `json:"expected_content"`
	SSLCheck           bool     `json:"ssl_check"`
	Port               *int     `json:"port"`
	Enabled            *bool    `json:"enabled"`
	NotifyPhones       []string `json:"notify_phones"`
	NotifyEmails       []string `json:"notify_emails"`
	NotifyThreshold    int      `json:"notify_threshold"`
}

// ConvertMonitorRequest 将请求转换为数据库模型，未填写的字段使用默认值
func ConvertMonitorRequest(req MonitorRequest) *models.Monitor {
	m := &models.Monitor{CurrentStatus: models.StatusUnknown}
	ApplyMonitorRequest(m, req)
	return m
}

// ApplyMonitorRequest 使用请求更新模型的配置字段
func ApplyMonitorRequest(m *models.Monitor, req MonitorRequest) {
	m.Name = strings.TrimSpace(req.Name)
	m.Type = models.Protocol(req.Type)
	m.Target = strings.TrimSpace(req.Target)
	m.CheckInterval = req.CheckInterval
	if m.CheckInterval == 0 {
		m.CheckInterval = 5
	}
	m.Timeout = req.Timeout
	if m.Timeout == 0 {
		m.Timeout = 30
	}
	m.ExpectedStatusCode = req.ExpectedStatusCode
	m.ExpectedContent = req.ExpectedContent
	m.SSLCheck = req.SSLCheck
	m.Port = req.Port
	m.Enabled = req.Enabled == nil || *req.Enabled
	m.NotifyPhones = cleanList(req.NotifyPhones)
	m.NotifyEmails = cleanList(req.NotifyEmails)
	m.NotifyThreshold = req.NotifyThreshold
	if m.NotifyThreshold == 0 {
		m.NotifyThreshold = 1
	}
}

// HostRequest 新增告警主机
type HostRequest struct {
	Name           string   `json:"name" binding:"required"`
	Hostname       string   `json:"hostname"`
	ExternalHostID string   `json:"external_host_id"`
	NotifyPhones   []string `json:"notify_phones"`
	NotifyEmails   []string `json:"notify_emails"`
	MinSeverity    string   `json:"min_severity"`
	Enabled        *bool    `json:"enabled"`
}

func ConvertHostRequest(req HostRequest) *models.Host {
	h := &models.Host{
		Name:         strings.TrimSpace(req.Name),
		Hostname:     strings.TrimSpace(req.Hostname),
		NotifyPhones: cleanList(req.NotifyPhones),
		NotifyEmails: cleanList(req.NotifyEmails),
		MinSeverity:  models.ParseSeverity(req.MinSeverity),
		Enabled:      req.Enabled == nil || *req.Enabled,
	}
	if h.Hostname == "" {
		h.Hostname = h.Name
	}
	if id := strings.TrimSpace(req.ExternalHostID); id != "" {
		h.ExternalHostID = &id
	}
	return h
}

func cleanList(in []string) datatypes.JSONSlice[string] {
	out := make(datatypes.JSONSlice[string], 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

const redacted = "******"

// RedactConfig 返回隐藏了密码和令牌的配置副本
func RedactConfig(cfg *config.Config) config.Config {
	out := *cfg
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.Database.Password)
	mask(&out.Elasticsearch.Password)
	mask(&out.Redis.Password)
	mask(&out.Notify.SMS.AuthToken)
	mask(&out.Notify.Email.Password)
	mask(&out.Zabbix.WebhookToken)
	return out
}
