package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFileDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8081
database:
  driver: sqlite
  dbname: test.db
notify:
  sms:
    enabled: true
    account_sid: AC123
    auth_token: secret
    from: "+15550000000"
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.HTTPPort != 8081 || cfg.Server.GRPCPort != 9090 {
		t.Fatalf("ports = %d/%d", cfg.Server.HTTPPort, cfg.Server.GRPCPort)
	}
	if cfg.Scheduler.Workers != 10 || cfg.Scheduler.TickSeconds != 60 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.Alert.Enabled {
		t.Fatal("alert.enabled should default to true when absent")
	}
	if !cfg.Zabbix.SingleHostFallback {
		t.Fatal("zabbix.single_host_fallback should default to true when absent")
	}
	if cfg.Notify.SMS.RateLimit != 1 {
		t.Fatalf("sms rate limit = %v", cfg.Notify.SMS.RateLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadFromFileExplicitFalse(t *testing.T) {
	path := writeConfig(t, `
alert:
  enabled: false
zabbix:
  single_host_fallback: false
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alert.Enabled || cfg.Zabbix.SingleHostFallback {
		t.Fatalf("explicit false overridden: alert=%v fallback=%v", cfg.Alert.Enabled, cfg.Zabbix.SingleHostFallback)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
	if _, err := LoadFromFile(writeConfig(t, "server: [oops")); err == nil {
		t.Fatal("broken yaml accepted")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("SCHEDULER_WORKERS", "1")
	t.Setenv("ES_ADDRESSES", "http://a:9200, http://b:9200")
	t.Setenv("ALERT_ENABLED", "no")
	t.Setenv("HTTP_RATE_LIMIT", "2.5")

	cfg := Load()
	if cfg.Server.HTTPPort != 9999 {
		t.Fatalf("http port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Scheduler.Workers != 1 {
		t.Fatalf("workers = %d", cfg.Scheduler.Workers)
	}
	if len(cfg.Elasticsearch.Addresses) != 2 || cfg.Elasticsearch.Addresses[1] != "http://b:9200" {
		t.Fatalf("es addresses = %v", cfg.Elasticsearch.Addresses)
	}
	if cfg.Alert.Enabled {
		t.Fatal("ALERT_ENABLED=no ignored")
	}
	if cfg.Server.RateLimit != 2.5 {
		t.Fatalf("rate limit = %v", cfg.Server.RateLimit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"默认配置", func(*Config) {}, ""},
		{"端口越界", func(c *Config) { c.Server.HTTPPort = 70000 }, "invalid HTTP port"},
		{"未知驱动", func(c *Config) { c.Database.Driver = "oracle" }, "invalid database driver"},
		{"mysql 缺少主机", func(c *Config) { c.Database.Driver = "mysql"; c.Database.Host = "" }, "database host"},
		{"worker 为 0", func(c *Config) { c.Scheduler.Workers = 0 }, "workers"},
		{"日志级别", func(c *Config) { c.Logger.Level = "trace" }, "invalid log level"},
		{"ES 无地址", func(c *Config) { c.Elasticsearch.Enabled = true; c.Elasticsearch.Addresses = nil }, "elasticsearch"},
		{"短信缺少凭据", func(c *Config) { c.Notify.SMS.Enabled = true }, "twilio"},
		{"邮件缺少主机", func(c *Config) { c.Notify.Email.Enabled = true; c.Notify.Email.SMTPHost = "" }, "smtp host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
