package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Logger        LoggerConfig        `yaml:"logger"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Redis         RedisConfig         `yaml:"redis"`
	Alert         AlertConfig         `yaml:"alert"`
	Notify        NotifyConfig        `yaml:"notify"`
	Zabbix        ZabbixConfig        `yaml:"zabbix"`
}

type ServerConfig struct {
	HTTPPort int    `yaml:"http_port"`
	GRPCPort int    `yaml:"grpc_port"`
	Host     string `yaml:"host"`
	// 每个客户端 IP 的限流
	RateLimit float64 `yaml:"rate_limit"` // requests per second
	RateBurst int     `yaml:"rate_burst"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	LogLevel string `yaml:"log_level"` // silent, error, warn, info
}

// SchedulerConfig 定时巡检配置
type SchedulerConfig struct {
	TickSeconds    int `yaml:"tick_seconds"` // how often the due-check sweep runs
	Workers        int `yaml:"workers"`      // 1 = sequential
	LockTTLSeconds int `yaml:"lock_ttl_seconds"`
}

type MonitorConfig struct {
	DNSServer string `yaml:"dns_server"` // optional resolver for ping/tcp targets, e.g. 1.1.1.1:53
	LogDir    string `yaml:"log_dir"`    // JSONL check logs, empty disables
}

type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Output string `yaml:"output"` // stdout, stderr, or file path
}

type ElasticsearchConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addresses   []string `yaml:"addresses"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	IndexPrefix string   `yaml:"index_prefix"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type AlertConfig struct {
	Enabled        bool `yaml:"enabled"`      // 是否发送通知
	SendTimeoutSec int  `yaml:"send_timeout"` // 单次发送超时（秒）
}

type NotifyConfig struct {
	SMS   SMSConfig   `yaml:"sms"`
	Email EmailConfig `yaml:"email"`
}

// SMSConfig Twilio 短信配置
type SMSConfig struct {
	Enabled    bool    `yaml:"enabled"`
	AccountSID string  `yaml:"account_sid"`
	AuthToken  string  `yaml:"auth_token"`
	From       string  `yaml:"from"`
	RateLimit  float64 `yaml:"rate_limit"` // messages per second
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type ZabbixConfig struct {
	WebhookToken       string `yaml:"webhook_token"`
	SingleHostFallback bool   `yaml:"single_host_fallback"`
}

// LoadFromFile 从文件加载配置
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// 未出现在文件中的布尔开关沿用默认值
	config := Config{
		Alert:  AlertConfig{Enabled: true},
		Zabbix: ZabbixConfig{SingleHostFallback: true},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&config)

	return &config, nil
}

// Load 从环境变量加载配置
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:  getEnvInt("HTTP_PORT", 8080),
			GRPCPort:  getEnvInt("GRPC_PORT", 9090),
			Host:      getEnv("HOST", "0.0.0.0"),
			RateLimit: getEnvFloat("HTTP_RATE_LIMIT", 100),
			RateBurst: getEnvInt("HTTP_RATE_BURST", 200),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "root"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "uptime.db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Scheduler: SchedulerConfig{
			TickSeconds:    getEnvInt("SCHEDULER_TICK", 60),
			Workers:        getEnvInt("SCHEDULER_WORKERS", 10),
			LockTTLSeconds: getEnvInt("SCHEDULER_LOCK_TTL", 120),
		},
		Monitor: MonitorConfig{
			DNSServer: getEnv("MONITOR_DNS_SERVER", ""),
			LogDir:    getEnv("MONITOR_LOG_DIR", "logs"),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:     getEnvBool("ES_ENABLED", false),
			Addresses:   getEnvSlice("ES_ADDRESSES", []string{"http://localhost:9200"}),
			Username:    getEnv("ES_USERNAME", ""),
			Password:    getEnv("ES_PASSWORD", ""),
			IndexPrefix: getEnv("ES_INDEX_PREFIX", "uptime-checks"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Alert: AlertConfig{
			Enabled:        getEnvBool("ALERT_ENABLED", true),
			SendTimeoutSec: getEnvInt("ALERT_SEND_TIMEOUT", 15),
		},
		Notify: NotifyConfig{
			SMS: SMSConfig{
				Enabled:    getEnvBool("TWILIO_ENABLED", false),
				AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
				AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
				From:       getEnv("TWILIO_FROM", ""),
				RateLimit:  getEnvFloat("TWILIO_RATE_LIMIT", 1),
			},
			Email: EmailConfig{
				Enabled:  getEnvBool("SMTP_ENABLED", false),
				SMTPHost: getEnv("SMTP_HOST", ""),
				SMTPPort: getEnvInt("SMTP_PORT", 587),
				Username: getEnv("SMTP_USERNAME", ""),
				Password: getEnv("SMTP_PASSWORD", ""),
				From:     getEnv("SMTP_FROM", ""),
			},
		},
		Zabbix: ZabbixConfig{
			WebhookToken:       getEnv("ZABBIX_WEBHOOK_TOKEN", ""),
			SingleHostFallback: getEnvBool("ZABBIX_SINGLE_HOST_FALLBACK", true),
		},
	}
	setDefaults(cfg)
	return cfg
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 9090
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.RateLimit == 0 {
		config.Server.RateLimit = 100
	}
	if config.Server.RateBurst == 0 {
		config.Server.RateBurst = 200
	}
	if config.Database.Driver == "" {
		config.Database.Driver = "sqlite"
	}
	if config.Database.DBName == "" {
		config.Database.DBName = "uptime.db"
	}
	if config.Database.LogLevel == "" {
		config.Database.LogLevel = "warn"
	}
	if config.Scheduler.TickSeconds == 0 {
		config.Scheduler.TickSeconds = 60
	}
	if config.Scheduler.Workers == 0 {
		config.Scheduler.Workers = 10
	}
	if config.Scheduler.LockTTLSeconds == 0 {
		config.Scheduler.LockTTLSeconds = 120
	}
	if config.Logger.Level == "" {
		config.Logger.Level = "info"
	}
	if config.Logger.Output == "" {
		config.Logger.Output = "stdout"
	}
	if config.Elasticsearch.IndexPrefix == "" {
		config.Elasticsearch.IndexPrefix = "uptime-checks"
	}
	if config.Redis.Port == 0 {
		config.Redis.Port = 6379
	}
	if config.Redis.PoolSize == 0 {
		config.Redis.PoolSize = 10
	}
	if config.Alert.SendTimeoutSec == 0 {
		config.Alert.SendTimeoutSec = 15
	}
	if config.Notify.SMS.RateLimit == 0 {
		config.Notify.SMS.RateLimit = 1
	}
	if config.Notify.Email.SMTPPort == 0 {
		config.Notify.Email.SMTPPort = 587
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		var intVal int
		if _, err := fmt.Sscanf(val, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		var f float64
		if _, err := fmt.Sscanf(val, "%g", &f); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		return false
	}
	return defaultVal
}

func getEnvSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		if result := splitAndTrim(val, ","); len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// splitAndTrim 分割字符串并去除空白
func splitAndTrim(s, sep string) []string {
	var result []string
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort < 1 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	// 验证数据库配置
	validDrivers := map[string]bool{
		"sqlite":   true,
		"mysql":    true,
		"postgres": true,
	}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Database.Driver != "sqlite" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty for %s", c.Database.Driver)
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user cannot be empty for %s", c.Database.Driver)
		}
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}

	// 验证巡检配置
	if c.Scheduler.TickSeconds < 1 {
		return fmt.Errorf("scheduler tick must be at least 1 second")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler workers must be at least 1")
	}
	if c.Scheduler.LockTTLSeconds < 1 {
		return fmt.Errorf("scheduler lock ttl must be at least 1 second")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logger.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logger.Level)
	}

	if c.Elasticsearch.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch addresses cannot be empty when enabled")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("redis host cannot be empty when enabled")
	}

	// 验证通知渠道
	if c.Notify.SMS.Enabled {
		if c.Notify.SMS.AccountSID == "" || c.Notify.SMS.AuthToken == "" {
			return fmt.Errorf("twilio account sid and auth token are required when sms is enabled")
		}
		if c.Notify.SMS.From == "" {
			return fmt.Errorf("twilio sender number cannot be empty when sms is enabled")
		}
	}
	if c.Notify.Email.Enabled {
		if c.Notify.Email.SMTPHost == "" {
			return fmt.Errorf("smtp host cannot be empty when email is enabled")
		}
		if c.Notify.Email.From == "" {
			return fmt.Errorf("email sender cannot be empty when email is enabled")
		}
	}
	if c.Alert.SendTimeoutSec < 0 {
		return fmt.Errorf("alert send timeout cannot be negative")
	}

	return nil
}
