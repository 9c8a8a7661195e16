package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	DTable       DTableConfig       `yaml:"dtable"`
	ScriptRunner ScriptRunnerConfig `yaml:"script_runner"`
	Automation   AutomationConfig   `yaml:"automation"`
	Log          LogConfig          `yaml:"log"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

// ServerConfig 内部运维端口（健康检查 / 状态快照）
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	TimeZone        string        `yaml:"timezone"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN 组装 Postgres 连接串
func (c DatabaseConfig) DSN() string {
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	tz := c.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		c.Host, c.User, c.Password, c.Name, c.Port, ssl, tz)
}

type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DTableConfig 表格服务（dtable-server）访问配置
type DTableConfig struct {
	ServerURL  string        `yaml:"server_url"`
	PrivateKey string        `yaml:"private_key"` // HS256 签名密钥
	Timeout    time.Duration `yaml:"timeout"`
	TimeZone   string        `yaml:"timezone"` // ctime/mtime 渲染时区
}

type ScriptRunnerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AutomationConfig 自动化流水线配置
type AutomationConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Workers             int    `yaml:"workers"`
	QueueSize           int    `yaml:"queue_size"`
	RateLimitWindowSecs int    `yaml:"rate_limit_window_secs"`
	RateLimitPercent    int    `yaml:"rate_limit_percent"`
	PerMinuteBurst      int    `yaml:"per_minute_burst"`
	ScanGraceMinutes    int    `yaml:"scan_grace_minutes"`
	NodeName            string `yaml:"node_name"`
	DefaultUserQuota    int64  `yaml:"default_user_quota"` // <0 表示不限
	DefaultOrgQuota     int64  `yaml:"default_org_quota"`
	CanRunPython        bool   `yaml:"can_run_python"`
	ScriptsRunningLimit int64  `yaml:"scripts_running_limit"` // <0 表示不限
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC 端点
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"` // 缺省使用 "autorules"
}

func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8889,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "autorules",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 5,
		},
		DTable: DTableConfig{
			ServerURL: "http://127.0.0.1:5000",
			Timeout:   30 * time.Second,
			TimeZone:  "UTC",
		},
		ScriptRunner: ScriptRunnerConfig{
			Timeout: 10 * time.Second,
		},
		Automation: AutomationConfig{
			Enabled:             true,
			Workers:             5,
			QueueSize:           1000,
			RateLimitWindowSecs: 300,
			RateLimitPercent:    25,
			PerMinuteBurst:      10,
			ScanGraceMinutes:    10,
			DefaultUserQuota:    -1,
			DefaultOrgQuota:     -1,
			CanRunPython:        true,
			ScriptsRunningLimit: -1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				SampleRatio: 1.0,
				ServiceName: "automation-rules",
			},
		},
	}
}
