package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config는 전체 애플리케이션 설정을 담는 구조체
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	ZoneMinder ZoneMinderConfig `yaml:"zoneminder"`
	Export     ExportConfig     `yaml:"export"`
	Sync       SyncConfig       `yaml:"sync"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ServerConfig struct {
	HTTPPort      int    `yaml:"http_port"`
	Production    bool   `yaml:"production"`
	PublicBaseURL string `yaml:"public_base_url"`
	ReadTimeout   int    `yaml:"read_timeout"`  // 초
	WriteTimeout  int    `yaml:"write_timeout"` // 초, 0이면 무제한 (스트리밍 export)
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ZoneMinderConfig struct {
	RequestTimeout  int `yaml:"request_timeout"`  // 초
	DownloadTimeout int `yaml:"download_timeout"` // 초
	CredentialTTL   int `yaml:"credential_ttl"`   // 초, 0이면 만료 없음
}

type ExportConfig struct {
	Sink                   string `yaml:"sink"` // stream 또는 buffer
	MaxConcurrentDownloads int    `yaml:"max_concurrent_downloads"`
	SpoolDir               string `yaml:"spool_dir"`
	IncludeManifest        bool   `yaml:"include_manifest"`
	Timezone               string `yaml:"timezone"`
}

type SyncConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"` // 초
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const (
	SinkStream = "stream"
	SinkBuffer = "buffer"
)

// DefaultConfig는 기본값이 채워진 설정을 반환합니다
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:      8080,
			PublicBaseURL: "http://localhost:8080",
			ReadTimeout:   15,
		},
		Database: DatabaseConfig{
			Path: "data/zmexport.db",
		},
		ZoneMinder: ZoneMinderConfig{
			RequestTimeout:  30,
			DownloadTimeout: 600,
		},
		Export: ExportConfig{
			Sink:                   SinkStream,
			MaxConcurrentDownloads: 8,
			Timezone:               "Local",
		},
		Sync: SyncConfig{
			Enabled:  true,
			Interval: 3600,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "console",
			FilePath:   "logs/zmexport.log",
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig는 YAML 파일에서 설정을 로드합니다
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig는 YAML 바이트를 기본값 위에 덮어써서 파싱합니다
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// Validate는 설정값의 유효성을 검증합니다
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path must be set")
	}

	if c.ZoneMinder.RequestTimeout <= 0 || c.ZoneMinder.DownloadTimeout <= 0 {
		return fmt.Errorf("zoneminder timeouts must be positive")
	}

	if c.ZoneMinder.CredentialTTL < 0 {
		return fmt.Errorf("credential_ttl must not be negative")
	}

	if c.Export.Sink != SinkStream && c.Export.Sink != SinkBuffer {
		return fmt.Errorf("invalid export sink: %q", c.Export.Sink)
	}

	if c.Export.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("max_concurrent_downloads must be positive")
	}

	if _, err := c.Export.Location(); err != nil {
		return fmt.Errorf("invalid export timezone: %w", err)
	}

	if c.Sync.Enabled && c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}

	return nil
}

// Location은 오프셋 없는 타임스탬프를 해석할 시간대를 반환합니다
func (e ExportConfig) Location() (*time.Location, error) {
	switch e.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	default:
		return time.LoadLocation(e.Timezone)
	}
}

func (z ZoneMinderConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(z.RequestTimeout) * time.Second
}

func (z ZoneMinderConfig) DownloadTimeoutDuration() time.Duration {
	return time.Duration(z.DownloadTimeout) * time.Second
}

func (z ZoneMinderConfig) CredentialTTLDuration() time.Duration {
	return time.Duration(z.CredentialTTL) * time.Second
}

func (s SyncConfig) IntervalDuration() time.Duration {
	return time.Duration(s.Interval) * time.Second
}
