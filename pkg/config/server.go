package config

import (
	"os"
	"strings"
	"time"
)

type ServerConfig struct {
	Listen      string        `yaml:"listen"`
	TLS         TLSConfig     `yaml:"tls"`
	Database    DatabaseCfg   `yaml:"database"`
	Admins      []AdminConfig `yaml:"admins"`
	Enrollment  EnrollmentCfg `yaml:"enrollment"`
	RateLimit   RateLimitCfg  `yaml:"rate_limit"`
	Retention   RetentionCfg  `yaml:"retention"`
	Realtime    RealtimeCfg   `yaml:"realtime"`
	Metrics     MetricsCfg    `yaml:"metrics"`
	Tracing     TracingConfig `yaml:"tracing"`
	Logging     LoggingConfig `yaml:"logging"`
	NonceWindow int           `yaml:"nonce_window_s"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseCfg struct {
	Path string `yaml:"path"`
}

// AdminConfig binds a bearer token to an admin identity recorded on resolutions.
type AdminConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

type EnrollmentCfg struct {
	TokenSalt string `yaml:"token_salt"`
}

type RateLimitCfg struct {
	ChecksPerMinute   int `yaml:"checks_per_minute"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type RetentionCfg struct {
	ResolvedDays int `yaml:"resolved_days"`
	PruneEvery   int `yaml:"prune_every_m"`
}

type RealtimeCfg struct {
	SendBuffer     int      `yaml:"send_buffer"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MetricsCfg struct {
	Enable bool `yaml:"enable"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ":8443",
		TLS: TLSConfig{
			CertFile: "/etc/usbgate/tls/server.crt",
			KeyFile:  "/etc/usbgate/tls/server.key",
		},
		Database: DatabaseCfg{Path: "/var/lib/usbgate/usbgate.db"},
		RateLimit: RateLimitCfg{
			ChecksPerMinute:   120,
			RequestsPerMinute: 30,
		},
		Retention: RetentionCfg{
			ResolvedDays: 30,
			PruneEvery:   60,
		},
		Realtime: RealtimeCfg{SendBuffer: 256},
		Metrics:  MetricsCfg{Enable: true},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Logging:     LoggingConfig{Level: "info"},
		NonceWindow: 300,
	}
}

// LoadServer reads the server config file with env var overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	if listen := os.Getenv("USBGATE_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if dbPath := os.Getenv("USBGATE_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if salt := os.Getenv("USBGATE_TOKEN_SALT"); salt != "" {
		cfg.Enrollment.TokenSalt = salt
	}
	if level := os.Getenv("USBGATE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	// USBGATE_ADMIN_TOKEN adds a single bootstrap admin.
	if token := os.Getenv("USBGATE_ADMIN_TOKEN"); token != "" {
		name := os.Getenv("USBGATE_ADMIN_NAME")
		if name == "" {
			name = "admin"
		}
		cfg.Admins = append(cfg.Admins, AdminConfig{Name: name, Token: token})
	}
	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return &Error{"tls.cert_file and tls.key_file are required: the server only serves HTTPS"}
	}
	if c.Database.Path == "" {
		return &Error{"database.path is required"}
	}
	if len(c.Admins) == 0 {
		return &Error{"at least one admin must be configured"}
	}
	seen := make(map[string]bool, len(c.Admins))
	for _, a := range c.Admins {
		if strings.TrimSpace(a.Name) == "" || len(a.Token) < 16 {
			return &Error{"admins need a name and a token of at least 16 characters"}
		}
		if seen[a.Token] {
			return &Error{"admin tokens must be unique"}
		}
		seen[a.Token] = true
	}
	if c.Enrollment.TokenSalt == "" {
		return &Error{"enrollment.token_salt is required"}
	}
	if c.Listen == "" {
		c.Listen = ":8443"
	}
	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = 256
	}
	if c.Retention.PruneEvery <= 0 {
		c.Retention.PruneEvery = 60
	}
	if c.NonceWindow <= 0 {
		c.NonceWindow = 300
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

func (c *ServerConfig) NonceWindowDuration() time.Duration {
	return time.Duration(c.NonceWindow) * time.Second
}

// ResolvedRetention returns zero when pruning is disabled.
func (c *ServerConfig) ResolvedRetention() time.Duration {
	if c.Retention.ResolvedDays <= 0 {
		return 0
	}
	return time.Duration(c.Retention.ResolvedDays) * 24 * time.Hour
}
