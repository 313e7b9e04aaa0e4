package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AgentConfig struct {
	Server   ServerEndpoint `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Cache    CacheConfig    `yaml:"cache"`
	Approval ApprovalConfig `yaml:"approval"`
	Identity IdentityConfig `yaml:"identity"`
	Mount    MountConfig    `yaml:"mount"`
	Events   EventsConfig   `yaml:"events"`
	Notify   NotifyConfig   `yaml:"notify"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerEndpoint struct {
	URL             string `yaml:"url"`
	CAFile          string `yaml:"ca_file"`
	EnrollToken     string `yaml:"enroll_token"`
	EnrollTokenFile string `yaml:"enroll_token_file"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type AuthConfig struct {
	KeyPath          string `yaml:"key_path"`
	AllowKeyRotation bool   `yaml:"allow_key_rotation"`
}

type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_s"`
	MaxEntries int `yaml:"max_entries"`
}

type ApprovalConfig struct {
	// WaitTimeout bounds how long an attach blocks on a pending request.
	WaitTimeout int `yaml:"wait_timeout_s"`
	// AutoMountLate mounts a still-attached device when its approval arrives
	// after the wait timed out.
	AutoMountLate bool `yaml:"auto_mount_late_approval"`
}

type IdentityConfig struct {
	Strategies      []string `yaml:"strategies"`
	StrategyTimeout int      `yaml:"strategy_timeout_ms"`
}

type MountConfig struct {
	BaseDir           string   `yaml:"base_dir"`
	Options           []string `yaml:"options"`
	GraceMs           int      `yaml:"grace_ms"`
	UnmountRetries    int      `yaml:"unmount_retries"`
	UnmountRetryDelay int      `yaml:"unmount_retry_delay_ms"`
}

type EventsConfig struct {
	// Path of the fifo or file the udev helper writes JSON lines to. "-" is stdin.
	Path string `yaml:"path"`
}

type NotifyConfig struct {
	Enable bool `yaml:"enable"`
}

type HealthConfig struct {
	// MaxClockSkew bounds the drift from the server clock tolerated at startup.
	MaxClockSkew int `yaml:"max_clock_skew_s"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultAgentConfig returns a config with sensible defaults
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: ServerEndpoint{
			URL:             "https://localhost:8443",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 3,
		},
		Auth: AuthConfig{
			KeyPath:          "/var/lib/usbgate/agent_key",
			AllowKeyRotation: true,
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
			MaxEntries: 1024,
		},
		Approval: ApprovalConfig{
			WaitTimeout:   120,
			AutoMountLate: true,
		},
		Identity: IdentityConfig{
			Strategies:      []string{"loginctl", "who", "display_server", "proc_environ"},
			StrategyTimeout: 2000,
		},
		Mount: MountConfig{
			BaseDir:           "/media",
			Options:           []string{"rw", "nosuid", "nodev", "noexec"},
			GraceMs:           3000,
			UnmountRetries:    3,
			UnmountRetryDelay: 500,
		},
		Events: EventsConfig{
			Path: "/run/usbgate/events",
		},
		Notify: NotifyConfig{
			Enable: true,
		},
		Health: HealthConfig{
			MaxClockSkew: 60,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// LoadAgent reads config from file with env var overrides
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if url := os.Getenv("USBGATE_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if token := os.Getenv("USBGATE_ENROLL_TOKEN"); token != "" {
		cfg.Server.EnrollToken = token
	}
	if tokenFile := os.Getenv("USBGATE_ENROLL_TOKEN_FILE"); tokenFile != "" {
		cfg.Server.EnrollTokenFile = tokenFile
	}
	if level := os.Getenv("USBGATE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if cfg.Server.EnrollToken == "" && cfg.Server.EnrollTokenFile == "" {
		if defaultPath := defaultTokenPath(path); defaultPath != "" {
			cfg.Server.EnrollTokenFile = defaultPath
		}
	}

	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}

func defaultTokenPath(configPath string) string {
	if configPath == "" {
		return ""
	}
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "enroll.token")
}

// ResolveEnrollToken returns the inline token or the trimmed contents of the
// token file; a missing file yields "".
func (c *AgentConfig) ResolveEnrollToken() (string, error) {
	if c.Server.EnrollToken != "" {
		return c.Server.EnrollToken, nil
	}
	if c.Server.EnrollTokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Server.EnrollTokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") {
		return ErrInsecureServerURL
	}
	if c.Auth.KeyPath == "" {
		return &Error{"auth.key_path is required"}
	}
	if c.Mount.BaseDir == "" || !filepath.IsAbs(c.Mount.BaseDir) {
		return &Error{"mount.base_dir must be an absolute path"}
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 3
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 300
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1024
	}
	if c.Approval.WaitTimeout <= 0 {
		c.Approval.WaitTimeout = 120
	}
	if c.Identity.StrategyTimeout <= 0 {
		c.Identity.StrategyTimeout = 2000
	}
	if len(c.Identity.Strategies) == 0 {
		c.Identity.Strategies = DefaultAgentConfig().Identity.Strategies
	}
	if c.Mount.GraceMs < 0 {
		c.Mount.GraceMs = 0
	}
	if c.Mount.UnmountRetries < 0 {
		c.Mount.UnmountRetries = 0
	}
	if c.Health.MaxClockSkew <= 0 {
		c.Health.MaxClockSkew = 60
	}
	if c.Mount.UnmountRetryDelay <= 0 {
		c.Mount.UnmountRetryDelay = 500
	}
	return nil
}

func (c *AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeout) * time.Second
}

func (c *AgentConfig) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func (c *AgentConfig) WaitTimeout() time.Duration {
	return time.Duration(c.Approval.WaitTimeout) * time.Second
}

var (
	ErrMissingServerURL  = &Error{"server URL is required"}
	ErrInsecureServerURL = &Error{"server URL must be https"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
