package config

import (
	"github.com/openclaw/clawproxy/pkg/policy"
)

// Config represents the persisted clawproxy configuration. The file is
// owned by the external configuration layer; the daemon only reads it
// (and rewrites it from the configure command).
type Config struct {
	// Proxy is the agent-facing listener
	Proxy ProxyConfig `json:"proxy" mapstructure:"proxy"`

	// Gateway is the subscriber-facing listener (UI websocket, run
	// queries, health, metrics)
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// ActiveProvider and ActiveModel are the operator-pinned pair
	// forced onto every outbound request
	ActiveProvider string `json:"active_provider" mapstructure:"active_provider"`
	ActiveModel    string `json:"active_model" mapstructure:"active_model"`

	// Providers holds one profile per upstream provider
	Providers map[string]ProviderProfile `json:"providers" mapstructure:"providers"`

	// Permissions is the command execution policy
	Permissions PermissionsConfig `json:"permissions" mapstructure:"permissions"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Audit log file path
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`

	// Retention for run records
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`

	// Data directory (database, encryption key, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProxyConfig holds the agent-facing listener configuration
type ProxyConfig struct {
	Host        string `json:"host" mapstructure:"host"`
	Port        int    `json:"port" mapstructure:"port"`
	IdleTimeout int    `json:"idle_timeout" mapstructure:"idle_timeout"` // seconds without upstream activity
	ExecTimeout int    `json:"exec_timeout" mapstructure:"exec_timeout"` // seconds per command execution

	// Circuit breaker: consecutive upstream errors before tripping and
	// cooldown seconds while tripped
	BreakerThreshold int `json:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  int `json:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// GatewayConfig holds the subscriber-facing listener configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ProviderProfile is the configuration for one upstream provider. The
// API key is stored sealed; see pkg/secrets.
type ProviderProfile struct {
	BaseURL    string `json:"base_url" mapstructure:"base_url"`
	AuthHeader string `json:"auth_header" mapstructure:"auth_header"`
	AuthPrefix string `json:"auth_prefix" mapstructure:"auth_prefix"`
	APIKey     string `json:"api_key" mapstructure:"api_key"`
}

// PermissionsConfig is the command execution allow-list and sudo gate
type PermissionsConfig struct {
	AllowSudo bool          `json:"allow_sudo" mapstructure:"allow_sudo"`
	Rules     []policy.Rule `json:"rules" mapstructure:"rules"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// RetentionConfig controls automatic pruning of old run records
type RetentionConfig struct {
	RunDays  int    `json:"run_days" mapstructure:"run_days"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Host:             "127.0.0.1",
			Port:             8877,
			IdleTimeout:      120,
			ExecTimeout:      300,
			BreakerThreshold: 5,
			BreakerCooldown:  30,
		},
		Gateway: GatewayConfig{
			Port: 8878,
		},
		ActiveProvider: "openai",
		Providers: map[string]ProviderProfile{
			"openai": {
				BaseURL:    "https://api.openai.com",
				AuthHeader: "Authorization",
				AuthPrefix: "Bearer ",
			},
		},
		Permissions: PermissionsConfig{
			AllowSudo: false,
			Rules: []policy.Rule{
				{Command: "git", Subcommand: "status"},
				{Command: "ls"},
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Retention: RetentionConfig{
			RunDays:  30,
			Schedule: "0 3 * * *",
		},
	}
}
