// Package config loads Forge's configuration: a viper.Viper-backed
// Loader layering a default YAML, an optional config file, and
// FORGE_-prefixed environment variables, decoded into a typed Config
// via mapstructure.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	LLM       LLMConfig       `mapstructure:"llm"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	CSRF      CSRFConfig      `mapstructure:"csrf"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string   `mapstructure:"addr"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StorageConfig locates the per-agent and process-wide databases
// (workspace, conversation, and application/AppService stores).
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// SandboxConfig configures the local sandbox provider.
type SandboxConfig struct {
	BaseDir         string `mapstructure:"base_dir"`
	TemplateName    string `mapstructure:"template_name"`
	DefaultPort     int    `mapstructure:"default_port"`
}

// LLMConfig configures the opaque LLM provider collaborator.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKeyEnv   string  `mapstructure:"api_key_env"`
	Temperature float64 `mapstructure:"temperature"`
}

// GitHubConfig configures the GitHub App credentials used by the export
// pipeline.
type GitHubConfig struct {
	AppID          int64  `mapstructure:"app_id"`
	InstallationID int64  `mapstructure:"installation_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	DefaultBranch  string `mapstructure:"default_branch"`
}

// RateLimitConfig configures the global and per-agent sliding-window
// limits.
type RateLimitConfig struct {
	GlobalLimit  int           `mapstructure:"global_limit"`
	GlobalPeriod time.Duration `mapstructure:"global_period"`
	AgentLimit   int           `mapstructure:"agent_limit"`
	AgentPeriod  time.Duration `mapstructure:"agent_period"`
}

// CSRFConfig configures the double-submit-cookie CSRF middleware.
type CSRFConfig struct {
	CookieName string        `mapstructure:"cookie_name"`
	HeaderName string        `mapstructure:"header_name"`
	TTL        time.Duration `mapstructure:"ttl"`
}
