package config

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources, layered
// by precedence:
//  1. CLI flags (bound onto the Loader's viper instance by the caller)
//  2. Environment variables (FORGE_*)
//  3. An explicit config file, if set
//  4. DefaultConfigYAML
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
	mu         sync.Mutex
}

// NewLoader creates a Loader seeded with Forge's defaults.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), envPrefix: "FORGE"}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix (default FORGE).
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper exposes the underlying instance for CLI flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads DefaultConfigYAML, merges the optional config file over
// it, merges FORGE_ environment variables over that, and decodes the
// result into a Config.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.SetConfigType("yaml")
	if err := l.v.ReadConfig(bytes.NewBufferString(DefaultConfigYAML)); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	if l.configFile != "" {
		fileViper := viper.New()
		fileViper.SetConfigFile(l.configFile)
		if err := fileViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", l.configFile, err)
		}
		if err := l.v.MergeConfigMap(fileViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config file %s: %w", l.configFile, err)
		}
	}

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}
