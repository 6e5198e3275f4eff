// Package config provides configuration management for iotcli.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrConfigNotFound indicates no usable config file was found.
var ErrConfigNotFound = errors.New("config not found")

// Config matches the structure of iotcli.json
type Config struct {
	CA      CAConfig      `json:"ca" yaml:"ca" mapstructure:"ca"`
	Sync    SyncConfig    `json:"sync" yaml:"sync" mapstructure:"sync"`
	Session SessionConfig `json:"session" yaml:"session" mapstructure:"session"`
	Clock   ClockConfig   `json:"clock" yaml:"clock" mapstructure:"clock"`
	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// CAConfig is the RPC endpoint of the CA, also used for long-polling.
type CAConfig struct {
	URL            string `json:"url" yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Proxy          string `json:"proxy" yaml:"proxy" mapstructure:"proxy" validate:"omitempty,url"`
	MaxRetries     int64  `json:"maxRetries" yaml:"maxRetries" mapstructure:"maxRetries" validate:"gte=1"`
	RetryTimeoutMs int64  `json:"retryTimeoutMs" yaml:"retryTimeoutMs" mapstructure:"retryTimeoutMs" validate:"gte=1"`
	PullIntervalMs int64  `json:"pullIntervalMs" yaml:"pullIntervalMs" mapstructure:"pullIntervalMs" validate:"gte=0"`
}

// RetryTimeout is the delay between attempts of one call.
func (c CAConfig) RetryTimeout() time.Duration {
	return time.Duration(c.RetryTimeoutMs) * time.Millisecond
}

// PullInterval is the minimum spacing between long-poll calls.
func (c CAConfig) PullInterval() time.Duration {
	return time.Duration(c.PullIntervalMs) * time.Millisecond
}

// SyncConfig is the endpoint the main loop reconciles views with.
type SyncConfig struct {
	URL        string `json:"url" yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Proxy      string `json:"proxy" yaml:"proxy" mapstructure:"proxy" validate:"omitempty,url"`
	IntervalMs int64  `json:"intervalMs" yaml:"intervalMs" mapstructure:"intervalMs" validate:"gte=1"`
}

// Interval is the time between main loop ticks.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// SessionConfig identifies the device towards its CA.
type SessionConfig struct {
	To         string `json:"to" yaml:"to" mapstructure:"to"`
	From       string `json:"from" yaml:"from" mapstructure:"from"`
	SessionID  string `json:"sessionId" yaml:"sessionId" mapstructure:"sessionId"`
	Token      string `json:"token" yaml:"token" mapstructure:"token"`
	PullMethod string `json:"pullMethod" yaml:"pullMethod" mapstructure:"pullMethod"`
}

type ClockConfig struct {
	Smooth   float64 `json:"smooth" yaml:"smooth" mapstructure:"smooth" validate:"gt=0,lte=1"`
	MaxRTTMs int64   `json:"maxRTTMs" yaml:"maxRTTMs" mapstructure:"maxRTTMs" validate:"gte=1"`
}

// MaxRTT is the round trip above which clock samples are discarded.
func (c ClockConfig) MaxRTT() time.Duration {
	return time.Duration(c.MaxRTTMs) * time.Millisecond
}

type LoggingConfig struct {
	Level   string `json:"level" yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Console bool   `json:"console" yaml:"console" mapstructure:"console"`
}

// StateDir returns the iotcli state directory path.
// Can be overridden via IOTCLI_STATE_DIR environment variable.
// Default: ~/.iotcli
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("IOTCLI_STATE_DIR")); override != "" {
		return expandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".iotcli"
	}
	return filepath.Join(home, ".iotcli")
}

// ConfigPath returns the default config file path.
// Can be overridden via IOTCLI_CONFIG_PATH environment variable.
// Default: ~/.iotcli/iotcli.json
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("IOTCLI_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "iotcli.json")
}

// ExtrasPath returns the optional device-local overrides file, merged on
// top of the main config. Handy to keep secrets such as the session token
// out of a shared config file.
// Can be overridden via IOTCLI_EXTRAS_PATH environment variable.
// Default: ~/.iotcli/iotcli.extras.json
func ExtrasPath() string {
	if override := strings.TrimSpace(os.Getenv("IOTCLI_EXTRAS_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "iotcli.extras.json")
}

// LockPath returns the lock file held by a running device loop.
func LockPath() string {
	return filepath.Join(StateDir(), "iotcli-run.lock")
}

// expandPath expands ~ to home directory and resolves the path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the configuration into a Viper instance. A missing config
// file is reported as ErrConfigNotFound together with a usable instance
// holding defaults and environment overrides.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath := strings.TrimSpace(os.Getenv("IOTCLI_CONFIG_PATH")); configPath != "" {
		expandedPath := expandPath(configPath)
		fileInfo, err := os.Stat(expandedPath)
		if err == nil && fileInfo.IsDir() {
			v.SetConfigName("iotcli")
			v.AddConfigPath(expandedPath)
		} else {
			v.SetConfigFile(expandedPath)
		}
	} else {
		v.SetConfigName("iotcli")
		v.SetConfigType("json")
		v.AddConfigPath(StateDir())
	}

	// Env vars - use IOTCLI_ prefix, e.g. IOTCLI_SYNC_URL
	v.SetEnvPrefix("IOTCLI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var notFound error
	if err := v.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if !errors.As(err, &missing) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		notFound = ErrConfigNotFound
	}

	if extrasPath := ExtrasPath(); extrasPath != "" {
		if _, err := os.Stat(extrasPath); err == nil {
			v.SetConfigFile(extrasPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("extras config: %w", err)
			}
		}
	}

	return v, notFound
}

// Load reads the configuration from file and environment variables. Without
// a config file the configuration is still usable as long as an endpoint is
// set through the environment.
func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}
	missing := err != nil

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if missing && cfg.CA.URL == "" && cfg.Sync.URL == "" {
		return nil, ErrConfigNotFound
	}

	expandEnvVars(&cfg)

	return &cfg, nil
}

// setDefaults sets default configuration values. Every key gets one so that
// environment variables are picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("ca.url", "")
	v.SetDefault("ca.proxy", "")
	v.SetDefault("ca.maxRetries", int64(10000000000))
	v.SetDefault("ca.retryTimeoutMs", 1000)
	v.SetDefault("ca.pullIntervalMs", 0)

	v.SetDefault("sync.url", "")
	v.SetDefault("sync.proxy", "")
	v.SetDefault("sync.intervalMs", 1000)

	v.SetDefault("session.to", "")
	v.SetDefault("session.from", "")
	v.SetDefault("session.sessionId", "default")
	v.SetDefault("session.token", "")
	v.SetDefault("session.pullMethod", "pull")

	v.SetDefault("clock.smooth", 1.0)
	v.SetDefault("clock.maxRTTMs", 300)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", false)
}

// expandEnvVars expands environment variables in the config.
func expandEnvVars(cfg *Config) {
	cfg.Session.Token = os.ExpandEnv(cfg.Session.Token)
	cfg.CA.Proxy = os.ExpandEnv(cfg.CA.Proxy)
	cfg.Sync.Proxy = os.ExpandEnv(cfg.Sync.Proxy)
}

// Save saves the configuration to the config file.
// Uses ConfigPath() for consistency with Load() - defaults to ~/.iotcli/iotcli.json
// Only JSON format is supported.
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

var validate = validator.New()

// Validate checks the config for invalid values and missing endpoints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if c.CA.URL == "" && c.Sync.URL == "" {
		return fmt.Errorf("one of ca.url or sync.url is required")
	}
	return nil
}

// RequireCA checks the settings needed to call the CA.
func (c *Config) RequireCA() error {
	if c.CA.URL == "" {
		return fmt.Errorf("ca.url is required")
	}
	if c.Session.To == "" || c.Session.From == "" {
		return fmt.Errorf("session.to and session.from are required")
	}
	return nil
}

// RequireSync checks the settings needed to run the main loop.
func (c *Config) RequireSync() error {
	if c.Sync.URL == "" {
		return fmt.Errorf("sync.url is required")
	}
	return nil
}
