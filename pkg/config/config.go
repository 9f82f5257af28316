// Package config layers apiline settings: command-line flags, APILINE_*
// environment variables, an optional YAML config file and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ormasoftchile/apiline/pkg/logging"
	"github.com/ormasoftchile/apiline/pkg/session"
	"github.com/ormasoftchile/apiline/pkg/watch"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name used for config files.
	AppName = "apiline"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "APILINE"

	DefaultBaseURL = "http://localhost:8080"
)

// Config holds the application configuration.
type Config struct {
	// Core settings
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Session settings
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	StartFrom   int           `mapstructure:"start_from"` // 1-based
	Timeout     time.Duration `mapstructure:"timeout"`
	Unresolved  string        `mapstructure:"unresolved"` // warn, abort
	AutoConfirm bool          `mapstructure:"auto_confirm"`
	TokenVars   []string      `mapstructure:"token_vars"`
	APIKeyVar   string        `mapstructure:"api_key_var"`

	// Hot reload settings
	Watch        string        `mapstructure:"watch"` // notify, poll, off
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")
	v.SetDefault("log_file", "")

	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("api_key", "")
	v.SetDefault("start_from", 1)
	v.SetDefault("timeout", "30s")
	v.SetDefault("unresolved", string(session.UnresolvedWarn))
	v.SetDefault("auto_confirm", false)
	v.SetDefault("token_vars", []string{"jwt", "jwt_token"})
	v.SetDefault("api_key_var", "api_key")

	v.SetDefault("watch", string(watch.ModeNotify))
	v.SetDefault("poll_interval", watch.DefaultPollInterval.String())
}

// Load reads the configuration from v. Flags must already be bound. An
// explicit cfgFile must exist; without one, ./apiline.yaml is used if
// present.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option values.
func (c *Config) Validate() error {
	var errs []error
	if c.StartFrom < 1 {
		errs = append(errs, fmt.Errorf("start_from must be 1 or greater, got %d", c.StartFrom))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if _, err := session.ParseUnresolvedPolicy(c.Unresolved); err != nil {
		errs = append(errs, err)
	}
	if _, err := watch.ParseMode(c.Watch); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "human" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be human or json, got %q", c.LogFormat))
	}
	if len(c.TokenVars) == 0 {
		errs = append(errs, errors.New("token_vars must name at least one variable"))
	}
	return errors.Join(errs...)
}

// Options converts the configuration into the session bundle.
func (c *Config) Options() session.Options {
	policy, _ := session.ParseUnresolvedPolicy(c.Unresolved)
	return session.Options{
		BaseURL:       c.BaseURL,
		StartFrom:     c.StartFrom - 1,
		DefaultAPIKey: c.APIKey,
		APIKeyVar:     c.APIKeyVar,
		TokenVars:     c.TokenVars,
		Timeout:       c.Timeout,
		Unresolved:    policy,
	}
}

// WatchOptions converts the hot reload settings.
func (c *Config) WatchOptions() watch.Options {
	mode, _ := watch.ParseMode(c.Watch)
	return watch.Options{Mode: mode, PollInterval: c.PollInterval}
}

// Logging converts the logging settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Debug: c.Debug, LogFormat: c.LogFormat, LogFile: c.LogFile}
}
