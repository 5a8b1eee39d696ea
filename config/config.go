// Package config loads pagespeed configuration from a YAML file in the data
// directory, PAGESPEED_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the data directory.
const FileName = "pagespeed.yaml"

// EnvPrefix prefixes environment overrides, e.g. PAGESPEED_SHOP_ACCESS_TOKEN.
const EnvPrefix = "PAGESPEED"

type Config struct {
	DataDir         string        `mapstructure:"data_dir" yaml:"data_dir"`
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// ScriptTimeout bounds one install/uninstall started from a webhook.
	ScriptTimeout time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
	CORSOrigins   []string      `mapstructure:"cors_origins" yaml:"cors_origins"`

	Shop    ShopConfig    `mapstructure:"shop" yaml:"shop"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Audit   AuditConfig   `mapstructure:"audit" yaml:"audit"`
}

// ShopConfig holds the Admin API credentials of the shop being optimized.
type ShopConfig struct {
	Domain      string        `mapstructure:"domain" yaml:"domain"`
	AccessToken string        `mapstructure:"access_token" yaml:"access_token"`
	APIVersion  string        `mapstructure:"api_version" yaml:"api_version"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format    string `mapstructure:"format" yaml:"format"` // json, text
	AddSource bool   `mapstructure:"add_source" yaml:"add_source"`
}

// AuditConfig controls the periodic check of the injected block.
type AuditConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

func Default() Config {
	return Config{
		DataDir:         ".",
		ListenAddr:      ":3000",
		ShutdownTimeout: 5 * time.Second,
		ScriptTimeout:   time.Minute,
		CORSOrigins:     []string{"*"},
		Shop: ShopConfig{
			APIVersion: "2024-01",
			Timeout:    30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Enabled:  false,
			Schedule: "@every 6h",
		},
	}
}

// SetDefaults registers the keys of Default with v so environment overrides
// apply even when no config file sets the key. data_dir has no default here;
// Load falls back to the directory it searched.
func SetDefaults(v *viper.Viper) {
	def := Default()
	_ = v.BindEnv("data_dir")
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("script_timeout", def.ScriptTimeout)
	v.SetDefault("cors_origins", def.CORSOrigins)

	v.SetDefault("shop.domain", def.Shop.Domain)
	v.SetDefault("shop.access_token", def.Shop.AccessToken)
	v.SetDefault("shop.api_version", def.Shop.APIVersion)
	v.SetDefault("shop.base_url", def.Shop.BaseURL)
	v.SetDefault("shop.timeout", def.Shop.Timeout)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.add_source", def.Logging.AddSource)

	v.SetDefault("audit.enabled", def.Audit.Enabled)
	v.SetDefault("audit.schedule", def.Audit.Schedule)
}

// Load reads <dataDir>/pagespeed.yaml, or configPath when set. A missing
// file in the data directory is not an error; a missing explicit path is.
func Load(dataDir, configPath string) (Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		if dataDir != "" {
			v.AddConfigPath(dataDir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = Default().DataDir
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Audit.Enabled && c.Audit.Schedule == "" {
		return errors.New("audit.schedule is required when audit is enabled")
	}
	return nil
}

// Validate checks the credentials needed for Admin API calls.
func (s ShopConfig) Validate() error {
	if s.Domain == "" && s.BaseURL == "" {
		return errors.New("shop.domain is required")
	}
	if s.AccessToken == "" {
		return errors.New("shop.access_token is required")
	}
	return nil
}

// Path returns where Save writes cfg.
func Path(cfg Config) string {
	return filepath.Join(cfg.DataDir, FileName)
}

// Save writes cfg as YAML into its data directory, replacing any existing
// file atomically.
func Save(cfg Config) error {
	cfgPath := Path(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := cfgPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, cfgPath)
}
