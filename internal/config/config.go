// Package config provides configuration loading for the trust gateway.
//
// Values come from an optional trustgate.yaml plus environment variables.
// The well-known variables (PORT, HOST, LOG_LEVEL, CORS_ORIGIN,
// DATABASE_URL, ENCRYPTION_KEY_PATH) are bound without a prefix so the
// gateway drops into existing deployments unchanged.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Provider configures one OAuth provider integration.
type Provider struct {
	// Name is the short name used in /oauth/{provider} paths.
	Name string `mapstructure:"name" validate:"required"`
	// PluginID is the reverse-DNS plugin the provider's accounts belong to.
	PluginID     string   `mapstructure:"plugin_id" validate:"required"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	IdentityURL  string   `mapstructure:"identity_url"`
	APIBaseURL   string   `mapstructure:"api_base_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// Audit configures the async audit writer.
type Audit struct {
	ChannelSize   int           `mapstructure:"channel_size" validate:"min=1"`
	BatchSize     int           `mapstructure:"batch_size" validate:"min=1"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// RetentionDays of 0 keeps entries forever.
	RetentionDays int `mapstructure:"retention_days" validate:"min=0"`
}

// Config is the full gateway configuration.
type Config struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	CORSOrigin        string `mapstructure:"cors_origin"`
	DatabaseURL       string `mapstructure:"database_url" validate:"required"`
	EncryptionKeyPath string `mapstructure:"encryption_key_path" validate:"required"`

	// AdminAPIKeyHash is the argon2id hash guarding non-loopback management
	// requests. Empty restricts management to localhost.
	AdminAPIKeyHash string `mapstructure:"admin_api_key_hash"`

	// PolicySeedPath optionally points at a YAML file of rules loaded into
	// an empty policy store on first start.
	PolicySeedPath string `mapstructure:"policy_seed_path"`

	Audit     Audit      `mapstructure:"audit"`
	Providers []Provider `mapstructure:"providers" validate:"dive"`
}

// setDefaults registers every default value.
func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "trustgate.db")
	v.SetDefault("encryption_key_path", ".trustgate/master.key")
	v.SetDefault("audit.channel_size", 1000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", time.Second)
	v.SetDefault("audit.retention_days", 0)
}

// Load reads configuration from the given file (optional) and environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Bind the flat spec-level variables explicitly; AutomaticEnv only
	// resolves keys it has seen.
	for _, key := range []string{
		"host", "port", "log_level", "cors_origin",
		"database_url", "encryption_key_path",
		"admin_api_key_hash", "policy_seed_path",
	} {
		_ = v.BindEnv(key)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("trustgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.trustgate")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogLevel maps the configured level to slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
