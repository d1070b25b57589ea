package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ServerConfig holds the relay settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed-origins"`
	RedisAddr       string        `mapstructure:"redis-addr"`
	RedisPrefix     string        `mapstructure:"redis-prefix"`
	LogLevel        string        `mapstructure:"log-level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

// DefaultServerConfig returns the relay defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            ":8080",
		RedisPrefix:     "warpcall",
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
	}
}

// AddServerFlags registers the relay flags with their default values.
func AddServerFlags(fs *pflag.FlagSet) {
	d := DefaultServerConfig()
	fs.String("addr", d.Addr, "Listen address for HTTP and websocket traffic")
	fs.StringSlice("allowed-origins", d.AllowedOrigins, "Browser origins allowed to open websockets (empty allows all)")
	fs.String("redis-addr", d.RedisAddr, "Redis address for the room presence mirror (empty keeps it in memory)")
	fs.String("redis-prefix", d.RedisPrefix, "Key prefix for presence entries in Redis")
	fs.String("log-level", d.LogLevel, "debug, info, warn, error")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "Grace period for in-flight HTTP requests on shutdown")
	fs.String("config", "", "Optional config file (yaml, toml or json)")
}

// LoadServer resolves the relay config from flags, WARPCALL_* environment
// variables and an optional config file, in that order of precedence.
func LoadServer(v *viper.Viper, fs *pflag.FlagSet) (*ServerConfig, error) {
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix("WARPCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultServerConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot start with.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown-timeout must be positive")
	}
	return nil
}
