// Package config loads the application configuration from a YAML file with
// environment variable overrides for connection strings and secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration lets intervals be written as "10m" or "1h" in the config file.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`

	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	ESI      ESIConfig      `yaml:"esi"`
	SSO      SSOConfig      `yaml:"sso"`
	Jobs     JobsConfig     `yaml:"jobs"`
}

type PostgresConfig struct {
	DSN          string   `yaml:"dsn"`
	QueryTimeout Duration `yaml:"query_timeout"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	MaxIdleConns int      `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

type ESIConfig struct {
	BaseURL   string   `yaml:"base_url"`
	UserAgent string   `yaml:"user_agent"`
	Timeout   Duration `yaml:"timeout"`
	RPS       float64  `yaml:"rps"`
	Burst     int      `yaml:"burst"`
}

// SSOConfig carries the application's OAuth2 registration. The client id and
// secret are never written to the config file; they come from the
// environment.
type SSOConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
}

// JobsConfig sets the scheduler intervals and the per-principal journal
// throttle.
type JobsConfig struct {
	Wallets         Duration `yaml:"wallets"`
	Corporations    Duration `yaml:"corporations"`
	PublicInfo      Duration `yaml:"public_info"`
	Stats           Duration `yaml:"stats"`
	JournalInterval Duration `yaml:"journal_interval"`
}

// Load reads path when it exists, applies environment overrides, and fills
// defaults. A missing file is not an error; the environment plus defaults
// can carry a full configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SSO_CLIENT_ID"); v != "" {
		cfg.SSO.ClientID = v
	}
	if v := os.Getenv("SSO_CLIENT_SECRET"); v != "" {
		cfg.SSO.ClientSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.Postgres.QueryTimeout == 0 {
		cfg.Postgres.QueryTimeout = Duration(30 * time.Second)
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 10
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.ESI.BaseURL == "" {
		cfg.ESI.BaseURL = "https://esi.evetech.net/latest"
	}
	if cfg.ESI.UserAgent == "" {
		cfg.ESI.UserAgent = "howpoorru"
	}
	if cfg.ESI.Timeout == 0 {
		cfg.ESI.Timeout = Duration(30 * time.Second)
	}
	if cfg.ESI.RPS == 0 {
		cfg.ESI.RPS = 20
	}
	if cfg.ESI.Burst == 0 {
		cfg.ESI.Burst = 40
	}
	if cfg.SSO.TokenURL == "" {
		cfg.SSO.TokenURL = "https://login.eveonline.com/v2/oauth/token"
	}
	if cfg.Jobs.Wallets == 0 {
		cfg.Jobs.Wallets = Duration(10 * time.Minute)
	}
	if cfg.Jobs.Corporations == 0 {
		cfg.Jobs.Corporations = Duration(10 * time.Minute)
	}
	if cfg.Jobs.PublicInfo == 0 {
		cfg.Jobs.PublicInfo = Duration(12 * time.Hour)
	}
	if cfg.Jobs.Stats == 0 {
		cfg.Jobs.Stats = Duration(15 * time.Minute)
	}
	if cfg.Jobs.JournalInterval == 0 {
		cfg.Jobs.JournalInterval = Duration(time.Hour)
	}
}
