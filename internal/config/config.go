package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Meetup struct {
		ArrivalThresholdMeters float64 `yaml:"arrival_threshold_meters"`
		SessionTTLMinutes      int     `yaml:"session_ttl_minutes"`
		CodeTTLMinutes         int     `yaml:"code_ttl_minutes"`
		PINLength              int     `yaml:"pin_length"`
		DefaultMethod          string  `yaml:"default_method"`
	} `yaml:"meetup"`
	Gateway struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxAttempts    int    `yaml:"max_attempts"`
		BackoffMillis  int    `yaml:"backoff_millis"`
	} `yaml:"gateway"`
	Worker struct {
		SweepIntervalSeconds  int `yaml:"sweep_interval_seconds"`
		NotifyIntervalSeconds int `yaml:"notify_interval_seconds"`
		OutboxBatch           int `yaml:"outbox_batch"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.Server.JWTSecret == "" {
		return nil, errors.New("server.jwt_secret is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Gateway.BaseURL == "" {
		return nil, errors.New("gateway.base_url is required")
	}
	if cfg.Meetup.DefaultMethod != "pin" && cfg.Meetup.DefaultMethod != "qr" {
		return nil, errors.New("meetup.default_method must be pin or qr")
	}
	return &cfg, nil
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Meetup.SessionTTLMinutes) * time.Minute
}

func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.Meetup.CodeTTLMinutes) * time.Minute
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

func (c *Config) GatewayBackoff() time.Duration {
	return time.Duration(c.Gateway.BackoffMillis) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Worker.SweepIntervalSeconds) * time.Second
}

func (c *Config) NotifyInterval() time.Duration {
	return time.Duration(c.Worker.NotifyIntervalSeconds) * time.Second
}

func applyDefaults(cfg *Config) {
	if cfg.Meetup.ArrivalThresholdMeters <= 0 {
		cfg.Meetup.ArrivalThresholdMeters = 50
	}
	if cfg.Meetup.SessionTTLMinutes <= 0 {
		cfg.Meetup.SessionTTLMinutes = 60
	}
	if cfg.Meetup.CodeTTLMinutes <= 0 {
		cfg.Meetup.CodeTTLMinutes = 10
	}
	if cfg.Meetup.PINLength <= 0 {
		cfg.Meetup.PINLength = 4
	}
	if cfg.Meetup.DefaultMethod == "" {
		cfg.Meetup.DefaultMethod = "pin"
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = 10
	}
	if cfg.Gateway.MaxAttempts <= 0 {
		cfg.Gateway.MaxAttempts = 3
	}
	if cfg.Gateway.BackoffMillis <= 0 {
		cfg.Gateway.BackoffMillis = 500
	}
	if cfg.Worker.SweepIntervalSeconds <= 0 {
		cfg.Worker.SweepIntervalSeconds = 30
	}
	if cfg.Worker.NotifyIntervalSeconds <= 0 {
		cfg.Worker.NotifyIntervalSeconds = 5
	}
	if cfg.Worker.OutboxBatch <= 0 {
		cfg.Worker.OutboxBatch = 50
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("ARRIVAL_THRESHOLD_METERS"); v != "" {
		cfg.Meetup.ArrivalThresholdMeters = atofOr(cfg.Meetup.ArrivalThresholdMeters, v)
	}
	if v := os.Getenv("SESSION_TTL_MINUTES"); v != "" {
		cfg.Meetup.SessionTTLMinutes = atoiOr(cfg.Meetup.SessionTTLMinutes, v)
	}
	if v := os.Getenv("CODE_TTL_MINUTES"); v != "" {
		cfg.Meetup.CodeTTLMinutes = atoiOr(cfg.Meetup.CodeTTLMinutes, v)
	}
	if v := os.Getenv("PIN_LENGTH"); v != "" {
		cfg.Meetup.PINLength = atoiOr(cfg.Meetup.PINLength, v)
	}
	if v := os.Getenv("VERIFICATION_METHOD"); v != "" {
		cfg.Meetup.DefaultMethod = v
	}
	if v := os.Getenv("GATEWAY_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("GATEWAY_TIMEOUT_SECONDS"); v != "" {
		cfg.Gateway.TimeoutSeconds = atoiOr(cfg.Gateway.TimeoutSeconds, v)
	}
	if v := os.Getenv("GATEWAY_MAX_ATTEMPTS"); v != "" {
		cfg.Gateway.MaxAttempts = atoiOr(cfg.Gateway.MaxAttempts, v)
	}
	if v := os.Getenv("GATEWAY_BACKOFF_MILLIS"); v != "" {
		cfg.Gateway.BackoffMillis = atoiOr(cfg.Gateway.BackoffMillis, v)
	}
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.SweepIntervalSeconds = atoiOr(cfg.Worker.SweepIntervalSeconds, v)
	}
	if v := os.Getenv("NOTIFY_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.NotifyIntervalSeconds = atoiOr(cfg.Worker.NotifyIntervalSeconds, v)
	}
	if v := os.Getenv("OUTBOX_BATCH"); v != "" {
		cfg.Worker.OutboxBatch = atoiOr(cfg.Worker.OutboxBatch, v)
	}
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atofOr(fallback float64, v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
