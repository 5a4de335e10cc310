package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Decoding starts from [DefaultConfig], so the file only needs to name the
// fields it overrides. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: trace, debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Auth — all three fields are mandatory; tokens cannot be verified
	// without knowing the pool, and there is no anonymous mode.
	if cfg.Auth.Region == "" {
		errs = append(errs, errors.New("auth.region is required"))
	}
	if cfg.Auth.UserPoolID == "" {
		errs = append(errs, errors.New("auth.user_pool_id is required"))
	}
	if cfg.Auth.ClientID == "" {
		errs = append(errs, errors.New("auth.client_id is required"))
	}

	// Model
	if cfg.Model.ModelID == "" {
		errs = append(errs, errors.New("model.model_id is required"))
	}
	if cfg.Model.VoiceID == "" {
		errs = append(errs, errors.New("model.voice_id is required"))
	}
	if cfg.Model.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("model.max_tokens %d must be at least 1", cfg.Model.MaxTokens))
	}
	if cfg.Model.TopP <= 0 || cfg.Model.TopP > 1 {
		errs = append(errs, fmt.Errorf("model.top_p %.2f is out of range (0, 1]", cfg.Model.TopP))
	}
	if cfg.Model.Temperature < 0 || cfg.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("model.temperature %.2f is out of range [0, 2]", cfg.Model.Temperature))
	}

	// Gateway
	if cfg.Gateway.MaxConcurrentSessions < 1 {
		errs = append(errs, fmt.Errorf("gateway.max_concurrent_sessions %d must be at least 1", cfg.Gateway.MaxConcurrentSessions))
	}
	if cfg.Gateway.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("gateway.idle_timeout %s must be positive", cfg.Gateway.IdleTimeout))
	}
	if cfg.Gateway.QueueSoftCap < 1 {
		errs = append(errs, fmt.Errorf("gateway.queue_soft_cap %d must be at least 1", cfg.Gateway.QueueSoftCap))
	}

	// Repository
	switch {
	case cfg.Repository.Driver == "":
		errs = append(errs, errors.New("repository.driver is required"))
	case !cfg.Repository.Driver.IsValid():
		errs = append(errs, fmt.Errorf("repository.driver %q is invalid; valid values: memory, postgres, redis", cfg.Repository.Driver))
	case cfg.Repository.Driver == DriverPostgres && cfg.Repository.PostgresDSN == "":
		errs = append(errs, errors.New("repository.postgres_dsn is required when driver is postgres"))
	case cfg.Repository.Driver == DriverRedis && cfg.Repository.RedisAddr == "":
		errs = append(errs, errors.New("repository.redis_addr is required when driver is redis"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if cfg.Repository.Driver == DriverMemory {
		slog.Warn("repository.driver is memory; tasks and notes will not survive a restart")
	}

	return nil
}
