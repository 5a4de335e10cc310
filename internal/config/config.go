// Package config defines the YAML configuration schema for the sonicgate
// server, along with loading, validation, hot-reload watching and diffing.
//
// A config file is loaded once at startup via [Load]. Unknown keys are
// rejected so typos surface immediately instead of silently falling back to
// defaults. A [Watcher] can poll the file afterwards; only the changes
// reported by [Diff] as hot-reloadable are applied to a running server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// LogLevel controls log verbosity for the sonicgate server.
type LogLevel string

const (
	LogTrace LogLevel = "trace"
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogTrace, LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Trace sits below [slog.LevelDebug] and is
// used for per-frame wire logging.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogTrace:
		return slog.Level(-8)
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Driver selects the task repository backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverPostgres Driver = "postgres"
	DriverRedis    Driver = "redis"
)

// IsValid reports whether d is a recognised repository driver.
func (d Driver) IsValid() bool {
	switch d {
	case DriverMemory, DriverPostgres, DriverRedis:
		return true
	}
	return false
}

// Duration is a [time.Duration] that unmarshals from YAML duration strings
// such as "90s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the root configuration for the sonicgate server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Model      ModelConfig      `yaml:"model"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Repository RepositoryConfig `yaml:"repository"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the host:port the WebSocket endpoint binds to.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set. Plain HTTP otherwise; production
	// deployments are expected to terminate TLS here or at a proxy.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig points at the server certificate pair.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig identifies the Cognito user pool whose tokens the server
// accepts. All three fields are required; there is no anonymous mode.
type AuthConfig struct {
	// Region is the AWS region hosting the user pool, e.g. "eu-central-1".
	Region string `yaml:"region"`

	// UserPoolID names the pool whose issuer URL tokens must carry.
	UserPoolID string `yaml:"user_pool_id"`

	// ClientID is the app client the token audience must match.
	ClientID string `yaml:"client_id"`
}

// ModelConfig holds the Bedrock model settings shared by all sessions.
type ModelConfig struct {
	// Region is the AWS region for Bedrock calls. Empty defers to the
	// SDK's own resolution (environment, shared config).
	Region string `yaml:"region"`

	// ModelID is the Bedrock model identifier.
	ModelID string `yaml:"model_id"`

	// VoiceID selects the synthesis voice for audio output.
	VoiceID string `yaml:"voice_id"`

	// MaxTokens bounds generation length per response.
	MaxTokens int `yaml:"max_tokens"`

	// TopP is the nucleus sampling parameter, in (0, 1].
	TopP float64 `yaml:"top_p"`

	// Temperature is the sampling temperature, in [0, 2].
	Temperature float64 `yaml:"temperature"`
}

// GatewayConfig bounds per-process session behaviour.
type GatewayConfig struct {
	// MaxConcurrentSessions caps simultaneous voice sessions. New
	// connections beyond the cap are refused at upgrade time.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// IdleTimeout ends sessions with no client audio and no model
	// activity for this long.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// QueueSoftCap bounds each session's outbound event queue. Hitting
	// the cap is treated as a fatal session error, not backpressure.
	QueueSoftCap int `yaml:"queue_soft_cap"`

	// PhaseSettle is the pause after phase-boundary event batches so the
	// stream writer can flush them before the next protocol step.
	PhaseSettle Duration `yaml:"phase_settle"`
}

// RepositoryConfig selects and configures the task storage backend.
type RepositoryConfig struct {
	// Driver picks the backend: memory, postgres or redis.
	Driver Driver `yaml:"driver"`

	// PostgresDSN is the connection string when Driver is postgres.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr is the host:port when Driver is redis.
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword is optional; empty means no AUTH.
	RedisPassword string `yaml:"redis_password"`

	// RedisDB selects the logical database. Defaults to 0.
	RedisDB int `yaml:"redis_db"`
}

// DefaultConfig returns a config with every optional field at its default.
// Auth is intentionally left empty: it has no sensible default and
// [Config.Validate] requires it.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Model: ModelConfig{
			ModelID:     novasonic.DefaultModelID,
			VoiceID:     "matthew",
			MaxTokens:   1024,
			TopP:        0.9,
			Temperature: 0.7,
		},
		Gateway: GatewayConfig{
			MaxConcurrentSessions: 64,
			IdleTimeout:           Duration(2 * time.Minute),
			QueueSoftCap:          512,
			PhaseSettle:           Duration(100 * time.Millisecond),
		},
		Repository: RepositoryConfig{
			Driver: DriverMemory,
		},
	}
}
