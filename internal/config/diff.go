package config

// ConfigDiff describes what changed between two configs. Only the log level
// and per-session gateway defaults can be applied to a running server; every
// other change sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GatewayChanged is set when session defaults (idle timeout, queue
	// cap, settle pause) changed. New sessions pick these up; sessions
	// already running keep the values they started with.
	GatewayChanged bool
	NewGateway     GatewayConfig

	// RestartRequired is set when a change cannot be hot-applied:
	// listener address, TLS, auth pool, model settings or the
	// repository backend.
	RestartRequired bool
}

// Empty reports whether no tracked field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.GatewayChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Gateway != new.Gateway {
		d.GatewayChanged = true
		d.NewGateway = new.Gateway
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = true
	}
	if old.Auth != new.Auth {
		d.RestartRequired = true
	}
	if old.Model != new.Model {
		d.RestartRequired = true
	}
	if old.Repository != new.Repository {
		d.RestartRequired = true
	}

	return d
}

func tlsEqual(old, new *TLSConfig) bool {
	if old == nil || new == nil {
		return old == new
	}
	return *old == *new
}
