package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged and ReconnectChanged are applied to calls started
	// after the reload.
	SessionChanged   bool
	ReconnectChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// HotReloadable reports whether any change can be applied without restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.SessionChanged || d.ReconnectChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SessionChanged = !reflect.DeepEqual(old.Session, new.Session)
	d.ReconnectChanged = old.Reconnect.Enabled() != new.Reconnect.Enabled() ||
		old.Reconnect.Attempts() != new.Reconnect.Attempts() ||
		old.Reconnect.InitialDelay != new.Reconnect.InitialDelay ||
		old.Reconnect.MaxDelay != new.Reconnect.MaxDelay

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Realtime != new.Realtime {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if old.Sweep != new.Sweep {
		d.RestartRequired = append(d.RestartRequired, "sweep")
	}
	if !reflect.DeepEqual(old.Functions, new.Functions) {
		d.RestartRequired = append(d.RestartRequired, "functions")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	slices.Sort(d.RestartRequired)
	return d
}
