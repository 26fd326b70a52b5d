package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Log level and pipeline tuning are applied without a restart; the other
// sections are only reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is set when any pipeline tuning value changed. The new
	// values apply to connections opened afterwards.
	PipelineChanged bool
	NewPipeline     PipelineConfig

	// RestartRequired lists the sections whose changes take effect only
	// after a restart, e.g. "providers" or "memory".
	RestartRequired []string
}

// Changed reports whether d holds any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PipelineChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"retrieval", old.Retrieval, new.Retrieval},
		{"memory", old.Memory, new.Memory},
		{"sessions", old.Sessions, new.Sessions},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
