package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level and the catalog location apply without a restart; every
// other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CatalogChanged bool
	NewCatalogPath string

	// RestartRequired names the top-level sections whose changes are ignored
	// until the process restarts, in declaration order.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CatalogChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Catalog.Path != new.Catalog.Path {
		d.CatalogChanged = true
		d.NewCatalogPath = new.Catalog.Path
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"vector_index", old.VectorIndex, new.VectorIndex},
		{"store", old.Store, new.Store},
		{"router", old.Router, new.Router},
		{"memory", old.Memory, new.Memory},
		{"orchestrator", old.Orchestrator, new.Orchestrator},
		{"tools", old.Tools, new.Tools},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
