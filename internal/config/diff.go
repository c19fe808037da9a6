package config

import (
	"reflect"
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: they apply to
// sessions opened after the reload, never to live ones.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MaxSessionsChanged bool
	NewMaxSessions     int

	// SessionDefaultsChanged is true if any session default or the realtime
	// tuning changed.
	SessionDefaultsChanged bool

	// ProviderChanges lists catalog entries that were added, removed or
	// modified.
	ProviderChanges []ProviderDiff

	// RestartRequired names changed fields that only take effect after a
	// restart (listen address, TLS, store).
	RestartRequired []string
}

// ProviderDiff describes one changed catalog entry.
type ProviderDiff struct {
	Kind    string
	ID      string
	Added   bool
	Removed bool
}

// ProvidersChanged reports whether the provider catalog changed.
func (d ConfigDiff) ProvidersChanged() bool { return len(d.ProviderChanges) > 0 }

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.MaxSessions != new.Server.MaxSessions {
		d.MaxSessionsChanged = true
		d.NewMaxSessions = new.Server.MaxSessions
	}
	if !reflect.DeepEqual(old.Session, new.Session) || old.Realtime != new.Realtime ||
		old.Server.IdleTimeout != new.Server.IdleTimeout ||
		old.Server.MaxSessionDuration != new.Server.MaxSessionDuration {
		d.SessionDefaultsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Store, new.Store) {
		d.RestartRequired = append(d.RestartRequired, "store")
	}

	oldKinds, newKinds := old.Providers.Kinds(), new.Providers.Kinds()
	for _, kind := range []string{"stt", "llm", "tts", "s2s", "vad"} {
		d.ProviderChanges = append(d.ProviderChanges, diffEntries(kind, oldKinds[kind], newKinds[kind])...)
	}
	return d
}

// diffEntries compares the catalog entries of one kind by ID.
func diffEntries(kind string, old, new []ProviderEntry) []ProviderDiff {
	byID := func(entries []ProviderEntry) map[string]ProviderEntry {
		m := make(map[string]ProviderEntry, len(entries))
		for _, e := range entries {
			m[e.Key()] = e
		}
		return m
	}
	oldM, newM := byID(old), byID(new)

	var out []ProviderDiff
	for id, oe := range oldM {
		ne, ok := newM[id]
		switch {
		case !ok:
			out = append(out, ProviderDiff{Kind: kind, ID: id, Removed: true})
		case !reflect.DeepEqual(oe, ne):
			out = append(out, ProviderDiff{Kind: kind, ID: id})
		}
	}
	for id := range newM {
		if _, ok := oldM[id]; !ok {
			out = append(out, ProviderDiff{Kind: kind, ID: id, Added: true})
		}
	}
	slices.SortFunc(out, func(a, b ProviderDiff) int { return strings.Compare(a.ID, b.ID) })
	return out
}
