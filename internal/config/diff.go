package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "huniebot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections, log fields
// that are safe to print (the token is never included), and the names of
// plugins whose blacklist entry or settings changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.CommandPrefix != newCfg.CommandPrefix {
		changed = append(changed, "command_prefix")
		attrs = append(attrs, logx.String("command_prefix", newCfg.CommandPrefix))
	}
	if !reflect.DeepEqual(oldCfg.Owners, newCfg.Owners) {
		changed = append(changed, "owners")
		attrs = append(attrs, logx.Int("owners.count", len(newCfg.Owners)))
	}

	ot, nt := oldCfg.Transport, newCfg.Transport
	if ot != nt {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", nt.Driver),
			logx.String("transport.status", nt.Status),
			logx.Bool("transport.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("transport.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.maintenance", newCfg.Storage.Maintenance),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.handler_timeout", newCfg.Dispatch.HandlerTimeout),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
		)
	}

	plugins := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(plugins) > 0 || oldCfg.Plugins.Dir != newCfg.Plugins.Dir {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(plugins)),
			logx.Int("plugins.blacklisted", countBlacklisted(newCfg.Plugins)),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, plugins
}

// RequiresRestart lists changed sections that only take effect on restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "transport", "storage", "plugins":
			out = append(out, s)
		}
	}
	return out
}

func countBlacklisted(p PluginsConfig) int {
	n := 0
	for _, v := range p.Blacklist {
		if v {
			n++
		}
	}
	return n
}

func diffPlugins(o, n PluginsConfig) []string {
	set := map[string]struct{}{}
	for k := range o.Blacklist {
		set[strings.ToLower(k)] = struct{}{}
	}
	for k := range n.Blacklist {
		set[strings.ToLower(k)] = struct{}{}
	}
	for k := range o.Settings {
		set[strings.ToLower(k)] = struct{}{}
	}
	for k := range n.Settings {
		set[strings.ToLower(k)] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		if o.Blacklisted(name) != n.Blacklisted(name) ||
			HashSettings(o.SettingsOf(name)) != HashSettings(n.SettingsOf(name)) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// HashSettings fingerprints a settings blob, ignoring whitespace and key
// order. Empty input hashes to 0.
func HashSettings(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(b)
}
