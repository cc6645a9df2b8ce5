package config

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"config.yaml", "config.json"} {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nested", name)
			m := NewConfigManager(path)

			cfg, created, err := m.LoadOrCreate()
			if err != nil {
				t.Fatalf("LoadOrCreate: %v", err)
			}
			if !created {
				t.Fatalf("expected file to be created")
			}
			if cfg.CommandPrefix != "." || cfg.Storage.Driver != "sqlite" {
				t.Fatalf("unexpected defaults: %+v", cfg)
			}
			if _, err := os.Stat(path); err != nil {
				t.Fatalf("file not written: %v", err)
			}

			again, created, err := NewConfigManager(path).LoadOrCreate()
			if err != nil || created {
				t.Fatalf("second load: created=%v err=%v", created, err)
			}
			if again.Plugins.Dir != cfg.Plugins.Dir || again.Transport.Status != cfg.Transport.Status {
				t.Fatalf("round trip mismatch: %+v vs %+v", again, cfg)
			}
		})
	}
}

func TestParseStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{name: "unknown field", file: "c.json", body: `{"command_prefix":".","bogus":1}`, wantErr: "bogus"},
		{name: "trailing data", file: "c.json", body: `{"command_prefix":"."}{}`, wantErr: "trailing"},
		{name: "yaml unknown field", file: "c.yaml", body: "command_prefix: \"!\"\nnope: true\n", wantErr: "nope"},
		{name: "yaml ok", file: "c.yaml", body: "command_prefix: \"!\"\nplugins:\n  blacklist:\n    echo: true\n"},
		{name: "empty yaml", file: "c.yaml", body: ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), tc.file)
			if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
				t.Fatal(err)
			}
			cfg, err := NewConfigManager(path).Parse()
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if cfg.Dispatch.QueueSize != 256 {
				t.Fatalf("defaults not kept for missing fields: %+v", cfg.Dispatch)
			}
		})
	}
}

func TestParseYAMLBlacklist(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yml")
	body := "command_prefix: \"!\"\nplugins:\n  blacklist:\n    Echo: true\n  settings:\n    echo:\n      greeting: hi\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CommandPrefix != "!" {
		t.Fatalf("prefix = %q", cfg.CommandPrefix)
	}
	if !cfg.Plugins.Blacklisted("echo") || cfg.Plugins.Blacklisted("core") {
		t.Fatalf("blacklist = %+v", cfg.Plugins.Blacklist)
	}
	var s struct{ Greeting string }
	if err := json.Unmarshal(cfg.Plugins.Settings["echo"], &s); err != nil || s.Greeting != "hi" {
		t.Fatalf("settings = %s (%v)", cfg.Plugins.Settings["echo"], err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "long prefix", mutate: func(c *Config) { c.CommandPrefix = ".." }, field: "command_prefix"},
		{name: "blank prefix", mutate: func(c *Config) { c.CommandPrefix = " " }, field: "command_prefix"},
		{name: "driver", mutate: func(c *Config) { c.Transport.Driver = "irc" }, field: "transport.driver"},
		{name: "level", mutate: func(c *Config) { c.Logging.Level = "loud" }, field: "logging.level"},
		{name: "cron", mutate: func(c *Config) { c.Storage.Maintenance = "every hour" }, field: "storage.maintenance"},
		{name: "timeout", mutate: func(c *Config) { c.Dispatch.HandlerTimeout = "-1s" }, field: "dispatch.handler_timeout"},
		{name: "queue", mutate: func(c *Config) { c.Dispatch.QueueSize = -1 }, field: "dispatch.queue_size"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			tc.mutate(c)
			err := Validate(c)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("want error on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestOverridesWinOverFile(t *testing.T) {
	t.Setenv("HUNIEBOT_TOKEN", "secret")
	t.Setenv("HUNIEBOT_PREFIX", "!")
	t.Setenv("HUNIEBOT_OWNERS", "1,2")

	o, err := ReadOverrides()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewConfigManager(path)
	m.SetOverrides(o)
	cfg, _, err := m.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Token != "secret" || cfg.CommandPrefix != "!" {
		t.Fatalf("overrides not applied: %+v", cfg.Transport)
	}
	if len(cfg.Owners) != 2 || cfg.Owners[1] != "2" {
		t.Fatalf("owners = %v", cfg.Owners)
	}
	b, _ := os.ReadFile(path)
	if strings.Contains(string(b), "secret") {
		t.Fatalf("token written to disk")
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	t.Parallel()
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing dotenv should be ignored: %v", err)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewConfigManager(path)
	if _, _, err := m.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
		t.Fatal("unchanged file was republished")
	default:
	}

	cfg := Default()
	cfg.CommandPrefix = "!"
	b, _ := encode(path, cfg)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.CommandPrefix != "!" || m.Get().CommandPrefix != "!" {
			t.Fatalf("published prefix = %q", got.CommandPrefix)
		}
	case <-time.After(time.Second):
		t.Fatal("no publish")
	}
}

func TestReloadRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewConfigManager(path)
	if _, _, err := m.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"command_prefix":"!!"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if m.Get().CommandPrefix != "." {
		t.Fatalf("invalid config committed: %q", m.Get().CommandPrefix)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := Default()
	oldCfg.Transport.Token = "a"
	newCfg := Default()
	newCfg.Transport.Token = "b"
	newCfg.CommandPrefix = "!"
	newCfg.Plugins.Blacklist = map[string]bool{"Echo": true}
	newCfg.Plugins.Settings = map[string]json.RawMessage{"core": json.RawMessage(`{"a":1}`)}

	changed, attrs, plugins := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"command_prefix", "plugins", "transport"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(plugins, ",") != "core,echo" {
		t.Fatalf("plugins = %v", plugins)
	}
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	ev := zl.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Msg("reload")
	if strings.Contains(buf.String(), `"a"`) || strings.Contains(buf.String(), `"b"`) {
		t.Fatalf("token leaked: %s", buf.String())
	}
	if r := RequiresRestart(changed); strings.Join(r, ",") != "plugins,transport" {
		t.Fatalf("restart = %v", r)
	}
}

func TestSettingsDiffIgnoresFormatting(t *testing.T) {
	t.Parallel()
	a := PluginsConfig{Settings: map[string]json.RawMessage{"echo": json.RawMessage(`{"a":1,"b":2}`)}}
	b := PluginsConfig{Settings: map[string]json.RawMessage{"echo": json.RawMessage(`{ "b": 2, "a": 1 }`)}}
	if got := diffPlugins(a, b); len(got) != 0 {
		t.Fatalf("diff = %v", got)
	}
}
