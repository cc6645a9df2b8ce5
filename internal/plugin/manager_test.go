package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huniebot/internal/config"
	"huniebot/internal/event"
	"huniebot/internal/eventbus"
	"huniebot/internal/permission"
	"huniebot/internal/registry"
	"huniebot/internal/storage"
	logx "huniebot/pkg/logx"
)

type fakePlugin struct {
	name     string
	deps     Deps
	handlers []registry.Handler

	mu       sync.Mutex
	calls    *[]string
	settings []json.RawMessage
	cfgErr   error
}

func (p *fakePlugin) Name() string                 { return p.name }
func (p *fakePlugin) Handlers() []registry.Handler { return p.handlers }

func (p *fakePlugin) record(s string) {
	if p.calls == nil {
		return
	}
	p.mu.Lock()
	*p.calls = append(*p.calls, s)
	p.mu.Unlock()
}

func (p *fakePlugin) Start(context.Context) error { p.record("start:" + p.name); return nil }
func (p *fakePlugin) Stop(context.Context) error  { p.record("stop:" + p.name); return nil }

func (p *fakePlugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfgErr != nil {
		return p.cfgErr
	}
	p.settings = append(p.settings, raw)
	return nil
}

func pingHandler() registry.Handler {
	return registry.Handler{
		Name: "ping",
		OnCommand: &registry.CommandMarker{
			Flags:      event.CommandReceived,
			Permission: event.User,
			Aliases:    []string{"ping"},
		},
		Slots: registry.Params(registry.SlotEvent),
		Fn:    func(context.Context, registry.Args) error { return nil },
	}
}

type harness struct {
	reg   *registry.Registry
	bus   eventbus.Bus
	perms permission.Store
	cfg   *config.Config
	m     *Manager
}

func newHarness(t *testing.T, catalog []Entry) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		reg:   registry.New(),
		bus:   eventbus.New(),
		perms: permission.NewCache(st),
		cfg:   config.Default(),
	}
	h.cfg.Plugins.Dir = t.TempDir()
	h.m = NewManager(Options{
		Registry: h.reg,
		Perms:    h.perms,
		Bus:      h.bus,
		Config:   func() *config.Config { return h.cfg },
		Log:      logx.Nop(),
		Catalog:  func() []Entry { return catalog },
	})
	return h
}

func TestLoadTiersScopesPermissions(t *testing.T) {
	var core, extra *fakePlugin
	catalog := []Entry{
		{Name: "extra", Factory: func(d Deps) (registry.Plugin, error) {
			extra = &fakePlugin{name: "extra", deps: d, handlers: []registry.Handler{pingHandler()}}
			return extra, nil
		}},
	}
	h := newHarness(t, catalog)
	require.NoError(t, h.m.LoadCore(func(d Deps) (registry.Plugin, error) {
		core = &fakePlugin{name: "core", deps: d}
		return core, nil
	}))
	h.m.LoadCatalog()

	require.NotNil(t, core)
	require.NotNil(t, extra)
	ctx := context.Background()
	assert.NoError(t, core.deps.Perms.SetUserLevel(ctx, "g", "u", event.Moderator))
	assert.ErrorIs(t, extra.deps.Perms.SetUserLevel(ctx, "g", "u", event.Owner), permission.ErrReadOnly)

	lvl, err := extra.deps.Perms.UserLevel(ctx, "g", "u")
	require.NoError(t, err)
	assert.Equal(t, event.Moderator, lvl)

	assert.Equal(t, 2, h.reg.Len())
	assert.Len(t, extra.deps.Meta.Plugins(), 2)
}

func TestLoadCatalogSkipsBlacklistAndFailures(t *testing.T) {
	ch, unsub := eventbusSub(t)
	catalog := []Entry{
		{Name: "Banned", Factory: func(Deps) (registry.Plugin, error) {
			t.Fatal("blacklisted factory was called")
			return nil, nil
		}},
		{Name: "broken", Factory: func(Deps) (registry.Plugin, error) { return nil, errors.New("boom") }},
		{Name: "panicky", Factory: func(Deps) (registry.Plugin, error) { panic("bad init") }},
		{Name: "bad", Factory: func(Deps) (registry.Plugin, error) {
			h := pingHandler()
			h.OnCommand.Aliases = nil
			return &fakePlugin{name: "bad", handlers: []registry.Handler{h}}, nil
		}},
		{Name: "good", Factory: func(Deps) (registry.Plugin, error) {
			return &fakePlugin{name: "good", handlers: []registry.Handler{pingHandler()}}, nil
		}},
	}
	h := newHarness(t, catalog)
	h.bus = ch.bus
	h.m.opts.Bus = ch.bus
	defer unsub()
	h.cfg.Plugins.Blacklist = map[string]bool{"banned": true}

	h.m.LoadCatalog()

	require.Equal(t, 1, h.reg.Len())
	_, ok := h.reg.Lookup("good")
	assert.True(t, ok)

	rejected := map[string]bool{}
	loaded := map[string]bool{}
	for len(rejected)+len(loaded) < 4 {
		select {
		case e := <-ch.events:
			switch d := e.Data.(type) {
			case eventbus.PluginRejected:
				rejected[d.Name] = true
			case eventbus.PluginLoaded:
				loaded[d.Name] = true
			}
		case <-time.After(time.Second):
			t.Fatalf("missing bus events: rejected=%v loaded=%v", rejected, loaded)
		}
	}
	assert.Equal(t, map[string]bool{"broken": true, "panicky": true, "bad": true}, rejected)
	assert.Equal(t, map[string]bool{"good": true}, loaded)
}

type busTap struct {
	bus    eventbus.Bus
	events <-chan eventbus.Event
}

func eventbusSub(t *testing.T) (busTap, func()) {
	t.Helper()
	b := eventbus.New()
	ch, unsub := b.Subscribe(16, eventbus.TopicPluginLoaded, eventbus.TopicPluginRejected)
	return busTap{bus: b, events: ch}, unsub
}

func TestDuplicateNameRejected(t *testing.T) {
	h := newHarness(t, []Entry{
		{Name: "core-again", Factory: func(Deps) (registry.Plugin, error) { return &fakePlugin{name: "Core"}, nil }},
	})
	require.NoError(t, h.m.LoadCore(func(Deps) (registry.Plugin, error) { return &fakePlugin{name: "core"}, nil }))
	h.m.LoadCatalog()
	assert.Equal(t, 1, h.reg.Len())
}

type namelessPlugin struct{ fakePlugin }

func (*namelessPlugin) Name() string { panic("no name") }

func TestRegisterSurvivesPanickingName(t *testing.T) {
	tap, unsub := eventbusSub(t)
	defer unsub()
	h := newHarness(t, []Entry{
		{Name: "nameless", Factory: func(Deps) (registry.Plugin, error) { return &namelessPlugin{}, nil }},
		{Name: "good", Factory: func(Deps) (registry.Plugin, error) {
			return &fakePlugin{name: "good", handlers: []registry.Handler{pingHandler()}}, nil
		}},
	})
	h.m.opts.Bus = tap.bus

	require.NotPanics(t, h.m.LoadCatalog)
	assert.Equal(t, 1, h.reg.Len())
	_, ok := h.reg.Lookup("good")
	assert.True(t, ok)

	err := h.m.register(&namelessPlugin{}, TierCatalog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name")

	rejected := 0
	for rejected < 2 {
		select {
		case e := <-tap.events:
			if r, ok := e.Data.(eventbus.PluginRejected); ok {
				assert.Equal(t, "<unnamed>", r.Name)
				rejected++
			}
		case <-time.After(time.Second):
			t.Fatalf("saw %d rejections, want 2", rejected)
		}
	}
}

func TestStartStopOrder(t *testing.T) {
	var calls []string
	mk := func(name string) Entry {
		return Entry{Name: name, Factory: func(Deps) (registry.Plugin, error) {
			return &fakePlugin{name: name, calls: &calls}, nil
		}}
	}
	h := newHarness(t, []Entry{mk("a"), mk("b")})
	require.NoError(t, h.m.LoadCore(func(Deps) (registry.Plugin, error) {
		return &fakePlugin{name: "core", calls: &calls}, nil
	}))
	h.m.LoadCatalog()

	h.m.StartAll(context.Background())
	for _, s := range h.m.Snapshot() {
		assert.True(t, s.Started, s.Name)
	}
	h.m.StopAll(context.Background())

	assert.Equal(t, []string{
		"start:core", "start:a", "start:b",
		"stop:b", "stop:a", "stop:core",
	}, calls)
	assert.Equal(t, TierCore, h.m.Snapshot()[0].Tier)
	assert.Equal(t, TierCatalog, h.m.Snapshot()[1].Tier)
}

type slowStopper struct{ fakePlugin }

func (p *slowStopper) Stop(ctx context.Context) error {
	<-ctx.Done()
	time.Sleep(time.Second)
	return nil
}

func TestStopAllIsBounded(t *testing.T) {
	h := newHarness(t, []Entry{{Name: "slow", Factory: func(Deps) (registry.Plugin, error) {
		return &slowStopper{fakePlugin{name: "slow"}}, nil
	}}})
	h.m.LoadCatalog()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	h.m.StopAll(ctx)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestApplyConfigOnlyOnChange(t *testing.T) {
	var p *fakePlugin
	h := newHarness(t, []Entry{{Name: "echo", Factory: func(d Deps) (registry.Plugin, error) {
		p = &fakePlugin{name: "echo", deps: d}
		return p, nil
	}}})
	h.cfg.Plugins.Settings = map[string]json.RawMessage{"echo": json.RawMessage(`{"prefix":"a"}`)}
	h.m.LoadCatalog()
	require.NotNil(t, p)
	assert.JSONEq(t, `{"prefix":"a"}`, string(p.deps.Settings))

	ctx := context.Background()
	same := config.Default()
	same.Plugins.Settings = map[string]json.RawMessage{"Echo": json.RawMessage(`{ "prefix": "a" }`)}
	h.m.ApplyConfig(ctx, same)
	assert.Empty(t, p.settings)

	changed := config.Default()
	changed.Plugins.Settings = map[string]json.RawMessage{"echo": json.RawMessage(`{"prefix":"b"}`)}
	h.m.ApplyConfig(ctx, changed)
	h.m.ApplyConfig(ctx, changed)
	require.Len(t, p.settings, 1)
	assert.JSONEq(t, `{"prefix":"b"}`, string(p.settings[0]))
}

func TestApplyConfigRetriesAfterRejection(t *testing.T) {
	p := &fakePlugin{name: "echo", cfgErr: errors.New("nope")}
	h := newHarness(t, []Entry{{Name: "echo", Factory: func(Deps) (registry.Plugin, error) { return p, nil }}})
	h.m.LoadCatalog()

	cfg := config.Default()
	cfg.Plugins.Settings = map[string]json.RawMessage{"echo": json.RawMessage(`{"prefix":"b"}`)}
	h.m.ApplyConfig(context.Background(), cfg)
	assert.Empty(t, p.settings)

	p.mu.Lock()
	p.cfgErr = nil
	p.mu.Unlock()
	h.m.ApplyConfig(context.Background(), cfg)
	assert.Len(t, p.settings, 1)
}

func TestLoadModulesRejectsBadBinary(t *testing.T) {
	tap, unsub := eventbusSub(t)
	defer unsub()
	h := newHarness(t, nil)
	h.m.opts.Bus = tap.bus

	dir := filepath.Join(h.cfg.Plugins.Dir, "junk")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(
		"name: junk\nbinary: junk.wasm\nhandlers:\n  - name: x\n    kind: event\n    flags: UserJoined\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.wasm"), []byte("nope"), 0o644))

	h.m.LoadModules(context.Background())
	assert.Equal(t, 0, h.reg.Len())
	select {
	case e := <-tap.events:
		r, ok := e.Data.(eventbus.PluginRejected)
		require.True(t, ok)
		assert.Equal(t, "junk", r.Name)
		assert.Equal(t, string(TierModule), r.Tier)
	case <-time.After(time.Second):
		t.Fatal("no rejection published")
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("ok/plugin.yaml", "name: ok\nbinary: ok.wasm\n")
	write("ok/ok.wasm", "\x00asm")
	write("nobin/plugin.yaml", "name: nobin\nbinary: gone.wasm\n")
	write("broken/plugin.yaml", "name: [unterminated\n")
	write("noname/plugin.yaml", "binary: x.wasm\n")
	write("empty/readme.txt", "no manifest here")
	write("loose.yaml", "name: loose\n")

	found, skipped := Scan(root)
	require.Len(t, found, 1)
	assert.Equal(t, "ok", found[0].Manifest.Name)
	assert.Equal(t, filepath.Join(root, "ok"), found[0].Dir)
	assert.Len(t, skipped, 3)

	found, skipped = Scan(filepath.Join(root, "absent"))
	assert.Empty(t, found)
	assert.Empty(t, skipped)
}

func TestDecodeSettings(t *testing.T) {
	type settings struct {
		Prefix string `json:"prefix"`
		Upper  bool   `json:"upper"`
	}
	def := settings{Prefix: "echo: "}

	got, err := DecodeSettings(nil, def)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	got, err = DecodeSettings(json.RawMessage(`{"upper":true}`), def)
	require.NoError(t, err)
	assert.Equal(t, settings{Prefix: "echo: ", Upper: true}, got)

	_, err = DecodeSettings(json.RawMessage(`{"loud":true}`), def)
	require.Error(t, err)
}

func TestRegisterCatalog(t *testing.T) {
	f := func(Deps) (registry.Plugin, error) { return &fakePlugin{name: "zz-catalog-test"}, nil }
	Register("zz-catalog-test", f)
	assert.Panics(t, func() { Register("ZZ-Catalog-Test", f) })
	assert.Panics(t, func() { Register("zz-nil", nil) })
	assert.Panics(t, func() { Register(" ", f) })

	found := false
	for _, e := range Factories() {
		if e.Name == "zz-catalog-test" {
			found = true
		}
	}
	assert.True(t, found)
}
