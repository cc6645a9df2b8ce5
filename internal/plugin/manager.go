// Package plugin loads the three plugin tiers into the registry: the core
// plugin, the compiled-in catalog and the WASM modules found on disk.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"huniebot/internal/config"
	"huniebot/internal/eventbus"
	"huniebot/internal/permission"
	"huniebot/internal/plugin/wasm"
	"huniebot/internal/registry"
	logx "huniebot/pkg/logx"
)

type Tier string

const (
	TierCore    Tier = "core"
	TierCatalog Tier = "catalog"
	TierModule  Tier = "module"
)

const callTimeout = 10 * time.Second

type Options struct {
	Registry *registry.Registry
	// Perms is the mutable store. Only the core plugin sees it unwrapped.
	Perms  permission.Store
	Bus    eventbus.Bus
	Config func() *config.Config
	Log    logx.Logger
	// Caps is the capability map shared by every plugin.
	Caps registry.Capabilities
	// Catalog defaults to Factories.
	Catalog func() []Entry
}

type loaded struct {
	name    string
	tier    Tier
	plugin  registry.Plugin
	hash    uint64
	started bool
}

// Status is one row of Snapshot.
type Status struct {
	Name     string
	Tier     Tier
	Handlers int
	Started  bool
}

type Manager struct {
	opts Options
	log  logx.Logger

	mu     sync.Mutex
	loaded []*loaded
}

func NewManager(opts Options) *Manager {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Catalog == nil {
		opts.Catalog = Factories
	}
	if opts.Config == nil {
		def := config.Default()
		opts.Config = func() *config.Config { return def }
	}
	return &Manager{opts: opts, log: opts.Log.With(logx.String("comp", "plugins"))}
}

func (m *Manager) deps(name string, tier Tier) Deps {
	perms := m.opts.Perms
	if tier != TierCore && perms != nil {
		perms = permission.ReadOnly(perms)
	}
	return Deps{
		Name:     name,
		Log:      m.opts.Log.With(logx.String("plugin", name)),
		Perms:    perms,
		Meta:     m.opts.Registry.Metadata(),
		Bus:      m.opts.Bus,
		Config:   m.opts.Config,
		Settings: m.opts.Config().Plugins.SettingsOf(name),
		Caps:     m.opts.Caps,
	}
}

// LoadCore builds and registers the core plugin. It ignores the blacklist,
// and a failure here is fatal to the host.
func (m *Manager) LoadCore(f Factory) error {
	p, err := m.build("core", TierCore, f)
	if err != nil {
		return err
	}
	return m.register(p, TierCore)
}

// LoadCatalog builds every compiled-in plugin that is not blacklisted. A
// failing plugin is logged and skipped.
func (m *Manager) LoadCatalog() {
	cfg := m.opts.Config()
	for _, e := range m.opts.Catalog() {
		if cfg.Plugins.Blacklisted(e.Name) {
			m.log.Info("plugin blacklisted", logx.String("plugin", e.Name), logx.String("tier", string(TierCatalog)))
			continue
		}
		p, err := m.build(e.Name, TierCatalog, e.Factory)
		if err != nil {
			continue
		}
		_ = m.register(p, TierCatalog)
	}
}

// LoadModules scans plugins.dir and loads every WASM module found there.
func (m *Manager) LoadModules(ctx context.Context) {
	cfg := m.opts.Config()
	found, skipped := Scan(cfg.Plugins.Dir)
	for _, err := range skipped {
		m.log.Warn("module skipped", logx.Err(err))
	}
	for _, d := range found {
		name := d.Manifest.Name
		if cfg.Plugins.Blacklisted(name) {
			m.log.Info("plugin blacklisted", logx.String("plugin", name), logx.String("tier", string(TierModule)))
			continue
		}
		mod, err := wasm.Load(ctx, d.Manifest, d.Dir, m.opts.Log.With(logx.String("plugin", name)))
		if err != nil {
			m.reject(name, TierModule, err)
			continue
		}
		if err := m.register(mod, TierModule); err != nil {
			_ = mod.Stop(context.Background())
		}
	}
}

func (m *Manager) build(name string, tier Tier, f Factory) (registry.Plugin, error) {
	var p registry.Plugin
	err := m.safeCall("plugin.build."+name, func() error {
		var err error
		p, err = f(m.deps(name, tier))
		return err
	})
	if err == nil && p == nil {
		err = errors.New("factory returned nil plugin")
	}
	if err != nil {
		m.reject(name, tier, err)
		return nil, err
	}
	return p, nil
}

func (m *Manager) register(p registry.Plugin, tier Tier) error {
	name := "<unnamed>"
	caps := m.opts.Caps
	err := m.safeCall("plugin.describe", func() error {
		name = p.Name()
		if cp, ok := p.(CapabilityProvider); ok {
			merged := registry.Capabilities{}
			for k, v := range caps {
				merged[k] = v
			}
			for k, v := range cp.Capabilities() {
				merged[k] = v
			}
			caps = merged
		}
		return nil
	})
	if err != nil {
		m.reject(name, tier, err)
		return err
	}

	var w *registry.Wrapper
	err = m.safeCall("plugin.register."+name, func() error {
		var err error
		w, err = m.opts.Registry.Register(p, caps)
		return err
	})
	if err != nil {
		m.reject(name, tier, err)
		return err
	}

	m.mu.Lock()
	m.loaded = append(m.loaded, &loaded{
		name:   w.Name,
		tier:   tier,
		plugin: p,
		hash:   config.HashSettings(m.opts.Config().Plugins.SettingsOf(w.Name)),
	})
	m.mu.Unlock()

	m.log.Info("plugin loaded",
		logx.String("plugin", w.Name),
		logx.String("tier", string(tier)),
		logx.Int("handlers", len(w.Descriptors)),
	)
	m.publish(eventbus.TopicPluginLoaded, eventbus.PluginLoaded{Name: w.Name, Tier: string(tier), Handlers: len(w.Descriptors)})
	return nil
}

func (m *Manager) reject(name string, tier Tier, err error) {
	m.log.Error("plugin rejected", logx.String("plugin", name), logx.String("tier", string(tier)), logx.Err(err))
	m.publish(eventbus.TopicPluginRejected, eventbus.PluginRejected{Name: name, Tier: string(tier), Err: err.Error()})
}

func (m *Manager) publish(topic string, data any) {
	if m.opts.Bus == nil {
		return
	}
	m.opts.Bus.Publish(eventbus.Event{Topic: topic, Time: time.Now(), Data: data})
}

// StartAll starts plugins implementing Starter in load order. A plugin that
// fails to start stays registered; its handlers still run.
func (m *Manager) StartAll(ctx context.Context) {
	for _, l := range m.snapshot() {
		s, ok := l.plugin.(Starter)
		if !ok || l.started {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := m.safeCall("plugin.start."+l.name, func() error { return s.Start(sctx) })
		cancel()
		if err != nil {
			m.log.Error("plugin start failed", logx.String("plugin", l.name), logx.Err(err))
			continue
		}
		m.mu.Lock()
		l.started = true
		m.mu.Unlock()
	}
}

// StopAll stops plugins in reverse load order. Each Stop is abandoned when
// ctx ends so one plugin cannot hold up shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	list := m.snapshot()
	for i := len(list) - 1; i >= 0; i-- {
		l := list[i]
		s, ok := l.plugin.(Stopper)
		if !ok {
			continue
		}
		start := time.Now()
		done := make(chan error, 1)
		go func() {
			done <- m.safeCall("plugin.stop."+l.name, func() error { return s.Stop(ctx) })
		}()
		select {
		case err := <-done:
			if err != nil {
				m.log.Warn("plugin stop failed", logx.String("plugin", l.name), logx.Err(err))
			}
		case <-ctx.Done():
			m.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", l.name), logx.Err(ctx.Err()))
		}
		m.mu.Lock()
		l.started = false
		m.mu.Unlock()
		m.log.Debug("plugin stopped", logx.String("plugin", l.name), logx.Duration("took", time.Since(start)))
	}
}

// ApplyConfig hands changed settings to Configurable plugins. Blacklist
// changes need a restart because registration is append-only.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	for _, l := range m.snapshot() {
		raw := cfg.Plugins.SettingsOf(l.name)
		h := config.HashSettings(raw)
		m.mu.Lock()
		same := h == l.hash
		m.mu.Unlock()
		if same {
			continue
		}
		c, ok := l.plugin.(Configurable)
		if !ok {
			m.mu.Lock()
			l.hash = h
			m.mu.Unlock()
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := m.safeCall("plugin.config."+l.name, func() error { return c.OnConfigChange(cctx, cloneRaw(raw)) })
		cancel()
		if err != nil {
			// Hash is left stale so the next reload retries.
			m.log.Warn("plugin rejected settings", logx.String("plugin", l.name), logx.Err(err))
			continue
		}
		m.mu.Lock()
		l.hash = h
		m.mu.Unlock()
		m.log.Info("plugin settings applied", logx.String("plugin", l.name))
	}
}

// Snapshot lists loaded plugins in load order.
func (m *Manager) Snapshot() []Status {
	list := m.snapshot()
	out := make([]Status, 0, len(list))
	for _, l := range list {
		n := 0
		if w, ok := m.opts.Registry.Lookup(l.name); ok {
			n = len(w.Descriptors)
		}
		m.mu.Lock()
		started := l.started
		m.mu.Unlock()
		out = append(out, Status{Name: l.name, Tier: l.tier, Handlers: n, Started: started})
	}
	return out
}

func (m *Manager) snapshot() []*loaded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*loaded(nil), m.loaded...)
}

func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
