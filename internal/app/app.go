// Package app wires the host together: configuration, logging, storage,
// permissions, the registry, the dispatcher, the transport and the plugin
// tiers.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"huniebot/internal/config"
	"huniebot/internal/dispatch"
	"huniebot/internal/eventbus"
	"huniebot/internal/normalize"
	"huniebot/internal/observability/debughttp"
	"huniebot/internal/permission"
	"huniebot/internal/plugin"
	"huniebot/internal/registry"
	rtsup "huniebot/internal/runtime/supervisor"
	"huniebot/internal/storage"
	"huniebot/internal/transport"
	"huniebot/internal/transport/discord"
	"huniebot/internal/transport/telegram"
	logx "huniebot/pkg/logx"
	"huniebot/plugins/core"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	perms permission.Store

	reg  *registry.Registry
	norm *normalize.Normalizer
	disp *dispatch.Dispatcher
	pm   *plugin.Manager

	adapter transport.Adapter
	raw     chan transport.RawEvent

	cron  *cron.Cron
	debug *debughttp.Server

	stopOnce sync.Once
}

type options struct {
	adapter transport.Adapter
	dotenv  []string
	skipEnv bool
}

type Option func(*options)

// WithAdapter replaces the transport selected by transport.driver.
func WithAdapter(a transport.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithDotEnv names the dotenv files read before HUNIEBOT_* overrides.
func WithDotEnv(files ...string) Option { return func(o *options) { o.dotenv = files } }

// WithoutEnv ignores the environment entirely.
func WithoutEnv() Option { return func(o *options) { o.skipEnv = true } }

// New loads (or creates) the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if !o.skipEnv {
		if err := config.LoadDotEnv(o.dotenv...); err != nil {
			return nil, fmt.Errorf("dotenv: %w", err)
		}
		ov, err := config.ReadOverrides()
		if err != nil {
			return nil, fmt.Errorf("env overrides: %w", err)
		}
		cfgm.SetOverrides(ov)
	}
	cfg, created, err := cfgm.LoadOrCreate()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)
	if created {
		log.Info("default config written", logx.String("path", cfgPath))
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
		reg:   registry.New(),
		raw:   make(chan transport.RawEvent, cfg.QueueSize()),
	}
	a.perms = permission.WithOwners(permission.NewCache(store), func() []string {
		if c := a.cfgm.Get(); c != nil {
			return c.Owners
		}
		return nil
	})
	a.norm = normalize.New(func() string { return a.cfgm.Get().CommandPrefix })
	a.disp = dispatch.New(a.reg, a.perms, dispatch.Options{
		Log:            log,
		Bus:            a.bus,
		HandlerTimeout: cfg.HandlerTimeout(),
	})

	a.adapter = o.adapter
	if a.adapter == nil {
		if a.adapter, err = newAdapter(cfg, log); err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
	}
	logSvc.SetChatSender(a.adapter.Sender())

	a.pm = plugin.NewManager(plugin.Options{
		Registry: a.reg,
		Perms:    a.perms,
		Bus:      a.bus,
		Config:   cfgm.Get,
		Log:      logSvc.Logger(),
		Caps: registry.Capabilities{
			"bus":    a.bus,
			"sender": a.adapter.Sender(),
		},
	})

	a.debug = debughttp.New(log, a.status)

	log.Info("app built",
		logx.String("transport", a.adapter.Name()),
		logx.String("storage", cfg.Storage.Driver),
		logx.String("prefix", cfg.CommandPrefix),
	)
	return a, nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	t := cfg.Transport
	switch strings.ToLower(strings.TrimSpace(t.Driver)) {
	case "", "discord":
		return discord.New(discord.Config{Token: t.Token, Status: t.Status, SendRatePerSec: t.SendRatePerSec}, log)
	case "telegram":
		return telegram.New(telegram.Config{Token: t.Token, SendRatePerSec: t.SendRatePerSec}, log)
	default:
		return nil, fmt.Errorf("transport.driver: unknown driver %q", t.Driver)
	}
}

func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Plugins() *plugin.Manager { return a.pm }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Permissions() permission.Store { return a.perms }

// Done is closed once the app context ends, by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start loads the plugin tiers and runs the adapter, the dispatch loop, the
// config watcher, the maintenance job and the audit writer.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(a.validateReload)

	if err := a.pm.LoadCore(core.New); err != nil {
		return fmt.Errorf("core plugin: %w", err)
	}
	a.pm.LoadCatalog()
	a.pm.LoadModules(a.sup.Context())
	a.pm.StartAll(a.sup.Context())

	a.startAuditWriter()

	a.sup.Go("dispatch.loop", a.dispatchLoop)

	if err := a.adapter.Start(a.sup.Context(), a.raw); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start %s: %w", a.adapter.Name(), err)
	}
	a.publishMenu(a.sup.Context())

	if err := a.startMaintenance(a.cfgm.Get().Storage.Maintenance); err != nil {
		return err
	}

	if err := a.debug.Reconfigure(a.sup.Context(), debugConfig(a.cfgm.Get())); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	a.startReloader()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("plugins", a.reg.Len()))
	return nil
}

// dispatchLoop normalizes raw events and hands each one to its own
// supervised goroutine.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-a.raw:
			ev := a.norm.Normalize(raw)
			if ev == nil {
				continue
			}
			if raw.Kind == transport.RawConnected {
				a.sup.Go0("transport.status", a.onConnected)
			}
			a.sup.Go0("dispatch.event", func(c context.Context) {
				res := a.disp.Dispatch(c, ev)
				if res.Failed > 0 {
					a.log.Debug("dispatch finished with failures",
						logx.String("kind", ev.Kind.String()),
						logx.Int("matched", res.Matched),
						logx.Int("failed", res.Failed),
					)
				}
			})
		}
	}
}

// onConnected re-applies the presence text; some gateways reset it on
// reconnect.
func (a *App) onConnected(ctx context.Context) {
	status := a.cfgm.Get().Transport.Status
	if status == "" {
		return
	}
	if err := a.adapter.SetStatus(ctx, status); err != nil {
		a.log.Warn("set status failed", logx.Err(err))
	}
}

// publishMenu pushes command hints to transports that show a command menu.
func (a *App) publishMenu(ctx context.Context) {
	mp, ok := a.adapter.(transport.MenuPublisher)
	if !ok {
		return
	}
	var hints []transport.CommandHint
	for _, p := range a.reg.Metadata().Plugins() {
		for _, c := range p.Commands {
			for _, alias := range c.Aliases {
				hints = append(hints, transport.CommandHint{Name: alias, Description: c.Description})
			}
		}
	}
	if err := mp.PublishCommands(ctx, hints); err != nil {
		a.log.Warn("publish command menu failed", logx.Err(err))
	}
}

func (a *App) startMaintenance(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(spec, a.maintain); err != nil {
		return fmt.Errorf("storage.maintenance: %w", err)
	}
	c.Start()
	a.cron = c
	a.log.Debug("storage maintenance scheduled", logx.String("spec", spec))
	return nil
}

func (a *App) maintain() {
	ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
	defer cancel()
	start := time.Now()
	if err := a.store.Maintain(ctx); err != nil {
		a.log.Warn("storage maintenance failed", logx.Err(err))
		return
	}
	a.log.Debug("storage maintenance done", logx.Duration("took", time.Since(start)))
}

// Stop shuts down in reverse start order. Each step is bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.closeResources()
		_ = a.logs.Close()
		return err
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(sctx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("adapter", 3*time.Second, a.adapter.Stop)
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("maintenance", time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
		case <-c.Done():
		}
		return nil
	})
	a.sup.Cancel()
	// In-flight dispatches are supervised goroutines; Wait drains them.
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c); return nil })

	err := a.closeResources()
	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Status is what /debug/status reports.
type Status struct {
	Transport  string          `json:"transport"`
	Plugins    []plugin.Status `json:"plugins"`
	Goroutines rtsup.Snapshot  `json:"goroutines"`
	BusDropped uint64          `json:"bus_dropped"`
}

func (a *App) status() any {
	st := Status{
		Transport:  a.adapter.Name(),
		Plugins:    a.pm.Snapshot(),
		BusDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st
}

func debugConfig(cfg *config.Config) debughttp.Config {
	d := cfg.Debug
	return debughttp.Config{Enabled: d.Enabled, Addr: d.Addr, Token: d.Token}
}

func (a *App) closeResources() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}
