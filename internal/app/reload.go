package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"huniebot/internal/config"
	"huniebot/internal/eventbus"
	logx "huniebot/pkg/logx"
)

// reloadCoalesce absorbs editors that write a file in several steps.
const reloadCoalesce = 150 * time.Millisecond

// validateReload rejects changes the running host cannot honor at all.
// Sections that merely need a restart are accepted and warned about.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	cur := a.cfgm.Get()
	if cur == nil {
		return nil
	}
	if !strings.EqualFold(strings.TrimSpace(cur.Transport.Driver), strings.TrimSpace(cfg.Transport.Driver)) {
		return fmt.Errorf("transport.driver: cannot switch from %q to %q while running", cur.Transport.Driver, cfg.Transport.Driver)
	}
	return nil
}

func (a *App) startReloader() {
	sub := a.cfgm.Subscribe(8)
	prev := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				cfg = a.coalesce(c, sub, cfg)
				if cfg == nil {
					return
				}
				a.applyReload(c, prev, cfg)
				prev = cfg
			}
		}
	})
}

// coalesce keeps only the newest config of a burst.
func (a *App) coalesce(ctx context.Context, sub chan *config.Config, cfg *config.Config) *config.Config {
	t := time.NewTimer(reloadCoalesce)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return cfg
			}
			cfg = next
		case <-t.C:
			return cfg
		}
	}
}

func (a *App) applyReload(ctx context.Context, prev, cfg *config.Config) {
	changed, fields, plugins := config.SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if prev == nil || prev.Logging != cfg.Logging {
		a.logs.Apply(cfg.LogConfig())
	}
	if prev == nil || prev.Transport.Status != cfg.Transport.Status {
		if err := a.adapter.SetStatus(ctx, cfg.Transport.Status); err != nil {
			a.log.Warn("set status failed", logx.Err(err))
		}
	}
	if prev == nil || prev.Debug != cfg.Debug {
		if err := a.debug.Reconfigure(ctx, debugConfig(cfg)); err != nil {
			a.log.Warn("debug server reconfigure failed", logx.Err(err))
		}
	}
	a.disp.SetHandlerTimeout(cfg.HandlerTimeout())
	a.pm.ApplyConfig(ctx, cfg)

	if restart := config.RequiresRestart(changed); len(restart) > 0 {
		a.log.Warn("some changes take effect after restart", logx.Strings("sections", restart))
	}
	fields = append(fields, logx.Strings("changed", changed))
	if len(plugins) > 0 {
		fields = append(fields, logx.Strings("plugins", plugins))
	}
	a.log.Info("config reloaded", fields...)

	a.bus.Publish(eventbus.Event{Topic: eventbus.TopicConfigReloaded, Time: time.Now(), Data: changed})
}
