// Package echo is a small catalog plugin: it repeats text back with a
// configurable prefix and greets new members when a greeting is set.
package echo

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"huniebot/internal/event"
	"huniebot/internal/plugin"
	"huniebot/internal/registry"
	logx "huniebot/pkg/logx"
)

func init() { plugin.Register("echo", New) }

type Settings struct {
	Prefix   string `json:"prefix"`
	Greeting string `json:"greeting,omitempty"`
}

func defaults() Settings { return Settings{Prefix: "echo: "} }

type Plugin struct {
	log logx.Logger

	mu  sync.RWMutex
	cfg Settings
}

func New(d plugin.Deps) (registry.Plugin, error) {
	cfg, err := plugin.DecodeSettings(d.Settings, defaults())
	if err != nil {
		return nil, err
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Plugin{log: log, cfg: cfg}, nil
}

func (p *Plugin) Name() string { return "echo" }

func (p *Plugin) settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	cfg, err := plugin.DecodeSettings(raw, defaults())
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	p.log.Debug("echo settings updated", logx.String("prefix", cfg.Prefix))
	return nil
}

func (p *Plugin) Handlers() []registry.Handler {
	return []registry.Handler{
		{
			Name: "echo",
			OnCommand: &registry.CommandMarker{
				Flags:       event.CommandReceived,
				Permission:  event.User,
				Aliases:     []string{"echo", "say"},
				Filterable:  true,
				Description: "echo <text>: repeats text back.",
			},
			Slots: registry.Params(registry.SlotEvent, registry.SlotCommand),
			Fn:    p.echo,
		},
		{
			Name:    "greet",
			OnEvent: &registry.EventMarker{Flags: event.UserJoined, Permission: event.User},
			Slots:   registry.Params(registry.SlotEvent),
			Fn:      p.greet,
		},
	}
}

func (p *Plugin) echo(ctx context.Context, a registry.Args) error {
	ev, cmd := a.Event(0), a.Command(1)
	text := strings.Join(cmd.Params, " ")
	if strings.TrimSpace(text) == "" {
		text = "(empty)"
	}
	return ev.Reply(ctx, p.settings().Prefix+text)
}

func (p *Plugin) greet(ctx context.Context, a registry.Args) error {
	g := p.settings().Greeting
	ev := a.Event(0)
	if g == "" || ev.Channel == nil {
		return nil
	}
	name := ev.UserID()
	if ev.User != nil && ev.User.Username != "" {
		name = ev.User.Username
	}
	return ev.Reply(ctx, strings.ReplaceAll(g, "{user}", name))
}
