// Package system reports process health: uptime, memory and what is loaded.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"huniebot/internal/event"
	"huniebot/internal/eventbus"
	"huniebot/internal/plugin"
	"huniebot/internal/registry"
)

func init() { plugin.Register("system", New) }

type Plugin struct {
	meta *registry.Metadata
	bus  eventbus.Bus

	startedAt time.Time
	now       func() time.Time
}

func New(d plugin.Deps) (registry.Plugin, error) {
	return &Plugin{meta: d.Meta, bus: d.Bus, now: time.Now}, nil
}

func (p *Plugin) Name() string { return "system" }

func (p *Plugin) Start(context.Context) error {
	p.startedAt = p.now()
	return nil
}

func (p *Plugin) Handlers() []registry.Handler {
	return []registry.Handler{
		{
			Name: "uptime",
			OnCommand: &registry.CommandMarker{
				Flags:       event.CommandReceived,
				Permission:  event.User,
				Aliases:     []string{"uptime", "up"},
				Description: "Shows how long the bot has been running.",
			},
			Slots: registry.Params(registry.SlotEvent),
			Fn:    p.uptime,
		},
		{
			Name: "sysinfo",
			OnCommand: &registry.CommandMarker{
				// Server channels only: direct messages skip the level check.
				Flags:       event.CommandReceived | event.MessageReceived,
				Permission:  event.Administrator,
				Aliases:     []string{"sysinfo"},
				Description: "Shows runtime and memory statistics.",
			},
			Slots: registry.Params(registry.SlotEvent),
			Fn:    p.sysinfo,
		},
	}
}

func (p *Plugin) uptime(ctx context.Context, a registry.Args) error {
	return a.Event(0).Reply(ctx, "Up for "+p.since()+".")
}

func (p *Plugin) since() string {
	if p.startedAt.IsZero() {
		return "0s"
	}
	return p.now().Sub(p.startedAt).Round(time.Second).String()
}

func (p *Plugin) sysinfo(ctx context.Context, a registry.Args) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	module := "-"
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		module = strings.TrimSpace(bi.Main.Path + " " + bi.Main.Version)
	}

	plugins, commands := 0, 0
	if p.meta != nil {
		for _, pi := range p.meta.Plugins() {
			plugins++
			commands += len(pi.Commands)
		}
	}
	var dropped uint64
	if p.bus != nil {
		dropped = p.bus.Dropped()
	}

	lines := []string{
		"Uptime: " + p.since(),
		"Go: " + runtime.Version() + " (" + module + ")",
		fmt.Sprintf("Goroutines: %d, CPUs: %d", runtime.NumGoroutine(), runtime.NumCPU()),
		"Memory: " + humanize.IBytes(m.Alloc) + " allocated, " + humanize.IBytes(m.Sys) + " from the OS",
		fmt.Sprintf("GC runs: %d", m.NumGC),
		fmt.Sprintf("Plugins: %d with %d commands", plugins, commands),
		"Dropped notifications: " + humanize.Comma(int64(dropped)),
	}
	return a.Event(0).Reply(ctx, strings.Join(lines, "\n"))
}
