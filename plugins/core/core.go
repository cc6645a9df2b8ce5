// Package core is the built-in plugin that administers the host: user
// levels, the channel command filter and listings of loaded plugins.
package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"huniebot/internal/event"
	"huniebot/internal/eventbus"
	"huniebot/internal/permission"
	"huniebot/internal/plugin"
	"huniebot/internal/registry"
	logx "huniebot/pkg/logx"
)

const Name = "core"

type Plugin struct {
	deps  plugin.Deps
	perms permission.Store
	meta  *registry.Metadata
	log   logx.Logger
}

// New is the core plugin's factory. It needs the mutable permission store.
func New(d plugin.Deps) (registry.Plugin, error) {
	if d.Perms == nil {
		return nil, errors.New("core: permission store is required")
	}
	if d.Meta == nil {
		return nil, errors.New("core: metadata is required")
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Plugin{deps: d, perms: d.Perms, meta: d.Meta, log: log}, nil
}

func (p *Plugin) Name() string { return Name }

// Admin commands are limited to server channels: direct messages skip the
// level check, so they must never reach these handlers.
const (
	anywhere   = event.CommandReceived
	serverOnly = event.CommandReceived | event.MessageReceived
)

func (p *Plugin) Handlers() []registry.Handler {
	cmd := func(name string, flags event.Flag, lvl event.Level, desc string, fn registry.HandlerFunc) registry.Handler {
		return registry.Handler{
			Name: name,
			OnCommand: &registry.CommandMarker{
				Flags:       flags,
				Permission:  lvl,
				Aliases:     []string{name},
				Description: desc,
			},
			Slots: registry.Params(registry.SlotEvent, registry.SlotCommand),
			Fn:    fn,
		}
	}
	return []registry.Handler{
		cmd("ping", anywhere, event.User, "Replies pong.", p.ping),
		cmd("setperm", serverOnly, event.Administrator, "setperm <@user> <level>: sets a user's permission level on this server.", p.setPerm),
		cmd("getperm", serverOnly, event.Administrator, "getperm <@user>: shows a user's permission level on this server.", p.getPerm),
		cmd("getmyperm", anywhere, event.User, "Shows your own permission level.", p.getMyPerm),
		cmd("setchannelperm", serverOnly, event.Administrator, "setchannelperm <enable|disable> <command...>: toggles commands in this channel.", p.setChannelPerm),
		cmd("getmodules", anywhere, event.User, "Lists loaded modules.", p.getModules),
		cmd("getcommands", anywhere, event.User, "getcommands [-module name]: lists command aliases.", p.getCommands),
		cmd("describe", anywhere, event.User, "describe <command>: explains a command.", p.describe),
	}
}

func (p *Plugin) ping(ctx context.Context, a registry.Args) error {
	return a.Event(0).Reply(ctx, "pong")
}

var mentionRE = regexp.MustCompile(`^<@!?(\d+)>$`)

// parseMention accepts <@id>, <@!id> or a bare numeric id.
func parseMention(tok string) (string, bool) {
	tok = strings.TrimSpace(tok)
	if m := mentionRE.FindStringSubmatch(tok); m != nil {
		return m[1], true
	}
	if tok != "" && strings.Trim(tok, "0123456789") == "" {
		return tok, true
	}
	return "", false
}

func display(u *event.Member) string {
	if u == nil {
		return "someone"
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

func (p *Plugin) setPerm(ctx context.Context, a registry.Args) error {
	ev, cmd := a.Event(0), a.Command(1)
	if len(cmd.RawParams) != 2 {
		return ev.Reply(ctx, "Usage: setperm <@user> <level>")
	}
	target, ok := parseMention(cmd.RawParams[0])
	if !ok {
		return ev.Reply(ctx, fmt.Sprintf("%q is not a user mention.", cmd.RawParams[0]))
	}
	lvl, err := event.ParseLevel(cmd.RawParams[1])
	if err != nil {
		return ev.Reply(ctx, fmt.Sprintf("Unknown permission level %q. Use User, Moderator, Administrator or Owner.", cmd.RawParams[1]))
	}
	server := ev.ServerID()
	actorLvl, err := p.perms.UserLevel(ctx, server, ev.UserID())
	if err != nil {
		return err
	}
	if !actorLvl.Satisfies(lvl) {
		return ev.Reply(ctx, fmt.Sprintf("Sorry %s, you cannot grant %s.", display(ev.User), lvl))
	}
	if err := p.perms.SetUserLevel(ctx, server, target, lvl); err != nil {
		return fmt.Errorf("set user level: %w", err)
	}
	p.deps.Publish(eventbus.TopicPermissionChanged, eventbus.PermissionChanged{
		Actor:  ev.UserID(),
		Server: server,
		User:   target,
		Level:  lvl.String(),
	})
	p.log.Info("user level set",
		logx.String("server", server),
		logx.String("user", target),
		logx.String("level", lvl.String()),
		logx.String("actor", ev.UserID()),
	)
	return ev.Reply(ctx, fmt.Sprintf("<@%s> now has a permission level of %s.", target, lvl))
}

func (p *Plugin) getPerm(ctx context.Context, a registry.Args) error {
	ev, cmd := a.Event(0), a.Command(1)
	if len(cmd.RawParams) != 1 {
		return ev.Reply(ctx, "Usage: getperm <@user>")
	}
	target, ok := parseMention(cmd.RawParams[0])
	if !ok {
		return ev.Reply(ctx, fmt.Sprintf("%q is not a user mention.", cmd.RawParams[0]))
	}
	lvl, err := p.perms.UserLevel(ctx, ev.ServerID(), target)
	if err != nil {
		return err
	}
	return ev.Reply(ctx, fmt.Sprintf("<@%s> has a permission level of %s.", target, lvl))
}

func (p *Plugin) getMyPerm(ctx context.Context, a registry.Args) error {
	ev := a.Event(0)
	lvl, err := p.perms.UserLevel(ctx, ev.ServerID(), ev.UserID())
	if err != nil {
		return err
	}
	return ev.Reply(ctx, fmt.Sprintf("%s has a permission level of %s. This applies to me, not to the channel.", display(ev.User), lvl))
}

func (p *Plugin) setChannelPerm(ctx context.Context, a registry.Args) error {
	ev, cmd := a.Event(0), a.Command(1)
	if len(cmd.Params) < 2 {
		return ev.Reply(ctx, "Usage: setchannelperm <enable|disable> <command...>")
	}
	var enabled bool
	switch strings.ToLower(cmd.Params[0]) {
	case "enable", "on":
		enabled = true
	case "disable", "off":
	default:
		return ev.Reply(ctx, "Usage: setchannelperm <enable|disable> <command...>")
	}
	commands := make([]string, 0, len(cmd.Params)-1)
	for _, c := range cmd.Params[1:] {
		commands = append(commands, strings.ToLower(c))
	}
	server, channel := ev.ServerID(), ev.ChannelID()
	if err := p.perms.SetChannelEnabled(ctx, server, channel, enabled, commands...); err != nil {
		return fmt.Errorf("set channel permission: %w", err)
	}
	for _, c := range commands {
		p.deps.Publish(eventbus.TopicPermissionChanged, eventbus.PermissionChanged{
			Actor:   ev.UserID(),
			Server:  server,
			Channel: channel,
			Command: c,
			Enabled: enabled,
		})
	}
	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	return ev.Reply(ctx, fmt.Sprintf("%s %s in this channel.", verb, strings.Join(commands, ", ")))
}

func (p *Plugin) getModules(ctx context.Context, a registry.Args) error {
	names := make([]string, 0, 8)
	for _, info := range p.meta.Plugins() {
		names = append(names, info.Name)
	}
	return a.Event(0).Reply(ctx, "Currently loaded modules:\n"+strings.Join(names, ", "))
}

func (p *Plugin) getCommands(ctx context.Context, a registry.Args) error {
	ev, cmd := a.Event(0), a.Command(1)
	only, filtered := cmd.Flag("module")
	only = strings.TrimSpace(only)

	var lines []string
	for _, info := range p.meta.Plugins() {
		if filtered && !strings.EqualFold(info.Name, only) {
			continue
		}
		var aliases []string
		for _, c := range info.Commands {
			aliases = append(aliases, c.Aliases...)
		}
		if len(aliases) == 0 {
			continue
		}
		sort.Strings(aliases)
		lines = append(lines, info.Name+": "+strings.Join(aliases, ", "))
	}
	if len(lines) == 0 {
		if filtered {
			return ev.Reply(ctx, fmt.Sprintf("No module named %q has commands.", only))
		}
		return ev.Reply(ctx, "No commands are loaded.")
	}
	return ev.Reply(ctx, "Currently loaded commands:\n"+strings.Join(lines, "\n"))
}

func (p *Plugin) describe(ctx context.Context, a registry.Args) error {
	ev, cmd := a.Event(0), a.Command(1)
	if len(cmd.Params) != 1 {
		return ev.Reply(ctx, "Usage: describe <command>")
	}
	name := strings.TrimPrefix(cmd.Params[0], p.prefix())
	info, owner, ok := p.meta.Describe(name)
	if !ok {
		return ev.Reply(ctx, fmt.Sprintf("No command named %q.", name))
	}
	desc := info.Description
	if desc == "" {
		desc = "No description."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s): %s\n", name, owner, desc)
	fmt.Fprintf(&b, "Aliases: %s. Requires %s.", strings.Join(info.Aliases, ", "), info.Permission)
	if info.Filterable {
		b.WriteString(" Must be enabled per channel.")
	}
	return ev.Reply(ctx, b.String())
}

func (p *Plugin) prefix() string {
	if p.deps.Config == nil {
		return ""
	}
	if cfg := p.deps.Config(); cfg != nil {
		return cfg.CommandPrefix
	}
	return ""
}
