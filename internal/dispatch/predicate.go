package dispatch

import (
	"context"

	"huniebot/internal/event"
	"huniebot/internal/registry"
	logx "huniebot/pkg/logx"
)

// matches routes command events to command handlers only; every other event
// goes to event handlers only.
func (d *Dispatcher) matches(ctx context.Context, desc *registry.Descriptor, ev *event.Event) bool {
	if ev.Command != nil {
		return desc.IsCommand() && d.matchCommand(ctx, desc, ev)
	}
	if desc.IsCommand() {
		return false
	}
	return d.matchEvent(ctx, desc, ev)
}

// matchCommand checks, in order: alias, flags, user level, channel filter.
func (d *Dispatcher) matchCommand(ctx context.Context, desc *registry.Descriptor, ev *event.Event) bool {
	if ev.Command == nil || !desc.Answers(ev.Command.Key()) {
		return false
	}
	if !ev.Flags().Contains(desc.Flags) {
		return false
	}
	// Direct messages skip both the level and the channel checks.
	if ev.Private {
		return true
	}
	if !d.permitted(ctx, desc, ev) {
		return false
	}
	if !desc.Filterable {
		return true
	}
	return d.channelEnabled(ctx, desc, ev)
}

// matchEvent never consults the channel filter.
func (d *Dispatcher) matchEvent(ctx context.Context, desc *registry.Descriptor, ev *event.Event) bool {
	if !ev.Flags().Contains(desc.Flags) {
		return false
	}
	if ev.Private {
		return true
	}
	return d.permitted(ctx, desc, ev)
}

// permitted checks the user's level on the event's server. Without a user or
// a server there is nothing to check against and the handler is allowed.
func (d *Dispatcher) permitted(ctx context.Context, desc *registry.Descriptor, ev *event.Event) bool {
	server, user := ev.ServerID(), ev.UserID()
	if server == "" || user == "" || d.perms == nil {
		return true
	}
	lvl, err := d.perms.UserLevel(ctx, server, user)
	if err != nil {
		d.log.Warn("permission lookup failed",
			logx.String("plugin", desc.Plugin),
			logx.String("handler", desc.Name),
			logx.String("server", server),
			logx.String("user", user),
			logx.Err(err),
		)
		return false
	}
	return lvl.Satisfies(desc.Permission)
}

// channelEnabled is the opt-in channel filter. A command is enabled when any
// of its aliases was explicitly enabled for the channel.
func (d *Dispatcher) channelEnabled(ctx context.Context, desc *registry.Descriptor, ev *event.Event) bool {
	server, channel := ev.ServerID(), ev.ChannelID()
	if channel == "" || d.perms == nil {
		return false
	}
	ok, err := d.perms.ChannelEnabled(ctx, server, channel, desc.Aliases...)
	if err != nil {
		d.log.Warn("channel permission lookup failed",
			logx.String("plugin", desc.Plugin),
			logx.String("handler", desc.Name),
			logx.String("server", server),
			logx.String("channel", channel),
			logx.Err(err),
		)
		return false
	}
	return ok
}
