// Package permission answers "may this user run this" and "is this command
// enabled in this channel" with an in-process cache in front of storage.
package permission

import (
	"context"
	"errors"

	"huniebot/internal/event"
)

var ErrReadOnly = errors.New("permission store is read-only")

// Reader is the lookup side used by the dispatcher and by plugins.
type Reader interface {
	// UserLevel returns event.User for users that were never assigned a level.
	UserLevel(ctx context.Context, server, user string) (event.Level, error)
	// ChannelEnabled reports whether any of commands was explicitly enabled
	// for the channel. Unset commands are disabled.
	ChannelEnabled(ctx context.Context, server, channel string, commands ...string) (bool, error)
}

// Store adds the administrative writes.
type Store interface {
	Reader
	SetUserLevel(ctx context.Context, server, user string, lvl event.Level) error
	SetChannelEnabled(ctx context.Context, server, channel string, enabled bool, commands ...string) error
}

type readOnly struct{ r Reader }

// ReadOnly wraps r so that writes fail with ErrReadOnly.
func ReadOnly(r Reader) Store { return readOnly{r: r} }

func (v readOnly) UserLevel(ctx context.Context, server, user string) (event.Level, error) {
	return v.r.UserLevel(ctx, server, user)
}

func (v readOnly) ChannelEnabled(ctx context.Context, server, channel string, commands ...string) (bool, error) {
	return v.r.ChannelEnabled(ctx, server, channel, commands...)
}

func (readOnly) SetUserLevel(context.Context, string, string, event.Level) error {
	return ErrReadOnly
}

func (readOnly) SetChannelEnabled(context.Context, string, string, bool, ...string) error {
	return ErrReadOnly
}
