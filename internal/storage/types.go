package storage

import (
	"context"
	"errors"
	"time"

	"huniebot/internal/event"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database at Path
//   - "file": Path names the snapshot; journal and audit files sit beside it
//   - "memory": Path is ignored
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means driver default
}

// Store is the durable side of the permission store. Getters report ok=false
// for keys that were never written; defaults are the caller's business.
type Store interface {
	GetUserLevel(ctx context.Context, server, user string) (lvl event.Level, ok bool, err error)
	PutUserLevel(ctx context.Context, server, user string, lvl event.Level) error

	GetChannelCommand(ctx context.Context, server, channel, command string) (enabled, ok bool, err error)
	PutChannelCommand(ctx context.Context, server, channel, command string, enabled bool) error

	AppendAudit(ctx context.Context, e AuditEntry) error

	// Maintain compacts or checkpoints the backend. Safe to call at any time.
	Maintain(ctx context.Context) error
	Close() error
}

// AuditEntry records one administrative action.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Server string    `json:"server,omitempty"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

type userKey struct {
	Server string
	User   string
}

type channelKey struct {
	Server  string
	Channel string
	Command string
}
