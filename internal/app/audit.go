package app

import (
	"context"
	"fmt"
	"time"

	"huniebot/internal/eventbus"
	"huniebot/internal/storage"
	logx "huniebot/pkg/logx"
)

const (
	actionSetUserLevel      = "set_user_level"
	actionSetChannelCommand = "set_channel_command"
)

// startAuditWriter records every permission change in the store's audit log.
func (a *App) startAuditWriter() {
	events, unsub := a.bus.Subscribe(128, eventbus.TopicPermissionChanged)
	a.sup.Go0("audit.writer", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				pc, ok := ev.Data.(eventbus.PermissionChanged)
				if !ok {
					continue
				}
				entry := auditEntry(ev.Time, pc)
				wctx, cancel := context.WithTimeout(c, 5*time.Second)
				err := a.store.AppendAudit(wctx, entry)
				cancel()
				if err != nil {
					a.log.Warn("audit write failed", logx.String("action", entry.Action), logx.Err(err))
				}
			}
		}
	})
}

func auditEntry(at time.Time, pc eventbus.PermissionChanged) storage.AuditEntry {
	if at.IsZero() {
		at = time.Now()
	}
	e := storage.AuditEntry{At: at.UTC(), Actor: pc.Actor, Server: pc.Server}
	if pc.Command != "" {
		e.Action = actionSetChannelCommand
		e.Target = pc.Channel
		e.Detail = fmt.Sprintf("%s=%t", pc.Command, pc.Enabled)
		return e
	}
	e.Action = actionSetUserLevel
	e.Target = pc.User
	e.Detail = pc.Level
	return e
}
