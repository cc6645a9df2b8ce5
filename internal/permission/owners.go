package permission

import (
	"context"

	"huniebot/internal/event"
)

type owners struct {
	Store
	list func() []string
}

// WithOwners reports Owner for every user in list() regardless of what s
// holds, on every server. list is read on each lookup so config reloads take
// effect immediately. Writes pass through unchanged.
func WithOwners(s Store, list func() []string) Store {
	if list == nil {
		return s
	}
	return owners{Store: s, list: list}
}

func (o owners) UserLevel(ctx context.Context, server, user string) (event.Level, error) {
	if user != "" {
		for _, id := range o.list() {
			if id == user {
				return event.Owner, nil
			}
		}
	}
	return o.Store.UserLevel(ctx, server, user)
}
