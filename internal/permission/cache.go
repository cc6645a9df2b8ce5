package permission

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"huniebot/internal/event"
	"huniebot/internal/storage"
)

type userKey struct{ server, user string }

type channelKey struct{ server, channel, command string }

// Cache is a read-through, write-through Store over a storage backend.
// Entries never expire; this process is the only writer.
type Cache struct {
	backend storage.Store

	mu       sync.Mutex
	users    map[userKey]event.Level
	channels map[channelKey]bool
}

func NewCache(backend storage.Store) *Cache {
	return &Cache{
		backend:  backend,
		users:    map[userKey]event.Level{},
		channels: map[channelKey]bool{},
	}
}

func (c *Cache) UserLevel(ctx context.Context, server, user string) (event.Level, error) {
	k := userKey{server, user}
	c.mu.Lock()
	defer c.mu.Unlock()
	if lvl, ok := c.users[k]; ok {
		return lvl, nil
	}
	lvl, ok, err := c.backend.GetUserLevel(ctx, server, user)
	if err != nil {
		return 0, fmt.Errorf("load user level: %w", err)
	}
	if !ok {
		// The default is cached but not persisted.
		lvl = event.User
	}
	c.users[k] = lvl
	return lvl, nil
}

func (c *Cache) ChannelEnabled(ctx context.Context, server, channel string, commands ...string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cmd := range commands {
		k := channelKey{server, channel, strings.ToLower(cmd)}
		en, ok := c.channels[k]
		if !ok {
			var found bool
			var err error
			en, found, err = c.backend.GetChannelCommand(ctx, k.server, k.channel, k.command)
			if err != nil {
				return false, fmt.Errorf("load channel command: %w", err)
			}
			if !found {
				en = false
			}
			c.channels[k] = en
		}
		if en {
			return true, nil
		}
	}
	return false, nil
}

// SetUserLevel persists first; a backend failure leaves the cache as it was.
func (c *Cache) SetUserLevel(ctx context.Context, server, user string, lvl event.Level) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backend.PutUserLevel(ctx, server, user, lvl); err != nil {
		return fmt.Errorf("store user level: %w", err)
	}
	c.users[userKey{server, user}] = lvl
	return nil
}

func (c *Cache) SetChannelEnabled(ctx context.Context, server, channel string, enabled bool, commands ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cmd := range commands {
		k := channelKey{server, channel, strings.ToLower(cmd)}
		if err := c.backend.PutChannelCommand(ctx, k.server, k.channel, k.command, enabled); err != nil {
			return fmt.Errorf("store channel command %q: %w", k.command, err)
		}
		c.channels[k] = enabled
	}
	return nil
}
