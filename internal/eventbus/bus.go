// Package eventbus carries host notifications (plugin loads, handler
// failures, permission changes) between components that should not import
// each other.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the host.
const (
	TopicPluginLoaded      = "plugin.loaded"
	TopicPluginRejected    = "plugin.rejected"
	TopicHandlerFailed     = "handler.failed"
	TopicPermissionChanged = "permission.changed"
	TopicConfigReloaded    = "config.reloaded"
)

// Event is a small in-memory signal.
//
// Publish never blocks. Each subscriber has a bounded buffer and misses
// events while it is full; Dropped reports how many.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

type PluginLoaded struct {
	Name     string
	Tier     string
	Handlers int
}

type PluginRejected struct {
	Name string
	Tier string
	Err  string
}

type HandlerFailed struct {
	Plugin  string
	Handler string
	Err     string
	Panic   bool
}

// PermissionChanged describes one administrative write. For user level
// changes Channel and Command are empty.
type PermissionChanged struct {
	Actor   string
	Server  string
	User    string
	Level   string
	Channel string
	Command string
	Enabled bool
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose topic is in topics, or every event when
	// topics is empty.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	topics map[string]struct{}
}

func (s *sub) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Topic) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch between the snapshot and the send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
