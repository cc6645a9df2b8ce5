package plugin

import (
	"sort"
	"strings"
	"sync"

	"huniebot/internal/registry"
)

// Factory builds a compiled-in plugin from its dependencies.
type Factory func(Deps) (registry.Plugin, error)

// Entry is one catalog registration.
type Entry struct {
	Name    string
	Factory Factory
}

var (
	catalogMu sync.RWMutex
	catalog   = map[string]Entry{}
)

// Register makes a compiled-in plugin available by name. It is meant to be
// called from init; a nil factory or a duplicate name panics.
func Register(name string, f Factory) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	if f == nil {
		panic("plugin: Register factory is nil")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		panic("plugin: Register name is empty")
	}
	if _, dup := catalog[key]; dup {
		panic("plugin: Register called twice for " + name)
	}
	catalog[key] = Entry{Name: name, Factory: f}
}

// Factories returns the catalog sorted by name.
func Factories() []Entry {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	out := make([]Entry, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}
