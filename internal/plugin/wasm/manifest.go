package wasm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"huniebot/internal/event"
	"huniebot/internal/registry"
)

const (
	defaultExecTimeout = 5 * time.Second
	defaultMemoryMB    = 16
)

// Manifest is a module's plugin.yaml.
type Manifest struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Binary      string        `yaml:"binary"`
	ExecTimeout string        `yaml:"exec_timeout"`
	MaxMemoryMB int           `yaml:"max_memory_mb"`
	Handlers    []HandlerSpec `yaml:"handlers"`
}

// HandlerSpec declares one guest entry point. Flags use the "A|B" names of
// event.ParseFlag; Permission uses event.ParseLevel names.
type HandlerSpec struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"` // event | command
	Flags       string   `yaml:"flags"`
	Permission  string   `yaml:"permission"`
	Aliases     []string `yaml:"aliases"`
	Filterable  bool     `yaml:"filterable"`
	Description string   `yaml:"description"`
}

func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", path, err)
	}
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return m, fmt.Errorf("%s: name is required", path)
	}
	if strings.TrimSpace(m.Binary) == "" {
		return m, fmt.Errorf("%s: binary is required", path)
	}
	return m, nil
}

func (m Manifest) execTimeout() (time.Duration, error) {
	if strings.TrimSpace(m.ExecTimeout) == "" {
		return defaultExecTimeout, nil
	}
	d, err := time.ParseDuration(m.ExecTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("exec_timeout: invalid duration %q", m.ExecTimeout)
	}
	return d, nil
}

// memoryPages converts max_memory_mb to 64 KiB wasm pages.
func (m Manifest) memoryPages() uint32 {
	mb := m.MaxMemoryMB
	if mb <= 0 {
		mb = defaultMemoryMB
	}
	return uint32(mb) * 16
}

// handlers turns the specs into registry declarations bound to fn. Shape
// errors (missing alias, structural flag on a command) are left to
// registry.Register.
func (m Manifest) handlers(fn func(name string) registry.HandlerFunc) ([]registry.Handler, error) {
	out := make([]registry.Handler, 0, len(m.Handlers))
	for i, h := range m.Handlers {
		name := strings.TrimSpace(h.Name)
		if name == "" {
			return nil, fmt.Errorf("handlers[%d]: name is required", i)
		}
		flags, err := event.ParseFlag(h.Flags)
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", name, err)
		}
		perm := event.User
		if strings.TrimSpace(h.Permission) != "" {
			if perm, err = event.ParseLevel(h.Permission); err != nil {
				return nil, fmt.Errorf("handler %s: %w", name, err)
			}
		}
		decl := registry.Handler{
			Name:  name,
			Slots: registry.Params(registry.SlotEvent),
			Fn:    fn(name),
		}
		switch strings.ToLower(strings.TrimSpace(h.Kind)) {
		case "event":
			decl.OnEvent = &registry.EventMarker{Flags: flags, Permission: perm}
		case "command":
			decl.OnCommand = &registry.CommandMarker{
				Flags:       flags,
				Permission:  perm,
				Aliases:     h.Aliases,
				Filterable:  h.Filterable,
				Description: h.Description,
			}
		default:
			return nil, fmt.Errorf("handler %s: kind must be event or command, got %q", name, h.Kind)
		}
		out = append(out, decl)
	}
	if len(out) == 0 {
		return nil, errors.New("manifest declares no handlers")
	}
	return out, nil
}
