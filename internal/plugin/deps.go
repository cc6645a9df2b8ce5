package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"huniebot/internal/config"
	"huniebot/internal/eventbus"
	"huniebot/internal/permission"
	"huniebot/internal/registry"
	logx "huniebot/pkg/logx"
)

// Deps is what a plugin receives at construction. Perms is read-only for
// every plugin except the core one.
type Deps struct {
	Name     string
	Log      logx.Logger
	Perms    permission.Store
	Meta     *registry.Metadata
	Bus      eventbus.Bus
	Config   func() *config.Config
	Settings json.RawMessage
	Caps     registry.Capabilities
}

// Publish posts data on the host bus under topic.
func (d Deps) Publish(topic string, data any) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(eventbus.Event{Topic: topic, Time: time.Now(), Data: data})
}

// Starter is implemented by plugins with background work.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is called in reverse load order at shutdown.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Configurable receives the plugin's settings whenever they change.
type Configurable interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// CapabilityProvider adds plugin-specific capability entries on top of the
// host's shared map.
type CapabilityProvider interface {
	Capabilities() registry.Capabilities
}

// DecodeSettings strictly decodes raw over def. Empty input returns def.
func DecodeSettings[T any](raw json.RawMessage, def T) (T, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return def, nil
	}
	out := def
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return def, fmt.Errorf("plugin settings: %w", err)
	}
	return out, nil
}
