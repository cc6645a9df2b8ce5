package echo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huniebot/internal/event"
	"huniebot/internal/plugin"
	"huniebot/internal/registry"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) SendText(_ context.Context, _ string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func TestEchoUsesSettings(t *testing.T) {
	p, err := New(plugin.Deps{Settings: json.RawMessage(`{"prefix":"> "}`)})
	require.NoError(t, err)
	hs := p.Handlers()
	require.Len(t, hs, 2)

	out := &recorder{}
	ev := &event.Event{
		Kind:    event.KindMessage,
		Channel: &event.Channel{ID: "c"},
		Client:  out,
		Command: &event.Command{Name: "echo", Params: []string{"hello", "there"}},
	}
	require.NoError(t, hs[0].Fn(context.Background(), registry.Args{ev, ev.Command}))

	require.NoError(t, p.(plugin.Configurable).OnConfigChange(context.Background(), json.RawMessage(`{"prefix":"# "}`)))
	ev.Command.Params = nil
	require.NoError(t, hs[0].Fn(context.Background(), registry.Args{ev, ev.Command}))

	assert.Equal(t, []string{"> hello there", "# (empty)"}, out.sent)
}

func TestGreeting(t *testing.T) {
	p, err := New(plugin.Deps{Settings: json.RawMessage(`{"prefix":"","greeting":"welcome {user}"}`)})
	require.NoError(t, err)
	out := &recorder{}
	ev := &event.Event{
		Kind:    event.KindUserJoined,
		Channel: &event.Channel{ID: "c"},
		User:    &event.Member{ID: "9", Username: "zoe"},
		Client:  out,
	}
	require.NoError(t, p.Handlers()[1].Fn(context.Background(), registry.Args{ev}))
	assert.Equal(t, []string{"welcome zoe"}, out.sent)
}

func TestBadSettingsRejected(t *testing.T) {
	_, err := New(plugin.Deps{Settings: json.RawMessage(`{"shout":true}`)})
	require.Error(t, err)
}

func TestRegistersCleanly(t *testing.T) {
	p, err := New(plugin.Deps{})
	require.NoError(t, err)
	_, err = registry.New().Register(p, nil)
	require.NoError(t, err)
}
