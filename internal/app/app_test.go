package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huniebot/internal/config"
	"huniebot/internal/event"
	"huniebot/internal/eventbus"
	"huniebot/internal/transport"
)

type fakeAdapter struct {
	mu      sync.Mutex
	out     chan<- transport.RawEvent
	sent    []string
	status  []string
	hints   []transport.CommandHint
	stopped bool
}

func (f *fakeAdapter) Name() string             { return "fake" }
func (f *fakeAdapter) Sender() transport.Sender { return f }

func (f *fakeAdapter) Start(_ context.Context, out chan<- transport.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = out
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAdapter) SetStatus(_ context.Context, s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, s)
	return nil
}

func (f *fakeAdapter) PublishCommands(_ context.Context, hints []transport.CommandHint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = hints
	return nil
}

func (f *fakeAdapter) inject(raw transport.RawEvent) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	raw.Client = f
	out <- raw
}

func (f *fakeAdapter) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.status...)
}

func writeConfig(t *testing.T, dir string, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Owners = []string{"owner1"}
	cfg.Logging.Level = "error"
	cfg.Logging.Console = false
	cfg.Storage.Driver = "file"
	cfg.Storage.Path = filepath.Join(dir, "data", "perms.json")
	cfg.Plugins.Dir = filepath.Join(dir, "modules")
	if mutate != nil {
		mutate(cfg)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func startApp(t *testing.T, dir string) (*App, *fakeAdapter) {
	t.Helper()
	fa := &fakeAdapter{}
	a, err := New(writeConfig(t, dir, nil), WithAdapter(fa), WithoutEnv())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, fa
}

func message(user, text string) transport.RawEvent {
	return transport.RawEvent{
		Kind:    transport.RawMessage,
		Server:  &transport.Ref{ID: "s1"},
		Channel: &transport.Ref{ID: "c1"},
		User:    &transport.Ref{ID: user, Name: user},
		Text:    text,
	}
}

func TestPingRoundTrip(t *testing.T) {
	t.Parallel()
	a, fa := startApp(t, t.TempDir())

	_, ok := a.Registry().Lookup("core")
	require.True(t, ok)

	fa.inject(message("u1", ".ping"))
	require.Eventually(t, func() bool {
		r := fa.replies()
		return len(r) == 1 && r[0] == "pong"
	}, 2*time.Second, 10*time.Millisecond)

	fa.inject(message("u1", "ping"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fa.replies(), 1, "plain text is not a command")
}

func TestMenuPublishedOnStart(t *testing.T) {
	t.Parallel()
	_, fa := startApp(t, t.TempDir())

	fa.mu.Lock()
	defer fa.mu.Unlock()
	names := make([]string, 0, len(fa.hints))
	for _, h := range fa.hints {
		names = append(names, h.Name)
	}
	assert.Contains(t, names, "ping")
	assert.Contains(t, names, "setperm")
}

func TestPermissionChangeIsAudited(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, fa := startApp(t, dir)

	fa.inject(message("owner1", ".setperm <@222> moderator"))
	require.Eventually(t, func() bool {
		lvl, err := a.Permissions().UserLevel(context.Background(), "s1", "222")
		return err == nil && lvl == event.Moderator
	}, 2*time.Second, 10*time.Millisecond)

	auditPath := filepath.Join(dir, "data", "perms.audit.jsonl")
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(auditPath)
		return err == nil && strings.Contains(string(b), actionSetUserLevel)
	}, 2*time.Second, 10*time.Millisecond)

	b, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"actor":"owner1"`)
	assert.Contains(t, string(b), `"target":"222"`)
}

func TestConnectedReappliesStatus(t *testing.T) {
	t.Parallel()
	_, fa := startApp(t, t.TempDir())

	fa.inject(transport.RawEvent{Kind: transport.RawConnected, User: &transport.Ref{ID: "bot"}, UserBot: true})
	require.Eventually(t, func() bool {
		s := fa.statuses()
		return len(s) == 1 && s[0] == config.Default().Transport.Status
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReloadAppliesPrefix(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, fa := startApp(t, dir)
	events, unsub := a.Bus().Subscribe(4, eventbus.TopicConfigReloaded)
	defer unsub()

	writeConfig(t, dir, func(c *config.Config) {
		c.CommandPrefix = "!"
		c.Transport.Status = "reloaded"
	})
	require.NoError(t, a.cfgm.Reload(context.Background()))

	select {
	case ev := <-events:
		assert.Contains(t, ev.Data, "command_prefix")
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event")
	}
	assert.Contains(t, fa.statuses(), "reloaded")

	fa.inject(message("u1", "!ping"))
	require.Eventually(t, func() bool {
		r := fa.replies()
		return len(r) == 1 && r[0] == "pong"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReloadRejectsDriverSwitch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, _ := startApp(t, dir)

	writeConfig(t, dir, func(c *config.Config) { c.Transport.Driver = "telegram" })
	err := a.cfgm.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport.driver")
	assert.Equal(t, "discord", a.cfgm.Get().Transport.Driver)
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	a, err := New(writeConfig(t, t.TempDir(), nil), WithAdapter(fa), WithoutEnv())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSignal))
	require.NoError(t, a.Stop(ctx, StopSignal))

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	fa.mu.Lock()
	assert.True(t, fa.stopped)
	fa.mu.Unlock()
}

func TestAuditEntryShapes(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	e := auditEntry(at, eventbus.PermissionChanged{Actor: "a", Server: "s", User: "u", Level: "Moderator"})
	assert.Equal(t, actionSetUserLevel, e.Action)
	assert.Equal(t, "u", e.Target)
	assert.Equal(t, "Moderator", e.Detail)

	e = auditEntry(at, eventbus.PermissionChanged{Actor: "a", Server: "s", Channel: "c", Command: "roll", Enabled: true})
	assert.Equal(t, actionSetChannelCommand, e.Action)
	assert.Equal(t, "c", e.Target)
	assert.Equal(t, "roll=true", e.Detail)
	assert.Equal(t, at, e.At)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), func(c *config.Config) { c.Transport.Driver = "irc" })
	_, err := New(path, WithoutEnv())
	require.Error(t, err)
}
