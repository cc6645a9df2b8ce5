// Package wasm loads sandboxed WebAssembly plugins described by a
// plugin.yaml manifest. Each module gets its own wazero runtime so the
// manifest's memory cap applies to it alone.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"huniebot/internal/event"
	"huniebot/internal/registry"
	logx "huniebot/pkg/logx"
)

var (
	ErrTimeout = errors.New("wasm handler timed out")
	ErrClosed  = errors.New("wasm module closed")
)

// Module is a loaded guest. It satisfies registry.Plugin.
type Module struct {
	manifest Manifest
	timeout  time.Duration
	log      logx.Logger

	rt       wazero.Runtime
	compiled wazero.CompiledModule
	handlers []registry.Handler

	// mu serializes guest calls; linear memory is not shared safely.
	mu     sync.Mutex
	mod    api.Module
	closed bool
}

// Load compiles the manifest's binary, resolved against dir, and runs the
// guest's optional _init export.
func Load(ctx context.Context, man Manifest, dir string, log logx.Logger) (*Module, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout, err := man.execTimeout()
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", man.Name, err)
	}
	bin, err := os.ReadFile(filepath.Join(dir, man.Binary))
	if err != nil {
		return nil, fmt.Errorf("module %s: read binary: %w", man.Name, err)
	}

	m := &Module{
		manifest: man,
		timeout:  timeout,
		log:      log.With(logx.String("comp", "wasm"), logx.String("module", man.Name)),
	}
	if m.handlers, err = man.handlers(m.invoke); err != nil {
		return nil, fmt.Errorf("module %s: %w", man.Name, err)
	}

	m.rt = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(man.memoryPages()))
	fail := func(err error) (*Module, error) {
		_ = m.rt.Close(context.Background())
		return nil, fmt.Errorf("module %s: %w", man.Name, err)
	}

	if err := instantiateHost(ctx, m.rt, m.log); err != nil {
		return fail(err)
	}
	if m.compiled, err = m.rt.CompileModule(ctx, bin); err != nil {
		return fail(fmt.Errorf("compile: %w", err))
	}
	exports := m.compiled.ExportedFunctions()
	for _, name := range []string{"malloc", "free", "handle"} {
		if _, ok := exports[name]; !ok {
			return fail(fmt.Errorf("guest does not export %s", name))
		}
	}
	if err := m.instantiate(ctx); err != nil {
		return fail(err)
	}
	if fn := m.mod.ExportedFunction("_init"); fn != nil {
		ictx, cancel := context.WithTimeout(ctx, m.timeout)
		_, err := fn.Call(ictx)
		cancel()
		if err != nil {
			return fail(fmt.Errorf("_init: %w", err))
		}
	}

	m.log.Info("wasm module loaded",
		logx.String("binary", man.Binary),
		logx.Int("handlers", len(m.handlers)),
		logx.Uint64("max_memory_mb", uint64(man.memoryPages()/16)),
		logx.Duration("exec_timeout", m.timeout),
	)
	return m, nil
}

func (m *Module) instantiate(ctx context.Context) error {
	mod, err := m.rt.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().
		WithName(m.manifest.Name).
		WithStartFunctions())
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	m.mod = mod
	return nil
}

func (m *Module) Name() string { return m.manifest.Name }

func (m *Module) Description() string { return m.manifest.Description }

func (m *Module) Handlers() []registry.Handler { return m.handlers }

// guestEvent is the JSON document handle receives.
type guestEvent struct {
	Handler string         `json:"handler"`
	Kind    string         `json:"kind"`
	Flags   string         `json:"flags"`
	Private bool           `json:"private,omitempty"`
	Server  *event.Server  `json:"server,omitempty"`
	Channel *event.Channel `json:"channel,omitempty"`
	User    *event.Member  `json:"user,omitempty"`
	Message *event.Message `json:"message,omitempty"`
	Command *event.Command `json:"command,omitempty"`
}

func newGuestEvent(handler string, ev *event.Event) guestEvent {
	return guestEvent{
		Handler: handler,
		Kind:    ev.Kind.String(),
		Flags:   ev.Flags().String(),
		Private: ev.Private,
		Server:  ev.Server,
		Channel: ev.Channel,
		User:    ev.User,
		Message: ev.Message,
		Command: ev.Command,
	}
}

func (m *Module) invoke(handler string) registry.HandlerFunc {
	return func(ctx context.Context, args registry.Args) error {
		ev := args.Event(0)
		if ev == nil {
			return errors.New("wasm handler called without an event")
		}
		return m.Handle(ctx, handler, ev)
	}
}

// Handle runs the guest's handle export for one event. A guest that is
// closed by a timeout is instantiated again on the next call.
func (m *Module) Handle(ctx context.Context, handler string, ev *event.Event) error {
	payload, err := json.Marshal(newGuestEvent(handler, ev))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.mod == nil || m.mod.IsClosed() {
		m.log.Debug("re-instantiating guest")
		if err := m.instantiate(context.Background()); err != nil {
			return err
		}
	}

	c := &call{ev: ev, log: m.log.With(logx.String("handler", handler))}
	execCtx, cancel := context.WithTimeout(withCall(ctx, c), m.timeout)
	defer cancel()

	mod := m.mod
	ptr, size, err := writeBytes(execCtx, mod, payload)
	if err != nil {
		return err
	}
	defer freeBytes(context.Background(), mod, ptr, size)

	res, err := mod.ExportedFunction("handle").Call(execCtx, uint64(ptr), uint64(size))
	if err != nil {
		if execCtx.Err() != nil {
			return fmt.Errorf("%w after %s", ErrTimeout, m.timeout)
		}
		return fmt.Errorf("handle %s: %w", handler, err)
	}
	if len(res) > 0 {
		if status := int32(res[0]); status != 0 {
			return fmt.Errorf("handle %s: guest returned status %d", handler, status)
		}
	}
	return nil
}

// Stop calls the guest's optional _close and releases the runtime.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.mod != nil && !m.mod.IsClosed() {
		if fn := m.mod.ExportedFunction("_close"); fn != nil {
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			if _, err := fn.Call(cctx); err != nil {
				m.log.Warn("wasm _close failed", logx.Err(err))
			}
			cancel()
		}
	}
	return m.rt.Close(context.Background())
}
