// Package dispatch selects the handlers an event should reach and runs them
// concurrently, isolating their failures from one another.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"huniebot/internal/event"
	"huniebot/internal/eventbus"
	"huniebot/internal/permission"
	"huniebot/internal/registry"
	logx "huniebot/pkg/logx"
)

// Result summarizes one Dispatch call.
type Result struct {
	Matched int
	Failed  int
}

type Options struct {
	Log logx.Logger
	// Bus receives handler.failed notifications. Optional.
	Bus eventbus.Bus
	// HandlerTimeout bounds each handler's context. Zero disables it.
	HandlerTimeout time.Duration
}

type Dispatcher struct {
	reg   *registry.Registry
	perms permission.Reader
	log   logx.Logger
	bus   eventbus.Bus

	timeout atomic.Int64
}

func New(reg *registry.Registry, perms permission.Reader, opt Options) *Dispatcher {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		reg:   reg,
		perms: perms,
		log:   log.With(logx.String("comp", "dispatch")),
		bus:   opt.Bus,
	}
	d.SetHandlerTimeout(opt.HandlerTimeout)
	return d
}

// SetHandlerTimeout applies to dispatches started after the call.
func (d *Dispatcher) SetHandlerTimeout(t time.Duration) {
	if t < 0 {
		t = 0
	}
	d.timeout.Store(int64(t))
}

func (d *Dispatcher) chain() Call {
	return Chain(invoke,
		MWPanicRecover(d.log),
		MWHandlerLog(d.log),
		MWTimeout(time.Duration(d.timeout.Load())),
	)
}

// Dispatch runs every matching handler in its own goroutine and waits for all
// of them. Plugins are visited in registration order and handlers in
// declaration order; that order only affects when goroutines start.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) Result {
	if ev == nil {
		return Result{}
	}
	call := d.chain()

	var (
		wg      sync.WaitGroup
		failed  atomic.Int64
		matched int
	)
	for _, w := range d.reg.Wrappers() {
		for _, desc := range w.Descriptors {
			if !d.matches(ctx, desc, ev) {
				continue
			}
			matched++
			inv := &Invocation{
				Wrapper:    w,
				Descriptor: desc,
				Event:      ev,
				Logger: d.log.With(
					logx.String("plugin", w.Name),
					logx.String("handler", desc.Name),
				),
			}
			inv.Args = d.resolve(inv)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := call(ctx, inv); err != nil {
					failed.Add(1)
					d.publishFailure(inv, err)
				}
			}()
		}
	}
	wg.Wait()
	return Result{Matched: matched, Failed: int(failed.Load())}
}

func (d *Dispatcher) publishFailure(inv *Invocation, err error) {
	if d.bus == nil {
		return
	}
	var pe *PanicError
	d.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicHandlerFailed,
		Data: eventbus.HandlerFailed{
			Plugin:  inv.Wrapper.Name,
			Handler: inv.Descriptor.Name,
			Err:     err.Error(),
			Panic:   errors.As(err, &pe),
		},
	})
}
