package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"huniebot/internal/event"
	"huniebot/internal/registry"
	logx "huniebot/pkg/logx"
)

// Invocation is one matched handler about to run for one event.
type Invocation struct {
	Wrapper    *registry.Wrapper
	Descriptor *registry.Descriptor
	Event      *event.Event
	Args       registry.Args
	Logger     logx.Logger
}

type Call func(ctx context.Context, inv *Invocation) error

type Middleware func(next Call) Call

func Chain(h Call, m ...Middleware) Call {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// invoke is the innermost Call.
func invoke(ctx context.Context, inv *Invocation) error {
	return inv.Descriptor.Fn(ctx, inv.Args)
}

// PanicError is returned by MWPanicRecover when a handler panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func MWTimeout(d time.Duration) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context, inv *Invocation) error {
			if d <= 0 {
				return next(ctx, inv)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, inv)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context, inv *Invocation) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if inv != nil && !inv.Logger.IsZero() {
						logger = inv.Logger
					}
					stack := string(debug.Stack())
					logger.Error("handler panic recovered",
						logx.Any("panic", r),
						logx.Stack(stack),
					)
					err = &PanicError{Value: r, Stack: stack}
				}
			}()
			return next(ctx, inv)
		}
	}
}

func MWHandlerLog(log logx.Logger) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context, inv *Invocation) error {
			start := time.Now()
			logger := log
			if inv != nil && !inv.Logger.IsZero() {
				logger = inv.Logger
			}
			err := next(ctx, inv)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("flags", inv.Event.Flags().String()),
				logx.String("server", inv.Event.ServerID()),
				logx.String("channel", inv.Event.ChannelID()),
				logx.String("user", inv.Event.UserID()),
				logx.Duration("dur", d),
			}
			if inv.Event.Command != nil {
				fields = append(fields, logx.String("cmd", inv.Event.Command.Key()))
			}
			if err != nil {
				logger.Warn("handler failed", append(fields, logx.Err(err))...)
			} else if d >= 750*time.Millisecond {
				logger.Info("handler ok", fields...)
			} else {
				logger.Debug("handler ok", fields...)
			}
			return err
		}
	}
}
