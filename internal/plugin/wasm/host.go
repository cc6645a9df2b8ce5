package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"huniebot/internal/event"
	logx "huniebot/pkg/logx"
)

// HostModule is the import namespace guests link against.
const HostModule = "huniebot_v1"

// call is the state of one in-flight handle invocation. Host functions find
// it through the call context.
type call struct {
	ev      *event.Event
	log     logx.Logger
	replies int
}

type callKey struct{}

func withCall(ctx context.Context, c *call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

func callFrom(ctx context.Context) *call {
	c, _ := ctx.Value(callKey{}).(*call)
	return c
}

// instantiateHost registers reply(ptr, len) and log(level, ptr, len).
func instantiateHost(ctx context.Context, rt wazero.Runtime, base logx.Logger) error {
	b := rt.NewHostModuleBuilder(HostModule)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			c := callFrom(ctx)
			if c == nil {
				base.Warn("wasm reply outside of a handler call")
				return
			}
			text, err := readBytes(mod, uint32(stack[0]), uint32(stack[1]))
			if err != nil {
				c.log.Warn("wasm reply: read failed", logx.Err(err))
				return
			}
			if err := c.ev.Reply(ctx, string(text)); err != nil {
				c.log.Warn("wasm reply failed", logx.Err(err))
				return
			}
			c.replies++
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("reply")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			log := base
			if c := callFrom(ctx); c != nil {
				log = c.log
			}
			msg, err := readBytes(mod, uint32(stack[1]), uint32(stack[2]))
			if err != nil {
				log.Warn("wasm log: read failed", logx.Err(err))
				return
			}
			switch level := int32(stack[0]); {
			case level <= 0:
				log.Debug(string(msg))
			case level == 1:
				log.Info(string(msg))
			case level == 2:
				log.Warn(string(msg))
			default:
				log.Error(string(msg))
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("log")

	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}
	return nil
}
