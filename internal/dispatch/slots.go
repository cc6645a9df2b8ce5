package dispatch

import (
	"huniebot/internal/registry"
	logx "huniebot/pkg/logx"
)

// resolve builds handler arguments from the declared slots. A facet the
// event does not carry resolves to nil; so does a missing capability, which
// is logged without stopping the invocation.
func (d *Dispatcher) resolve(inv *Invocation) registry.Args {
	slots := inv.Descriptor.Slots
	ev := inv.Event
	if len(slots) == 1 && slots[0].Kind == registry.SlotEvent {
		return registry.Args{ev}
	}

	args := make(registry.Args, len(slots))
	for i, s := range slots {
		switch s.Kind {
		case registry.SlotEvent:
			args[i] = ev
		case registry.SlotFlags:
			args[i] = ev.Flags()
		case registry.SlotMessage:
			if ev.Message != nil {
				args[i] = ev.Message
			}
		case registry.SlotCommand:
			if ev.Command != nil {
				args[i] = ev.Command
			}
		case registry.SlotCapability:
			v, ok := inv.Wrapper.Capability(s.Capability)
			if !ok {
				inv.Logger.Error("capability not provided",
					logx.Int("slot", i),
					logx.String("capability", s.Capability),
				)
				continue
			}
			args[i] = v
		}
	}
	return args
}
