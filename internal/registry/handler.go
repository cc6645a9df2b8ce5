// Package registry validates plugin handler declarations and keeps the
// append-only list of accepted plugins.
package registry

import (
	"context"

	"huniebot/internal/event"
)

// Plugin is the only contract between the host and a plugin: a display name
// and the handlers it declares.
type Plugin interface {
	Name() string
	Handlers() []Handler
}

// HandlerFunc receives its arguments in the order of Handler.Slots.
type HandlerFunc func(ctx context.Context, args Args) error

// Handler is a plugin's declaration of one entry point. Exactly one of
// OnEvent and OnCommand must be set; with neither the handler is ignored.
type Handler struct {
	Name      string
	OnEvent   *EventMarker
	OnCommand *CommandMarker
	Slots     []Slot
	Fn        HandlerFunc
}

// EventMarker declares a lifecycle event handler.
type EventMarker struct {
	Flags      event.Flag
	Permission event.Level
}

// CommandMarker declares a command handler.
type CommandMarker struct {
	Flags       event.Flag
	Permission  event.Level
	Aliases     []string
	Filterable  bool
	Description string
}

// SlotKind is the closed set of argument kinds the dispatcher can supply.
type SlotKind uint8

const (
	SlotEvent SlotKind = iota + 1
	SlotMessage
	SlotCommand
	SlotFlags
	SlotCapability
)

func (k SlotKind) String() string {
	switch k {
	case SlotEvent:
		return "event"
	case SlotMessage:
		return "message"
	case SlotCommand:
		return "command"
	case SlotFlags:
		return "flags"
	case SlotCapability:
		return "capability"
	default:
		return "unknown"
	}
}

// Slot is one declared argument. Capability names the capability map entry
// for SlotCapability slots.
type Slot struct {
	Kind       SlotKind
	Capability string
}

// Params builds slots for the contextual kinds.
func Params(kinds ...SlotKind) []Slot {
	out := make([]Slot, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, Slot{Kind: k})
	}
	return out
}

// Cap is a SlotCapability slot for the named entry.
func Cap(name string) Slot { return Slot{Kind: SlotCapability, Capability: name} }

// Capabilities are plugin-specific dependencies supplied at construction time.
type Capabilities map[string]any

// Args holds resolved handler arguments. Accessors return the zero value when
// the slot is out of range or resolved to nil.
type Args []any

func (a Args) at(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

func (a Args) Event(i int) *event.Event {
	v, _ := a.at(i).(*event.Event)
	return v
}

func (a Args) Message(i int) *event.Message {
	v, _ := a.at(i).(*event.Message)
	return v
}

func (a Args) Command(i int) *event.Command {
	v, _ := a.at(i).(*event.Command)
	return v
}

func (a Args) Flags(i int) event.Flag {
	v, _ := a.at(i).(event.Flag)
	return v
}

func (a Args) Cap(i int) any { return a.at(i) }
