package registry

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"huniebot/internal/event"
)

// DescriptorKind tells command descriptors from event descriptors.
type DescriptorKind uint8

const (
	KindEvent DescriptorKind = iota + 1
	KindCommand
)

// Descriptor is the validated, frozen form of a Handler.
type Descriptor struct {
	Plugin      string
	Name        string
	Kind        DescriptorKind
	Flags       event.Flag
	Permission  event.Level
	Aliases     []string // lowercased
	Filterable  bool
	Description string
	Slots       []Slot
	Fn          HandlerFunc
}

func (d *Descriptor) IsCommand() bool { return d.Kind == KindCommand }

// Answers reports whether the lowercased command key is one of the aliases.
func (d *Descriptor) Answers(key string) bool {
	for _, a := range d.Aliases {
		if a == key {
			return true
		}
	}
	return false
}

// Wrapper is an accepted plugin. It never changes after Register returns.
type Wrapper struct {
	Name        string
	Plugin      Plugin
	Descriptors []*Descriptor
	caps        Capabilities
}

// Capability looks up a construction-time capability by name.
func (w *Wrapper) Capability(name string) (any, bool) {
	if w == nil || w.caps == nil {
		return nil, false
	}
	v, ok := w.caps[name]
	return v, ok
}

// Registry holds accepted plugins in registration order. Reads go through an
// atomic snapshot and never block registration.
type Registry struct {
	mu    sync.Mutex
	names map[string]struct{}
	snap  atomic.Pointer[[]*Wrapper]
}

func New() *Registry {
	r := &Registry{names: map[string]struct{}{}}
	empty := []*Wrapper{}
	r.snap.Store(&empty)
	return r
}

// Register validates every marked handler of p. Any violation rejects the
// whole plugin and leaves the registry unchanged.
func (r *Registry) Register(p Plugin, caps Capabilities) (*Wrapper, error) {
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return nil, &RegistrationError{Err: ErrEmptyName}
	}
	w, err := build(name, p, caps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	if _, dup := r.names[key]; dup {
		return nil, &RegistrationError{Plugin: name, Err: ErrDuplicatePlugin}
	}
	old := *r.snap.Load()
	next := make([]*Wrapper, len(old), len(old)+1)
	copy(next, old)
	next = append(next, w)
	r.names[key] = struct{}{}
	r.snap.Store(&next)
	return w, nil
}

// Wrappers returns the accepted plugins in registration order. The slice must
// not be modified.
func (r *Registry) Wrappers() []*Wrapper {
	return *r.snap.Load()
}

// Lookup finds a plugin by case-insensitive name.
func (r *Registry) Lookup(name string) (*Wrapper, bool) {
	for _, w := range r.Wrappers() {
		if strings.EqualFold(w.Name, name) {
			return w, true
		}
	}
	return nil, false
}

func (r *Registry) Len() int { return len(r.Wrappers()) }

func build(name string, p Plugin, caps Capabilities) (*Wrapper, error) {
	copied := make(Capabilities, len(caps))
	for k, v := range caps {
		copied[k] = v
	}
	w := &Wrapper{Name: name, Plugin: p, caps: copied}
	for i, h := range p.Handlers() {
		hname := h.Name
		if hname == "" {
			hname = "#" + strconv.Itoa(i)
		}
		d, err := describe(name, hname, h)
		if err != nil {
			return nil, &RegistrationError{Plugin: name, Handler: hname, Err: err}
		}
		if d != nil {
			w.Descriptors = append(w.Descriptors, d)
		}
	}
	return w, nil
}

// describe returns nil for an unmarked handler.
func describe(plugin, name string, h Handler) (*Descriptor, error) {
	if h.OnEvent == nil && h.OnCommand == nil {
		return nil, nil
	}
	if h.OnEvent != nil && h.OnCommand != nil {
		return nil, ErrBothMarkers
	}
	if h.Fn == nil {
		return nil, ErrNilFunc
	}
	if err := checkSlots(h.Slots); err != nil {
		return nil, err
	}
	slots := append([]Slot(nil), h.Slots...)

	if m := h.OnEvent; m != nil {
		if m.Flags == 0 {
			return nil, ErrNoFlags
		}
		if m.Flags.Intersects(event.CommandReceived) {
			return nil, ErrEventHasCommand
		}
		return &Descriptor{
			Plugin:     plugin,
			Name:       name,
			Kind:       KindEvent,
			Flags:      m.Flags,
			Permission: orUser(m.Permission),
			Slots:      slots,
			Fn:         h.Fn,
		}, nil
	}

	m := h.OnCommand
	if !m.Flags.Contains(event.CommandReceived) {
		return nil, ErrMissingCommand
	}
	if m.Flags.Intersects(event.Structural) {
		return nil, ErrStructuralFlag
	}
	if len(m.Aliases) == 0 {
		return nil, ErrNoAlias
	}
	aliases := make([]string, 0, len(m.Aliases))
	for _, a := range m.Aliases {
		if a == "" || strings.IndexFunc(a, unicode.IsSpace) >= 0 {
			return nil, ErrAliasWhitespace
		}
		aliases = append(aliases, strings.ToLower(a))
	}
	if !hasCommandSlot(slots) {
		return nil, ErrNoCommandSlot
	}
	return &Descriptor{
		Plugin:      plugin,
		Name:        name,
		Kind:        KindCommand,
		Flags:       m.Flags,
		Permission:  orUser(m.Permission),
		Aliases:     aliases,
		Filterable:  m.Filterable,
		Description: m.Description,
		Slots:       slots,
		Fn:          h.Fn,
	}, nil
}

func checkSlots(slots []Slot) error {
	for _, s := range slots {
		switch s.Kind {
		case SlotEvent, SlotMessage, SlotCommand, SlotFlags:
		case SlotCapability:
			if s.Capability == "" {
				return ErrUnnamedCapability
			}
		default:
			return ErrUnknownSlot
		}
	}
	return nil
}

func hasCommandSlot(slots []Slot) bool {
	for _, s := range slots {
		if s.Kind == SlotEvent || s.Kind == SlotCommand {
			return true
		}
	}
	return false
}

// orUser treats an undeclared permission as the lowest level.
func orUser(l event.Level) event.Level {
	if l == 0 {
		return event.User
	}
	return l
}
