package registry

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicatePlugin = errors.New("plugin already registered")
	ErrEmptyName       = errors.New("plugin name is empty")

	ErrBothMarkers       = errors.New("handler is marked as both event and command handler")
	ErrNilFunc           = errors.New("handler has no function")
	ErrMissingCommand    = errors.New("command handler flags must include CommandReceived")
	ErrStructuralFlag    = errors.New("command handler flags must not include structural events")
	ErrNoAlias           = errors.New("command handler declares no alias")
	ErrAliasWhitespace   = errors.New("command alias contains whitespace")
	ErrNoCommandSlot     = errors.New("command handler has no event or command slot")
	ErrEventHasCommand   = errors.New("event handler flags must not include CommandReceived")
	ErrNoFlags           = errors.New("handler declares no event flags")
	ErrUnknownSlot       = errors.New("unknown slot kind")
	ErrUnnamedCapability = errors.New("capability slot has no name")
)

// RegistrationError rejects a whole plugin. Err is one of the sentinels above.
type RegistrationError struct {
	Plugin  string
	Handler string
	Err     error
}

func (e *RegistrationError) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("register plugin %q: %v", e.Plugin, e.Err)
	}
	return fmt.Sprintf("register plugin %q: handler %q: %v", e.Plugin, e.Handler, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
