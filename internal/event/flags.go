package event

import (
	"fmt"
	"strconv"
	"strings"
)

// Flag is a set of occurrence categories. A single event can satisfy several
// at once (a private message that is also a command).
type Flag uint32

const (
	MessageReceived        Flag = 1 << 0
	UserJoined             Flag = 1 << 1
	UserDeparted           Flag = 1 << 2
	UserBanned             Flag = 1 << 3
	UserUnbanned           Flag = 1 << 4
	JoinedServer           Flag = 1 << 5
	DepartedServer         Flag = 1 << 6
	ChannelCreated         Flag = 1 << 7
	ChannelUpdated         Flag = 1 << 8
	ChannelDeleted         Flag = 1 << 9
	CommandReceived        Flag = 1 << 10
	PrivateMessageReceived Flag = 1 << 11
	Connected              Flag = 1 << 12

	AnyMessageReceived = MessageReceived | PrivateMessageReceived

	// Structural flags describe membership and topology changes. They never
	// accompany a command.
	Structural = UserJoined | UserDeparted | UserBanned | UserUnbanned |
		JoinedServer | DepartedServer |
		ChannelCreated | ChannelUpdated | ChannelDeleted
)

// AllFlags lists every single-bit flag in bit order.
var AllFlags = []Flag{
	MessageReceived,
	UserJoined,
	UserDeparted,
	UserBanned,
	UserUnbanned,
	JoinedServer,
	DepartedServer,
	ChannelCreated,
	ChannelUpdated,
	ChannelDeleted,
	CommandReceived,
	PrivateMessageReceived,
	Connected,
}

var flagNames = map[Flag]string{
	MessageReceived:        "MessageReceived",
	UserJoined:             "UserJoined",
	UserDeparted:           "UserDeparted",
	UserBanned:             "UserBanned",
	UserUnbanned:           "UserUnbanned",
	JoinedServer:           "JoinedServer",
	DepartedServer:         "DepartedServer",
	ChannelCreated:         "ChannelCreated",
	ChannelUpdated:         "ChannelUpdated",
	ChannelDeleted:         "ChannelDeleted",
	CommandReceived:        "CommandReceived",
	PrivateMessageReceived: "PrivateMessageReceived",
	Connected:              "Connected",
}

// Contains reports whether every bit of want is set in f.
func (f Flag) Contains(want Flag) bool { return f&want == want }

// Intersects reports whether f and other share at least one bit.
func (f Flag) Intersects(other Flag) bool { return f&other != 0 }

func (f Flag) String() string {
	if f == 0 {
		return "None"
	}
	parts := make([]string, 0, 4)
	rest := f
	for _, one := range AllFlags {
		if f&one != 0 {
			parts = append(parts, flagNames[one])
			rest &^= one
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// ParseFlag parses "A|B" style names (case-insensitive). "AnyMessageReceived"
// is accepted as an alias for both message flags.
func ParseFlag(s string) (Flag, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("event flag required")
	}
	var out Flag
	for _, part := range strings.Split(s, "|") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if strings.EqualFold(name, "AnyMessageReceived") {
			out |= AnyMessageReceived
			continue
		}
		found := false
		for f, n := range flagNames {
			if strings.EqualFold(n, name) {
				out |= f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown event flag %q", name)
		}
	}
	if out == 0 {
		return 0, fmt.Errorf("event flag required")
	}
	return out, nil
}
