// Package event holds the normalized occurrences the dispatch core works on.
package event

import (
	"context"
	"errors"
	"strings"

	"huniebot/internal/transport"
)

// Kind is the lifecycle category of an event.
type Kind uint8

const (
	KindConnected Kind = iota + 1
	KindMessage
	KindUserJoined
	KindUserDeparted
	KindUserBanned
	KindUserUnbanned
	KindJoinedServer
	KindDepartedServer
	KindChannelCreated
	KindChannelUpdated
	KindChannelDeleted
)

var kindFlags = map[Kind]Flag{
	KindConnected:      Connected,
	KindUserJoined:     UserJoined,
	KindUserDeparted:   UserDeparted,
	KindUserBanned:     UserBanned,
	KindUserUnbanned:   UserUnbanned,
	KindJoinedServer:   JoinedServer,
	KindDepartedServer: DepartedServer,
	KindChannelCreated: ChannelCreated,
	KindChannelUpdated: ChannelUpdated,
	KindChannelDeleted: ChannelDeleted,
}

func (k Kind) String() string {
	if k == KindMessage {
		return "message"
	}
	if f, ok := kindFlags[k]; ok {
		return f.String()
	}
	return "unknown"
}

type Server struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Member is the user an event is about or came from.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

// Message is the text facet of a message event.
type Message struct {
	ID string `json:"id,omitempty"`
	// Text is the display form (mentions resolved to names).
	Text string `json:"text"`
	// RawText keeps unresolved placeholders such as <@123>.
	RawText string `json:"raw_text"`
}

// Command is the parsed facet of a prefixed message.
type Command struct {
	// Name keeps the case the user typed. Matching uses Key().
	Name      string            `json:"name"`
	Params    []string          `json:"params"`
	RawParams []string          `json:"raw_params"`
	Named     map[string]string `json:"named,omitempty"`
}

// Key is the case-insensitive match key of the command name.
func (c *Command) Key() string {
	if c == nil {
		return ""
	}
	return strings.ToLower(c.Name)
}

// Flag returns the joined value of a -key flag and whether it was supplied.
func (c *Command) Flag(key string) (string, bool) {
	if c == nil || c.Named == nil {
		return "", false
	}
	v, ok := c.Named[key]
	return v, ok
}

// OnlyPositional reports whether the user supplied no -flags at all.
func (c *Command) OnlyPositional() bool {
	if c == nil {
		return true
	}
	for k := range c.Named {
		if k != "" {
			return false
		}
	}
	return true
}

// Event is a single normalized occurrence. Server, Channel, User and Client
// are borrowed references and may be nil.
type Event struct {
	Kind    Kind
	Private bool

	Server  *Server
	Channel *Channel
	User    *Member

	Client transport.Sender

	Message *Message
	Command *Command
}

// Flags derives the occurrence bit set used for handler selection.
func (e *Event) Flags() Flag {
	if e == nil {
		return 0
	}
	var f Flag
	if e.Kind == KindMessage {
		if e.Private {
			f |= PrivateMessageReceived
		} else {
			f |= MessageReceived
		}
	} else {
		f |= kindFlags[e.Kind]
	}
	if e.Command != nil {
		f |= CommandReceived
	}
	return f
}

// IsCommand reports whether the event carries a parsed command.
func (e *Event) IsCommand() bool { return e != nil && e.Command != nil }

func (e *Event) ServerID() string {
	if e == nil || e.Server == nil {
		return ""
	}
	return e.Server.ID
}

func (e *Event) ChannelID() string {
	if e == nil || e.Channel == nil {
		return ""
	}
	return e.Channel.ID
}

func (e *Event) UserID() string {
	if e == nil || e.User == nil {
		return ""
	}
	return e.User.ID
}

var ErrNoReplyTarget = errors.New("event has no reply target")

// Reply sends text back to the channel the event came from.
func (e *Event) Reply(ctx context.Context, text string) error {
	if e == nil || e.Client == nil || e.Channel == nil || e.Channel.ID == "" {
		return ErrNoReplyTarget
	}
	return e.Client.SendText(ctx, e.Channel.ID, text)
}
