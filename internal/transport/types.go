package transport

import "context"

// RawKind identifies the transport callback a RawEvent came from.
type RawKind string

const (
	RawConnected      RawKind = "connected"
	RawMessage        RawKind = "message"
	RawMemberJoined   RawKind = "member_joined"
	RawMemberLeft     RawKind = "member_left"
	RawMemberBanned   RawKind = "member_banned"
	RawMemberUnbanned RawKind = "member_unbanned"
	RawServerJoined   RawKind = "server_joined"
	RawServerLeft     RawKind = "server_left"
	RawChannelCreated RawKind = "channel_created"
	RawChannelUpdated RawKind = "channel_updated"
	RawChannelDeleted RawKind = "channel_deleted"
)

// Ref is a borrowed reference to a transport entity (server, channel, user).
type Ref struct {
	ID   string
	Name string
}

// RawEvent is the adapter-neutral payload of one transport callback.
// Any reference may be nil when the transport did not supply it.
type RawEvent struct {
	Kind RawKind

	Server  *Ref
	Channel *Ref
	User    *Ref
	UserBot bool

	// Private is set for direct messages.
	Private bool

	MessageID string
	// Text is the display form, RawText keeps mention placeholders.
	Text    string
	RawText string

	// Client is the sender the event can be answered through.
	Client Sender
}

// Sender posts plain text to a channel.
type Sender interface {
	SendText(ctx context.Context, channelID string, text string) error
}

// Adapter connects to a chat platform and forwards its callbacks as RawEvents.
type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan<- RawEvent) error
	Stop(ctx context.Context) error
	Sender() Sender
	// SetStatus updates presence text where the platform supports it.
	SetStatus(ctx context.Context, text string) error
}

// CommandHint is one entry of a platform-side command menu.
type CommandHint struct {
	Name        string
	Description string
}

// MenuPublisher is implemented by adapters whose platform shows a command
// menu next to the input box.
type MenuPublisher interface {
	PublishCommands(ctx context.Context, cmds []CommandHint) error
}
