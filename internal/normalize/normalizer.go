// Package normalize turns adapter callbacks into events the dispatcher understands.
package normalize

import (
	"strings"

	"huniebot/internal/event"
	"huniebot/internal/transport"
)

var rawKinds = map[transport.RawKind]event.Kind{
	transport.RawConnected:      event.KindConnected,
	transport.RawMessage:        event.KindMessage,
	transport.RawMemberJoined:   event.KindUserJoined,
	transport.RawMemberLeft:     event.KindUserDeparted,
	transport.RawMemberBanned:   event.KindUserBanned,
	transport.RawMemberUnbanned: event.KindUserUnbanned,
	transport.RawServerJoined:   event.KindJoinedServer,
	transport.RawServerLeft:     event.KindDepartedServer,
	transport.RawChannelCreated: event.KindChannelCreated,
	transport.RawChannelUpdated: event.KindChannelUpdated,
	transport.RawChannelDeleted: event.KindChannelDeleted,
}

// Normalizer converts RawEvents into Events. Prefix is read on every call so
// a hot-reloaded command prefix applies to the next message.
type Normalizer struct {
	Prefix func() string
}

func New(prefix func() string) *Normalizer {
	return &Normalizer{Prefix: prefix}
}

// Normalize never fails. Unknown kinds yield nil; missing references stay nil.
func (n *Normalizer) Normalize(raw transport.RawEvent) *event.Event {
	kind, ok := rawKinds[raw.Kind]
	if !ok {
		return nil
	}
	ev := &event.Event{
		Kind:    kind,
		Private: raw.Private,
		Server:  toServer(raw.Server),
		Channel: toChannel(raw.Channel),
		User:    toUser(raw.User, raw.UserBot),
		Client:  raw.Client,
	}
	if kind != event.KindMessage {
		return ev
	}

	rawText := raw.RawText
	if rawText == "" {
		rawText = raw.Text
	}
	ev.Message = &event.Message{ID: raw.MessageID, Text: raw.Text, RawText: rawText}
	ev.Command = n.parseCommand(raw.Text, rawText)
	return ev
}

func (n *Normalizer) prefix() string {
	if n == nil || n.Prefix == nil {
		return ""
	}
	return n.Prefix()
}

func (n *Normalizer) parseCommand(text, rawText string) *event.Command {
	p := n.prefix()
	// Both guards matter: an empty text never indexes, and an empty prefix
	// would otherwise match every message.
	if text == "" || p == "" || !strings.HasPrefix(text, p) {
		return nil
	}
	display := Tokenize(strings.TrimPrefix(text, p))
	if len(display) == 0 {
		return nil
	}
	raws := Tokenize(strings.TrimPrefix(rawText, p))
	var rawParams []string
	if len(raws) > 1 {
		rawParams = raws[1:]
	}
	return &event.Command{
		Name:      display[0],
		Params:    display[1:],
		RawParams: rawParams,
		Named:     ParseNamed(rawParams),
	}
}

func toServer(r *transport.Ref) *event.Server {
	if r == nil || r.ID == "" {
		return nil
	}
	return &event.Server{ID: r.ID, Name: r.Name}
}

func toChannel(r *transport.Ref) *event.Channel {
	if r == nil || r.ID == "" {
		return nil
	}
	return &event.Channel{ID: r.ID, Name: r.Name}
}

func toUser(r *transport.Ref, bot bool) *event.Member {
	if r == nil || r.ID == "" {
		return nil
	}
	return &event.Member{ID: r.ID, Username: r.Name, IsBot: bot}
}
