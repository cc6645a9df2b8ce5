package normalize

import (
	"reflect"
	"testing"

	"huniebot/internal/event"
	"huniebot/internal/transport"
)

func dot() string { return "." }

func TestTokenize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: nil},
		{name: "blank", in: "   \t ", want: nil},
		{name: "collapse runs", in: "a   b\tc", want: []string{"a", "b", "c"}},
		{name: "quoted span", in: `cmd a b "c d"`, want: []string{"cmd", "a", "b", "c d"}},
		{name: "quote glued", in: `say x"y z"w`, want: []string{"say", "xy zw"}},
		{name: "unterminated", in: `say "open ended`, want: []string{"say", "open ended"}},
		{name: "apostrophe kept", in: "don't stop", want: []string{"don't", "stop"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Tokenize(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Tokenize(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseNamed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []string
		want map[string]string
	}{
		{name: "none", in: nil, want: map[string]string{}},
		{name: "positional only", in: []string{"a", "b"}, want: map[string]string{"": "a b"}},
		{name: "flag values joined", in: []string{"-city", "New", "York", "-units", "metric"}, want: map[string]string{"city": "New York", "units": "metric"}},
		{name: "leading positional", in: []string{"x", "-k", "v"}, want: map[string]string{"": "x", "k": "v"}},
		{name: "last wins", in: []string{"-k", "1", "-k", "2"}, want: map[string]string{"k": "2"}},
		{name: "case sensitive", in: []string{"-K", "1", "-k", "2"}, want: map[string]string{"K": "1", "k": "2"}},
		{name: "bare flag", in: []string{"-verbose"}, want: map[string]string{"verbose": ""}},
		{name: "negative number is a value", in: []string{"-n", "-5"}, want: map[string]string{"n": "-5"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseNamed(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseNamed(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeCommand(t *testing.T) {
	t.Parallel()
	n := New(dot)
	ev := n.Normalize(transport.RawEvent{
		Kind:    transport.RawMessage,
		Server:  &transport.Ref{ID: "s1"},
		Channel: &transport.Ref{ID: "c1"},
		User:    &transport.Ref{ID: "u1", Name: "ann"},
		Text:    `.cmd a b "c d"`,
	})
	if ev == nil || ev.Command == nil {
		t.Fatalf("expected command event, got %+v", ev)
	}
	if ev.Command.Name != "cmd" {
		t.Fatalf("Name = %q, want cmd", ev.Command.Name)
	}
	if want := []string{"a", "b", "c d"}; !reflect.DeepEqual(ev.Command.Params, want) {
		t.Fatalf("Params = %#v, want %#v", ev.Command.Params, want)
	}
	if want := event.MessageReceived | event.CommandReceived; ev.Flags() != want {
		t.Fatalf("Flags() = %v, want %v", ev.Flags(), want)
	}
	if ev.Message == nil || ev.Message.RawText != ev.Message.Text {
		t.Fatalf("raw text should default to display text, got %+v", ev.Message)
	}
}

func TestNormalizeKeepsRawStream(t *testing.T) {
	t.Parallel()
	n := New(dot)
	ev := n.Normalize(transport.RawEvent{
		Kind:    transport.RawMessage,
		Channel: &transport.Ref{ID: "c1"},
		Text:    ".SetPerm @ann Administrator",
		RawText: ".SetPerm <@123> Administrator -why \"new mod\"",
	})
	if ev.Command == nil {
		t.Fatal("expected command")
	}
	if ev.Command.Name != "SetPerm" || ev.Command.Key() != "setperm" {
		t.Fatalf("Name = %q Key = %q", ev.Command.Name, ev.Command.Key())
	}
	if want := []string{"@ann", "Administrator"}; !reflect.DeepEqual(ev.Command.Params, want) {
		t.Fatalf("Params = %#v, want %#v", ev.Command.Params, want)
	}
	if want := []string{"<@123>", "Administrator", "-why", "new mod"}; !reflect.DeepEqual(ev.Command.RawParams, want) {
		t.Fatalf("RawParams = %#v, want %#v", ev.Command.RawParams, want)
	}
	if got := ev.Command.Named["why"]; got != "new mod" {
		t.Fatalf("Named[why] = %q", got)
	}
	if got := ev.Command.Named[""]; got != "<@123> Administrator" {
		t.Fatalf("Named[\"\"] = %q", got)
	}
}

func TestParamsKeepFlagTokens(t *testing.T) {
	t.Parallel()
	ev := New(dot).Normalize(transport.RawEvent{
		Kind:    transport.RawMessage,
		Channel: &transport.Ref{ID: "c1"},
		Text:    ".getcommands -module core extra",
	})
	if ev == nil || ev.Command == nil {
		t.Fatal("expected command")
	}
	if want := []string{"-module", "core", "extra"}; !reflect.DeepEqual(ev.Command.Params, want) {
		t.Fatalf("Params = %#v, want %#v", ev.Command.Params, want)
	}
	if got := ev.Command.Named["module"]; got != "core extra" {
		t.Fatalf("Named[module] = %q", got)
	}
}

func TestNormalizeNotACommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		prefix func() string
		text   string
	}{
		{name: "empty text", prefix: dot, text: ""},
		{name: "no prefix", prefix: dot, text: "hello there"},
		{name: "prefix only", prefix: dot, text: "."},
		{name: "prefix and blanks", prefix: dot, text: ".   "},
		{name: "empty configured prefix", prefix: func() string { return "" }, text: ".ping"},
		{name: "nil prefix func", prefix: nil, text: ".ping"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := New(tt.prefix).Normalize(transport.RawEvent{Kind: transport.RawMessage, Text: tt.text})
			if ev == nil || ev.Message == nil {
				t.Fatalf("expected message event, got %+v", ev)
			}
			if ev.Command != nil {
				t.Fatalf("expected no command for %q, got %+v", tt.text, ev.Command)
			}
			if ev.Flags() != event.MessageReceived {
				t.Fatalf("Flags() = %v", ev.Flags())
			}
		})
	}
}

func TestNormalizePrivateAndLifecycle(t *testing.T) {
	t.Parallel()
	n := New(dot)

	dm := n.Normalize(transport.RawEvent{Kind: transport.RawMessage, Private: true, Text: ".ping"})
	if want := event.PrivateMessageReceived | event.CommandReceived; dm.Flags() != want {
		t.Fatalf("dm Flags() = %v, want %v", dm.Flags(), want)
	}
	if dm.Channel != nil || dm.Server != nil {
		t.Fatal("absent refs should stay nil")
	}

	ban := n.Normalize(transport.RawEvent{
		Kind:   transport.RawMemberBanned,
		Server: &transport.Ref{ID: "s1"},
		User:   &transport.Ref{ID: "u9"},
	})
	if ban.Flags() != event.UserBanned || ban.UserID() != "u9" || ban.ServerID() != "s1" {
		t.Fatalf("unexpected ban event %+v", ban)
	}
	if ban.Message != nil || ban.Command != nil {
		t.Fatal("lifecycle events carry no message facet")
	}

	// Empty ids are treated as absent.
	ch := n.Normalize(transport.RawEvent{Kind: transport.RawChannelCreated, Channel: &transport.Ref{}})
	if ch.Channel != nil {
		t.Fatal("empty channel ref should normalize to nil")
	}

	if got := n.Normalize(transport.RawEvent{Kind: "bogus"}); got != nil {
		t.Fatalf("unknown kind should yield nil, got %+v", got)
	}
}

func TestNormalizePrefixFollowsConfig(t *testing.T) {
	t.Parallel()
	prefix := "."
	n := New(func() string { return prefix })
	if ev := n.Normalize(transport.RawEvent{Kind: transport.RawMessage, Text: "!ping"}); ev.Command != nil {
		t.Fatal("'!' should not be a command under '.'")
	}
	prefix = "!"
	if ev := n.Normalize(transport.RawEvent{Kind: transport.RawMessage, Text: "!ping"}); ev.Command == nil {
		t.Fatal("'!' should be a command after prefix change")
	}
}
