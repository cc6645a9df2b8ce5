package event

import (
	"context"
	"testing"
)

func TestFlagSubsetAcrossPowerSet(t *testing.T) {
	t.Parallel()
	n := len(AllFlags)
	all := make([]Flag, 0, 1<<n)
	for mask := 0; mask < 1<<n; mask++ {
		var f Flag
		for i, one := range AllFlags {
			if mask&(1<<i) != 0 {
				f |= one
			}
		}
		all = append(all, f)
	}

	// Subset check against an independent bit-by-bit definition, sampled
	// so the quadratic loop stays fast.
	for i := 0; i < len(all); i += 7 {
		required := all[i]
		for j := 0; j < len(all); j += 5 {
			occurred := all[j]
			want := true
			for _, one := range AllFlags {
				if required&one != 0 && occurred&one == 0 {
					want = false
					break
				}
			}
			if got := occurred.Contains(required); got != want {
				t.Fatalf("%v.Contains(%v) = %v, want %v", occurred, required, got, want)
			}
		}
	}
}

func TestFlagStringAndParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Flag
	}{
		{in: "MessageReceived", want: MessageReceived},
		{in: "commandreceived|messagereceived", want: CommandReceived | MessageReceived},
		{in: "AnyMessageReceived", want: AnyMessageReceived},
		{in: " Connected ", want: Connected},
	}
	for _, tt := range tests {
		got, err := ParseFlag(tt.in)
		if err != nil {
			t.Fatalf("ParseFlag(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseFlag(%q) = %v, want %v", tt.in, got, tt.want)
		}
		back, err := ParseFlag(got.String())
		if err != nil || back != got {
			t.Fatalf("round trip %v -> %q -> %v (%v)", got, got.String(), back, err)
		}
	}
	if _, err := ParseFlag("Nope"); err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if _, err := ParseFlag(""); err == nil {
		t.Fatal("expected error for empty flag")
	}
}

func TestLevelSatisfies(t *testing.T) {
	t.Parallel()
	levels := []Level{User, Moderator, Administrator, Owner}
	for i, have := range levels {
		for j, need := range levels {
			want := i >= j
			if got := have.Satisfies(need); got != want {
				t.Fatalf("%v.Satisfies(%v) = %v, want %v", have, need, got, want)
			}
		}
	}
	if !Administrator.Satisfies(Moderator) || !Administrator.Satisfies(User) {
		t.Fatal("Administrator must satisfy Moderator and User")
	}
	if User.Satisfies(Administrator) {
		t.Fatal("User must not satisfy Administrator")
	}
	// Partial custom level: bit 4 alone does not carry User.
	if Level(4).Satisfies(User) {
		t.Fatal("partial level must not satisfy User")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"user":          User,
		"Moderator":     Moderator,
		"ADMINISTRATOR": Administrator,
		"admin":         Administrator,
		"owner":         Owner,
		"7":             Administrator,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	for _, bad := range []string{"", "root", "0", "999"} {
		if _, err := ParseLevel(bad); err == nil {
			t.Fatalf("ParseLevel(%q) expected error", bad)
		}
	}
}

func TestEventFlagsDerivation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   Event
		want Flag
	}{
		{name: "public message", ev: Event{Kind: KindMessage, Message: &Message{}}, want: MessageReceived},
		{name: "private message", ev: Event{Kind: KindMessage, Private: true, Message: &Message{}}, want: PrivateMessageReceived},
		{name: "public command", ev: Event{Kind: KindMessage, Message: &Message{}, Command: &Command{Name: "ping"}}, want: MessageReceived | CommandReceived},
		{name: "private command", ev: Event{Kind: KindMessage, Private: true, Command: &Command{Name: "ping"}}, want: PrivateMessageReceived | CommandReceived},
		{name: "ban", ev: Event{Kind: KindUserBanned}, want: UserBanned},
		{name: "connected", ev: Event{Kind: KindConnected}, want: Connected},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.ev.Flags(); got != tt.want {
				t.Fatalf("Flags() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandHelpers(t *testing.T) {
	t.Parallel()
	c := &Command{Name: "Roll", Named: map[string]string{"": "2d6"}}
	if c.Key() != "roll" {
		t.Fatalf("Key() = %q, want roll", c.Key())
	}
	if !c.OnlyPositional() {
		t.Fatal("expected positional-only command")
	}
	c.Named["count"] = "3"
	if c.OnlyPositional() {
		t.Fatal("expected flags to be detected")
	}
	if v, ok := c.Flag("count"); !ok || v != "3" {
		t.Fatalf("Flag(count) = %q, %v", v, ok)
	}
	var nilCmd *Command
	if nilCmd.Key() != "" {
		t.Fatal("nil command key should be empty")
	}
}

func TestReplyWithoutTarget(t *testing.T) {
	t.Parallel()
	ev := &Event{Kind: KindMessage}
	if err := ev.Reply(context.Background(), "hi"); err != ErrNoReplyTarget {
		t.Fatalf("Reply() err = %v, want ErrNoReplyTarget", err)
	}
}
