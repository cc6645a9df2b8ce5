// Package telegram adapts a telebot long-poll bot to transport.Adapter.
// A group chat acts as both the server and the channel; private chats are
// direct messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "huniebot/internal/runtime/supervisor"
	"huniebot/internal/transport"
	logx "huniebot/pkg/logx"
)

const (
	textLimit     = 4000
	defaultPerSec = 20
)

type Config struct {
	Token          string
	PollTimeout    time.Duration
	SendRatePerSec int
	// Offline skips the getMe call; used by tests.
	Offline bool
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
	fwd     transport.Forwarder

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		Offline: cfg.Offline,
		Poller: &tele.LongPoller{
			Timeout:        timeout,
			AllowedUpdates: []string{"message", "my_chat_member", "chat_member"},
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		limiter: transport.NewSendLimiter(cfg.SendRatePerSec, defaultPerSec),
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) Sender() transport.Sender { return a }

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil && !a.isSelf(m.Sender) {
			a.push(messageEvent(m))
		}
		return nil
	})
	a.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.UserJoined != nil {
			a.push(memberEvent(transport.RawMemberJoined, m.Chat, m.UserJoined))
		}
		return nil
	})
	a.bot.Handle(tele.OnUserLeft, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.UserLeft != nil {
			a.push(memberEvent(transport.RawMemberLeft, m.Chat, m.UserLeft))
		}
		return nil
	})
	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.push(transport.RawEvent{Kind: transport.RawServerJoined, Server: chatRef(m.Chat)})
		}
		return nil
	})
	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		if u := c.ChatMember(); u != nil && u.NewChatMember != nil {
			switch u.NewChatMember.Role {
			case tele.Left, tele.Kicked:
				a.push(transport.RawEvent{Kind: transport.RawServerLeft, Server: chatRef(u.Chat)})
			}
		}
		return nil
	})
	a.bot.Handle(tele.OnChatMember, func(c tele.Context) error {
		if kind, ok := memberChange(c.ChatMember()); ok {
			u := c.ChatMember()
			a.push(memberEvent(kind, u.Chat, u.NewChatMember.User))
		}
		return nil
	})
}

func (a *Adapter) isSelf(u *tele.User) bool {
	return u != nil && a.bot.Me != nil && u.ID == a.bot.Me.ID
}

func (a *Adapter) push(ev transport.RawEvent) {
	ev.Client = a
	a.fwd.Push(ev)
}

// memberChange maps a chat member transition to a ban or unban. Joins and
// plain leaves arrive as service messages and are handled there.
func memberChange(u *tele.ChatMemberUpdate) (transport.RawKind, bool) {
	if u == nil || u.OldChatMember == nil || u.NewChatMember == nil || u.NewChatMember.User == nil {
		return "", false
	}
	oldRole, newRole := u.OldChatMember.Role, u.NewChatMember.Role
	switch {
	case newRole == tele.Kicked && oldRole != tele.Kicked:
		return transport.RawMemberBanned, true
	case oldRole == tele.Kicked && newRole == tele.Left:
		return transport.RawMemberUnbanned, true
	}
	return "", false
}

func messageEvent(m *tele.Message) transport.RawEvent {
	ev := transport.RawEvent{
		Kind:      transport.RawMessage,
		Channel:   chatRef(m.Chat),
		User:      userRef(m.Sender),
		UserBot:   m.Sender != nil && m.Sender.IsBot,
		MessageID: strconv.Itoa(m.ID),
		Text:      m.Text,
		RawText:   withMentionIDs(m.Text, m.Entities),
	}
	if m.Chat != nil && m.Chat.Type == tele.ChatPrivate {
		ev.Private = true
	} else {
		ev.Server = chatRef(m.Chat)
	}
	return ev
}

func memberEvent(kind transport.RawKind, chat *tele.Chat, u *tele.User) transport.RawEvent {
	return transport.RawEvent{
		Kind:    kind,
		Server:  chatRef(chat),
		Channel: chatRef(chat),
		User:    userRef(u),
		UserBot: u != nil && u.IsBot,
	}
}

// withMentionIDs replaces text_mention spans, which carry a user but no
// @username, with <@id> so commands can address those users. Entity offsets
// count UTF-16 code units.
func withMentionIDs(text string, entities []tele.MessageEntity) string {
	var spans []tele.MessageEntity
	for _, e := range entities {
		if e.Type == tele.EntityTMention && e.User != nil {
			spans = append(spans, e)
		}
	}
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Offset > spans[j].Offset })
	units := utf16.Encode([]rune(text))
	for _, e := range spans {
		end := e.Offset + e.Length
		if e.Offset < 0 || end > len(units) {
			continue
		}
		tag := utf16.Encode([]rune("<@" + strconv.FormatInt(e.User.ID, 10) + ">"))
		units = append(units[:e.Offset], append(tag, units[end:]...)...)
	}
	return string(utf16.Decode(units))
}

func chatRef(c *tele.Chat) *transport.Ref {
	if c == nil {
		return nil
	}
	name := c.Title
	if name == "" {
		name = c.Username
	}
	return &transport.Ref{ID: strconv.FormatInt(c.ID, 10), Name: name}
}

func userRef(u *tele.User) *transport.Ref {
	if u == nil {
		return nil
	}
	name := u.Username
	if name == "" {
		name = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	return &transport.Ref{ID: strconv.FormatInt(u.ID, 10), Name: name}
}

// Start runs the poll loop under a restart supervisor. The loop is restarted
// if telebot returns while the adapter is still running.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.RawEvent) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.fwd.Attach(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup

	sup.Go0("telegram.drop_report", func(c context.Context) {
		a.fwd.ReportDrops(c, 5*time.Second, a.log)
	})
	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.pushConnected()
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) pushConnected() {
	ev := transport.RawEvent{Kind: transport.RawConnected, UserBot: true}
	if a.bot.Me != nil {
		ev.User = userRef(a.bot.Me)
	}
	a.push(ev)
}

// Stop waits at most two seconds for the long poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.fwd.Detach()
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, channelID, text string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(channelID), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}
	chat := &tele.Chat{ID: id}
	for _, chunk := range transport.SplitText(text, textLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// SetStatus is a no-op; bots have no presence text on Telegram.
func (a *Adapter) SetStatus(context.Context, string) error { return nil }

var menuName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// PublishCommands updates the bot's command menu. Names Telegram rejects are
// skipped, and nothing is sent when the list is unchanged.
func (a *Adapter) PublishCommands(ctx context.Context, cmds []transport.CommandHint) error {
	list := make([]tele.Command, 0, len(cmds))
	h := fnv.New64a()
	for _, c := range cmds {
		name := strings.ToLower(c.Name)
		if !menuName.MatchString(name) {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = name
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		list = append(list, tele.Command{Text: name, Description: desc})
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(desc))
		h.Write([]byte{0})
		if len(list) == 100 {
			break
		}
	}
	sum := h.Sum64()

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram set commands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
