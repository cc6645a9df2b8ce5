// Package discord adapts a discordgo gateway session to transport.Adapter.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"huniebot/internal/transport"
	logx "huniebot/pkg/logx"
)

const (
	messageLimit   = 2000
	defaultPerSec  = 5
	dropReportTick = 5 * time.Second
)

type Config struct {
	Token string
	// Status is shown as the playing activity once the session is ready.
	Status         string
	SendRatePerSec int
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	session *discordgo.Session
	limiter *rate.Limiter
	fwd     transport.Forwarder

	mu      sync.Mutex
	status  string
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "discord")),
		session: s,
		limiter: transport.NewSendLimiter(cfg.SendRatePerSec, defaultPerSec),
		status:  cfg.Status,
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) Sender() transport.Sender { return a }

func (a *Adapter) registerHandlers() {
	s := a.session
	s.AddHandler(a.onReady)
	s.AddHandler(a.onMessageCreate)
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		a.push(memberEvent(transport.RawMemberJoined, m.Member))
	})
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		a.push(memberEvent(transport.RawMemberLeft, m.Member))
	})
	s.AddHandler(func(_ *discordgo.Session, b *discordgo.GuildBanAdd) {
		a.push(banEvent(transport.RawMemberBanned, b.GuildID, b.User))
	})
	s.AddHandler(func(_ *discordgo.Session, b *discordgo.GuildBanRemove) {
		a.push(banEvent(transport.RawMemberUnbanned, b.GuildID, b.User))
	})
	s.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		a.push(transport.RawEvent{Kind: transport.RawServerJoined, Server: guildRef(g.Guild)})
	})
	s.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		// Unavailable means an outage, not a removal.
		if g.Guild == nil || g.Unavailable {
			return
		}
		a.push(transport.RawEvent{Kind: transport.RawServerLeft, Server: guildRef(g.Guild)})
	})
	s.AddHandler(func(_ *discordgo.Session, c *discordgo.ChannelCreate) {
		a.push(channelEvent(transport.RawChannelCreated, c.Channel))
	})
	s.AddHandler(func(_ *discordgo.Session, c *discordgo.ChannelUpdate) {
		a.push(channelEvent(transport.RawChannelUpdated, c.Channel))
	})
	s.AddHandler(func(_ *discordgo.Session, c *discordgo.ChannelDelete) {
		a.push(channelEvent(transport.RawChannelDeleted, c.Channel))
	})
}

func (a *Adapter) push(ev transport.RawEvent) {
	ev.Client = a
	a.fwd.Push(ev)
}

func (a *Adapter) onReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	status := a.status
	a.mu.Unlock()
	if status != "" {
		if err := s.UpdateGameStatus(0, status); err != nil {
			a.log.Warn("set status failed", logx.Err(err))
		}
	}
	a.log.Info("connected", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
	a.push(transport.RawEvent{Kind: transport.RawConnected, User: userRef(r.User), UserBot: true})
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || (s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}
	a.push(messageEvent(m.Message, m.ContentWithMentionsReplaced()))
}

// messageEvent takes the display text separately because resolving mentions
// needs the message's mention list.
func messageEvent(m *discordgo.Message, display string) transport.RawEvent {
	ev := transport.RawEvent{
		Kind:      transport.RawMessage,
		Channel:   &transport.Ref{ID: m.ChannelID},
		User:      userRef(m.Author),
		UserBot:   m.Author != nil && m.Author.Bot,
		MessageID: m.ID,
		Text:      display,
		RawText:   m.Content,
	}
	if m.GuildID == "" {
		ev.Private = true
	} else {
		ev.Server = &transport.Ref{ID: m.GuildID}
	}
	return ev
}

func memberEvent(kind transport.RawKind, m *discordgo.Member) transport.RawEvent {
	ev := transport.RawEvent{Kind: kind}
	if m == nil {
		return ev
	}
	if m.GuildID != "" {
		ev.Server = &transport.Ref{ID: m.GuildID}
	}
	ev.User = userRef(m.User)
	ev.UserBot = m.User != nil && m.User.Bot
	return ev
}

func banEvent(kind transport.RawKind, guildID string, u *discordgo.User) transport.RawEvent {
	ev := transport.RawEvent{Kind: kind, User: userRef(u)}
	if guildID != "" {
		ev.Server = &transport.Ref{ID: guildID}
	}
	return ev
}

func channelEvent(kind transport.RawKind, c *discordgo.Channel) transport.RawEvent {
	ev := transport.RawEvent{Kind: kind}
	if c == nil {
		return ev
	}
	ev.Channel = &transport.Ref{ID: c.ID, Name: c.Name}
	if c.GuildID != "" {
		ev.Server = &transport.Ref{ID: c.GuildID}
	} else {
		ev.Private = true
	}
	return ev
}

func guildRef(g *discordgo.Guild) *transport.Ref {
	if g == nil || g.ID == "" {
		return nil
	}
	return &transport.Ref{ID: g.ID, Name: g.Name}
}

func userRef(u *discordgo.User) *transport.Ref {
	if u == nil || u.ID == "" {
		return nil
	}
	return &transport.Ref{ID: u.ID, Name: u.Username}
}

// Start opens the gateway. discordgo reconnects on its own, so only the drop
// reporter runs alongside it.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.RawEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.fwd.Attach(out)
	if err := a.session.Open(); err != nil {
		a.fwd.Detach()
		return fmt.Errorf("discord open: %w", err)
	}
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.fwd.ReportDrops(rctx, dropReportTick, a.log)
	}()
	a.running = true
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.fwd.Detach()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	err := a.session.Close()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("discord stop timed out", logx.Err(ctx.Err()))
	}
	return err
}

// SendText splits long text into several messages and waits for the send
// limiter before each one.
func (a *Adapter) SendText(ctx context.Context, channelID, text string) error {
	if strings.TrimSpace(channelID) == "" {
		return errors.New("discord: empty channel id")
	}
	for _, chunk := range transport.SplitText(text, messageLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// SetStatus is remembered for the next Ready and applied now when connected.
func (a *Adapter) SetStatus(_ context.Context, text string) error {
	a.mu.Lock()
	a.status = text
	running := a.running
	a.mu.Unlock()
	if !running {
		return nil
	}
	return a.session.UpdateGameStatus(0, text)
}
