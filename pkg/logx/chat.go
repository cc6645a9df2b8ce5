package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatQueueSize = 256
	chatMaxLen    = 1900
)

// chatSink is a zerolog LevelWriter that forwards selected lines to a chat
// channel from a single worker. Writes never block the caller; when the
// queue is full or the limiter refuses, the line is dropped.
type chatSink struct {
	mu       sync.Mutex
	sender   ChatSender
	channel  string
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan chatLine
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type chatLine struct {
	channel string
	text    string
}

func newChatSink() *chatSink {
	return &chatSink{
		queue:    make(chan chatLine, chatQueueSize),
		minLevel: zerolog.WarnLevel,
		limiter:  rateFor(1),
	}
}

func (c *chatSink) configure(cfg ChatConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = strings.TrimSpace(cfg.ChannelID)
	c.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rateFor(cfg.RatePerSec)
}

func (c *chatSink) setSender(s ChatSender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

func (c *chatSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = sender.SendText(sctx, ln.channel, ln.text)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	channel, floor, lim, sender := c.channel, c.minLevel, c.limiter, c.sender
	c.mu.Unlock()

	if channel == "" || sender == nil || level < floor || !lim.Allow() {
		return len(p), nil
	}
	text := formatChatLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatLine{channel: channel, text: text}:
	default:
	}
	return len(p), nil
}

// formatChatLine turns a zerolog JSON line into a short code block:
//
//	[WARN] message
//	key=value
func formatChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), chatMaxLen)
	}
	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("```\n")
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		limit := 300
		if k == "stack" {
			limit = 800
		}
		fmt.Fprintf(&b, "\n%s=%s", k, truncate(fmt.Sprint(m[k]), limit))
	}
	out := truncate(b.String(), chatMaxLen-4)
	return out + "\n```"
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
