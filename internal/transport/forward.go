package transport

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "huniebot/pkg/logx"
)

// Forwarder hands RawEvents from platform callbacks to the consumer channel
// without blocking. Events that do not fit are counted and reported by
// ReportDrops.
type Forwarder struct {
	out     atomic.Pointer[chan<- RawEvent]
	dropped atomic.Uint64
}

func (f *Forwarder) Attach(out chan<- RawEvent) { f.out.Store(&out) }

func (f *Forwarder) Detach() { f.out.Store(nil) }

// Push reports false when nothing is attached or the channel is full.
func (f *Forwarder) Push(ev RawEvent) bool {
	p := f.out.Load()
	if p == nil || *p == nil {
		return false
	}
	select {
	case *p <- ev:
		return true
	default:
		f.dropped.Add(1)
		return false
	}
}

// Dropped is the number of events lost since the last report.
func (f *Forwarder) Dropped() uint64 { return f.dropped.Load() }

// ReportDrops logs the drop count every interval and once more when ctx ends.
func (f *Forwarder) ReportDrops(ctx context.Context, every time.Duration, log logx.Logger) {
	if every <= 0 {
		every = 5 * time.Second
	}
	flush := func() {
		if n := f.dropped.Swap(0); n > 0 {
			log.Warn("incoming events dropped (queue full)", logx.Uint64("count", n))
		}
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-t.C:
			flush()
		}
	}
}

// NewSendLimiter caps outbound messages per second with a burst of the same
// size. perSec <= 0 uses def.
func NewSendLimiter(perSec, def int) *rate.Limiter {
	if perSec <= 0 {
		perSec = def
	}
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}
