package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "huniebot/pkg/logx"
)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 is unlimited
	// healthyAfter resets the backoff when a run lasted at least this long.
	healthyAfter    time.Duration
	stopOnCleanExit bool
	publishErr      bool
}

type RestartOption func(*restartCfg)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n failed runs. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithStopOnCleanExit controls whether a nil return ends the loop (default)
// or counts as a failure to restart from.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// WithPublishError records every failure as the supervisor error, not just
// the final one.
func WithPublishError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishErr = enabled }
}

// GoRestart keeps fn running until the context ends, restarting it with
// jittered exponential backoff after an error or panic. Adapter loops and
// watchers run this way.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		healthyAfter:    30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(name, fn, cfg)
	}()
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, cfg restartCfg) {
	backoff := cfg.minBackoff
	for restarts := 0; s.ctx.Err() == nil; restarts++ {
		run := s.stats.start(name, restarts > 0)
		err := s.call(name, run, fn)

		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.stats.stop(run, nil)
			return
		}
		if err == nil {
			if cfg.stopOnCleanExit {
				s.stats.stop(run, nil)
				return
			}
			err = errors.New("exited")
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.stats.stop(run, err)
		if cfg.publishErr {
			s.fail(err)
		}

		if cfg.maxRestarts > 0 && restarts+1 > cfg.maxRestarts {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			s.fail(err)
			return
		}
		if time.Since(run.startedAt) >= cfg.healthyAfter {
			backoff = cfg.minBackoff
		}
		wait := jitter(min(backoff, cfg.maxBackoff))
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, cfg.maxBackoff)
	}
}

// jitter adds up to 20%.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int63n(j+1))
	}
	return d
}
