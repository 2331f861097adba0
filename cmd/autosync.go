package cmd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	aulasync "github.com/marcus/aula/internal/sync"
)

// drainFunc runs one drain.
type drainFunc func(ctx context.Context) (aulasync.Result, error)

// autoSync coalesces drain triggers and runs drains one at a time on a
// single goroutine. A trigger starts (or restarts) the debounce window;
// the drain runs when the window elapses. An optional interval drains
// periodically regardless of triggers.
type autoSync struct {
	drain    drainFunc
	debounce time.Duration
	clock    clock.WithTicker
	trigger  chan string
}

func newAutoSync(drain drainFunc, debounce time.Duration, clk clock.WithTicker) *autoSync {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &autoSync{
		drain:    drain,
		debounce: debounce,
		clock:    clk,
		trigger:  make(chan string, 1),
	}
}

// Trigger requests a drain. It never blocks; a trigger arriving while one
// is queued is folded into it.
func (s *autoSync) Trigger(reason string) {
	select {
	case s.trigger <- reason:
	default:
	}
}

// Run loops until ctx ends. interval <= 0 disables periodic drains.
func (s *autoSync) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		t := s.clock.NewTicker(interval)
		defer t.Stop()
		tick = t.C()
	}

	var timer clock.Timer
	var fire <-chan time.Time
	reason := ""
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.trigger:
			reason = r
			if s.debounce <= 0 {
				s.run(ctx, reason)
				continue
			}
			stopTimer()
			timer = s.clock.NewTimer(s.debounce)
			fire = timer.C()
		case <-fire:
			timer, fire = nil, nil
			s.run(ctx, reason)
		case <-tick:
			stopTimer()
			s.run(ctx, "interval")
		}
	}
}

func (s *autoSync) run(ctx context.Context, reason string) {
	res, err := s.drain(ctx)
	switch {
	case errors.Is(err, aulasync.ErrDrainInProgress):
		slog.Debug("autosync: drain already running", "reason", reason)
	case ctx.Err() != nil:
	case err != nil:
		slog.Warn("autosync: drain", "reason", reason, "err", err)
	default:
		slog.Info("autosync: drained", "reason", reason, "outcome", string(res.Outcome),
			"sent", res.Sent, "failed", res.Failed, "passes", res.Passes)
	}
}
