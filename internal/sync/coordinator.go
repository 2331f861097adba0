// Package sync drains locally buffered progress and chat items through an
// authenticated connection, retrying failed passes with exponential backoff.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"

	"github.com/marcus/aula/internal/auth"
	"github.com/marcus/aula/internal/conn"
	"github.com/marcus/aula/internal/events"
	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/protocol"
	"github.com/marcus/aula/internal/telemetry"
)

var (
	// ErrDrainInProgress is returned when Drain is called while another drain runs.
	ErrDrainInProgress = errors.New("drain already in progress")
	// ErrNoSession means no access token is available.
	ErrNoSession = errors.New("no session")
	// ErrOffline means the reachability check failed.
	ErrOffline = errors.New("server unreachable")
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// Config bounds a drain. MaxAttempts is the total number of passes;
// ItemDelay paces frames within a pass and zero disables pacing.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	ItemDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.ItemDelay < 0 {
		c.ItemDelay = 0
	}
	return c
}

// Recorder persists drain history.
type Recorder interface {
	RecordDrain(rec models.DrainRecord) error
}

// Result describes a finished drain. Failed counts failures in the last pass.
type Result struct {
	Outcome    models.DrainOutcome
	Passes     int
	Sent       int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time the drain took.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock for pacing and retry delays.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithMetrics records drain durations and per-item outcomes.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithRecorder persists a history row for every drain.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithReachability sets the network check run before a drain.
func WithReachability(fn func(ctx context.Context) error) Option {
	return func(c *Coordinator) { c.reachable = fn }
}

// WithBatchProgress sends all pending progress as one SYNC_PROGRESS frame.
func WithBatchProgress(enabled bool) Option {
	return func(c *Coordinator) { c.batch = enabled }
}

// WithRetryHook is called before waiting for the next pass.
func WithRetryHook(fn func(pass int, delay time.Duration)) Option {
	return func(c *Coordinator) { c.onRetry = fn }
}

// Coordinator is the sync coordinator.
type Coordinator struct {
	cfg       Config
	store     Store
	transport Transport
	session   Session
	bus       *events.Bus
	clock     clock.Clock
	metrics   *telemetry.SyncMetrics
	recorder  Recorder
	reachable func(ctx context.Context) error
	batch     bool
	onRetry   func(pass int, delay time.Duration)

	running atomic.Bool
}

// New returns a Coordinator.
func New(cfg Config, store Store, transport Transport, session Session, bus *events.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg.withDefaults(),
		store:     store,
		transport: transport,
		session:   session,
		bus:       bus,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Running reports whether a drain is in progress.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Drain transmits every pending item. Passes with failures are retried
// after BaseDelay*2^passes until a clean pass or MaxAttempts passes.
// An empty store on the first pass returns DrainNothingToSync at once.
func (c *Coordinator) Drain(ctx context.Context) (Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, ErrDrainInProgress
	}
	defer c.running.Store(false)

	res := Result{StartedAt: c.clock.Now()}
	err := c.drain(ctx, &res)
	res.FinishedAt = c.clock.Now()
	c.finish(ctx, res)
	return res, err
}

func (c *Coordinator) drain(ctx context.Context, res *Result) error {
	token, err := c.session.Token(ctx)
	if err == nil && token == "" {
		err = errors.New("empty access token")
	}
	if err != nil {
		res.Outcome = models.DrainNoSession
		return fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	if c.reachable != nil {
		if err := c.reachable(ctx); err != nil {
			res.Outcome = models.DrainOffline
			return fmt.Errorf("%w: %w", ErrOffline, err)
		}
	}

	bo := c.newBackOff()
	for {
		res.Passes++
		items, err := c.collect()
		if err != nil {
			res.Outcome = models.DrainFailed
			return err
		}
		if len(items) == 0 {
			if res.Passes == 1 {
				res.Outcome = models.DrainNothingToSync
			} else {
				res.Outcome = models.DrainSynced
			}
			res.Failed = 0
			return nil
		}

		failed, err := c.pass(ctx, &token, items, res)
		res.Failed = failed
		if err != nil {
			res.Outcome = models.DrainFailed
			if errors.Is(err, auth.ErrSessionInvalid) {
				res.Outcome = models.DrainNoSession
			}
			return err
		}
		if failed == 0 {
			res.Outcome = models.DrainSynced
			return nil
		}
		if res.Passes >= c.cfg.MaxAttempts {
			res.Outcome = models.DrainPartial
			slog.Warn("sync: retries exhausted", "passes", res.Passes, "failed", failed)
			return nil
		}

		delay := bo.NextBackOff()
		slog.Info("sync: retrying drain", "pass", res.Passes, "failed", failed, "delay", delay)
		if c.onRetry != nil {
			c.onRetry(res.Passes, delay)
		}
		if err := c.sleep(ctx, delay); err != nil {
			res.Outcome = models.DrainFailed
			return err
		}
	}
}

// newBackOff yields BaseDelay*2, BaseDelay*4, ... with no jitter.
func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     2 * c.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
	}
	bo.Reset()
	return bo
}

func (c *Coordinator) collect() ([]models.PendingItem, error) {
	var all []models.PendingItem
	for _, kind := range models.AllKinds() {
		items, err := c.store.ListPending(kind)
		if err != nil {
			return nil, fmt.Errorf("list pending %s: %w", kind, err)
		}
		all = append(all, items...)
	}
	return all, nil
}

type unit struct {
	items []models.PendingItem
	msg   protocol.Message
	err   error
}

// units groups items into frames: one per item, or one SYNC_PROGRESS for
// all progress when batching.
func (c *Coordinator) units(items []models.PendingItem) []unit {
	var out []unit
	var progress []models.PendingItem
	var records []protocol.Progress
	for _, item := range items {
		if c.batch && item.Kind == models.KindProgress {
			p, err := protocol.DecodeProgress(item.Payload)
			if err != nil {
				out = append(out, unit{items: []models.PendingItem{item}, err: err})
				continue
			}
			progress = append(progress, item)
			records = append(records, p)
			continue
		}
		msg, err := protocol.FromPendingItem(item)
		out = append(out, unit{items: []models.PendingItem{item}, msg: msg, err: err})
	}
	if len(progress) > 0 {
		out = append([]unit{{items: progress, msg: protocol.NewSyncProgress(records)}}, out...)
	}
	return out
}

// authenticate connects the transport. When the server rejects the token
// the handshake is retried once, with the current token if it has rotated
// since the drain started or with a renewed one otherwise. *token is
// updated so later passes use it.
func (c *Coordinator) authenticate(ctx context.Context, token *string) error {
	err := c.transport.EnsureAuthenticated(ctx, *token)
	if err == nil || !errors.Is(err, conn.ErrAuthRejected) || ctx.Err() != nil {
		return err
	}

	// Another caller may already have rotated the pair.
	if cur, terr := c.session.Token(ctx); terr == nil && cur != "" && cur != *token {
		*token = cur
		return c.transport.EnsureAuthenticated(ctx, *token)
	}

	slog.Info("sync: token rejected, renewing", "err", err)
	cred, rerr := c.session.Renew(ctx)
	switch {
	case errors.Is(rerr, auth.ErrSessionInvalid):
		return rerr
	case rerr != nil:
		slog.Warn("sync: renew after rejection", "err", rerr)
		return err
	case cred.AccessToken == "":
		return err
	}
	*token = cred.AccessToken
	return c.transport.EnsureAuthenticated(ctx, *token)
}

// pass sends every item once and returns how many failed. Only context
// cancellation or an invalid session aborts a pass.
func (c *Coordinator) pass(ctx context.Context, token *string, items []models.PendingItem, res *Result) (int, error) {
	if c.transport.State() != models.StateAuthenticated {
		if err := c.authenticate(ctx, token); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if errors.Is(err, auth.ErrSessionInvalid) {
				return 0, err
			}
			slog.Warn("sync: transport not authenticated", "err", err)
			for _, item := range items {
				c.fail(ctx, item, err)
			}
			return len(items), nil
		}
	}

	failed := 0
	for i, u := range c.units(items) {
		if i > 0 {
			if err := c.sleep(ctx, c.cfg.ItemDelay); err != nil {
				return failed, err
			}
		}
		err := u.err
		if err == nil {
			err = c.transport.Transmit(ctx, u.msg)
		}
		if err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			slog.Debug("sync: send failed", "items", len(u.items), "err", err)
			for _, item := range u.items {
				c.fail(ctx, item, err)
			}
			failed += len(u.items)
			continue
		}
		for _, item := range u.items {
			if err := c.store.MarkSent(item.ID); err != nil {
				slog.Warn("sync: mark sent", "id", item.ID, "err", err)
			}
			c.metrics.RecordItem(ctx, string(item.Kind), true)
		}
		res.Sent += len(u.items)
	}
	return failed, nil
}

func (c *Coordinator) fail(ctx context.Context, item models.PendingItem, cause error) {
	if err := c.store.MarkFailed(item.ID, cause); err != nil {
		slog.Warn("sync: mark failed", "id", item.ID, "err", err)
	}
	c.metrics.RecordItem(ctx, string(item.Kind), false)
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) finish(ctx context.Context, res Result) {
	c.metrics.RecordDrain(ctx, string(res.Outcome), res.Duration())
	if c.recorder != nil {
		rec := models.DrainRecord{
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
			Outcome:    res.Outcome,
			Passes:     res.Passes,
			Sent:       res.Sent,
			Failed:     res.Failed,
		}
		if err := c.recorder.RecordDrain(rec); err != nil {
			slog.Warn("sync: record drain", "err", err)
		}
	}

	switch res.Outcome {
	case models.DrainSynced:
		c.bus.Publish(events.SyncFinished, res)
	case models.DrainPartial:
		c.bus.Publish(events.SyncPartial, res)
	case models.DrainNothingToSync:
		c.bus.Publish(events.SyncNothing, res)
	}
}
