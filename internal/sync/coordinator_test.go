package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/marcus/aula/internal/auth"
	"github.com/marcus/aula/internal/conn"
	"github.com/marcus/aula/internal/events"
	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/protocol"
	"github.com/marcus/aula/internal/sync/mocks"
)

var errWrite = errors.New("write: broken pipe")

func progressItem(t *testing.T, id string, contenido int64, avance int) models.PendingItem {
	t.Helper()
	data, err := json.Marshal(protocol.Progress{CursoID: 7, ContenidoID: contenido, Avance: avance})
	require.NoError(t, err)
	return models.PendingItem{ID: id, Kind: models.KindProgress, Payload: data}
}

func chatItem(id, room, texto string) models.PendingItem {
	data, _ := json.Marshal(map[string]string{"room": room, "texto": texto})
	return models.PendingItem{ID: id, Kind: models.KindChat, Payload: data}
}

type fixture struct {
	store     *mocks.MockStore
	transport *mocks.MockTransport
	session   *mocks.MockSession
	bus       *events.Bus
	clock     *testingclock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	return &fixture{
		store:     mocks.NewMockStore(ctrl),
		transport: mocks.NewMockTransport(ctrl),
		session:   mocks.NewMockSession(ctrl),
		bus:       events.NewBus(),
		clock:     testingclock.NewFakeClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)),
	}
}

func (f *fixture) coordinator(cfg Config, opts ...Option) *Coordinator {
	opts = append([]Option{WithClock(f.clock)}, opts...)
	return New(cfg, f.store, f.transport, f.session, f.bus, opts...)
}

type drainResult struct {
	res Result
	err error
}

func drainAsync(ctx context.Context, c *Coordinator) <-chan drainResult {
	out := make(chan drainResult, 1)
	go func() {
		res, err := c.Drain(ctx)
		out <- drainResult{res, err}
	}()
	return out
}

func TestDrainNothingToSync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)
	f.store.EXPECT().ListPending(models.KindProgress).Return(nil, nil)
	f.store.EXPECT().ListPending(models.KindChat).Return(nil, nil)
	// no transport expectations: any send or connect fails the test

	var nothing int
	f.bus.Subscribe(events.SyncNothing, func(any) { nothing++ })

	res, err := f.coordinator(Config{}).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DrainNothingToSync, res.Outcome)
	assert.Equal(t, 1, res.Passes)
	assert.Zero(t, res.Sent)
	assert.False(t, f.clock.HasWaiters(), "no retry scheduled")
	assert.Equal(t, 1, nothing)
}

func TestDrainAuthenticatesBeforeSending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := chatItem("c1", "curso-7", "hola")

	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)
	f.store.EXPECT().ListPending(models.KindProgress).Return(nil, nil)
	f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{item}, nil)
	gomock.InOrder(
		f.transport.EXPECT().State().Return(models.StateDisconnected),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "tok").Return(nil),
		f.transport.EXPECT().Transmit(gomock.Any(), protocol.NewChat("curso-7", "hola")).Return(nil).Times(1),
		f.store.EXPECT().MarkSent("c1").Return(nil),
	)

	res, err := f.coordinator(Config{}).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DrainSynced, res.Outcome)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Passes)
}

func TestDrainRetriesFailedItemsAfterDoubleBaseDelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	base := time.Second
	items := make([]models.PendingItem, 5)
	for i := range items {
		items[i] = progressItem(t, fmt.Sprintf("p%d", i+1), int64(i+1), 20*(i+1))
	}
	failing := map[string]bool{"p2": true, "p4": true}
	msgFor := func(i int) protocol.Message {
		m, err := protocol.FromPendingItem(items[i])
		require.NoError(t, err)
		return m
	}

	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)
	f.transport.EXPECT().State().Return(models.StateAuthenticated).AnyTimes()

	// pass 1: all five, p2 and p4 fail
	f.store.EXPECT().ListPending(models.KindProgress).Return(items, nil)
	f.store.EXPECT().ListPending(models.KindChat).Return(nil, nil)
	for i, it := range items {
		call := f.transport.EXPECT().Transmit(gomock.Any(), msgFor(i))
		if failing[it.ID] {
			call.Return(errWrite)
			f.store.EXPECT().MarkFailed(it.ID, errWrite).Return(nil)
		} else {
			call.Return(nil)
			f.store.EXPECT().MarkSent(it.ID).Return(nil)
		}
	}

	var delays []time.Duration
	c := f.coordinator(Config{BaseDelay: base}, WithRetryHook(func(_ int, d time.Duration) {
		delays = append(delays, d)
	}))
	done := drainAsync(context.Background(), c)

	require.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)
	assert.Equal(t, []time.Duration{2 * base}, delays)

	// pass 2: only the failed items remain and both succeed
	retry := []models.PendingItem{items[1], items[3]}
	f.store.EXPECT().ListPending(models.KindProgress).Return(retry, nil)
	f.store.EXPECT().ListPending(models.KindChat).Return(nil, nil)
	f.transport.EXPECT().Transmit(gomock.Any(), msgFor(1)).Return(nil)
	f.transport.EXPECT().Transmit(gomock.Any(), msgFor(3)).Return(nil)
	f.store.EXPECT().MarkSent("p2").Return(nil)
	f.store.EXPECT().MarkSent("p4").Return(nil)

	f.clock.Step(2*base - time.Millisecond)
	select {
	case <-done:
		t.Fatal("retry pass ran before its delay")
	case <-time.After(20 * time.Millisecond):
	}
	f.clock.Step(time.Millisecond)

	var got drainResult
	select {
	case got = <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}
	require.NoError(t, got.err)
	assert.Equal(t, models.DrainSynced, got.res.Outcome)
	assert.Equal(t, 2, got.res.Passes, "no third pass")
	assert.Equal(t, 5, got.res.Sent)
	assert.Zero(t, got.res.Failed)
	assert.Len(t, delays, 1)
}

func TestDrainPartialAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := progressItem(t, "p1", 1, 50)

	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)
	f.transport.EXPECT().State().Return(models.StateAuthenticated).AnyTimes()
	f.store.EXPECT().ListPending(models.KindProgress).Return([]models.PendingItem{item}, nil).Times(3)
	f.store.EXPECT().ListPending(models.KindChat).Return(nil, nil).Times(3)
	f.transport.EXPECT().Transmit(gomock.Any(), gomock.Any()).Return(errWrite).Times(3)
	f.store.EXPECT().MarkFailed("p1", errWrite).Return(nil).Times(3)

	var partial []Result
	f.bus.Subscribe(events.SyncPartial, func(p any) { partial = append(partial, p.(Result)) })

	var delays []time.Duration
	c := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, f.store, f.transport, f.session, f.bus,
		WithClock(clock.RealClock{}),
		WithRetryHook(func(_ int, d time.Duration) { delays = append(delays, d) }))

	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DrainPartial, res.Outcome)
	assert.Equal(t, 3, res.Passes)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond}, delays)
	require.Len(t, partial, 1)
	assert.Equal(t, res, partial[0])
}

func TestDrainWithoutSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.session.EXPECT().Token(gomock.Any()).Return("", errors.New("no session"))

	res, err := f.coordinator(Config{}).Drain(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, models.DrainNoSession, res.Outcome)
	assert.Zero(t, res.Passes)
}

func TestDrainOffline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)

	c := f.coordinator(Config{}, WithReachability(func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	}))
	res, err := c.Drain(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, models.DrainOffline, res.Outcome)
}

func TestDrainRejectsOverlap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := chatItem("c1", "r", "x")
	entered := make(chan struct{})
	release := make(chan struct{})

	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)
	f.transport.EXPECT().State().Return(models.StateAuthenticated)
	f.store.EXPECT().ListPending(models.KindProgress).Return(nil, nil)
	f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{item}, nil)
	f.transport.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, protocol.Message) error {
		close(entered)
		<-release
		return nil
	})
	f.store.EXPECT().MarkSent("c1").Return(nil)

	c := f.coordinator(Config{})
	done := drainAsync(context.Background(), c)
	<-entered

	assert.True(t, c.Running())
	_, err := c.Drain(context.Background())
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(release)
	got := <-done
	require.NoError(t, got.err)
	assert.False(t, c.Running())
}

func TestDrainBatchesProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p1 := progressItem(t, "p1", 1, 10)
	p2 := progressItem(t, "p2", 2, 100)
	c1 := chatItem("c1", "r", "listo")

	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)
	f.transport.EXPECT().State().Return(models.StateAuthenticated)
	f.store.EXPECT().ListPending(models.KindProgress).Return([]models.PendingItem{p1, p2}, nil)
	f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{c1}, nil)
	gomock.InOrder(
		f.transport.EXPECT().Transmit(gomock.Any(), protocol.NewSyncProgress([]protocol.Progress{
			{CursoID: 7, ContenidoID: 1, Avance: 10},
			{CursoID: 7, ContenidoID: 2, Avance: 100},
		})).Return(nil),
		f.transport.EXPECT().Transmit(gomock.Any(), protocol.NewChat("r", "listo")).Return(nil),
	)
	f.store.EXPECT().MarkSent("p1").Return(nil)
	f.store.EXPECT().MarkSent("p2").Return(nil)
	f.store.EXPECT().MarkSent("c1").Return(nil)

	c := New(Config{ItemDelay: time.Millisecond}, f.store, f.transport, f.session, f.bus,
		WithClock(clock.RealClock{}), WithBatchProgress(true))
	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DrainSynced, res.Outcome)
	assert.Equal(t, 3, res.Sent)
}

func TestDrainCountsAuthFailureAsFailedPass(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := chatItem("c1", "r", "x")
	authErr := errors.New("authentication rejected")

	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)
	f.store.EXPECT().ListPending(models.KindProgress).Return(nil, nil).Times(2)
	f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{item}, nil).Times(2)
	gomock.InOrder(
		f.transport.EXPECT().State().Return(models.StateReconnecting),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "tok").Return(authErr),
		f.store.EXPECT().MarkFailed("c1", authErr).Return(nil),
		f.transport.EXPECT().State().Return(models.StateReconnecting),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "tok").Return(nil),
		f.transport.EXPECT().Transmit(gomock.Any(), gomock.Any()).Return(nil),
		f.store.EXPECT().MarkSent("c1").Return(nil),
	)

	c := New(Config{BaseDelay: time.Millisecond}, f.store, f.transport, f.session, f.bus, WithClock(clock.RealClock{}))
	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DrainSynced, res.Outcome)
	assert.Equal(t, 2, res.Passes)
}

func TestDrainRenewsRejectedToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c1 := chatItem("c1", "r", "uno")
	c2 := chatItem("c2", "r", "dos")
	rejected := fmt.Errorf("%w: jwt expired", conn.ErrAuthRejected)

	f.session.EXPECT().Token(gomock.Any()).Return("expired", nil).Times(2)
	f.store.EXPECT().ListPending(models.KindProgress).Return(nil, nil).Times(2)
	gomock.InOrder(
		f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{c1, c2}, nil),
		f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{c2}, nil),
	)
	gomock.InOrder(
		f.transport.EXPECT().State().Return(models.StateDisconnected),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "expired").Return(rejected),
		f.session.EXPECT().Renew(gomock.Any()).Return(models.Credential{AccessToken: "fresh", RefreshToken: "r2"}, nil),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "fresh").Return(nil),
		f.transport.EXPECT().Transmit(gomock.Any(), protocol.NewChat("r", "uno")).Return(nil),
		f.transport.EXPECT().Transmit(gomock.Any(), protocol.NewChat("r", "dos")).Return(errWrite),
		// the socket dropped: the next pass reconnects with the renewed token
		f.transport.EXPECT().State().Return(models.StateReconnecting),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "fresh").Return(nil),
		f.transport.EXPECT().Transmit(gomock.Any(), protocol.NewChat("r", "dos")).Return(nil),
	)
	f.store.EXPECT().MarkSent("c1").Return(nil)
	f.store.EXPECT().MarkFailed("c2", errWrite).Return(nil)
	f.store.EXPECT().MarkSent("c2").Return(nil)

	c := New(Config{BaseDelay: time.Millisecond}, f.store, f.transport, f.session, f.bus, WithClock(clock.RealClock{}))
	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DrainSynced, res.Outcome)
	assert.Equal(t, 2, res.Passes)
	assert.Equal(t, 2, res.Sent)
}

func TestDrainStopsWhenRenewalRefused(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := chatItem("c1", "r", "x")
	refused := fmt.Errorf("%w: %w", auth.ErrSessionInvalid, auth.ErrRefreshRejected)

	f.session.EXPECT().Token(gomock.Any()).Return("expired", nil).Times(2)
	f.store.EXPECT().ListPending(models.KindProgress).Return(nil, nil)
	f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{item}, nil)
	gomock.InOrder(
		f.transport.EXPECT().State().Return(models.StateDisconnected),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "expired").
			Return(fmt.Errorf("%w: jwt expired", conn.ErrAuthRejected)),
		f.session.EXPECT().Renew(gomock.Any()).Return(models.Credential{}, refused),
	)
	// no MarkFailed and no Transmit: the item stays pending for the next session

	res, err := f.coordinator(Config{}).Drain(context.Background())
	require.ErrorIs(t, err, auth.ErrSessionInvalid)
	assert.Equal(t, models.DrainNoSession, res.Outcome)
	assert.Equal(t, 1, res.Passes)
	assert.False(t, f.clock.HasWaiters(), "no retry scheduled")
}

func TestDrainKeepsTokenWhenRenewalFailsTransiently(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := chatItem("c1", "r", "x")
	rejected := fmt.Errorf("%w: jwt expired", conn.ErrAuthRejected)

	f.session.EXPECT().Token(gomock.Any()).Return("expired", nil).Times(2)
	f.store.EXPECT().ListPending(models.KindProgress).Return(nil, nil)
	f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{item}, nil)
	gomock.InOrder(
		f.transport.EXPECT().State().Return(models.StateDisconnected),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "expired").Return(rejected),
		f.session.EXPECT().Renew(gomock.Any()).Return(models.Credential{}, errors.New("dial tcp: refused")),
		f.store.EXPECT().MarkFailed("c1", rejected).Return(nil),
	)

	res, err := f.coordinator(Config{MaxAttempts: 1}).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DrainPartial, res.Outcome)
	assert.Equal(t, 1, res.Failed)
}

func TestDrainUsesRotatedTokenWithoutRenewing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := chatItem("c1", "r", "x")

	gomock.InOrder(
		f.session.EXPECT().Token(gomock.Any()).Return("old", nil),
		f.store.EXPECT().ListPending(models.KindProgress).Return(nil, nil),
		f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{item}, nil),
		f.transport.EXPECT().State().Return(models.StateDisconnected),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "old").
			Return(fmt.Errorf("%w: jwt expired", conn.ErrAuthRejected)),
		// renewed elsewhere while the handshake was in flight
		f.session.EXPECT().Token(gomock.Any()).Return("rotated", nil),
		f.transport.EXPECT().EnsureAuthenticated(gomock.Any(), "rotated").Return(nil),
		f.transport.EXPECT().Transmit(gomock.Any(), protocol.NewChat("r", "x")).Return(nil),
		f.store.EXPECT().MarkSent("c1").Return(nil),
	)
	// no Renew expectation: a second refresh fails the test

	res, err := f.coordinator(Config{}).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DrainSynced, res.Outcome)
}

func TestDrainCancelledDuringRetryWait(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := chatItem("c1", "r", "x")

	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)
	f.transport.EXPECT().State().Return(models.StateAuthenticated)
	f.store.EXPECT().ListPending(models.KindProgress).Return(nil, nil)
	f.store.EXPECT().ListPending(models.KindChat).Return([]models.PendingItem{item}, nil)
	f.transport.EXPECT().Transmit(gomock.Any(), gomock.Any()).Return(errWrite)
	f.store.EXPECT().MarkFailed("c1", errWrite).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := drainAsync(ctx, f.coordinator(Config{}))
	require.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)
	cancel()

	got := <-done
	assert.ErrorIs(t, got.err, context.Canceled)
	assert.Equal(t, models.DrainFailed, got.res.Outcome)
	assert.Equal(t, 1, got.res.Passes)
}

type memRecorder struct {
	records []models.DrainRecord
}

func (r *memRecorder) RecordDrain(rec models.DrainRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func TestDrainRecordsHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.session.EXPECT().Token(gomock.Any()).Return("tok", nil)
	f.store.EXPECT().ListPending(gomock.Any()).Return(nil, nil).Times(2)

	rec := &memRecorder{}
	res, err := f.coordinator(Config{}, WithRecorder(rec)).Drain(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.records, 1)
	assert.Equal(t, models.DrainNothingToSync, rec.records[0].Outcome)
	assert.Equal(t, 1, rec.records[0].Passes)
	assert.Equal(t, res.StartedAt, rec.records[0].StartedAt)
}
