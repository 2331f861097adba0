package conn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/marcus/aula/internal/events"
	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/protocol"
)

// fakeTransport is an in-memory socket. Frames pushed by the test are
// returned from Read; frames written by the manager are recorded.
type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	out     []string
	onWrite func(t *fakeTransport, env protocol.Envelope)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 32), closed: make(chan struct{})}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-t.in:
		return d, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	t.mu.Lock()
	t.out = append(t.out, string(data))
	hook := t.onWrite
	t.mu.Unlock()
	if hook != nil {
		if env, err := protocol.Decode(data); err == nil {
			hook(t, env)
		}
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) push(frame string) { t.in <- []byte(frame) }

func (t *fakeTransport) frames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.out...)
}

func (t *fakeTransport) types() []string {
	var out []string
	for _, f := range t.frames() {
		env, err := protocol.Decode([]byte(f))
		if err == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func acceptAuth(t *fakeTransport, env protocol.Envelope) {
	if env.Type == protocol.TypeAuth {
		t.push(`{"type":"AUTH_SUCCESS"}`)
	}
}

func rejectAuth(t *fakeTransport, env protocol.Envelope) {
	if env.Type == protocol.TypeAuth {
		t.push(`{"type":"AUTH_ERROR","error":"jwt expired"}`)
	}
}

// fakeDialer hands out transports or fails, counting every dial.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	fail    error
	onWrite func(t *fakeTransport, env protocol.Envelope)
	conns   []*fakeTransport
}

func (d *fakeDialer) Dial(context.Context, string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}
	t := newFakeTransport()
	t.onWrite = d.onWrite
	d.conns = append(d.conns, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

type memBuffer struct {
	mu    sync.Mutex
	items []models.PendingItem
}

func (b *memBuffer) Append(item models.PendingItem) (models.PendingItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item.Seq = int64(len(b.items) + 1)
	b.items = append(b.items, item)
	return item, nil
}

func (b *memBuffer) all() []models.PendingItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.PendingItem(nil), b.items...)
}

var errRefused = errors.New("connection refused")

func newTestManager(t *testing.T, d Dialer, cfg Config) (Manager, *testingclock.FakeClock, *memBuffer, *events.Bus) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	buf := &memBuffer{}
	bus := events.NewBus()
	if cfg.URL == "" {
		cfg.URL = "ws://aula.test/ws"
	}
	m := New(cfg, d, buf, bus, WithClock(clk))
	t.Cleanup(m.Disconnect)
	return m, clk, buf, bus
}

func waitState(t *testing.T, m Manager, want models.ConnState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, time.Second, time.Millisecond,
		"state %s, want %s", m.State(), want)
}

func TestReconnectDelay(t *testing.T) {
	t.Parallel()

	base := 250 * time.Millisecond
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}
	var prev time.Duration
	for attempt, w := range want {
		got := ReconnectDelay(base, attempt)
		assert.Equal(t, w, got, "attempt %d", attempt)
		assert.Greater(t, got, prev)
		prev = got
	}

	assert.Equal(t, base, ReconnectDelay(base, -1))
	assert.Equal(t, time.Duration(1<<62), ReconnectDelay(1, 62))
	assert.Positive(t, ReconnectDelay(time.Second, 200), "saturates instead of overflowing")
}

func TestConnectSendsAuthAndAuthenticates(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m, _, _, bus := newTestManager(t, d, Config{})

	var online []bool
	var mu sync.Mutex
	bus.Subscribe(events.ConnOnline, func(p any) {
		mu.Lock()
		online = append(online, p.(bool))
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "tok-A"))
	assert.Equal(t, models.StateConnected, m.State(), "Connect resolves on open, before AUTH_SUCCESS")

	tr := d.conn(0)
	require.NotNil(t, tr)
	frames := tr.frames()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"AUTH","token":"tok-A"}`, frames[0])

	tr.push(`{"type":"AUTH_SUCCESS"}`)
	waitState(t, m, models.StateAuthenticated)
	assert.Zero(t, m.Attempts())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(online) == 1 && online[0]
	}, time.Second, time.Millisecond)
}

func TestConnectRequiresCredential(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m, _, _, _ := newTestManager(t, d, Config{})
	assert.ErrorIs(t, m.Connect(context.Background(), ""), ErrNoCredential)
	assert.Zero(t, d.count())
}

func TestEnsureAuthenticated(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{onWrite: acceptAuth}
	m, _, _, _ := newTestManager(t, d, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.EnsureAuthenticated(ctx, "tok"))
	assert.Equal(t, models.StateAuthenticated, m.State())

	// already authenticated: no second dial
	require.NoError(t, m.EnsureAuthenticated(ctx, "tok"))
	assert.Equal(t, 1, d.count())
}

func TestEnsureAuthenticatedRejected(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{onWrite: rejectAuth}
	m, _, _, bus := newTestManager(t, d, Config{})

	rejected := make(chan string, 1)
	bus.Subscribe(events.AuthRejected, func(p any) { rejected <- p.(string) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.EnsureAuthenticated(ctx, "expired")
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Contains(t, err.Error(), "jwt expired")
	assert.Equal(t, "jwt expired", <-rejected)
	assert.NotEqual(t, models.StateAuthenticated, m.State())
}

func TestAuthErrorOnOpenSocketRedialsNextAttempt(t *testing.T) {
	t.Parallel()

	// the server answers AUTH_ERROR and keeps the socket open
	d := &fakeDialer{onWrite: rejectAuth}
	m, _, _, bus := newTestManager(t, d, Config{})

	var changes []StateChange
	var mu sync.Mutex
	bus.Subscribe(events.ConnState, func(p any) {
		mu.Lock()
		changes = append(changes, p.(StateChange))
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, m.EnsureAuthenticated(ctx, "A"), ErrAuthRejected)
	assert.Equal(t, models.StateDisconnected, m.State())
	require.Eventually(t, func() bool {
		select {
		case <-d.conn(0).closed:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond, "rejected transport left open")

	// same token again: a fresh dial and a fresh AUTH, not a wait on the dead socket
	err := m.EnsureAuthenticated(ctx, "A")
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, 2, d.count())
	assert.Equal(t, []string{protocol.TypeAuth}, d.conn(1).types())

	dropped := StateChange{From: models.StateConnected, To: models.StateDisconnected}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, c := range changes {
			if c == dropped {
				n++
			}
		}
		return n == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, c := range changes {
		assert.NotEqual(t, models.StateReconnecting, c.To, "a rejected token is not retried on a timer")
	}
}

func TestUpdateCredentialAfterAuthErrorReconnects(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{onWrite: func(t *fakeTransport, env protocol.Envelope) {
		var auth protocol.Auth
		if env.Type != protocol.TypeAuth || json.Unmarshal(env.Raw, &auth) != nil {
			return
		}
		if auth.Token == "A" {
			rejectAuth(t, env)
			return
		}
		acceptAuth(t, env)
	}}
	m, _, _, _ := newTestManager(t, d, Config{})

	require.ErrorIs(t, m.EnsureAuthenticated(context.Background(), "A"), ErrAuthRejected)
	require.NoError(t, m.UpdateCredential(context.Background(), "B"))
	waitState(t, m, models.StateAuthenticated)
	assert.Equal(t, 2, d.count())
	assert.JSONEq(t, `{"type":"AUTH","token":"B"}`, d.conn(1).frames()[0])
}

func TestEnsureAuthenticatedDialFailure(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{fail: errRefused}
	m, _, _, _ := newTestManager(t, d, Config{})

	err := m.EnsureAuthenticated(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, models.StateReconnecting, m.State())
}

func TestSendBuffersWhileOffline(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m, _, buf, bus := newTestManager(t, d, Config{})

	var buffered []models.Kind
	var dropped []string
	bus.Subscribe(events.MessageBuffered, func(p any) { buffered = append(buffered, p.(models.Kind)) })
	bus.Subscribe(events.MessageDropped, func(p any) { dropped = append(dropped, p.(string)) })

	ctx := context.Background()
	out, err := m.Send(ctx, protocol.NewSaveProgress(protocol.Progress{CursoID: 3, ContenidoID: 11, Avance: 40}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, out)

	out, err = m.Send(ctx, protocol.NewChat("curso-3", "hola"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, out)

	out, err = m.Send(ctx, protocol.NewSyncProgress([]protocol.Progress{
		{CursoID: 3, ContenidoID: 12, Avance: 10},
		{CursoID: 3, ContenidoID: 13, Avance: 100, Completado: true},
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, out)

	out, err = m.Send(ctx, protocol.NewPing())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, out)

	items := buf.all()
	require.Len(t, items, 4)
	assert.Equal(t, models.KindProgress, items[0].Kind)
	assert.JSONEq(t, `{"curso_id":3,"contenido_id":11,"avance":40,"completado":false}`, string(items[0].Payload))
	assert.Equal(t, models.KindChat, items[1].Kind)
	assert.JSONEq(t, `{"room":"curso-3","texto":"hola"}`, string(items[1].Payload))
	assert.Equal(t, models.KindProgress, items[2].Kind)
	assert.Equal(t, models.KindProgress, items[3].Kind)

	assert.Equal(t, []models.Kind{models.KindProgress, models.KindChat, models.KindProgress}, buffered)
	assert.Equal(t, []string{protocol.TypePing}, dropped)
	assert.Zero(t, d.count(), "buffering never dials")
}

func TestSendRejectsInvalidMessages(t *testing.T) {
	t.Parallel()

	m, _, buf, _ := newTestManager(t, &fakeDialer{}, Config{})
	out, err := m.Send(context.Background(), protocol.NewSaveProgress(protocol.Progress{CursoID: 1, ContenidoID: 1, Avance: 101}))
	assert.ErrorIs(t, err, protocol.ErrInvalidProgress)
	assert.Equal(t, OutcomeDropped, out)

	out, err = m.Send(context.Background(), protocol.NewSyncProgress(nil))
	assert.ErrorIs(t, err, protocol.ErrInvalidProgress)
	assert.Equal(t, OutcomeDropped, out, "an empty bulk message is not reported as buffered")

	out, err = m.Send(context.Background(), protocol.NewSyncProgress([]protocol.Progress{
		{CursoID: 1, ContenidoID: 1, Avance: 20},
		{CursoID: 1, ContenidoID: 2, Avance: -5},
	}))
	assert.ErrorIs(t, err, protocol.ErrInvalidProgress)
	assert.Equal(t, OutcomeDropped, out)
	assert.Empty(t, buf.all(), "a bulk message with one bad record buffers nothing")
}

func TestSendWhenAuthenticatedPreservesOrder(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{onWrite: acceptAuth}
	m, _, buf, _ := newTestManager(t, d, Config{})
	require.NoError(t, m.EnsureAuthenticated(context.Background(), "tok"))

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		out, err := m.Send(ctx, protocol.NewSaveProgress(protocol.Progress{CursoID: 1, ContenidoID: int64(i), Avance: i * 10}))
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, out)
	}
	require.NoError(t, m.Transmit(ctx, protocol.NewChat("r", "fin")))

	frames := d.conn(0).frames()
	require.Len(t, frames, 5)
	for i := 1; i <= 3; i++ {
		var p protocol.SaveProgress
		require.NoError(t, json.Unmarshal([]byte(frames[i]), &p))
		assert.Equal(t, int64(i), p.ContenidoID)
	}
	assert.Empty(t, buf.all())
}

func TestTransmitRequiresAuthentication(t *testing.T) {
	t.Parallel()

	m, _, buf, _ := newTestManager(t, &fakeDialer{}, Config{})
	err := m.Transmit(context.Background(), protocol.NewChat("r", "x"))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Empty(t, buf.all(), "Transmit never buffers")
}

func TestHeartbeatWhileAuthenticated(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{onWrite: acceptAuth}
	m, clk, _, _ := newTestManager(t, d, Config{HeartbeatInterval: 30 * time.Second})
	require.NoError(t, m.EnsureAuthenticated(context.Background(), "tok"))

	// wait for the heartbeat ticker to register
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	tr := d.conn(0)

	clk.Step(29 * time.Second)
	assert.Never(t, func() bool { return len(tr.types()) > 1 }, 30*time.Millisecond, 5*time.Millisecond)

	clk.Step(time.Second)
	require.Eventually(t, func() bool { return len(tr.types()) == 2 }, time.Second, time.Millisecond)
	clk.Step(30 * time.Second)
	require.Eventually(t, func() bool { return len(tr.types()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{protocol.TypeAuth, protocol.TypePing, protocol.TypePing}, tr.types())

	// PONG is optional and changes nothing
	tr.push(`{"type":"PONG"}`)
	assert.Equal(t, models.StateAuthenticated, m.State())
}

func TestReconnectBackoffUntilExhausted(t *testing.T) {
	t.Parallel()

	const maxAttempts = 3
	base := time.Second
	d := &fakeDialer{fail: errRefused}
	m, clk, _, bus := newTestManager(t, d, Config{BaseInterval: base, MaxAttempts: maxAttempts})

	var exhausted atomic.Int32
	var exhaustedAt atomic.Int32
	bus.Subscribe(events.ReconnectExhausted, func(p any) {
		exhausted.Add(1)
		exhaustedAt.Store(int32(p.(int)))
	})

	err := m.Connect(context.Background(), "tok")
	require.ErrorIs(t, err, ErrTransportClosed)
	require.Equal(t, 1, d.count())

	for attempt := 0; attempt < maxAttempts; attempt++ {
		require.True(t, clk.HasWaiters(), "attempt %d scheduled", attempt)
		assert.Equal(t, attempt+1, m.Attempts())
		delay := ReconnectDelay(base, attempt)

		clk.Step(delay - time.Millisecond)
		assert.Never(t, func() bool { return d.count() > attempt+1 }, 20*time.Millisecond, 2*time.Millisecond,
			"fired before %s", delay)

		clk.Step(time.Millisecond)
		want := attempt + 2
		if attempt < maxAttempts-1 {
			require.Eventually(t, func() bool { return d.count() == want && clk.HasWaiters() },
				time.Second, time.Millisecond)
		} else {
			require.Eventually(t, func() bool { return d.count() == want && exhausted.Load() == 1 },
				time.Second, time.Millisecond)
		}
	}

	assert.False(t, clk.HasWaiters(), "no reconnect scheduled after exhaustion")
	assert.Equal(t, int32(maxAttempts), exhaustedAt.Load())
	assert.Equal(t, models.StateReconnecting, m.State())

	clk.Step(time.Hour)
	assert.Never(t, func() bool { return d.count() > maxAttempts+1 }, 30*time.Millisecond, 5*time.Millisecond)

	// an explicit Connect dials again
	_ = m.Connect(context.Background(), "tok")
	assert.Equal(t, maxAttempts+2, d.count())
}

func TestAuthSuccessResetsAttempts(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{fail: errRefused, onWrite: acceptAuth}
	m, clk, _, _ := newTestManager(t, d, Config{BaseInterval: time.Second})

	require.Error(t, m.Connect(context.Background(), "tok"))
	require.Equal(t, 1, m.Attempts())

	d.setFail(nil)
	clk.Step(time.Second)
	waitState(t, m, models.StateAuthenticated)
	assert.Zero(t, m.Attempts())
	assert.Equal(t, 2, d.count())
}

func TestDropSchedulesReconnect(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{onWrite: acceptAuth}
	m, clk, _, bus := newTestManager(t, d, Config{BaseInterval: 2 * time.Second})

	var online []bool
	var mu sync.Mutex
	bus.Subscribe(events.ConnOnline, func(p any) {
		mu.Lock()
		online = append(online, p.(bool))
		mu.Unlock()
	})

	require.NoError(t, m.EnsureAuthenticated(context.Background(), "tok"))
	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond, "heartbeat ticker")

	d.conn(0).Close()
	waitState(t, m, models.StateReconnecting)
	require.Eventually(t, func() bool { return clk.Waiters() == 2 }, time.Second, time.Millisecond, "reconnect timer")

	clk.Step(2 * time.Second)
	waitState(t, m, models.StateAuthenticated)
	assert.Equal(t, 2, d.count())
	assert.Equal(t, []string{protocol.TypeAuth}, d.conn(1).types())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(online) == 3 && online[0] && !online[1] && online[2]
	}, time.Second, time.Millisecond)
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m, clk, _, _ := newTestManager(t, d, Config{BaseInterval: time.Second})

	require.NoError(t, m.Connect(context.Background(), "tok"))
	d.conn(0).Close()
	waitState(t, m, models.StateReconnecting)
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)

	m.Disconnect()
	assert.Equal(t, models.StateClosed, m.State())
	assert.False(t, clk.HasWaiters(), "pending timer cancelled")

	clk.Step(time.Hour)
	assert.Never(t, func() bool { return d.count() > 1 }, 30*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, models.StateClosed, m.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	m, _, _, bus := newTestManager(t, &fakeDialer{}, Config{})
	var changes []StateChange
	bus.Subscribe(events.ConnState, func(p any) { changes = append(changes, p.(StateChange)) })

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, models.StateClosed, m.State())
	assert.Equal(t, []StateChange{{From: models.StateDisconnected, To: models.StateClosed}}, changes)
}

func TestUpdateCredentialCyclesConnection(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{onWrite: acceptAuth}
	m, _, _, _ := newTestManager(t, d, Config{})
	require.NoError(t, m.EnsureAuthenticated(context.Background(), "A"))

	require.NoError(t, m.UpdateCredential(context.Background(), "B"))
	waitState(t, m, models.StateAuthenticated)
	require.Equal(t, 2, d.count())
	assert.JSONEq(t, `{"type":"AUTH","token":"B"}`, d.conn(1).frames()[0])

	select {
	case <-d.conn(0).closed:
	default:
		t.Fatal("old transport left open")
	}
}

func TestUpdateCredentialWhileIdleOnlyStoresToken(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m, _, _, _ := newTestManager(t, d, Config{})
	require.NoError(t, m.UpdateCredential(context.Background(), "B"))
	assert.Zero(t, d.count())
	assert.Equal(t, models.StateDisconnected, m.State())
}

func TestHandlersReceiveInboundFrames(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{onWrite: acceptAuth}
	m, _, _, _ := newTestManager(t, d, Config{})

	got := make(chan protocol.Envelope, 2)
	m.Handle(protocol.TypeSyncSuccess, func(env protocol.Envelope) { got <- env })
	require.NoError(t, m.EnsureAuthenticated(context.Background(), "tok"))

	tr := d.conn(0)
	tr.push(`not json`)
	tr.push(`{"type":"SYNC_SUCCESS","count":2}`)

	select {
	case env := <-got:
		assert.Equal(t, protocol.TypeSyncSuccess, env.Type)
		assert.JSONEq(t, `{"type":"SYNC_SUCCESS","count":2}`, string(env.Raw))
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
	assert.Equal(t, models.StateAuthenticated, m.State(), "bad frames are skipped")
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		o    Outcome
		want string
	}{
		{OutcomeSent, "sent"},
		{OutcomeBuffered, "buffered"},
		{OutcomeDropped, "dropped"},
		{Outcome(9), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.o.String())
	}
}
