// Package conn owns the persistent socket to the server: the AUTH
// handshake, heartbeat, reconnect with exponential backoff, and buffering
// of progress and chat messages while the socket is not authenticated.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/marcus/aula/internal/events"
	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/protocol"
	"github.com/marcus/aula/internal/telemetry"
)

var (
	// ErrClosed is returned when the manager was disconnected while an
	// operation was in progress.
	ErrClosed = errors.New("connection closed")
	// ErrNotAuthenticated is returned by Transmit when the socket is not ready.
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrAuthRejected means the server answered AUTH with AUTH_ERROR.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrTransportClosed wraps dial and socket failures.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNoCredential is returned by Connect without a token.
	ErrNoCredential = errors.New("no credential")
)

const (
	DefaultBaseInterval      = time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// Config holds connection knobs. Zero values take the defaults above.
type Config struct {
	URL               string
	BaseInterval      time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// ReconnectDelay returns base * 2^attempt, saturating instead of overflowing.
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	return d
}

// Outcome reports what Send did with a message.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeBuffered
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// StateChange is the payload of events.ConnState.
type StateChange struct {
	From models.ConnState
	To   models.ConnState
}

// Handler receives inbound frames of one type.
type Handler func(env protocol.Envelope)

// Buffer stores messages that could not be sent.
type Buffer interface {
	Append(models.PendingItem) (models.PendingItem, error)
}

// Manager is the connection manager.
type Manager interface {
	// Connect opens the socket and sends AUTH. It returns once the socket
	// is open, not once authenticated.
	Connect(ctx context.Context, token string) error
	// EnsureAuthenticated connects if needed and waits for AUTH_SUCCESS.
	EnsureAuthenticated(ctx context.Context, token string) error
	// Disconnect closes the socket, cancels any scheduled reconnect and
	// suppresses automatic reconnects until the next Connect.
	Disconnect()
	// Send transmits msg when authenticated; otherwise progress and chat
	// messages are buffered and everything else is dropped.
	Send(ctx context.Context, msg protocol.Message) (Outcome, error)
	// Transmit writes msg or fails; it never buffers.
	Transmit(ctx context.Context, msg protocol.Message) error
	// Handle registers fn for inbound frames of msgType.
	Handle(msgType string, fn Handler)
	// UpdateCredential installs a new token, cycling an active connection or
	// one that was dropped because the server rejected the old token.
	UpdateCredential(ctx context.Context, token string) error
	State() models.ConnState
	Attempts() int
}

// Option configures a manager.
type Option func(*manager)

// WithClock sets the clock used for reconnect timers and the heartbeat.
func WithClock(clk clock.WithTicker) Option {
	return func(m *manager) { m.clock = clk }
}

// WithMetrics records transitions, reconnects and buffered messages.
func WithMetrics(metrics *telemetry.ConnectionMetrics) Option {
	return func(m *manager) { m.metrics = metrics }
}

type manager struct {
	cfg     Config
	dialer  Dialer
	store   Buffer
	bus     *events.Bus
	clock   clock.WithTicker
	metrics *telemetry.ConnectionMetrics

	// writeMu serializes frames so messages leave in call order.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          models.ConnState
	attempts       int
	token          string
	allowReconnect bool
	gen            uint64
	transport      Transport
	stopConn       context.CancelFunc
	timer          clock.Timer
	timerDone      chan struct{}
	handlers       map[string][]Handler
	waiters        map[chan error]struct{}
}

// New returns a disconnected Manager.
func New(cfg Config, dialer Dialer, store Buffer, bus *events.Bus, opts ...Option) Manager {
	m := &manager{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		store:    store,
		bus:      bus,
		clock:    clock.RealClock{},
		state:    models.StateDisconnected,
		handlers: make(map[string][]Handler),
		waiters:  make(map[chan error]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *manager) State() models.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *manager) Handle(msgType string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]Handler, len(m.handlers[msgType]), len(m.handlers[msgType])+1)
	copy(list, m.handlers[msgType])
	m.handlers[msgType] = append(list, fn)
}

func (m *manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoCredential
	}
	m.mu.Lock()
	m.allowReconnect = true
	m.token = token
	m.mu.Unlock()
	return m.open(ctx, false)
}

// open dials and sends AUTH. A scheduled reconnect (auto) only proceeds
// while the manager is still waiting to reconnect.
func (m *manager) open(ctx context.Context, auto bool) error {
	m.mu.Lock()
	if auto && (m.state != models.StateReconnecting || !m.allowReconnect || m.timer != nil) {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cancelTimerLocked()
	old := m.detachLocked()
	m.gen++
	gen := m.gen
	token := m.token
	prev := m.setStateLocked(models.StateConnecting)
	m.mu.Unlock()

	closeQuietly(old)
	m.announce(prev, models.StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	t, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancel()
	if err != nil {
		slog.Debug("conn: dial failed", "url", m.cfg.URL, "err", err)
		m.lost(gen, err)
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		closeQuietly(t)
		return ErrClosed
	}
	connCtx, stop := context.WithCancel(context.Background())
	m.transport = t
	m.stopConn = stop
	prev = m.setStateLocked(models.StateConnected)
	m.mu.Unlock()
	m.announce(prev, models.StateConnected)

	go m.readLoop(connCtx, gen, t)

	data, err := protocol.Encode(protocol.NewAuth(token))
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	err = m.writeFrame(connCtx, t, data)
	m.writeMu.Unlock()
	if err != nil {
		m.lost(gen, err)
		return fmt.Errorf("%w: send auth: %w", ErrTransportClosed, err)
	}
	return nil
}

func (m *manager) EnsureAuthenticated(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == models.StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	w := make(chan error, 1)
	m.waiters[w] = struct{}{}
	inFlight := (m.state == models.StateConnecting || m.state == models.StateConnected) &&
		(token == "" || token == m.token)
	m.mu.Unlock()

	if !inFlight {
		if err := m.Connect(ctx, token); err != nil {
			m.dropWaiter(w)
			return err
		}
	}

	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		m.dropWaiter(w)
		return ctx.Err()
	}
}

func (m *manager) Disconnect() {
	m.mu.Lock()
	m.allowReconnect = false
	m.cancelTimerLocked()
	m.gen++
	t := m.detachLocked()
	prev := m.setStateLocked(models.StateClosed)
	m.notifyWaitersLocked(ErrClosed)
	m.mu.Unlock()

	closeQuietly(t)
	m.announce(prev, models.StateClosed)
}

func (m *manager) UpdateCredential(ctx context.Context, token string) error {
	m.mu.Lock()
	// A connection dropped by AUTH_ERROR still wants to be up.
	active := m.state != models.StateClosed &&
		(m.state != models.StateDisconnected || m.allowReconnect)
	if token != "" {
		m.token = token
	}
	m.mu.Unlock()

	if !active || token == "" {
		return nil
	}
	slog.Info("conn: credential changed, reconnecting")
	m.Disconnect()
	return m.Connect(ctx, token)
}

func (m *manager) Send(ctx context.Context, msg protocol.Message) (Outcome, error) {
	if v, ok := msg.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return OutcomeDropped, err
		}
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return OutcomeDropped, err
	}

	m.writeMu.Lock()
	t, gen, ok := m.authenticated()
	if !ok {
		m.writeMu.Unlock()
		return m.buffer(ctx, msg)
	}
	err = m.writeFrame(ctx, t, data)
	m.writeMu.Unlock()
	if err == nil {
		return OutcomeSent, nil
	}

	slog.Debug("conn: send failed, buffering", "type", msg.MessageType(), "err", err)
	m.lost(gen, err)
	return m.buffer(ctx, msg)
}

func (m *manager) Transmit(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	t, gen, ok := m.authenticated()
	if !ok {
		m.writeMu.Unlock()
		return ErrNotAuthenticated
	}
	err = m.writeFrame(ctx, t, data)
	m.writeMu.Unlock()
	if err != nil {
		m.lost(gen, err)
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return nil
}

func (m *manager) buffer(ctx context.Context, msg protocol.Message) (Outcome, error) {
	kind, payloads, err := protocol.Payload(msg)
	if errors.Is(err, protocol.ErrUnknownKind) || (err == nil && m.store == nil) {
		slog.Warn("conn: dropping message while offline", "type", msg.MessageType())
		m.bus.Publish(events.MessageDropped, msg.MessageType())
		return OutcomeDropped, nil
	}
	if err != nil {
		return OutcomeDropped, err
	}

	for _, p := range payloads {
		if _, err := m.store.Append(models.PendingItem{Kind: kind, Payload: p}); err != nil {
			return OutcomeDropped, fmt.Errorf("buffer %s: %w", kind, err)
		}
	}
	slog.Debug("conn: buffered", "kind", string(kind), "count", len(payloads))
	m.metrics.RecordBuffered(ctx, string(kind))
	m.bus.Publish(events.MessageBuffered, kind)
	return OutcomeBuffered, nil
}

func (m *manager) authenticated() (Transport, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != models.StateAuthenticated || m.transport == nil {
		return nil, 0, false
	}
	return m.transport, m.gen, true
}

func (m *manager) writeFrame(ctx context.Context, t Transport, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	return t.Write(ctx, data)
}

func (m *manager) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			m.lost(gen, err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("conn: skipping frame", "err", err)
			continue
		}
		m.dispatch(ctx, gen, env)
	}
}

func (m *manager) dispatch(ctx context.Context, gen uint64, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAuthSuccess:
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.attempts = 0
		t := m.transport
		prev := m.setStateLocked(models.StateAuthenticated)
		m.notifyWaitersLocked(nil)
		m.mu.Unlock()

		if prev != models.StateAuthenticated {
			go m.heartbeat(ctx, gen, t)
		}
		m.announce(prev, models.StateAuthenticated)

	case protocol.TypeAuthError:
		// The socket is useless with a rejected token: drop it without
		// scheduling a reconnect so the next EnsureAuthenticated dials again.
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.gen++
		m.cancelTimerLocked()
		t := m.detachLocked()
		prev := m.setStateLocked(models.StateDisconnected)
		m.notifyWaitersLocked(fmt.Errorf("%w: %s", ErrAuthRejected, env.Error))
		m.mu.Unlock()

		closeQuietly(t)
		m.announce(prev, models.StateDisconnected)
		slog.Warn("conn: authentication rejected", "error", env.Error)
		m.bus.Publish(events.AuthRejected, env.Error)

	case protocol.TypePong:
		slog.Debug("conn: pong")
	}

	m.mu.Lock()
	list := m.handlers[env.Type]
	m.mu.Unlock()
	for _, fn := range list {
		fn(env)
	}
}

func (m *manager) heartbeat(ctx context.Context, gen uint64, t Transport) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, err := protocol.Encode(protocol.NewPing())
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.writeMu.Lock()
			err := m.writeFrame(ctx, t, ping)
			m.writeMu.Unlock()
			if err != nil {
				m.lost(gen, err)
				return
			}
		}
	}
}

// lost handles a dial, read or write failure for generation gen. Stale
// generations and a closed manager are ignored.
func (m *manager) lost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == models.StateClosed {
		m.mu.Unlock()
		return
	}
	m.gen++
	t := m.detachLocked()
	prev := m.setStateLocked(models.StateReconnecting)
	m.notifyWaitersLocked(fmt.Errorf("%w: %w", ErrTransportClosed, cause))

	attempt := m.attempts
	schedule := m.allowReconnect && m.token != "" && attempt < m.cfg.MaxAttempts
	exhausted := m.allowReconnect && m.token != "" && !schedule
	var delay time.Duration
	if schedule {
		delay = ReconnectDelay(m.cfg.BaseInterval, attempt)
		m.attempts++
		m.armTimerLocked(delay)
	}
	m.mu.Unlock()

	closeQuietly(t)
	m.announce(prev, models.StateReconnecting)

	switch {
	case schedule:
		slog.Info("conn: reconnect scheduled", "attempt", attempt+1, "delay", delay, "cause", cause)
		m.metrics.RecordReconnect(context.Background(), attempt+1)
	case exhausted:
		slog.Warn("conn: reconnect attempts exhausted", "attempts", attempt)
		m.bus.Publish(events.ReconnectExhausted, attempt)
	}
}

func (m *manager) armTimerLocked(d time.Duration) {
	t := m.clock.NewTimer(d)
	done := make(chan struct{})
	m.timer, m.timerDone = t, done
	go func() {
		select {
		case <-t.C():
			m.fire(done)
		case <-done:
		}
	}()
}

func (m *manager) fire(done chan struct{}) {
	m.mu.Lock()
	if m.timerDone != done {
		m.mu.Unlock()
		return
	}
	m.timer, m.timerDone = nil, nil
	m.mu.Unlock()

	if err := m.open(context.Background(), true); err != nil && !errors.Is(err, ErrClosed) {
		slog.Debug("conn: reconnect failed", "err", err)
	}
}

func (m *manager) cancelTimerLocked() {
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	close(m.timerDone)
	m.timer, m.timerDone = nil, nil
}

func (m *manager) detachLocked() Transport {
	t := m.transport
	m.transport = nil
	if m.stopConn != nil {
		m.stopConn()
		m.stopConn = nil
	}
	return t
}

func (m *manager) setStateLocked(s models.ConnState) models.ConnState {
	prev := m.state
	m.state = s
	return prev
}

func (m *manager) notifyWaitersLocked(err error) {
	for w := range m.waiters {
		w <- err
		delete(m.waiters, w)
	}
}

func (m *manager) dropWaiter(w chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiters, w)
}

// announce logs, records and publishes a state transition.
func (m *manager) announce(prev, next models.ConnState) {
	if prev == next {
		return
	}
	slog.Debug("conn: state", "from", prev.String(), "to", next.String())
	m.metrics.RecordTransition(context.Background(), next.String())
	m.bus.Publish(events.ConnState, StateChange{From: prev, To: next})

	switch {
	case next == models.StateAuthenticated:
		m.bus.Publish(events.ConnOnline, true)
	case prev == models.StateAuthenticated, next == models.StateReconnecting:
		m.bus.Publish(events.ConnOnline, false)
	}
}

func closeQuietly(t Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		slog.Debug("conn: close transport", "err", err)
	}
}
