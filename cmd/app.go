package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcus/aula/internal/auth"
	"github.com/marcus/aula/internal/conn"
	"github.com/marcus/aula/internal/db"
	"github.com/marcus/aula/internal/events"
	aulasync "github.com/marcus/aula/internal/sync"
	"github.com/marcus/aula/internal/syncclient"
	"github.com/marcus/aula/internal/syncconfig"
	"github.com/marcus/aula/internal/telemetry"
)

// connectTimeout bounds how long one-shot commands wait for the socket.
const connectTimeout = 5 * time.Second

// app wires the components a command needs. Fields are built lazily by
// the with* methods so read-only commands stay cheap.
type app struct {
	settings syncconfig.Settings
	store    *db.DB
	bus      *events.Bus
	client   *syncclient.Client
	auth     *auth.Coordinator
	conn     conn.Manager
	metrics  *telemetry.Provider
}

// openApp opens the local store and builds the HTTP client and credential
// coordinator. Callers must Close it.
func openApp() (*app, error) {
	dir, err := getDataDir()
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	store, err := db.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("get device id: %w", err)
	}

	a := &app{
		settings: syncconfig.Resolve(),
		store:    store,
		bus:      events.NewBus(),
	}
	a.client = syncclient.New(a.settings.ServerURL, deviceID)
	return a, nil
}

// withTelemetry installs an in-process meter provider. Must be called
// before withAuth and withConn.
func (a *app) withTelemetry() *app {
	a.metrics = telemetry.NewProvider()
	return a
}

func (a *app) withAuth() (*app, error) {
	opts := []auth.Option{
		auth.WithHTTPClient(a.client.HTTP),
		auth.WithExemptPrefix(syncclient.AuthPathPrefix),
	}
	if a.metrics != nil {
		m, err := telemetry.NewAuthMetrics(a.metrics)
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth.WithMetrics(m))
	}
	coord, err := auth.New(a.store, a.client, a.bus, opts...)
	if err != nil {
		return nil, err
	}
	a.auth = coord
	a.client.Authorized = coord
	return a, nil
}

func (a *app) withConn() (*app, error) {
	var opts []conn.Option
	if a.metrics != nil {
		m, err := telemetry.NewConnectionMetrics(a.metrics)
		if err != nil {
			return nil, err
		}
		opts = append(opts, conn.WithMetrics(m))
	}
	header := http.Header{}
	header.Set("X-Device-ID", a.client.DeviceID)
	dialer := conn.WebSocketDialer{Header: header}
	cfg := conn.Config{
		URL:               a.settings.SocketURL,
		BaseInterval:      a.settings.ReconnectInterval,
		MaxAttempts:       a.settings.ReconnectMaxAttempts,
		HeartbeatInterval: a.settings.HeartbeatInterval,
	}
	a.conn = conn.New(cfg, dialer, a.store, a.bus, opts...)
	return a, nil
}

// newDrainer builds a sync coordinator over the app's store, connection
// and session. cfg zero values fall back to the resolved settings.
func (a *app) newDrainer(cfg aulasync.Config, opts ...aulasync.Option) (*aulasync.Coordinator, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = a.settings.SyncMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = a.settings.SyncBaseDelay
	}
	if cfg.ItemDelay <= 0 {
		cfg.ItemDelay = a.settings.SyncItemDelay
	}
	opts = append([]aulasync.Option{
		aulasync.WithRecorder(a.store),
		aulasync.WithReachability(a.reachable),
	}, opts...)
	if a.metrics != nil {
		m, err := telemetry.NewSyncMetrics(a.metrics)
		if err != nil {
			return nil, err
		}
		opts = append(opts, aulasync.WithMetrics(m))
	}
	return aulasync.New(cfg, a.store, a.conn, a.auth, a.bus, opts...), nil
}

// reachable probes the HTTP health endpoint.
func (a *app) reachable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	_, err := a.client.HealthCheck(ctx)
	return err
}

// tryConnect authenticates the socket if a session exists. Failure is
// logged only: callers fall back to buffering.
func (a *app) tryConnect(ctx context.Context) {
	token, err := a.auth.Token(ctx)
	if err != nil {
		slog.Debug("connect: no session", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := a.conn.EnsureAuthenticated(ctx, token); err != nil {
		slog.Info("connect: offline, messages will be buffered", "err", err)
	}
}

func (a *app) Close() error {
	if a.conn != nil {
		a.conn.Disconnect()
	}
	return a.store.Close()
}
