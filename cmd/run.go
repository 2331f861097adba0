package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/marcus/aula/internal/auth"
	"github.com/marcus/aula/internal/conn"
	"github.com/marcus/aula/internal/events"
	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/output"
	"github.com/marcus/aula/internal/protocol"
	aulasync "github.com/marcus/aula/internal/sync"
	"github.com/marcus/aula/internal/telemetry"
)

// installAckHandlers purges sent progress once the server confirms it and
// logs server-side errors.
func installAckHandlers(a *app) {
	purge := func(env protocol.Envelope) {
		n, err := a.store.PurgeSent(models.KindProgress)
		if err != nil {
			slog.Warn("ack: purge sent progress", "err", err)
			return
		}
		slog.Debug("ack: purged sent progress", "type", env.Type, "count", n)
		a.bus.Publish(events.SyncAcked, models.KindProgress)
	}
	a.conn.Handle(protocol.TypeSyncProgressSuccess, purge)
	a.conn.Handle(protocol.TypeSyncSuccess, purge)
	a.conn.Handle(protocol.TypeError, func(env protocol.Envelope) {
		slog.Warn("server error frame", "error", env.Error)
	})
}

// wireRun connects the event bus to the long-running loop. Handlers run on
// the publisher's goroutine, so anything that blocks is started on its own.
// The returned function removes every subscription.
func wireRun(ctx context.Context, a *app, auto *autoSync, fail context.CancelCauseFunc) func() {
	var unsubs []func()
	sub := func(tag events.Tag, fn events.Handler) {
		unsubs = append(unsubs, a.bus.Subscribe(tag, fn))
	}

	sub(events.ConnState, func(p any) {
		if sc, ok := p.(conn.StateChange); ok {
			slog.Info("conn: state", "from", sc.From.String(), "to", sc.To.String())
		}
	})
	sub(events.ConnOnline, func(p any) {
		if online, _ := p.(bool); online && a.settings.SyncOnReconnect {
			auto.Trigger("reconnect")
		}
	})
	sub(events.AuthRejected, func(p any) {
		slog.Warn("conn: token rejected, renewing", "reason", p)
		go func() {
			if _, err := a.auth.Renew(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("auth: renew after rejection", "err", err)
			}
		}()
	})
	unsubs = append(unsubs, a.auth.Subscribe(func(token string) {
		go func() {
			if err := a.conn.UpdateCredential(ctx, token); err != nil && ctx.Err() == nil {
				slog.Warn("conn: reconnect with renewed token", "err", err)
			}
		}()
	}))
	sub(events.SessionInvalid, func(p any) {
		fmt.Println(output.Notice(events.SessionInvalid, ""))
		err, _ := p.(error)
		if err == nil {
			err = auth.ErrSessionInvalid
		}
		fail(err)
	})
	sub(events.ReconnectExhausted, func(p any) {
		fmt.Println(output.Notice(events.ReconnectExhausted, fmt.Sprintf("%v attempts", p)))
	})
	sub(events.MessageBuffered, func(p any) {
		slog.Debug("buffered while offline", "kind", p)
	})
	for _, tag := range []events.Tag{events.SyncFinished, events.SyncPartial} {
		sub(tag, func(p any) {
			if res, ok := p.(aulasync.Result); ok {
				fmt.Println(output.Notice(tag, drainDetail(res)))
			}
		})
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// printTotals logs the in-process metric totals.
func printTotals(ctx context.Context, p *telemetry.Provider) {
	totals, err := p.Totals(ctx)
	if err != nil {
		slog.Debug("metrics: collect", "err", err)
		return
	}
	for _, name := range telemetry.SortedNames(totals) {
		slog.Info("metrics", "name", name, "value", totals[name])
	}
}

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Stay connected: heartbeat, reconnect, token renewal and automatic sync",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetBool("batch")

		ctx, fail := context.WithCancelCause(cmd.Context())
		defer fail(nil)

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()
		a.withTelemetry()
		if _, err := a.withAuth(); err != nil {
			output.Error("%v", err)
			return err
		}
		if _, err := a.withConn(); err != nil {
			output.Error("%v", err)
			return err
		}
		if !a.auth.HasSession() {
			output.Error("not logged in, run 'aula auth login'")
			return auth.ErrNoSession
		}

		drainer, err := a.newDrainer(aulasync.Config{}, aulasync.WithBatchProgress(batch))
		if err != nil {
			output.Error("%v", err)
			return err
		}
		auto := newAutoSync(drainer.Drain, a.settings.SyncDebounce, clock.RealClock{})

		installAckHandlers(a)
		unwire := wireRun(ctx, a, auto, fail)
		defer unwire()

		token, err := a.auth.Token(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if err := a.conn.Connect(ctx, token); err != nil {
			// The manager keeps retrying on its own schedule.
			slog.Warn("conn: initial connect failed", "err", err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			auto.Run(ctx, a.settings.SyncInterval)
		}()

		output.Info("Running against %s, press Ctrl-C to stop", a.settings.SocketURL)
		<-ctx.Done()
		a.conn.Disconnect()
		<-done

		printTotals(context.WithoutCancel(ctx), a.metrics)

		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("batch", false, "Drain progress as one SYNC_PROGRESS message")
	rootCmd.AddCommand(runCmd)
}
