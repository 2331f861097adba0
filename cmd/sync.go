package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/aula/internal/auth"
	"github.com/marcus/aula/internal/events"
	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/output"
	aulasync "github.com/marcus/aula/internal/sync"
)

// drainDetail summarises a result for a notice.
func drainDetail(res aulasync.Result) string {
	return fmt.Sprintf("%d sent, %d failed, %s", res.Sent, res.Failed, output.Plural(res.Passes, "pass"))
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Send every buffered progress record and chat message",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		baseDelay, _ := cmd.Flags().GetDuration("base-delay")
		batch, _ := cmd.Flags().GetBool("batch")

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()
		if _, err := a.withAuth(); err != nil {
			output.Error("%v", err)
			return err
		}
		if _, err := a.withConn(); err != nil {
			output.Error("%v", err)
			return err
		}
		installAckHandlers(a)

		drainer, err := a.newDrainer(aulasync.Config{MaxAttempts: maxAttempts, BaseDelay: baseDelay},
			aulasync.WithBatchProgress(batch),
			aulasync.WithRetryHook(func(pass int, delay time.Duration) {
				output.Info("Pass %d had failures, retrying in %s", pass, delay)
			}),
		)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		res, err := drainer.Drain(cmd.Context())
		switch {
		case errors.Is(err, aulasync.ErrNoSession), errors.Is(err, auth.ErrSessionInvalid):
			output.Error("not logged in, run 'aula auth login'")
			return err
		case errors.Is(err, aulasync.ErrOffline):
			output.Warning("server unreachable, items stay queued")
			return err
		case err != nil:
			output.Error("sync: %v", err)
			return err
		}

		switch res.Outcome {
		case models.DrainSynced:
			fmt.Println(output.Notice(events.SyncFinished, drainDetail(res)))
		case models.DrainNothingToSync:
			fmt.Println(output.Notice(events.SyncNothing, ""))
		default:
			fmt.Println(output.Notice(events.SyncPartial, drainDetail(res)))
			return fmt.Errorf("%d items still pending", res.Failed)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Int("max-attempts", 0, "Drain passes before giving up (default from config)")
	syncCmd.Flags().Duration("base-delay", 0, "Retry base delay; pass n waits base*2^n (default from config)")
	syncCmd.Flags().Bool("batch", false, "Send all progress in one SYNC_PROGRESS message")
	rootCmd.AddCommand(syncCmd)
}
