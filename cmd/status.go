package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/output"
)

// statusJSON is the --json shape of `aula status`.
type statusJSON struct {
	Server    string               `json:"server"`
	LoggedIn  bool                 `json:"logged_in"`
	Reachable bool                 `json:"reachable"`
	Pending   map[models.Kind]int  `json:"pending"`
	Drains    []models.DrainRecord `json:"recent_drains"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show session, server reachability, queue depth and recent drains",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOut, _ := cmd.Flags().GetBool("json")

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

		counts, err := a.store.CountPending()
		if err != nil {
			output.Error("count pending: %v", err)
			return err
		}
		drains, err := a.store.RecentDrains(limit)
		if err != nil {
			output.Error("drain history: %v", err)
			return err
		}
		reachErr := a.reachable(cmd.Context())

		if jsonOut {
			return output.JSON(statusJSON{
				Server:    a.settings.ServerURL,
				LoggedIn:  a.auth.HasSession(),
				Reachable: reachErr == nil,
				Pending:   counts,
				Drains:    drains,
			})
		}

		fmt.Println(output.KeyValue("Server", a.settings.ServerURL))
		if reachErr == nil {
			fmt.Println(output.KeyValue("Reachable", "yes"))
		} else {
			fmt.Println(output.KeyValue("Reachable", fmt.Sprintf("no (%v)", reachErr)))
		}
		if a.auth.HasSession() {
			fmt.Println(output.KeyValue("Session", "logged in"))
		} else {
			fmt.Println(output.KeyValue("Session", "not logged in"))
		}

		fmt.Print(output.SectionHeader("pending"))
		for _, k := range models.AllKinds() {
			fmt.Println(output.KeyValue(string(k), counts[k]))
		}

		if len(drains) > 0 {
			fmt.Print(output.SectionHeader("recent drains"))
			for _, rec := range drains {
				fmt.Println(output.FormatDrain(rec))
			}
			last := drains[0]
			if last.Outcome == models.DrainPartial {
				fmt.Println()
				output.Warning("last drain %s ago left items pending", time.Since(last.FinishedAt).Round(time.Second))
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 5, "Drain history rows to show")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
