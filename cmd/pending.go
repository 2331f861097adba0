package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/output"
)

// parseKinds turns --kind into the kinds to list; empty means all.
func parseKinds(kind string) ([]models.Kind, error) {
	if kind == "" {
		return models.AllKinds(), nil
	}
	k := models.Kind(kind)
	if !k.IsValid() {
		return nil, fmt.Errorf("invalid kind %q (use progress or chat)", kind)
	}
	return []models.Kind{k}, nil
}

var pendingCmd = &cobra.Command{
	Use:     "pending",
	Short:   "List locally buffered items",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		kindFlag, _ := cmd.Flags().GetString("kind")
		all, _ := cmd.Flags().GetBool("all")
		purge, _ := cmd.Flags().GetBool("purge")
		jsonOut, _ := cmd.Flags().GetBool("json")

		kinds, err := parseKinds(kindFlag)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		if purge {
			var total int64
			for _, k := range kinds {
				n, err := a.store.PurgeSent(k)
				if err != nil {
					output.Error("purge %s: %v", k, err)
					return err
				}
				total += n
			}
			output.Success("Removed %d sent items", total)
			return nil
		}

		var items []models.PendingItem
		for _, k := range kinds {
			var list []models.PendingItem
			if all {
				list, err = a.store.ListAll(k)
			} else {
				list, err = a.store.ListPending(k)
			}
			if err != nil {
				output.Error("list %s: %v", k, err)
				return err
			}
			items = append(items, list...)
		}

		if jsonOut {
			if items == nil {
				items = []models.PendingItem{}
			}
			return output.JSON(items)
		}
		if len(items) == 0 {
			fmt.Println("Nothing pending")
			return nil
		}

		width := output.TerminalWidth(0) / 2
		for _, item := range items {
			fmt.Println(output.FormatPendingItem(item, width))
		}
		return nil
	},
}

func init() {
	pendingCmd.Flags().String("kind", "", "Only show one kind: progress or chat")
	pendingCmd.Flags().Bool("all", false, "Include items already sent")
	pendingCmd.Flags().Bool("purge", false, "Delete items already sent")
	pendingCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(pendingCmd)
}
