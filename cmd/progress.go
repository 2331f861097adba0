package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/aula/internal/auth"
	"github.com/marcus/aula/internal/conn"
	"github.com/marcus/aula/internal/output"
	"github.com/marcus/aula/internal/protocol"
)

// parseProgressArgs parses "<curso_id> <contenido_id> <avance>". avance
// accepts a trailing "%".
func parseProgressArgs(args []string, completed bool) (protocol.Progress, error) {
	curso, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return protocol.Progress{}, fmt.Errorf("invalid curso_id %q", args[0])
	}
	contenido, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return protocol.Progress{}, fmt.Errorf("invalid contenido_id %q", args[1])
	}
	avance, err := strconv.Atoi(strings.TrimSuffix(args[2], "%"))
	if err != nil {
		return protocol.Progress{}, fmt.Errorf("invalid avance %q", args[2])
	}
	p := protocol.Progress{
		CursoID:     curso,
		ContenidoID: contenido,
		Avance:      avance,
		Completado:  completed || avance == 100,
	}
	if err := p.Validate(); err != nil {
		return protocol.Progress{}, err
	}
	return p, nil
}

// sendOrBuffer opens the socket when possible and hands msg to the
// connection manager, which buffers it while offline.
func sendOrBuffer(ctx context.Context, msg protocol.Message) (conn.Outcome, error) {
	a, err := openApp()
	if err != nil {
		return conn.OutcomeDropped, err
	}
	defer a.Close()
	if _, err := a.withAuth(); err != nil {
		return conn.OutcomeDropped, err
	}
	if _, err := a.withConn(); err != nil {
		return conn.OutcomeDropped, err
	}

	a.tryConnect(ctx)
	return a.conn.Send(ctx, msg)
}

func reportOutcome(what string, outcome conn.Outcome) {
	switch outcome {
	case conn.OutcomeSent:
		output.Success("%s sent", what)
	case conn.OutcomeBuffered:
		output.Warning("offline, %s saved locally; run 'aula sync' when back online", what)
	default:
		output.Error("%s dropped", what)
	}
}

var progressCmd = &cobra.Command{
	Use:     "progress <curso_id> <contenido_id> <avance>",
	Short:   "Record content progress (sent now or buffered offline)",
	GroupID: "core",
	Args:    cobra.ExactArgs(3),
	Example: `  aula progress 3 17 45
  aula progress 3 17 100 --completed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		completed, _ := cmd.Flags().GetBool("completed")
		p, err := parseProgressArgs(args, completed)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		outcome, err := sendOrBuffer(cmd.Context(), protocol.NewSaveProgress(p))
		if err != nil {
			output.Error("progress: %v", err)
			return err
		}
		reportOutcome("progress", outcome)
		return nil
	},
}

var progressRemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Show the progress the server has recorded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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
		if !a.auth.HasSession() {
			output.Error("not logged in, run 'aula auth login'")
			return auth.ErrNoSession
		}

		list, err := a.client.GetProgress(cmd.Context())
		if err != nil {
			if errors.Is(err, auth.ErrSessionInvalid) {
				output.Error("session expired, run 'aula auth login'")
			} else {
				output.Error("fetch progress: %v", err)
			}
			return err
		}
		if jsonOut {
			return output.JSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No progress recorded")
			return nil
		}
		for _, p := range list {
			done := ""
			if p.Completado {
				done = " (completed)"
			}
			fmt.Printf("  curso %-6d contenido %-6d %3d%%%s\n", p.CursoID, p.ContenidoID, p.Avance, done)
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:     "chat <room> <texto...>",
	Short:   "Post a chat message to a room (sent now or buffered offline)",
	GroupID: "core",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := protocol.NewChat(args[0], strings.Join(args[1:], " "))
		if err := msg.Validate(); err != nil {
			output.Error("%v", err)
			return err
		}

		outcome, err := sendOrBuffer(cmd.Context(), msg)
		if err != nil {
			output.Error("chat: %v", err)
			return err
		}
		reportOutcome("message", outcome)
		return nil
	},
}

func init() {
	progressCmd.Flags().Bool("completed", false, "Mark the content as completed")
	progressRemoteCmd.Flags().Bool("json", false, "Output as JSON")
	progressCmd.AddCommand(progressRemoteCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(chatCmd)
}
