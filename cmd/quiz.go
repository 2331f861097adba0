package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marcus/aula/internal/auth"
	"github.com/marcus/aula/internal/output"
)

var quizCmd = &cobra.Command{
	Use:     "quiz",
	Short:   "Quiz commands",
	GroupID: "core",
}

var quizSubmitCmd = &cobra.Command{
	Use:     "submit <quiz_id>",
	Short:   "Submit quiz answers for grading",
	Args:    cobra.ExactArgs(1),
	Example: `  aula quiz submit 9 --answers '[2,0,1]'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		quizID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || quizID <= 0 {
			err = fmt.Errorf("invalid quiz_id %q", args[0])
			output.Error("%v", err)
			return err
		}
		answers, _ := cmd.Flags().GetString("answers")
		if !json.Valid([]byte(answers)) {
			err := fmt.Errorf("--answers must be valid JSON")
			output.Error("%v", err)
			return err
		}

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

		res, err := a.client.SubmitQuizResult(cmd.Context(), quizID, json.RawMessage(answers))
		if err != nil {
			if errors.Is(err, auth.ErrSessionInvalid) {
				output.Error("session expired, run 'aula auth login'")
			} else {
				output.Error("submit: %v", err)
			}
			return err
		}

		if res.Aprobado {
			output.Success("Passed with %.1f", res.Puntaje)
		} else {
			output.Warning("Not passed: %.1f", res.Puntaje)
		}
		return nil
	},
}

func init() {
	quizSubmitCmd.Flags().String("answers", "", "Answers as a JSON array")
	_ = quizSubmitCmd.MarkFlagRequired("answers")
	quizCmd.AddCommand(quizSubmitCmd)
	rootCmd.AddCommand(quizCmd)
}
