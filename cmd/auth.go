package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/aula/internal/auth"
	"github.com/marcus/aula/internal/output"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage the aula session",
	GroupID: "session",
}

// promptLine reads one trimmed line from stdin after printing label.
func promptLine(reader *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// credentialsFromFlags fills email and password from flags, prompting for
// whatever is missing.
func credentialsFromFlags(cmd *cobra.Command) (string, string, error) {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv("AULA_PASSWORD")
	}

	reader := bufio.NewReader(os.Stdin)
	if email == "" {
		var err error
		if email, err = promptLine(reader, "Email: "); err != nil {
			return "", "", fmt.Errorf("read email: %w", err)
		}
	}
	if email == "" {
		return "", "", fmt.Errorf("email required")
	}
	if password == "" {
		var err error
		if password, err = output.ReadPassword("Password: ", reader); err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
	}
	if password == "" {
		return "", "", fmt.Errorf("password required")
	}
	return email, password, nil
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := credentialsFromFlags(cmd)
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
		if _, err := a.withAuth(); err != nil {
			output.Error("%v", err)
			return err
		}

		resp, err := a.client.Login(cmd.Context(), email, password)
		if err != nil {
			output.Error("login: %v", err)
			return err
		}
		if err := a.auth.SetCredential(resp.Credential("")); err != nil {
			output.Error("save credentials: %v", err)
			return err
		}

		output.Success("Logged in as %s", resp.User.Email)
		return nil
	},
}

var authRegisterCmd = &cobra.Command{
	Use:   "register <nombre>",
	Short: "Create an account and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := credentialsFromFlags(cmd)
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
		if _, err := a.withAuth(); err != nil {
			output.Error("%v", err)
			return err
		}

		resp, err := a.client.Register(cmd.Context(), args[0], email, password)
		if err != nil {
			output.Error("register: %v", err)
			return err
		}
		if err := a.auth.SetCredential(resp.Credential("")); err != nil {
			output.Error("save credentials: %v", err)
			return err
		}

		output.Success("Registered %s", resp.User.Email)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the refresh token and forget the session",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		cur := a.auth.Current()
		if cur.IsZero() {
			fmt.Println("Not logged in.")
			return nil
		}
		if cur.RefreshToken != "" {
			// The local session is forgotten even if the server is unreachable.
			if err := a.client.Logout(cmd.Context(), cur.RefreshToken); err != nil {
				output.Warning("server logout failed: %v", err)
			}
		}
		if err := a.auth.Clear(); err != nil {
			output.Error("logout: %v", err)
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		cur := a.auth.Current()
		if cur.IsZero() {
			fmt.Println("Not logged in.")
			return nil
		}

		fmt.Println(output.KeyValue("Server", a.settings.ServerURL))
		if cur.Subject != "" {
			fmt.Println(output.KeyValue("User", cur.Subject))
		}
		fmt.Println(output.KeyValue("Token", output.TokenPrefix(cur.AccessToken)))
		if exp, ok := auth.ExpiresAt(cur.AccessToken); ok {
			remaining := time.Until(exp).Round(time.Second)
			if remaining <= 0 {
				fmt.Println(output.KeyValue("Expires", fmt.Sprintf("%s (expired, renews on next use)", exp.Local().Format(time.RFC3339))))
			} else {
				fmt.Println(output.KeyValue("Expires", fmt.Sprintf("%s (in %s)", exp.Local().Format(time.RFC3339), remaining)))
			}
		}
		fmt.Println(output.KeyValue("Refresh token", cur.RefreshToken != ""))
		return nil
	},
}

var authRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Renew the access token now",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		cred, err := a.auth.Renew(cmd.Context())
		if err != nil {
			if errors.Is(err, auth.ErrSessionInvalid) || errors.Is(err, auth.ErrNoSession) {
				output.Error("session expired, run 'aula auth login'")
			} else {
				output.Error("refresh: %v", err)
			}
			return err
		}
		output.Success("Token renewed (%s)", output.TokenPrefix(cred.AccessToken))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{authLoginCmd, authRegisterCmd} {
		c.Flags().String("email", "", "Account email (prompted if omitted)")
		c.Flags().String("password", "", "Account password (env AULA_PASSWORD, prompted if omitted)")
	}

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authRegisterCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authRefreshCmd)
	rootCmd.AddCommand(authCmd)
}
