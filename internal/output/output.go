// Package output provides styled terminal output helpers (success, error,
// warning, connection and pending item formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/marcus/aula/internal/events"
	"github.com/marcus/aula/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	kindStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	stateStyles  = map[models.ConnState]lipgloss.Style{
		models.StateDisconnected:  lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		models.StateConnecting:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StateConnected:     lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StateAuthenticated: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StateReconnecting:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StateClosed:        lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
	outcomeStyles = map[models.DrainOutcome]lipgloss.Style{
		models.DrainSynced:        successStyle,
		models.DrainNothingToSync: subtleStyle,
		models.DrainPartial:       warningStyle,
		models.DrainNoSession:     errorStyle,
		models.DrainOffline:       warningStyle,
		models.DrainFailed:        errorStyle,
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeNoSession     = "no_session"
	ErrCodeOffline       = "offline"
	ErrCodeDatabaseError = "database_error"
	ErrCodeServerError   = "server_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// FormatState formats a connection state with color
func FormatState(s models.ConnState) string {
	style, ok := stateStyles[s]
	if !ok {
		return s.String()
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatOutcome formats a drain outcome with color
func FormatOutcome(o models.DrainOutcome) string {
	style, ok := outcomeStyles[o]
	if !ok {
		return string(o)
	}
	return style.Render(string(o))
}

// FormatPendingItem formats a buffered item on one line:
// "#12  progress  {"curso_id":1,...}  2 attempts  sent"
func FormatPendingItem(item models.PendingItem, width int) string {
	var parts []string
	parts = append(parts, titleStyle.Render(fmt.Sprintf("#%d", item.Seq)))
	parts = append(parts, kindStyle.Render(string(item.Kind)))
	parts = append(parts, Truncate(string(item.Payload), width))
	if item.Attempts > 0 {
		parts = append(parts, subtleStyle.Render(Plural(item.Attempts, "attempt")))
	}
	if item.Sent {
		parts = append(parts, successStyle.Render("sent"))
	} else if item.LastError != "" {
		parts = append(parts, errorStyle.Render(item.LastError))
	}
	parts = append(parts, subtleStyle.Render(FormatTimeAgo(item.CreatedAt)))
	return strings.Join(parts, "  ")
}

// FormatDrain formats one drain history row.
func FormatDrain(rec models.DrainRecord) string {
	return fmt.Sprintf("  %s  %s  %d sent, %d failed, %s (%s)",
		rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
		FormatOutcome(rec.Outcome),
		rec.Sent, rec.Failed,
		Plural(rec.Passes, "pass"),
		rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
}

// Notice renders a user-facing event as a one-line message. Tags that
// are not user-facing return "".
func Notice(tag events.Tag, detail string) string {
	if !events.IsUserFacing(tag) {
		return ""
	}
	var msg string
	style := subtleStyle
	switch tag {
	case events.SessionInvalid:
		msg, style = "Session expired, run 'aula auth login'", errorStyle
	case events.ReconnectExhausted:
		msg, style = "Connection lost, automatic reconnect gave up", warningStyle
	case events.SyncPartial:
		msg, style = "Sync incomplete, some items are still pending", warningStyle
	case events.SyncNothing:
		msg = "Nothing to sync"
	case events.SyncFinished:
		msg, style = "Sync complete", successStyle
	}
	if detail != "" {
		msg += ": " + detail
	}
	return style.Render(msg)
}

// TokenPrefix returns the first characters of a token for display.
func TokenPrefix(token string) string {
	const n = 8
	if token == "" {
		return "(none)"
	}
	if len(token) <= n {
		return strings.Repeat("*", len(token))
	}
	return token[:n] + "..."
}

// Plural returns "1 pass", "3 passes", "2 attempts".
func Plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	if strings.HasSuffix(noun, "s") {
		return fmt.Sprintf("%d %ses", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// Truncate shortens s to width cells, marking the cut with "...". Escape
// sequences from styled text are preserved.
func Truncate(s string, width int) string {
	if width <= 3 {
		return s
	}
	return ansi.Truncate(s, width, "...")
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nPENDING:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// KeyValue formats an aligned "key: value" line.
func KeyValue(key string, value any) string {
	return fmt.Sprintf("  %-18s %v", key+":", value)
}
