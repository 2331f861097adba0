package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// defaultLogLevels holds per-command defaults; everything else logs warnings only.
var defaultLogLevels = map[string]slog.Level{
	"run": slog.LevelInfo,
}

// setupLogging installs the default slog handler.
// Priority: flag > AULA_LOG_* env > per-command default.
func setupLogging(cmd *cobra.Command) error {
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = os.Getenv("AULA_LOG_LEVEL")
	}
	format, _ := cmd.Flags().GetString("log-format")
	if format == "" {
		format = os.Getenv("AULA_LOG_FORMAT")
	}

	def, ok := defaultLogLevels[cmd.Name()]
	if !ok {
		def = slog.LevelWarn
	}
	lvl, err := parseLogLevel(level, def)
	if err != nil {
		return err
	}
	handler, err := newLogHandler(os.Stderr, format, lvl)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLogLevel(s string, def slog.Level) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return def, fmt.Errorf("invalid log level %q (use debug, info, warn, error)", s)
	}
}

func newLogHandler(w io.Writer, format string, lvl slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (use text or json)", format)
	}
}
