package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/hyperengineering/waypoint/internal/config"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "waypoint",
	Short:        "Waypoint - offline-first places sync",
	Long:         "Waypoint keeps a user's places to go in sync across devices that work offline.",
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(clientCmd)
}

// newLogger builds the process logger from the log config. The text format
// is colored only when w is a terminal.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := parseLogLevel(cfg.Level)
	if cfg.Format == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !isTerminal(w),
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
