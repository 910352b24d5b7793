package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tracehost/pkg/logging"
)

// configPath points at the YAML config file; empty uses built-in defaults.
var configPath string

// logLevel controls the minimum level printed by pkg/logging.
var logLevel string

// rootCmd is the entry point for every tracehost subcommand. Deliberately
// thin: tracehost's control plane (backends, attach sessions, scripts) is
// a library meant to be embedded, not driven primarily through a CLI —
// see spec.md's explicit "CLI tools" exclusion. These three subcommands
// exist only to exercise it end to end.
var rootCmd = &cobra.Command{
	Use:   "tracehost",
	Short: "Control-plane daemon and CLI for the tracehost instrumentation framework.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.InitForCLI(parseLogLevel(logLevel), os.Stderr)
	},
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a tracehost config.yaml (defaults to built-in config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
}

func parseLogLevel(s string) logging.LogLevel {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func main() {
	logging.InitForCLI(parseLogLevel(logLevel), os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
