package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gpupulse/gpupulse/internal/config"
)

const (
	appName = "gpupulse"
	version = "v1.0.0"
)

var (
	configPath string
	cfg        config.Config
	logger     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:     appName,
	Short:   "GPU market intelligence ETL",
	Version: version,
	Long: `gpupulse collects Korean retail GPU prices and reddit market chatter,
normalizes listings into stable SKUs, and persists prices, sentiment
signals, and price-risk alerts to PostgreSQL.

Run modes are one-shot (run) or daemonized (scheduler start).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err = newLogger(cfg.Logging)
		if err != nil {
			return err
		}
		return nil
	},
}

// newLogger builds the process logger: console on stderr, optionally teed
// into the configured log file.
func newLogger(lc config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	var out io.Writer = console
	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(console, f)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}
