package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpupulse/gpupulse/internal/pipeline"
)

// Exit codes for one-shot runs.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

var runCmd = &cobra.Command{
	Use:       "run [full|price-crawl|reddit-collection]",
	Short:     "Execute one pipeline run and exit",
	Long: `Execute one pipeline run and exit.

Modes:
  full              prices + reddit signals + risk evaluation (default)
  price-crawl       prices + risk evaluation only
  reddit-collection reddit signals only

Exit codes: 0 success, 1 fatal failure, 2 partial success (some records
were dropped but the run completed).`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"full", "price-crawl", "reddit-collection"},
	RunE:      runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	mode := "full"
	if len(args) > 0 {
		mode = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var stats pipeline.Stats
	switch mode {
	case "full":
		stats = a.pipeline.RunFull(ctx)
	case "price-crawl":
		stats = a.pipeline.RunPriceOnly(ctx)
	case "reddit-collection":
		stats = a.pipeline.RunSignalsOnly(ctx)
	default:
		return fmt.Errorf("unknown run mode %q", mode)
	}

	printStats(mode, stats)

	// os.Exit skips deferred cleanup, so close the store first.
	switch {
	case !stats.Success:
		a.Close()
		os.Exit(exitFatal)
	case stats.Partial():
		a.Close()
		os.Exit(exitPartial)
	}
	return nil
}

func printStats(mode string, stats pipeline.Stats) {
	if stats.Skipped {
		fmt.Printf("run %s skipped: another run is in flight\n", mode)
		return
	}
	fmt.Printf("run %s finished in %s\n", mode, stats.Duration.Round(time.Millisecond))
	fmt.Printf("  prices:  %d extracted, %d normalized, %d loaded\n",
		stats.PricesExtracted, stats.ProductsNormalized, stats.PricesLoaded)
	fmt.Printf("  signals: %d extracted, %d loaded\n", stats.SignalsExtracted, stats.SignalsLoaded)
	fmt.Printf("  alerts:  %d fired\n", stats.AlertsFired)
	if len(stats.Errors) > 0 {
		fmt.Printf("  errors (%d):\n", len(stats.Errors))
		for _, e := range stats.Errors {
			fmt.Printf("    - %s\n", e)
		}
	}
}
