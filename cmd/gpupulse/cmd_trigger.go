package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <price-crawl|reddit-collection>",
	Short: "Run one scheduled job immediately",
	Long: `Run one of the scheduled jobs immediately, outside its daily slot,
and wait for it to finish. The job uses the same pipeline wiring the
daemon does.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"price-crawl", "reddit-collection"},
	RunE:      runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := newScheduler(a).Trigger(args[0])
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("job %s failed after %s: %s",
			res.JobName, res.Duration.Round(time.Millisecond), res.Error)
	}
	fmt.Printf("job %s finished in %s\n", res.JobName, res.Duration.Round(time.Millisecond))
	return nil
}
