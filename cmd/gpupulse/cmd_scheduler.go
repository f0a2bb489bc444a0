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
	"github.com/gpupulse/gpupulse/internal/scheduler"
	"github.com/gpupulse/gpupulse/internal/telemetry"
)

var schedulerStatePath string

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Daemon mode and daemon introspection",
}

var schedulerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daily jobs until interrupted",
	Long: `Run the scheduler daemon. The price crawl and reddit collection jobs
fire once per day at the configured times. SIGINT or SIGTERM stops the
daemon, waiting up to 30s for an in-flight job before cancelling it.`,
	RunE: runSchedulerStart,
}

var schedulerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state snapshot of the last started daemon",
	RunE:  runSchedulerStatus,
}

var schedulerJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List configured jobs and their last outcomes",
	RunE:  runSchedulerJobs,
}

func init() {
	schedulerCmd.PersistentFlags().StringVar(&schedulerStatePath, "state-file",
		"scheduler.state.json", "Path of the daemon state snapshot")
	schedulerCmd.AddCommand(schedulerStartCmd, schedulerStatusCmd, schedulerJobsCmd)
	rootCmd.AddCommand(schedulerCmd)
}

// newScheduler wires the two daily jobs against the pipeline.
func newScheduler(a *app) *scheduler.Scheduler {
	s := scheduler.New(scheduler.Options{
		StatePath: schedulerStatePath,
		Metrics:   a.metrics,
	}, logger)

	s.Add(scheduler.Job{
		Name:   "price-crawl",
		Hour:   cfg.Schedule.PriceCrawlHour,
		Minute: cfg.Schedule.PriceCrawlMinute,
		Run: func(ctx context.Context) error {
			return statsErr(a.pipeline.RunPriceOnly(ctx))
		},
	})
	s.Add(scheduler.Job{
		Name:   "reddit-collection",
		Hour:   cfg.Schedule.RedditCrawlHour,
		Minute: cfg.Schedule.RedditCrawlMinute,
		Run: func(ctx context.Context) error {
			return statsErr(a.pipeline.RunSignalsOnly(ctx))
		},
	})
	return s
}

func runSchedulerStart(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var metricsSrv *telemetry.Server
	if cfg.Telemetry.MetricsAddr != "" {
		metricsSrv = telemetry.NewServer(cfg.Telemetry.MetricsAddr, a.metrics, logger)
		metricsSrv.Start()
	}

	s := newScheduler(a)
	s.Start()
	logger.Info().Msg("scheduler daemon started, waiting for jobs")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		return err
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics listener shutdown failed")
		}
	}
	return nil
}

func runSchedulerStatus(cmd *cobra.Command, _ []string) error {
	st, err := scheduler.ReadState(schedulerStatePath)
	if err != nil {
		return fmt.Errorf("no daemon state available: %w", err)
	}

	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Printf("scheduler: %s\n", state)
	if st.Running {
		fmt.Printf("started:   %s (up %s)\n",
			st.StartedAt.Format(time.RFC3339), st.Uptime.Round(time.Second))
	}
	fmt.Printf("jobs:      %d\n", len(st.Jobs))

	if len(st.History) > 0 {
		fmt.Printf("\nrecent runs (newest last):\n")
		for _, r := range st.History {
			outcome := "ok"
			if !r.Success {
				outcome = "FAILED: " + r.Error
			}
			fmt.Printf("  %s  %-17s %-8s %-8s %s\n",
				r.StartTime.Format("2006-01-02 15:04"), r.JobName, r.Trigger,
				r.Duration.Round(time.Second), outcome)
		}
	}
	return nil
}

func runSchedulerJobs(cmd *cobra.Command, _ []string) error {
	st, err := scheduler.ReadState(schedulerStatePath)
	if err != nil {
		return fmt.Errorf("no daemon state available: %w", err)
	}

	fmt.Fprintf(os.Stdout, "%-18s %-8s %-22s %-22s %s\n",
		"JOB", "FIRES", "NEXT RUN", "LAST RUN", "LAST RESULT")
	for _, j := range st.Jobs {
		last := "-"
		result := "-"
		if !j.LastRun.IsZero() {
			last = j.LastRun.Format("2006-01-02 15:04")
			if j.LastOK {
				result = "ok"
			} else {
				result = "failed"
			}
		}
		fmt.Fprintf(os.Stdout, "%-18s %-8s %-22s %-22s %s\n",
			j.Name, j.FiresAt, j.NextRun.Format("2006-01-02 15:04"), last, result)
	}
	return nil
}

// statsErr folds a pipeline outcome into the job result. A fatal run is an
// error; a partial run counts as success but is logged with its causes.
func statsErr(stats pipeline.Stats) error {
	if stats.Skipped {
		logger.Warn().Msg("scheduled run skipped, pipeline already busy")
		return nil
	}
	if !stats.Success {
		if len(stats.Errors) > 0 {
			return fmt.Errorf("run failed: %s", stats.Errors[0])
		}
		return fmt.Errorf("run failed")
	}
	if stats.Partial() {
		logger.Warn().Int("errors", len(stats.Errors)).
			Str("first", stats.Errors[0]).Msg("scheduled run completed partially")
	}
	return nil
}
