package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpupulse/gpupulse/internal/analyze"
	"github.com/gpupulse/gpupulse/internal/config"
	"github.com/gpupulse/gpupulse/internal/extract/danawa"
	"github.com/gpupulse/gpupulse/internal/extract/reddit"
	"github.com/gpupulse/gpupulse/internal/netx/httpx"
	"github.com/gpupulse/gpupulse/internal/pipeline"
	"github.com/gpupulse/gpupulse/internal/retry"
	"github.com/gpupulse/gpupulse/internal/store"
	"github.com/gpupulse/gpupulse/internal/telemetry"
)

// app holds the wired component graph shared by the run, scheduler, and
// trigger commands.
type app struct {
	store    *store.Postgres
	pipeline *pipeline.Pipeline
	metrics  *telemetry.Metrics
	policy   retry.Policy
}

// newApp connects to the database, ensures the schema, and assembles the
// pipeline from the configuration.
func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxRetries,
		BaseDelay:   time.Duration(cfg.Retry.RetryBackoffSeconds) * time.Second,
		Retryable:   httpx.Retryable,
	}

	fetcher := httpx.NewClient(httpx.Options{
		Timeout:      cfg.HTTP.Timeout,
		RateLimitRPS: cfg.HTTP.RateLimitRPS,
	}, log)

	prices := danawa.New(fetcher, danawa.Options{
		HistoryURL:   cfg.Sources.DanawaHistoryURL,
		FanOut:       cfg.HTTP.FanOut,
		Retry:        policy,
		RetryableErr: httpx.Retryable,
	}, log)

	signals := reddit.New(fetcher, reddit.Options{
		Subreddits:    cfg.Sources.Subreddits,
		Keywords:      cfg.Sources.Keywords,
		RateLimitWait: cfg.HTTP.RateLimitWait,
	}, log)

	weights := analyze.Weights{
		NewRelease: cfg.Risk.WeightNewRelease,
		PriceDrop:  cfg.Risk.WeightPriceDrop,
		Default:    cfg.Risk.WeightDefault,
	}
	metrics := telemetry.NewMetrics()

	pipe := pipeline.New(st, prices, signals,
		analyze.NewPriceAnalyzer(st, log),
		analyze.NewSentimentAnalyzer(st, weights, log),
		analyze.NewRiskCalculator(st, weights, cfg.Risk.Threshold, log),
		metrics, policy, log)

	return &app{store: st, pipeline: pipe, metrics: metrics, policy: policy}, nil
}

func (a *app) Close() {
	a.store.Close()
}
