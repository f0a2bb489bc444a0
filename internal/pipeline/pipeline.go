// Package pipeline wires extraction, normalization, analysis, and loading
// into the three run modes the CLI and scheduler invoke.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gpupulse/gpupulse/internal/analyze"
	"github.com/gpupulse/gpupulse/internal/model"
	"github.com/gpupulse/gpupulse/internal/normalize"
	"github.com/gpupulse/gpupulse/internal/retry"
	"github.com/gpupulse/gpupulse/internal/store"
	"github.com/gpupulse/gpupulse/internal/telemetry"
)

// Stats summarizes one pipeline run.
type Stats struct {
	RunID              string
	PricesExtracted    int
	SignalsExtracted   int
	ProductsNormalized int
	PricesLoaded       int
	SignalsLoaded      int
	AlertsFired        int
	Errors             []string
	Duration           time.Duration
	Success            bool
	// Skipped is set when the run never started because another run held
	// the pipeline. Success stays true: nothing failed.
	Skipped bool
}

// Partial reports whether the run succeeded but dropped some records.
func (s Stats) Partial() bool {
	return s.Success && len(s.Errors) > 0
}

// PriceSource streams raw price listings.
type PriceSource interface {
	Stream(ctx context.Context) (<-chan model.PriceData, <-chan error)
}

// SignalSource collects market signals in one shot.
type SignalSource interface {
	Collect(ctx context.Context) ([]model.MarketSignal, []error)
}

// Normalizer maps a raw listing name to a product identity.
type Normalizer func(string) (model.ProductIdentity, error)

// Pipeline orchestrates one run at a time. A run invoked while another is in
// flight is skipped, not queued.
type Pipeline struct {
	store     store.Store
	prices    PriceSource
	signals   SignalSource
	normalize Normalizer
	price     *analyze.PriceAnalyzer
	sentiment *analyze.SentimentAnalyzer
	risk      *analyze.RiskCalculator
	metrics   *telemetry.Metrics
	policy    retry.Policy
	log       zerolog.Logger

	mu sync.Mutex
}

// New assembles the pipeline. A nil metrics set disables recording.
func New(st store.Store, prices PriceSource, signals SignalSource,
	priceAnalyzer *analyze.PriceAnalyzer, sentiment *analyze.SentimentAnalyzer,
	risk *analyze.RiskCalculator, metrics *telemetry.Metrics,
	policy retry.Policy, log zerolog.Logger) *Pipeline {
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Pipeline{
		store:     st,
		prices:    prices,
		signals:   signals,
		normalize: normalize.Normalize,
		price:     priceAnalyzer,
		sentiment: sentiment,
		risk:      risk,
		metrics:   metrics,
		policy:    policy,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// RunFull extracts prices and signals, loads both, then evaluates risk.
// Prices are fully loaded before risk runs.
func (p *Pipeline) RunFull(ctx context.Context) Stats {
	return p.run(ctx, "full", true, true, true)
}

// RunPriceOnly extracts and loads prices. Risk evaluation belongs to the
// full run only.
func (p *Pipeline) RunPriceOnly(ctx context.Context) Stats {
	return p.run(ctx, "price", true, false, false)
}

// RunSignalsOnly extracts and loads market signals.
func (p *Pipeline) RunSignalsOnly(ctx context.Context) Stats {
	return p.run(ctx, "signals", false, true, false)
}

func (p *Pipeline) run(ctx context.Context, mode string, withPrices, withSignals, withRisk bool) Stats {
	if !p.mu.TryLock() {
		p.log.Warn().Str("mode", mode).Msg("run skipped, another run is in flight")
		return Stats{Skipped: true, Success: true}
	}
	defer p.mu.Unlock()

	start := time.Now()
	stats := Stats{RunID: uuid.NewString(), Success: true}
	log := p.log.With().Str("mode", mode).Str("run_id", stats.RunID).Logger()
	log.Info().Msg("pipeline run started")

	// The store being down is the one fatal condition; every later failure
	// degrades the run instead of aborting it.
	if _, err := retry.Do(ctx, log, p.storePolicy(), "store ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.Ping(ctx)
	}); err != nil {
		stats.Success = false
		stats.Errors = append(stats.Errors, fmt.Sprintf("store unavailable: %v", err))
		stats.Duration = time.Since(start)
		p.metrics.PhaseErrors.WithLabelValues("init").Inc()
		log.Error().Err(err).Msg("pipeline aborted, store unavailable")
		return stats
	}

	if withPrices {
		p.runPricePhase(ctx, log, &stats)
	}
	if withSignals {
		p.runSignalPhase(ctx, log, &stats)
	}
	// Risk reads what the price phase just wrote, so it always runs last.
	if withRisk {
		p.runRiskPhase(ctx, log, &stats)
	}

	stats.Duration = time.Since(start)
	p.metrics.RunDuration.Observe(stats.Duration.Seconds())
	log.Info().
		Int("prices_extracted", stats.PricesExtracted).
		Int("signals_extracted", stats.SignalsExtracted).
		Int("prices_loaded", stats.PricesLoaded).
		Int("signals_loaded", stats.SignalsLoaded).
		Int("alerts_fired", stats.AlertsFired).
		Int("errors", len(stats.Errors)).
		Dur("duration", stats.Duration).
		Msg("pipeline run finished")
	return stats
}

func (p *Pipeline) runPricePhase(ctx context.Context, log zerolog.Logger, stats *Stats) {
	out, errs := p.prices.Stream(ctx)
	for pd := range out {
		stats.PricesExtracted++
		p.metrics.RecordsExtracted.WithLabelValues("danawa").Inc()
		p.loadPrice(ctx, log, pd, stats)
	}
	for err := range errs {
		stats.Errors = append(stats.Errors, err.Error())
		p.metrics.PhaseErrors.WithLabelValues("price_extract").Inc()
	}
}

func (p *Pipeline) loadPrice(ctx context.Context, log zerolog.Logger, pd model.PriceData, stats *Stats) {
	identity, err := p.normalize(pd.RawName)
	if err != nil {
		log.Warn().Err(err).Str("raw_name", pd.RawName).Msg("unnormalizable listing skipped")
		p.metrics.RecordsSkipped.WithLabelValues("normalize").Inc()
		return
	}
	stats.ProductsNormalized++

	skuID, err := retry.Do(ctx, log, p.storePolicy(), "upsert product",
		func(ctx context.Context) (int64, error) {
			return p.store.UpsertProduct(ctx, identity)
		})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("upsert product %s: %v", identity.ModelName, err))
		p.metrics.PhaseErrors.WithLabelValues("price_load").Inc()
		return
	}

	pct, err := p.price.PriceChange(ctx, skuID, pd.Price)
	if err != nil {
		log.Warn().Err(err).Int64("sku_id", skuID).Msg("price change unavailable")
	}

	obs := model.PriceObservation{
		SKUID:          skuID,
		Price:          pd.Price,
		Source:         pd.Source,
		SourceURL:      pd.SourceURL,
		RecordedAt:     pd.RecordedAt,
		PriceChangePct: pct,
	}
	if err := p.insertRetried(ctx, log, "insert price", func(ctx context.Context) error {
		return p.store.InsertPrice(ctx, obs)
	}); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("insert price sku %d: %v", skuID, err))
		p.metrics.PhaseErrors.WithLabelValues("price_load").Inc()
		return
	}
	stats.PricesLoaded++
	p.metrics.RecordsLoaded.WithLabelValues("price").Inc()

	for _, point := range pd.History {
		hist := model.PriceObservation{
			SKUID:      skuID,
			Price:      point.Price,
			Source:     pd.Source,
			SourceURL:  pd.SourceURL,
			RecordedAt: point.RecordedAt,
		}
		if err := p.insertRetried(ctx, log, "insert history point", func(ctx context.Context) error {
			return p.store.InsertPrice(ctx, hist)
		}); err != nil {
			log.Warn().Err(err).Int64("sku_id", skuID).Msg("history point dropped")
			p.metrics.RecordsSkipped.WithLabelValues("history").Inc()
			continue
		}
		p.metrics.RecordsLoaded.WithLabelValues("price_history").Inc()
	}
}

func (p *Pipeline) runSignalPhase(ctx context.Context, log zerolog.Logger, stats *Stats) {
	signals, errs := p.signals.Collect(ctx)
	stats.SignalsExtracted = len(signals)
	for _, err := range errs {
		stats.Errors = append(stats.Errors, err.Error())
		p.metrics.PhaseErrors.WithLabelValues("signal_extract").Inc()
	}
	if len(signals) > 0 {
		p.metrics.RecordsExtracted.WithLabelValues("reddit").Add(float64(len(signals)))
	}

	for _, sig := range p.sentiment.Enrich(signals) {
		if err := p.insertRetried(ctx, log, "insert signal", func(ctx context.Context) error {
			return p.store.InsertSignal(ctx, sig)
		}); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("insert signal %s: %v", sig.Keyword, err))
			p.metrics.PhaseErrors.WithLabelValues("signal_load").Inc()
			continue
		}
		stats.SignalsLoaded++
		p.metrics.RecordsLoaded.WithLabelValues("signal").Inc()
	}
}

// storePolicy is the shared backoff policy scoped to store writes: constraint
// violations are fatal to the record, everything else is retried.
func (p *Pipeline) storePolicy() retry.Policy {
	pol := p.policy
	pol.Retryable = store.Transient
	return pol
}

func (p *Pipeline) insertRetried(ctx context.Context, log zerolog.Logger, op string, fn func(context.Context) error) error {
	_, err := retry.Do(ctx, log, p.storePolicy(), op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (p *Pipeline) runRiskPhase(ctx context.Context, log zerolog.Logger, stats *Stats) {
	fired, err := p.risk.EvaluateAll(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("risk evaluation: %v", err))
		p.metrics.PhaseErrors.WithLabelValues("risk").Inc()
		return
	}
	stats.AlertsFired = fired
	if fired > 0 {
		p.metrics.AlertsFired.Add(float64(fired))
	}
}
