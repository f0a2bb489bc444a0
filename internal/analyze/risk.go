package analyze

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpupulse/gpupulse/internal/model"
)

// sentimentFactor scales hype mentions into won-denominated risk.
const sentimentFactor = 0.3

// signalLookback is the window over which mentions feed the risk index.
const signalLookback = 7 * 24 * time.Hour

// latestPriceCutoff bounds how stale a "current" price may be.
const latestPriceCutoff = 24 * time.Hour

// RiskStore is the store subset the risk phase reads and writes.
type RiskStore interface {
	HistorySource
	SignalSource
	LatestPrices(ctx context.Context, since time.Time) ([]model.SKUPrice, error)
	ProductName(ctx context.Context, skuID int64) (string, error)
	InsertAlert(ctx context.Context, alert model.RiskAlert) error
}

// RiskCalculator combines price movement and hype mentions into a per-SKU
// risk index and fires alerts above the threshold.
type RiskCalculator struct {
	store     RiskStore
	weights   Weights
	threshold float64
	log       zerolog.Logger
	now       func() time.Time
}

// NewRiskCalculator builds the calculator.
func NewRiskCalculator(store RiskStore, weights Weights, threshold float64, log zerolog.Logger) *RiskCalculator {
	return &RiskCalculator{
		store:     store,
		weights:   weights,
		threshold: threshold,
		log:       log.With().Str("component", "risk_calculator").Logger(),
		now:       time.Now,
	}
}

// EvaluateAll scores every SKU with a fresh price and persists an alert for
// each index above the threshold. It returns the number of alerts fired.
// SKUs without a baseline are skipped, never alerted.
func (r *RiskCalculator) EvaluateAll(ctx context.Context) (int, error) {
	now := r.now()

	prices, err := r.store.LatestPrices(ctx, now.Add(-latestPriceCutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to load latest prices: %w", err)
	}
	if len(prices) == 0 {
		r.log.Warn().Msg("no fresh prices, skipping risk evaluation")
		return 0, nil
	}

	counts, err := r.store.KeywordCounts(ctx, now.Add(-signalLookback), now)
	if err != nil {
		return 0, fmt.Errorf("failed to load keyword counts: %w", err)
	}
	mentions := newReleaseMentions(counts)
	sentiment := scoreCounts(counts, r.weights)

	fired := 0
	for _, sp := range prices {
		alerted, err := r.evaluate(ctx, now, sp, mentions, sentiment)
		if err != nil {
			r.log.Error().Err(err).Int64("sku_id", sp.SKUID).Msg("risk evaluation failed")
			continue
		}
		if alerted {
			fired++
		}
	}
	return fired, nil
}

func (r *RiskCalculator) evaluate(ctx context.Context, now time.Time, sp model.SKUPrice, mentions int, sentiment float64) (bool, error) {
	obs, err := r.store.HistoricalPrices(ctx, sp.SKUID, now.Add(-windowStart), now.Add(-windowEnd))
	if err != nil {
		return false, fmt.Errorf("failed to load history: %w", err)
	}
	if len(obs) == 0 {
		r.log.Warn().Int64("sku_id", sp.SKUID).Msg("no price baseline, skipping risk")
		return false, nil
	}

	avg := averagePrice(obs)
	current, _ := sp.Price.Float64()
	baseline, _ := avg.Float64()
	delta := sp.Price.Sub(avg)
	deltaF, _ := delta.Float64()

	impact := sentimentFactor * float64(mentions)
	risk := deltaF + impact

	if risk <= r.threshold {
		return false, nil
	}

	pct := sp.Price.Sub(avg).Div(avg).Mul(hundred).Round(2).InexactFloat64()
	alert := model.RiskAlert{
		SKUID:     sp.SKUID,
		RiskIndex: risk,
		Threshold: r.threshold,
		ContributingFactors: map[string]any{
			"current_price":        current,
			"last_week_avg_price":  baseline,
			"price_delta":          deltaF,
			"price_change_pct":     pct,
			"new_release_mentions": mentions,
			"sentiment_impact":     impact,
			"sentiment_score":      sentiment,
		},
	}
	if err := r.store.InsertAlert(ctx, alert); err != nil {
		return false, fmt.Errorf("failed to persist alert: %w", err)
	}

	name, err := r.store.ProductName(ctx, sp.SKUID)
	if err != nil {
		name = fmt.Sprintf("sku %d", sp.SKUID)
	}
	r.log.Warn().
		Str("product", name).
		Float64("risk_index", risk).
		Float64("threshold", r.threshold).
		Float64("price_delta", deltaF).
		Int("new_release_mentions", mentions).
		Msg("risk alert fired")
	return true, nil
}

// newReleaseMentions counts hype-routed keywords, matching the same
// substring rules the sentiment weights use for the new-release bucket.
func newReleaseMentions(counts map[string]int) int {
	total := 0
	for keyword, n := range counts {
		if strings.Contains(keyword, "New Release") {
			total += n
		}
	}
	return total
}

func scoreCounts(counts map[string]int, w Weights) float64 {
	var score float64
	for keyword, n := range counts {
		score += float64(n) * w.For(keyword)
	}
	return score
}
