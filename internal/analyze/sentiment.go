package analyze

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpupulse/gpupulse/internal/model"
)

// Weights maps signal keywords onto their sentiment impact. Hype-driven
// keywords weigh more than generic chatter.
type Weights struct {
	NewRelease float64
	PriceDrop  float64
	Default    float64
}

// DefaultWeights mirrors the configured defaults.
func DefaultWeights() Weights {
	return Weights{NewRelease: 3.0, PriceDrop: 2.0, Default: 1.0}
}

// For reports the weight applied to one keyword. Matching is by substring so
// configured variants like "RTX 5070 New Release" route to the hype weight.
// Every other keyword, Leak included, carries the default weight.
func (w Weights) For(keyword string) float64 {
	switch {
	case strings.Contains(keyword, "New Release"):
		return w.NewRelease
	case strings.Contains(keyword, "Price Drop"):
		return w.PriceDrop
	default:
		return w.Default
	}
}

// SignalSource provides aggregated keyword counts.
type SignalSource interface {
	KeywordCounts(ctx context.Context, from, to time.Time) (map[string]int, error)
}

// SentimentAnalyzer folds keyword counts into one market sentiment score.
type SentimentAnalyzer struct {
	signals SignalSource
	weights Weights
	log     zerolog.Logger
}

// NewSentimentAnalyzer builds the analyzer over a signal source.
func NewSentimentAnalyzer(signals SignalSource, weights Weights, log zerolog.Logger) *SentimentAnalyzer {
	return &SentimentAnalyzer{
		signals: signals,
		weights: weights,
		log:     log.With().Str("component", "sentiment_analyzer").Logger(),
	}
}

// Enrich assigns each signal the aggregate sentiment score of its calendar
// day, computed from the batch itself. Signals from a quiet day keep a zero
// score.
func (a *SentimentAnalyzer) Enrich(signals []model.MarketSignal) []model.MarketSignal {
	daily := make(map[time.Time]float64)
	for _, sig := range signals {
		day := sig.Date.UTC().Truncate(24 * time.Hour)
		daily[day] += float64(maxInt(sig.MentionCount, 1)) * a.weights.For(sig.Keyword)
	}

	out := make([]model.MarketSignal, len(signals))
	for i, sig := range signals {
		sig.SentimentScore = daily[sig.Date.UTC().Truncate(24*time.Hour)]
		out[i] = sig
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Score sums count × weight over every keyword observed in [from, to]. The
// score is unbounded and the computation idempotent.
func (a *SentimentAnalyzer) Score(ctx context.Context, from, to time.Time) (float64, error) {
	counts, err := a.signals.KeywordCounts(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to load keyword counts: %w", err)
	}

	var score float64
	for keyword, count := range counts {
		score += float64(count) * a.weights.For(keyword)
	}
	a.log.Debug().Float64("score", score).Int("keywords", len(counts)).Msg("sentiment computed")
	return score, nil
}
