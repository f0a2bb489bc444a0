// Package analyze computes price changes, sentiment scores, and risk
// indices from persisted observations and signals.
package analyze

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/gpupulse/gpupulse/internal/model"
)

// ValidationError rejects analyzer input that can never be meaningful.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// comparisonWindow is how far back the week-over-week baseline reaches:
// observations recorded between 8 and 6 days ago.
const (
	windowStart = 8 * 24 * time.Hour
	windowEnd   = 6 * 24 * time.Hour
)

var hundred = decimal.NewFromInt(100)

// HistorySource provides past observations for one SKU.
type HistorySource interface {
	HistoricalPrices(ctx context.Context, skuID int64, from, to time.Time) ([]model.PriceObservation, error)
}

// PriceAnalyzer computes the week-over-week change percentage for a SKU.
type PriceAnalyzer struct {
	history HistorySource
	log     zerolog.Logger
	now     func() time.Time
}

// NewPriceAnalyzer builds the analyzer over a history source.
func NewPriceAnalyzer(history HistorySource, log zerolog.Logger) *PriceAnalyzer {
	return &PriceAnalyzer{
		history: history,
		log:     log.With().Str("component", "price_analyzer").Logger(),
		now:     time.Now,
	}
}

// PriceChange compares current against the average price observed 8 to 6
// days ago and returns the rounded percentage. A SKU with no observations in
// the window yields (nil, nil): new SKUs have no baseline.
func (a *PriceAnalyzer) PriceChange(ctx context.Context, skuID int64, current decimal.Decimal) (*float64, error) {
	if current.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "price", Reason: fmt.Sprintf("must be positive, got %s", current)}
	}

	now := a.now()
	obs, err := a.history.HistoricalPrices(ctx, skuID, now.Add(-windowStart), now.Add(-windowEnd))
	if err != nil {
		return nil, fmt.Errorf("failed to load price history for sku %d: %w", skuID, err)
	}
	if len(obs) == 0 {
		a.log.Warn().Int64("sku_id", skuID).Msg("no baseline prices in comparison window")
		return nil, nil
	}

	avg := averagePrice(obs)
	pct := current.Sub(avg).Div(avg).Mul(hundred).Round(2).InexactFloat64()
	return &pct, nil
}

func averagePrice(obs []model.PriceObservation) decimal.Decimal {
	sum := decimal.Zero
	for _, o := range obs {
		sum = sum.Add(o.Price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(obs))))
}
