// Package store persists normalized products, price observations, market
// signals, and risk alerts to PostgreSQL. Every write is idempotent against
// its natural key so a re-run of the same day never duplicates rows.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gpupulse/gpupulse/internal/model"
)

// ErrUnavailable is returned when the database cannot be reached at all, as
// opposed to a per-statement failure.
var ErrUnavailable = errors.New("store unavailable")

// ConstraintError is a constraint violation that survived the idempotent
// upsert paths, carrying the offending natural key.
type ConstraintError struct {
	Table string
	Key   string
	Err   error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation on %s (%s): %v", e.Table, e.Key, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// Transient reports whether a write failure is worth retrying. Constraint
// violations are fatal to the record; everything else (connection loss, pool
// exhaustion, timeouts) may clear on a later attempt.
func Transient(err error) bool {
	var ce *ConstraintError
	return !errors.As(err, &ce)
}

// Store is the persistence port the pipeline depends on.
type Store interface {
	// UpsertProduct inserts or refreshes a SKU keyed by (brand, model_name)
	// and returns its id.
	UpsertProduct(ctx context.Context, p model.ProductIdentity) (int64, error)

	// InsertPrice records one observation keyed by (sku_id, source,
	// recorded_at); a conflict refreshes price and change pct.
	InsertPrice(ctx context.Context, obs model.PriceObservation) error

	// InsertSignal records one keyword hit keyed by (keyword, date,
	// post_url); a conflict bumps mention_count by one.
	InsertSignal(ctx context.Context, sig model.MarketSignal) error

	// InsertAlert appends a risk alert. Never deduplicated.
	InsertAlert(ctx context.Context, alert model.RiskAlert) error

	// HistoricalPrices returns observations for a SKU inside [from, to],
	// recorded_at ascending.
	HistoricalPrices(ctx context.Context, skuID int64, from, to time.Time) ([]model.PriceObservation, error)

	// KeywordCounts sums mention_count per keyword over [from, to].
	KeywordCounts(ctx context.Context, from, to time.Time) (map[string]int, error)

	// LatestPrices returns the most recent price per SKU observed since
	// the cutoff.
	LatestPrices(ctx context.Context, since time.Time) ([]model.SKUPrice, error)

	// ProductName returns the display name "BRAND CHIPSET MODEL" for a SKU.
	ProductName(ctx context.Context, skuID int64) (string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
