package analyze

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpupulse/gpupulse/internal/model"
)

type fakeHistory struct {
	obs      []model.PriceObservation
	err      error
	gotFrom  time.Time
	gotTo    time.Time
	gotSKUID int64
}

func (f *fakeHistory) HistoricalPrices(_ context.Context, skuID int64, from, to time.Time) ([]model.PriceObservation, error) {
	f.gotSKUID, f.gotFrom, f.gotTo = skuID, from, to
	return f.obs, f.err
}

func obsAt(price int64) model.PriceObservation {
	return model.PriceObservation{Price: decimal.NewFromInt(price)}
}

func TestPriceChangeAgainstWeekOldAverage(t *testing.T) {
	h := &fakeHistory{obs: []model.PriceObservation{obsAt(900000), obsAt(910000)}}
	a := NewPriceAnalyzer(h, zerolog.Nop())

	pct, err := a.PriceChange(context.Background(), 7, decimal.NewFromInt(950000))
	require.NoError(t, err)
	require.NotNil(t, pct)
	// avg 905000, (950000-905000)/905000*100 = 4.9724... -> 4.97
	assert.InDelta(t, 4.97, *pct, 1e-9)
	assert.Equal(t, int64(7), h.gotSKUID)
}

func TestPriceChangeWindowIsSixToEightDaysBack(t *testing.T) {
	h := &fakeHistory{obs: []model.PriceObservation{obsAt(100)}}
	a := NewPriceAnalyzer(h, zerolog.Nop())
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	_, err := a.PriceChange(context.Background(), 1, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(-8*24*time.Hour), h.gotFrom)
	assert.Equal(t, fixed.Add(-6*24*time.Hour), h.gotTo)
}

func TestPriceChangeNoBaselineYieldsNil(t *testing.T) {
	a := NewPriceAnalyzer(&fakeHistory{}, zerolog.Nop())
	pct, err := a.PriceChange(context.Background(), 1, decimal.NewFromInt(500000))
	require.NoError(t, err)
	assert.Nil(t, pct)
}

func TestPriceChangeRejectsNonPositive(t *testing.T) {
	a := NewPriceAnalyzer(&fakeHistory{}, zerolog.Nop())

	_, err := a.PriceChange(context.Background(), 1, decimal.Zero)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "price", ve.Field)

	_, err = a.PriceChange(context.Background(), 1, decimal.NewFromInt(-1))
	require.ErrorAs(t, err, &ve)
}

func TestPriceChangePropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	a := NewPriceAnalyzer(&fakeHistory{err: boom}, zerolog.Nop())
	_, err := a.PriceChange(context.Background(), 1, decimal.NewFromInt(100))
	require.ErrorIs(t, err, boom)
}

func TestPriceChangeNegativeMove(t *testing.T) {
	h := &fakeHistory{obs: []model.PriceObservation{obsAt(1000000)}}
	a := NewPriceAnalyzer(h, zerolog.Nop())

	pct, err := a.PriceChange(context.Background(), 1, decimal.NewFromInt(880000))
	require.NoError(t, err)
	require.NotNil(t, pct)
	assert.InDelta(t, -12.0, *pct, 1e-9)
}
