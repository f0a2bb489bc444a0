package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpupulse/gpupulse/internal/analyze"
	"github.com/gpupulse/gpupulse/internal/model"
	"github.com/gpupulse/gpupulse/internal/retry"
	"github.com/gpupulse/gpupulse/internal/store"
)

// memStore is an in-memory Store recording call order.
type memStore struct {
	mu         sync.Mutex
	ops        []string
	pingErr    error
	nextSKU    int64
	prices     []model.PriceObservation
	signals    []model.MarketSignal
	alerts     []model.RiskAlert
	history    map[int64][]model.PriceObservation
	latest     []model.SKUPrice
	counts     map[string]int
	sigErr     error
	priceErr   error
	priceFailN int // fail this many InsertPrice calls, then succeed
}

func newMemStore() *memStore {
	return &memStore{history: map[int64][]model.PriceObservation{}, counts: map[string]int{}}
}

func (m *memStore) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

func (m *memStore) UpsertProduct(_ context.Context, p model.ProductIdentity) (int64, error) {
	m.record("upsert_product")
	m.nextSKU++
	return m.nextSKU, nil
}

func (m *memStore) InsertPrice(_ context.Context, obs model.PriceObservation) error {
	m.record("insert_price")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priceFailN > 0 {
		m.priceFailN--
		return errors.New("connection reset by peer")
	}
	if m.priceErr != nil {
		return m.priceErr
	}
	m.prices = append(m.prices, obs)
	return nil
}

func (m *memStore) opCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (m *memStore) InsertSignal(_ context.Context, sig model.MarketSignal) error {
	m.record("insert_signal")
	if m.sigErr != nil {
		return m.sigErr
	}
	m.signals = append(m.signals, sig)
	return nil
}

func (m *memStore) InsertAlert(_ context.Context, a model.RiskAlert) error {
	m.record("insert_alert")
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *memStore) HistoricalPrices(_ context.Context, skuID int64, _, _ time.Time) ([]model.PriceObservation, error) {
	return m.history[skuID], nil
}

func (m *memStore) KeywordCounts(context.Context, time.Time, time.Time) (map[string]int, error) {
	return m.counts, nil
}

func (m *memStore) LatestPrices(context.Context, time.Time) ([]model.SKUPrice, error) {
	m.record("latest_prices")
	return m.latest, nil
}

func (m *memStore) ProductName(_ context.Context, skuID int64) (string, error) {
	return "TEST PRODUCT", nil
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) Close() error { return nil }

type fakePrices struct {
	data    []model.PriceData
	errs    []error
	started chan struct{} // closed when streaming begins, if set
	release chan struct{} // blocks completion until closed, if set
}

func (f *fakePrices) Stream(ctx context.Context) (<-chan model.PriceData, <-chan error) {
	out := make(chan model.PriceData)
	errs := make(chan error, len(f.errs)+1)
	go func() {
		if f.started != nil {
			close(f.started)
		}
		if f.release != nil {
			<-f.release
		}
		for _, pd := range f.data {
			out <- pd
		}
		for _, err := range f.errs {
			errs <- err
		}
		close(out)
		close(errs)
	}()
	return out, errs
}

type fakeSignals struct {
	signals []model.MarketSignal
	errs    []error
}

func (f *fakeSignals) Collect(context.Context) ([]model.MarketSignal, []error) {
	return f.signals, f.errs
}

func listing(name string, price int64) model.PriceData {
	return model.PriceData{
		RawName:    name,
		Price:      decimal.NewFromInt(price),
		Source:     model.SourceDanawa,
		SourceURL:  "http://prod.danawa.com/info/?pcode=1",
		RecordedAt: time.Now(),
	}
}

func newPipeline(st *memStore, prices PriceSource, signals SignalSource) *Pipeline {
	log := zerolog.Nop()
	weights := analyze.DefaultWeights()
	return New(st, prices, signals,
		analyze.NewPriceAnalyzer(st, log),
		analyze.NewSentimentAnalyzer(st, weights, log),
		analyze.NewRiskCalculator(st, weights, 100.0, log),
		nil,
		retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		log)
}

func TestRunFullHappyPath(t *testing.T) {
	st := newMemStore()
	prices := &fakePrices{data: []model.PriceData{
		listing("MSI RTX 4070 VENTUS 2X 12GB", 789000),
		listing("GIGABYTE RTX 4070 Ti GAMING OC 12GB", 999000),
	}}
	signals := &fakeSignals{signals: []model.MarketSignal{
		{Keyword: "New Release", PostTitle: "t", PostURL: "u1", Subreddit: "nvidia",
			Date: time.Now().UTC().Truncate(24 * time.Hour), MentionCount: 1},
	}}

	stats := newPipeline(st, prices, signals).RunFull(context.Background())

	assert.True(t, stats.Success)
	assert.Empty(t, stats.Errors)
	_, err := uuid.Parse(stats.RunID)
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.PricesExtracted)
	assert.Equal(t, 2, stats.ProductsNormalized)
	assert.Equal(t, 2, stats.PricesLoaded)
	assert.Equal(t, 1, stats.SignalsExtracted)
	assert.Equal(t, 1, stats.SignalsLoaded)
	require.Len(t, st.signals, 1)
	// Enrichment assigned the day's aggregate score before load.
	assert.InDelta(t, 3.0, st.signals[0].SentimentScore, 1e-9)
}

func TestRunFullPricesLoadedBeforeRisk(t *testing.T) {
	st := newMemStore()
	st.latest = []model.SKUPrice{{SKUID: 1, Price: decimal.NewFromInt(999000)}}
	st.history[1] = []model.PriceObservation{{Price: decimal.NewFromInt(800000)}}

	prices := &fakePrices{data: []model.PriceData{listing("MSI RTX 4070 VENTUS 2X 12GB", 999000)}}
	stats := newPipeline(st, prices, &fakeSignals{}).RunFull(context.Background())

	assert.True(t, stats.Success)
	assert.Equal(t, 1, stats.AlertsFired)

	// Every price insert happens before the risk phase reads latest prices.
	riskAt := -1
	lastInsert := -1
	for i, op := range st.ops {
		switch op {
		case "latest_prices":
			riskAt = i
		case "insert_price":
			lastInsert = i
		}
	}
	require.GreaterOrEqual(t, riskAt, 0)
	assert.Less(t, lastInsert, riskAt)
}

func TestRunFullSkipsUnnormalizableListings(t *testing.T) {
	st := newMemStore()
	prices := &fakePrices{data: []model.PriceData{
		listing("문의환영 중고 그래픽카드", 1000),
		listing("PALIT RTX 4070 DUAL 12GB", 812000),
	}}

	stats := newPipeline(st, prices, &fakeSignals{}).RunFull(context.Background())

	assert.True(t, stats.Success)
	assert.Equal(t, 2, stats.PricesExtracted)
	assert.Equal(t, 1, stats.ProductsNormalized)
	assert.Equal(t, 1, stats.PricesLoaded)
	assert.Empty(t, stats.Errors)
}

func TestRunAbortsWhenStoreUnavailable(t *testing.T) {
	st := newMemStore()
	st.pingErr = errors.New("connection refused")

	stats := newPipeline(st, &fakePrices{}, &fakeSignals{}).RunFull(context.Background())

	assert.False(t, stats.Success)
	require.NotEmpty(t, stats.Errors)
	assert.Contains(t, stats.Errors[0], "store unavailable")
	assert.Zero(t, stats.PricesExtracted)
}

func TestRunPhasesAreIndependentlyFallible(t *testing.T) {
	st := newMemStore()
	prices := &fakePrices{
		data: []model.PriceData{listing("ZOTAC RTX 4070 TWIN EDGE 12GB", 800000)},
		errs: []error{errors.New("chipset RTX 4070 Ti: fetch failed")},
	}
	signals := &fakeSignals{errs: []error{errors.New("subreddit nvidia: 429")}}

	stats := newPipeline(st, prices, signals).RunFull(context.Background())

	assert.True(t, stats.Success)
	assert.True(t, stats.Partial())
	assert.Len(t, stats.Errors, 2)
	assert.Equal(t, 1, stats.PricesLoaded)
}

func TestConcurrentRunIsSkipped(t *testing.T) {
	st := newMemStore()
	prices := &fakePrices{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	p := newPipeline(st, prices, &fakeSignals{})

	done := make(chan Stats, 1)
	go func() { done <- p.RunFull(context.Background()) }()
	<-prices.started

	skipped := p.RunPriceOnly(context.Background())
	assert.True(t, skipped.Skipped)
	// A skipped run is not a failure; fatal outcomes are reserved for
	// init errors.
	assert.True(t, skipped.Success)
	assert.Empty(t, skipped.Errors)

	close(prices.release)
	first := <-done
	assert.True(t, first.Success)
}

func TestRunPriceOnlyDoesNotEvaluateRisk(t *testing.T) {
	st := newMemStore()
	// A baseline that would fire an alert if risk ran.
	st.latest = []model.SKUPrice{{SKUID: 1, Price: decimal.NewFromInt(999000)}}
	st.history[1] = []model.PriceObservation{{Price: decimal.NewFromInt(800000)}}

	prices := &fakePrices{data: []model.PriceData{listing("MSI RTX 4070 VENTUS 2X 12GB", 999000)}}
	stats := newPipeline(st, prices, &fakeSignals{}).RunPriceOnly(context.Background())

	assert.True(t, stats.Success)
	assert.Equal(t, 1, stats.PricesLoaded)
	assert.Zero(t, stats.AlertsFired)
	assert.NotContains(t, st.ops, "latest_prices")
	assert.NotContains(t, st.ops, "insert_alert")
}

func TestTransientStoreWriteIsRetried(t *testing.T) {
	st := newMemStore()
	st.priceFailN = 1
	prices := &fakePrices{data: []model.PriceData{listing("PALIT RTX 4070 DUAL 12GB", 812000)}}

	stats := newPipeline(st, prices, &fakeSignals{}).RunPriceOnly(context.Background())

	assert.True(t, stats.Success)
	assert.Empty(t, stats.Errors)
	assert.Equal(t, 1, stats.PricesLoaded)
	assert.Equal(t, 2, st.opCount("insert_price"))
}

func TestConstraintViolationIsNotRetried(t *testing.T) {
	st := newMemStore()
	st.sigErr = &store.ConstraintError{Table: "market_signal", Key: "keyword=Leak", Err: errors.New("23505")}
	signals := &fakeSignals{signals: []model.MarketSignal{
		{Keyword: "Leak", PostURL: "u", Date: time.Now().UTC(), MentionCount: 1},
	}}

	stats := newPipeline(st, &fakePrices{}, signals).RunSignalsOnly(context.Background())

	assert.True(t, stats.Success)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "market_signal")
	assert.Equal(t, 1, st.opCount("insert_signal"))
}

func TestRunSignalsOnlySkipsPricesAndRisk(t *testing.T) {
	st := newMemStore()
	signals := &fakeSignals{signals: []model.MarketSignal{
		{Keyword: "Price Drop", PostURL: "u", Date: time.Now().UTC(), MentionCount: 1},
	}}

	stats := newPipeline(st, &fakePrices{data: []model.PriceData{listing("MSI RTX 4070 X 12GB", 1)}}, signals).
		RunSignalsOnly(context.Background())

	assert.True(t, stats.Success)
	assert.Zero(t, stats.PricesExtracted)
	assert.Equal(t, 1, stats.SignalsLoaded)
	assert.NotContains(t, st.ops, "latest_prices")
}
