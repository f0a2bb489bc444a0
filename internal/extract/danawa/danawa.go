// Package danawa crawls 다나와 category listings for RTX 4070 series cards
// and emits raw price records with optional price history.
package danawa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/gpupulse/gpupulse/internal/model"
	"github.com/gpupulse/gpupulse/internal/retry"
)

const (
	defaultBaseURL = "http://prod.danawa.com/list/"
	productHost    = "http://prod.danawa.com"
	categoryGPU    = "112758"
)

// Fetcher fetches one URL and returns the UTF-8 body.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Options configures the extractor.
type Options struct {
	// BaseURL of the category listing endpoint.
	BaseURL string
	// HistoryURL is a printf template taking the product code; empty
	// disables history fetching.
	HistoryURL string
	// FanOut bounds concurrent chipset crawls.
	FanOut int
	// Retry is the per-request backoff policy.
	Retry retry.Policy
	// RetryableErr classifies fetch errors; nil retries everything.
	RetryableErr func(error) bool
}

// Extractor crawls each chipset's listing page concurrently.
type Extractor struct {
	fetcher Fetcher
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
}

// New builds the extractor.
func New(fetcher Fetcher, opts Options, log zerolog.Logger) *Extractor {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.FanOut <= 0 {
		opts.FanOut = 4
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Extractor{
		fetcher: fetcher,
		opts:    opts,
		log:     log.With().Str("component", "danawa").Logger(),
		now:     time.Now,
	}
}

// Stream crawls every supported chipset and emits listings as they parse.
// The data channel closes once all chipsets finish. Each chipset whose page
// cannot be fetched contributes one error; individual unparseable listings
// are logged and skipped. The stream is finite and not restartable.
func (e *Extractor) Stream(ctx context.Context) (<-chan model.PriceData, <-chan error) {
	out := make(chan model.PriceData)
	errs := make(chan error, len(model.Chipsets))

	jobs := make(chan string, len(model.Chipsets))
	for _, chipset := range model.Chipsets {
		jobs <- chipset
	}
	close(jobs)

	workers := e.opts.FanOut
	if workers > len(model.Chipsets) {
		workers = len(model.Chipsets)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chipset := range jobs {
				if err := e.crawlChipset(ctx, chipset, out); err != nil {
					e.log.Error().Err(err).Str("chipset", chipset).Msg("chipset crawl failed")
					errs <- fmt.Errorf("chipset %s: %w", chipset, err)
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
		close(errs)
	}()
	return out, errs
}

func (e *Extractor) crawlChipset(ctx context.Context, chipset string, out chan<- model.PriceData) error {
	pageURL := e.searchURL(chipset)
	policy := e.opts.Retry
	policy.Retryable = e.opts.RetryableErr

	body, err := retry.Do(ctx, e.log, policy, "danawa search", func(ctx context.Context) ([]byte, error) {
		return e.fetcher.Get(ctx, pageURL)
	})
	if err != nil {
		return err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to parse listing page: %w", err)
	}

	found := 0
	doc.Find(".product_list .product_item").EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if ctx.Err() != nil {
			return false
		}
		pd, ok := e.parseListing(item, chipset)
		if !ok {
			return true
		}
		if e.opts.HistoryURL != "" {
			pd.History = e.fetchHistory(ctx, pd.SourceURL)
		}
		select {
		case out <- pd:
			found++
		case <-ctx.Done():
			return false
		}
		return true
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	e.log.Info().Str("chipset", chipset).Int("listings", found).Msg("chipset crawled")
	return nil
}

func (e *Extractor) searchURL(chipset string) string {
	params := url.Values{}
	params.Set("cate", categoryGPU)
	params.Set("limit", "40")
	params.Set("sort", "saveDESC")
	params.Set("search", strings.Replace(chipset, "RTX ", "RTX", 1))
	return e.opts.BaseURL + "?" + params.Encode()
}

func (e *Extractor) parseListing(item *goquery.Selection, chipset string) (model.PriceData, bool) {
	anchor := item.Find(".prod_name a").First()
	name := strings.TrimSpace(anchor.Text())
	if name == "" {
		e.log.Warn().Msg("listing without product name, skipping")
		return model.PriceData{}, false
	}
	if !matchesChipset(name, chipset) {
		return model.PriceData{}, false
	}

	href, _ := anchor.Attr("href")
	if href != "" && !strings.HasPrefix(href, "http") {
		href = productHost + href
	}

	priceText := strings.TrimSpace(item.Find(".price_sect strong").First().Text())
	price, err := parsePrice(priceText)
	if err != nil {
		e.log.Warn().Str("name", name).Str("price", priceText).Msg("unparseable price, skipping")
		return model.PriceData{}, false
	}

	return model.PriceData{
		RawName:    name,
		Price:      price,
		Source:     model.SourceDanawa,
		SourceURL:  href,
		RecordedAt: e.now(),
	}, true
}

// matchesChipset compares with spacing stripped, and keeps a plain Ti from
// swallowing Ti Super listings.
func matchesChipset(name, chipset string) bool {
	n := strings.ReplaceAll(strings.ToUpper(name), " ", "")
	c := strings.ReplaceAll(strings.ToUpper(chipset), " ", "")
	if !strings.Contains(n, c) {
		return false
	}
	if strings.Contains(c, "TI") && !strings.Contains(c, "SUPER") && strings.Contains(n, "TISUPER") {
		return false
	}
	return true
}

func parsePrice(text string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer(",", "", "원", "", " ", "").Replace(text)
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("empty price")
	}
	price, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, fmt.Errorf("non-positive price %s", price)
	}
	return price, nil
}

type historyPoint struct {
	Date  string      `json:"date"`
	Price json.Number `json:"price"`
}

// fetchHistory loads the ~90 day price series for one listing. History is
// best effort: any failure yields an empty series, never a crawl error.
func (e *Extractor) fetchHistory(ctx context.Context, productURL string) []model.PricePoint {
	pcode := productCode(productURL)
	if pcode == "" {
		return nil
	}

	body, err := e.fetcher.Get(ctx, fmt.Sprintf(e.opts.HistoryURL, pcode))
	if err != nil {
		e.log.Warn().Err(err).Str("pcode", pcode).Msg("history fetch failed")
		return nil
	}

	var raw []historyPoint
	if err := json.Unmarshal(body, &raw); err != nil {
		e.log.Warn().Err(err).Str("pcode", pcode).Msg("history parse failed")
		return nil
	}

	points := make([]model.PricePoint, 0, len(raw))
	for _, p := range raw {
		ts, err := time.Parse("2006-01-02", p.Date)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(p.Price.String())
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		points = append(points, model.PricePoint{RecordedAt: ts, Price: price})
	}
	return points
}

func productCode(productURL string) string {
	u, err := url.Parse(productURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("pcode")
}
