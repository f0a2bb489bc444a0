// Package reddit collects GPU market signals from subreddit RSS feeds by
// scanning post titles and bodies for configured keywords.
package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/gpupulse/gpupulse/internal/model"
	"github.com/gpupulse/gpupulse/internal/netx/httpx"
)

const defaultBaseURL = "https://www.reddit.com"

// Fetcher fetches one URL and returns the body.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Options configures the collector.
type Options struct {
	Subreddits []string
	Keywords   []string
	// RateLimitWait caps how long a 429 may make us wait before the
	// single retry.
	RateLimitWait time.Duration
	BaseURL       string
}

// Collector pulls each subreddit's feed once per run.
type Collector struct {
	fetcher Fetcher
	opts    Options
	parser  *gofeed.Parser
	log     zerolog.Logger
	now     func() time.Time
}

// New builds the collector.
func New(fetcher Fetcher, opts Options, log zerolog.Logger) *Collector {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.RateLimitWait <= 0 {
		opts.RateLimitWait = 60 * time.Second
	}
	return &Collector{
		fetcher: fetcher,
		opts:    opts,
		parser:  gofeed.NewParser(),
		log:     log.With().Str("component", "reddit").Logger(),
		now:     time.Now,
	}
}

// Collect scans every configured subreddit and returns one signal per
// post×keyword match. A subreddit whose feed cannot be fetched or parsed is
// skipped and reported in the error slice; the rest still contribute.
func (c *Collector) Collect(ctx context.Context) ([]model.MarketSignal, []error) {
	var (
		signals []model.MarketSignal
		errs    []error
	)
	for _, subreddit := range c.opts.Subreddits {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		feed, err := c.fetchFeed(ctx, subreddit)
		if err != nil {
			c.log.Warn().Err(err).Str("subreddit", subreddit).Msg("skipping subreddit")
			errs = append(errs, fmt.Errorf("subreddit %s: %w", subreddit, err))
			continue
		}
		matched := c.scan(feed, subreddit)
		c.log.Info().Str("subreddit", subreddit).
			Int("posts", len(feed.Items)).Int("signals", len(matched)).
			Msg("subreddit scanned")
		signals = append(signals, matched...)
	}
	return signals, errs
}

// fetchFeed pulls and parses one subreddit feed. A 429 is retried exactly
// once after waiting the smaller of the server hint and the configured cap.
func (c *Collector) fetchFeed(ctx context.Context, subreddit string) (*gofeed.Feed, error) {
	url := fmt.Sprintf("%s/r/%s/.rss", c.opts.BaseURL, subreddit)

	body, err := c.fetcher.Get(ctx, url)
	if err != nil {
		var he *httpx.Error
		if !errors.As(err, &he) || he.StatusCode != http.StatusTooManyRequests {
			return nil, err
		}
		wait := c.opts.RateLimitWait
		if he.RetryAfter > 0 && he.RetryAfter < wait {
			wait = he.RetryAfter
		}
		c.log.Warn().Str("subreddit", subreddit).Dur("wait", wait).
			Msg("rate limited, waiting before retry")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if body, err = c.fetcher.Get(ctx, url); err != nil {
			return nil, err
		}
	}

	feed, err := c.parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return feed, nil
}

// scan emits one signal per matched keyword per post, regardless of how
// often the keyword occurs inside the post.
func (c *Collector) scan(feed *gofeed.Feed, subreddit string) []model.MarketSignal {
	today := c.now().UTC().Truncate(24 * time.Hour)

	var signals []model.MarketSignal
	for _, item := range feed.Items {
		text := strings.ToLower(item.Title + " " + item.Content + " " + item.Description)
		for _, keyword := range c.opts.Keywords {
			if !strings.Contains(text, strings.ToLower(keyword)) {
				continue
			}
			signals = append(signals, model.MarketSignal{
				Keyword:      keyword,
				PostTitle:    item.Title,
				PostURL:      item.Link,
				Subreddit:    subreddit,
				Date:         today,
				MentionCount: 1,
			})
		}
	}
	return signals
}
