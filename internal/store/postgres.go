package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/gpupulse/gpupulse/internal/config"
	"github.com/gpupulse/gpupulse/internal/model"
)

// constraintClass is the PostgreSQL error class covering every integrity
// violation: unique (23505), foreign key (23503), check (23514).
const constraintClass = "23"

// Postgres implements Store on a sqlx connection pool.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
	log     zerolog.Logger
}

// Open connects the pool using the database settings and verifies
// connectivity once.
func Open(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*Postgres, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &Postgres{
		db:      db,
		timeout: cfg.QueryTimeout,
		log:     log.With().Str("component", "store").Logger(),
	}, nil
}

// NewPostgres wraps an existing pool. Used by tests with sqlmock.
func NewPostgres(db *sqlx.DB, timeout time.Duration, log zerolog.Logger) *Postgres {
	return &Postgres{db: db, timeout: timeout, log: log}
}

// EnsureSchema creates the tables and unique indexes if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout*4)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS gpu_sku (
		id          BIGSERIAL PRIMARY KEY,
		brand       TEXT NOT NULL,
		chipset     TEXT NOT NULL,
		model_name  TEXT NOT NULL,
		vram        TEXT NOT NULL,
		is_oc       BOOLEAN NOT NULL DEFAULT FALSE,
		category    TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (brand, model_name)
	)`,
	`CREATE TABLE IF NOT EXISTS price_data (
		id               BIGSERIAL PRIMARY KEY,
		sku_id           BIGINT NOT NULL REFERENCES gpu_sku(id),
		price            NUMERIC(12,2) NOT NULL,
		source           TEXT NOT NULL,
		source_url       TEXT,
		recorded_at      TIMESTAMPTZ NOT NULL,
		price_change_pct DOUBLE PRECISION,
		UNIQUE (sku_id, source, recorded_at)
	)`,
	`CREATE TABLE IF NOT EXISTS market_signal (
		id              BIGSERIAL PRIMARY KEY,
		keyword         TEXT NOT NULL,
		post_title      TEXT,
		post_url        TEXT NOT NULL,
		subreddit       TEXT,
		date            DATE NOT NULL,
		sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		mention_count   INTEGER NOT NULL DEFAULT 1,
		UNIQUE (keyword, date, post_url)
	)`,
	`CREATE TABLE IF NOT EXISTS risk_alert (
		id                   BIGSERIAL PRIMARY KEY,
		sku_id               BIGINT NOT NULL REFERENCES gpu_sku(id),
		risk_index           DOUBLE PRECISION NOT NULL,
		threshold            DOUBLE PRECISION NOT NULL,
		contributing_factors JSONB,
		acknowledged         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_data_sku_recorded
		ON price_data (sku_id, recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_market_signal_keyword_date
		ON market_signal (keyword, date)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_alert_sku_created
		ON risk_alert (sku_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_alert_ack_created
		ON risk_alert (acknowledged, created_at DESC)`,
}

// UpsertProduct inserts or refreshes a SKU and returns its id. Category is
// always 그래픽카드 since every identity carries a chipset.
func (s *Postgres) UpsertProduct(ctx context.Context, p model.ProductIdentity) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO gpu_sku (brand, chipset, model_name, vram, is_oc, category, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (brand, model_name) DO UPDATE SET
			chipset = EXCLUDED.chipset,
			vram = EXCLUDED.vram,
			is_oc = EXCLUDED.is_oc,
			updated_at = NOW()
		RETURNING id`

	var id int64
	err := s.db.QueryRowxContext(ctx, query,
		p.Brand, p.Chipset, p.ModelName, p.VRAM, p.IsOC, model.CategoryGPU).Scan(&id)
	if err != nil {
		return 0, s.wrapErr(err, "gpu_sku", fmt.Sprintf("brand=%s model=%s", p.Brand, p.ModelName))
	}
	return id, nil
}

// InsertPrice records one price observation idempotently.
func (s *Postgres) InsertPrice(ctx context.Context, obs model.PriceObservation) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO price_data (sku_id, price, source, source_url, recorded_at, price_change_pct)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sku_id, source, recorded_at) DO UPDATE SET
			price = EXCLUDED.price,
			source_url = EXCLUDED.source_url,
			price_change_pct = EXCLUDED.price_change_pct`

	_, err := s.db.ExecContext(ctx, query,
		obs.SKUID, obs.Price, obs.Source, nullString(obs.SourceURL), obs.RecordedAt, obs.PriceChangePct)
	if err != nil {
		return s.wrapErr(err, "price_data",
			fmt.Sprintf("sku=%d source=%s recorded_at=%s", obs.SKUID, obs.Source, obs.RecordedAt.Format(time.RFC3339)))
	}
	return nil
}

// InsertSignal records one keyword hit; re-observing the same post on the
// same day bumps mention_count.
func (s *Postgres) InsertSignal(ctx context.Context, sig model.MarketSignal) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO market_signal (keyword, post_title, post_url, subreddit, date, sentiment_score, mention_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (keyword, date, post_url) DO UPDATE SET
			post_title = EXCLUDED.post_title,
			sentiment_score = EXCLUDED.sentiment_score,
			mention_count = market_signal.mention_count + 1`

	count := sig.MentionCount
	if count < 1 {
		count = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		sig.Keyword, sig.PostTitle, sig.PostURL, sig.Subreddit,
		sig.Date.UTC().Truncate(24*time.Hour), sig.SentimentScore, count)
	if err != nil {
		return s.wrapErr(err, "market_signal",
			fmt.Sprintf("keyword=%s url=%s", sig.Keyword, sig.PostURL))
	}
	return nil
}

// InsertAlert appends a risk alert row.
func (s *Postgres) InsertAlert(ctx context.Context, alert model.RiskAlert) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	factors, err := json.Marshal(alert.ContributingFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal contributing factors: %w", err)
	}

	query := `
		INSERT INTO risk_alert (sku_id, risk_index, threshold, contributing_factors, acknowledged)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = s.db.ExecContext(ctx, query,
		alert.SKUID, alert.RiskIndex, alert.Threshold, factors, alert.Acknowledged)
	if err != nil {
		return s.wrapErr(err, "risk_alert", fmt.Sprintf("sku=%d", alert.SKUID))
	}
	return nil
}

// HistoricalPrices returns the observations for a SKU inside [from, to],
// oldest first.
func (s *Postgres) HistoricalPrices(ctx context.Context, skuID int64, from, to time.Time) ([]model.PriceObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT sku_id, price, source, COALESCE(source_url, ''), recorded_at, price_change_pct
		FROM price_data
		WHERE sku_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at ASC`

	rows, err := s.db.QueryxContext(ctx, query, skuID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query historical prices: %w", err)
	}
	defer rows.Close()

	var out []model.PriceObservation
	for rows.Next() {
		var (
			obs   model.PriceObservation
			price string
			pct   sql.NullFloat64
		)
		if err := rows.Scan(&obs.SKUID, &price, &obs.Source, &obs.SourceURL, &obs.RecordedAt, &pct); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		obs.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("failed to parse price %q: %w", price, err)
		}
		if pct.Valid {
			v := pct.Float64
			obs.PriceChangePct = &v
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// KeywordCounts sums mention_count per keyword over [from, to].
func (s *Postgres) KeywordCounts(ctx context.Context, from, to time.Time) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT keyword, SUM(mention_count)
		FROM market_signal
		WHERE date >= $1 AND date <= $2
		GROUP BY keyword`

	rows, err := s.db.QueryxContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query keyword counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			keyword string
			n       int
		)
		if err := rows.Scan(&keyword, &n); err != nil {
			return nil, fmt.Errorf("failed to scan keyword count: %w", err)
		}
		counts[keyword] = n
	}
	return counts, rows.Err()
}

// LatestPrices returns the newest observation per SKU since the cutoff.
func (s *Postgres) LatestPrices(ctx context.Context, since time.Time) ([]model.SKUPrice, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (sku_id) sku_id, price
		FROM price_data
		WHERE recorded_at >= $1
		ORDER BY sku_id, recorded_at DESC`

	rows, err := s.db.QueryxContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest prices: %w", err)
	}
	defer rows.Close()

	var out []model.SKUPrice
	for rows.Next() {
		var (
			sp    model.SKUPrice
			price string
		)
		if err := rows.Scan(&sp.SKUID, &price); err != nil {
			return nil, fmt.Errorf("failed to scan latest price: %w", err)
		}
		sp.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("failed to parse price %q: %w", price, err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// ProductName returns the "BRAND CHIPSET MODEL" display string for alert
// logging.
func (s *Postgres) ProductName(ctx context.Context, skuID int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var name string
	query := `SELECT brand || ' ' || chipset || ' ' || model_name FROM gpu_sku WHERE id = $1`
	err := s.db.QueryRowxContext(ctx, query, skuID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("unknown sku %d", skuID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query product name: %w", err)
	}
	return name, nil
}

// Ping verifies connectivity with the per-call timeout.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the pool.
func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) wrapErr(err error, table, key string) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Class() == constraintClass {
		return &ConstraintError{Table: table, Key: key, Err: err}
	}
	return fmt.Errorf("failed to write %s: %w", table, err)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
