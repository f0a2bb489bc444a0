// Package model holds the record types that flow through the ETL pipeline:
// raw extractor output, normalized product identities, and the rows the
// store persists.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceDanawa is the only price source the extractor currently produces.
// The schema also admits "에누리" but no extractor emits it yet.
const SourceDanawa = "다나와"

// CategoryGPU is the fixed category for any product carrying a chipset.
const CategoryGPU = "그래픽카드"

// Chipsets is the closed set of supported GPU cores, longest variant first
// so that prefix matching never mistakes a Ti Super for a Ti.
var Chipsets = []string{
	"RTX 4070 Ti Super",
	"RTX 4070 Super",
	"RTX 4070 Ti",
	"RTX 4070",
}

// ValidChipset reports whether c is in the supported closed set.
func ValidChipset(c string) bool {
	for _, v := range Chipsets {
		if v == c {
			return true
		}
	}
	return false
}

// PricePoint is one historical (timestamp, price) sample for a listing.
type PricePoint struct {
	RecordedAt time.Time
	Price      decimal.Decimal
}

// PriceData is the raw output of the price extractor: one listing with its
// current price and up to ~90 days of history for the same listing.
type PriceData struct {
	RawName    string
	Price      decimal.Decimal
	Source     string
	SourceURL  string
	RecordedAt time.Time
	History    []PricePoint
}

// ProductIdentity is the normalized join key for a GPU variant. The natural
// key is (Brand, ModelName).
type ProductIdentity struct {
	Brand     string
	Chipset   string
	ModelName string
	VRAM      string
	IsOC      bool
}

// PriceObservation is one persisted price point. Natural key
// (SKUID, Source, RecordedAt).
type PriceObservation struct {
	SKUID          int64
	Price          decimal.Decimal
	Source         string
	SourceURL      string
	RecordedAt     time.Time
	PriceChangePct *float64
}

// MarketSignal is one keyword hit inside one community post on one date.
// Natural key (Keyword, Date, PostURL).
type MarketSignal struct {
	Keyword        string
	PostTitle      string
	PostURL        string
	Subreddit      string
	Date           time.Time
	SentimentScore float64
	MentionCount   int
}

// SKUPrice pairs a SKU with its most recent observed price. The risk phase
// iterates these.
type SKUPrice struct {
	SKUID int64
	Price decimal.Decimal
}

// RiskAlert is an append-only risk event. No natural key: duplicates across
// firings are meaningful.
type RiskAlert struct {
	SKUID               int64
	RiskIndex           float64
	Threshold           float64
	ContributingFactors map[string]any
	Acknowledged        bool
	CreatedAt           time.Time
}
