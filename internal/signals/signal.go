package signals

import (
	"time"
)

// RawPost is one item fetched from a social source before scoring.
type RawPost struct {
	ID        string
	Source    string // detailed source, e.g. "reddit_wallstreetbets"
	Title     string
	Body      string
	Flair     string
	Upvotes   int
	Comments  int
	Label     string   // "Bullish" or "Bearish" when the source tags the post
	Symbols   []string // explicit symbols; when empty tickers are extracted from text
	CreatedAt time.Time
}

// Signal is one source's read on one symbol for the current gather cycle.
type Signal struct {
	Symbol       string    `json:"symbol"`
	Source       string    `json:"source"`
	SourceDetail string    `json:"source_detail"`
	Sentiment    float64   `json:"sentiment"`
	RawSentiment float64   `json:"raw_sentiment"`
	Volume       int       `json:"volume"`
	Freshness    float64   `json:"freshness"`
	SourceWeight float64   `json:"source_weight"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
	IsCrypto     bool      `json:"is_crypto,omitempty"`
	Price        float64   `json:"price,omitempty"`
	MomentumPct  float64   `json:"momentum_pct,omitempty"`
}

// Bullish reports the sign of the weighted sentiment.
func (s Signal) Bullish() bool { return s.Sentiment > 0 }
