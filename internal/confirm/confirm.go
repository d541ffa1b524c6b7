package confirm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/zivhm/MAHORAGA/internal/budget"
	"github.com/zivhm/MAHORAGA/internal/cache"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
	"github.com/zivhm/MAHORAGA/internal/signals"
)

// Post is one item from the secondary source.
type Post struct {
	ID              string    `json:"id"`
	Text            string    `json:"text"`
	AuthorFollowers int       `json:"author_followers"`
	Likes           int       `json:"likes"`
	Reposts         int       `json:"reposts"`
	Replies         int       `json:"replies"`
	CreatedAt       time.Time `json:"created_at"`
}

// Searcher returns recent posts matching query, newest first, at most max.
type Searcher interface {
	Search(ctx context.Context, query string, max int) ([]Post, error)
}

// Confirmation is a cached secondary read. Absence means no opinion.
type Confirmation struct {
	Symbol           string    `json:"symbol"`
	TweetCount       int       `json:"tweet_count"`
	Sentiment        float64   `json:"sentiment"`
	ConfirmsExisting bool      `json:"confirms_existing"`
	Highlights       []string  `json:"highlights"`
	Timestamp        time.Time `json:"timestamp"`
}

type Confirmer struct {
	searcher Searcher
	quota    *budget.ReadQuota
	cache    *cache.TTL[Confirmation]
	limiter  *rate.Limiter
	cfg      config.Confirmation
}

func NewConfirmer(s Searcher, quota *budget.ReadQuota, limiter *rate.Limiter, cfg config.Confirmation) *Confirmer {
	return &Confirmer{
		searcher: s,
		quota:    quota,
		cache:    cache.NewTTL[Confirmation]("confirmation", cfg.TTL),
		limiter:  limiter,
		cfg:      cfg,
	}
}

func (c *Confirmer) Cache() *cache.TTL[Confirmation] { return c.cache }

func (c *Confirmer) Configure(cfg config.Confirmation) {
	c.cfg = cfg
	c.cache.SetTTL(cfg.TTL)
	c.quota.SetLimit(cfg.DailyReadCap)
}

// Confirm returns a secondary read for symbol, or nil when the feature is off, the primary
// signal is too weak, the read budget is spent, or the search fails.
func (c *Confirmer) Confirm(ctx context.Context, symbol string, primary float64, now time.Time) *Confirmation {
	if c == nil || !c.cfg.Enabled || c.searcher == nil {
		return nil
	}
	if math.Abs(primary) < c.cfg.MinSentiment {
		return nil
	}
	if cached, ok := c.cache.Get(symbol, now); ok {
		cached.ConfirmsExisting = Confirms(cached.Sentiment, primary, c.cfg.Band)
		return &cached
	}
	if !c.quota.Allow(now, c.cfg.MaxPosts) {
		observ.Log("confirmation_budget_exhausted", map[string]any{"symbol": symbol})
		return nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
	}

	posts, err := c.searcher.Search(ctx, query(symbol), c.cfg.MaxPosts)
	if err != nil {
		observ.Warn("confirmation_search_failed", map[string]any{"symbol": symbol, "error": err})
		return nil
	}
	if len(posts) > c.cfg.MaxPosts {
		posts = posts[:c.cfg.MaxPosts]
	}
	c.quota.Consume(now, len(posts))

	conf := Score(symbol, posts, now)
	conf.ConfirmsExisting = Confirms(conf.Sentiment, primary, c.cfg.Band)
	c.cache.Set(symbol, conf, now)
	observ.Log("confirmation_read", map[string]any{
		"symbol":    symbol,
		"posts":     conf.TweetCount,
		"sentiment": conf.Sentiment,
		"confirms":  conf.ConfirmsExisting,
	})
	return &conf
}

func query(symbol string) string {
	return fmt.Sprintf("$%s (buy OR calls OR long OR bullish OR sell OR puts OR short OR bearish) -is:retweet lang:en", symbol)
}

func influence(followers int) float64 {
	switch {
	case followers >= 1_000_000:
		return 2.0
	case followers >= 100_000:
		return 1.5
	case followers >= 10_000:
		return 1.2
	case followers >= 1_000:
		return 1.0
	default:
		return 0.7
	}
}

func engagement(p Post) float64 {
	n := p.Likes + 2*p.Reposts + p.Replies
	switch {
	case n >= 1000:
		return 1.5
	case n >= 100:
		return 1.2
	case n >= 10:
		return 1.0
	default:
		return 0.8
	}
}

// Score weights each post's keyword sentiment by author influence times engagement.
func Score(symbol string, posts []Post, now time.Time) Confirmation {
	type weighted struct {
		text string
		w    float64
	}
	var sum, wsum float64
	ws := make([]weighted, 0, len(posts))
	for _, p := range posts {
		w := influence(p.AuthorFollowers) * engagement(p)
		sum += signals.DetectSentiment(p.Text) * w
		wsum += w
		ws = append(ws, weighted{text: p.Text, w: w})
	}
	sentiment := 0.0
	if wsum > 0 {
		sentiment = sum / wsum
	}
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].w > ws[j].w })
	var highlights []string
	for i := 0; i < len(ws) && i < 3; i++ {
		highlights = append(highlights, truncate(ws[i].text, 140))
	}
	return Confirmation{
		Symbol:     symbol,
		TweetCount: len(posts),
		Sentiment:  sentiment,
		Highlights: highlights,
		Timestamp:  now,
	}
}

// Confirms is true when both reads point the same way, the secondary beyond +-band.
func Confirms(secondary, primary, band float64) bool {
	return (secondary > band && primary > 0) || (secondary < -band && primary < 0)
}

// Adjust applies a secondary read to a confidence. No read leaves it unchanged.
func Adjust(confidence float64, c *Confirmation, cfg config.Confirmation) float64 {
	if c == nil {
		return confidence
	}
	if c.ConfirmsExisting {
		return math.Min(1.0, confidence*cfg.Boost)
	}
	if c.Sentiment != 0 {
		return confidence * cfg.Penalty
	}
	return confidence
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
