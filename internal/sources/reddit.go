package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
	"github.com/zivhm/MAHORAGA/internal/signals"
)

// Reddit reads the hot listing of each configured subreddit, one request at a time.
type Reddit struct {
	BaseURL    string
	subreddits []string
	limit      int
	client     *http.Client
	limiter    *rate.Limiter
}

func NewReddit(cfg config.Reddit, limiter *rate.Limiter) *Reddit {
	return &Reddit{
		BaseURL:    "https://www.reddit.com",
		subreddits: cfg.Subreddits,
		limit:      cfg.PostLimit,
		client:     newHTTPClient(),
		limiter:    limiter,
	}
}

func (r *Reddit) Name() string { return "reddit" }

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID          string  `json:"id"`
				Title       string  `json:"title"`
				Selftext    string  `json:"selftext"`
				Flair       string  `json:"link_flair_text"`
				Ups         int     `json:"ups"`
				NumComments int     `json:"num_comments"`
				CreatedUTC  float64 `json:"created_utc"`
				Stickied    bool    `json:"stickied"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// Fetch returns posts from every subreddit that answered. It fails only when all did.
func (r *Reddit) Fetch(ctx context.Context) ([]signals.RawPost, error) {
	var out []signals.RawPost
	var errs []error
	for _, sub := range r.subreddits {
		u := fmt.Sprintf("%s/r/%s/hot.json?limit=%d", r.BaseURL, url.PathEscape(sub), r.limit)
		var listing redditListing
		if err := getJSON(ctx, r.client, r.limiter, u, nil, &listing); err != nil {
			observ.Warn("reddit_fetch_failed", map[string]any{"subreddit": sub, "error": err})
			errs = append(errs, fmt.Errorf("r/%s: %w", sub, err))
			continue
		}
		for _, c := range listing.Data.Children {
			d := c.Data
			if d.Stickied {
				continue
			}
			out = append(out, signals.RawPost{
				ID:        d.ID,
				Source:    "reddit_" + sub,
				Title:     d.Title,
				Body:      d.Selftext,
				Flair:     d.Flair,
				Upvotes:   d.Ups,
				Comments:  d.NumComments,
				CreatedAt: time.Unix(int64(d.CreatedUTC), 0).UTC(),
			})
		}
	}
	if len(errs) > 0 && len(errs) == len(r.subreddits) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
