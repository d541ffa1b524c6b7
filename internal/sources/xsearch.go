package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/zivhm/MAHORAGA/internal/confirm"
)

// XSearch is the X API v2 recent-search client used for secondary confirmation.
type XSearch struct {
	BaseURL string
	token   string
	client  *http.Client
}

func NewXSearch(bearerToken string) *XSearch {
	return &XSearch{
		BaseURL: "https://api.twitter.com/2",
		token:   bearerToken,
		client:  newHTTPClient(),
	}
}

type xSearchResponse struct {
	Data []struct {
		ID            string    `json:"id"`
		Text          string    `json:"text"`
		AuthorID      string    `json:"author_id"`
		CreatedAt     time.Time `json:"created_at"`
		PublicMetrics struct {
			Likes    int `json:"like_count"`
			Retweets int `json:"retweet_count"`
			Replies  int `json:"reply_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID            string `json:"id"`
			PublicMetrics struct {
				Followers int `json:"followers_count"`
			} `json:"public_metrics"`
		} `json:"users"`
	} `json:"includes"`
}

// Search returns up to max recent posts. The API accepts 10..100 results per page; extra
// results are trimmed here.
func (x *XSearch) Search(ctx context.Context, query string, max int) ([]confirm.Post, error) {
	if x.token == "" {
		return nil, errors.New("x search: no bearer token")
	}
	pageSize := max
	if pageSize < 10 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", fmt.Sprint(pageSize))
	q.Set("tweet.fields", "created_at,public_metrics,author_id")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "public_metrics")

	var resp xSearchResponse
	headers := map[string]string{"Authorization": "Bearer " + x.token}
	if err := getJSON(ctx, x.client, nil, x.BaseURL+"/tweets/search/recent?"+q.Encode(), headers, &resp); err != nil {
		return nil, fmt.Errorf("x search: %w", err)
	}

	followers := make(map[string]int, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		followers[u.ID] = u.PublicMetrics.Followers
	}
	out := make([]confirm.Post, 0, len(resp.Data))
	for _, d := range resp.Data {
		if len(out) >= max {
			break
		}
		out = append(out, confirm.Post{
			ID:              d.ID,
			Text:            d.Text,
			AuthorFollowers: followers[d.AuthorID],
			Likes:           d.PublicMetrics.Likes,
			Reposts:         d.PublicMetrics.Retweets,
			Replies:         d.PublicMetrics.Replies,
			CreatedAt:       d.CreatedAt,
		})
	}
	return out, nil
}
