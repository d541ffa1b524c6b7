package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zivhm/MAHORAGA/internal/config"
)

const listing = `{"data":{"children":[
 {"data":{"id":"a1","title":"NVDA to the moon","selftext":"buying calls","link_flair_text":"DD","ups":640,"num_comments":120,"created_utc":1743516000}},
 {"data":{"id":"a2","title":"Daily thread","stickied":true,"created_utc":1743516000}}
]}}`

func TestReddit_FetchesEachSubreddit(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if strings.Contains(r.URL.Path, "broken") {
			http.Error(w, "nope", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte(listing))
	}))
	defer srv.Close()

	r := NewReddit(config.Reddit{Subreddits: []string{"stocks", "broken"}, PostLimit: 25}, nil)
	r.BaseURL = srv.URL
	posts, err := r.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/r/stocks/hot.json", "/r/broken/hot.json"}, paths)
	require.Len(t, posts, 1, "stickied posts are skipped")
	p := posts[0]
	assert.Equal(t, "reddit_stocks", p.Source)
	assert.Equal(t, "DD", p.Flair)
	assert.Equal(t, 640, p.Upvotes)
	assert.Equal(t, 120, p.Comments)
	assert.Equal(t, int64(1743516000), p.CreatedAt.Unix())
}

func TestReddit_AllFailingIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	r := NewReddit(config.Reddit{Subreddits: []string{"a", "b"}, PostLimit: 5}, nil)
	r.BaseURL = srv.URL
	_, err := r.Fetch(context.Background())
	assert.Error(t, err)
}

func TestStockTwits_LabelsAndSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/streams/trending.json", r.URL.Path)
		w.Write([]byte(`{"messages":[
		 {"id":1,"body":"$AMD breaking out","created_at":"2025-04-01T14:00:00Z","symbols":[{"symbol":"AMD"}],"entities":{"sentiment":{"basic":"Bullish"}},"likes":{"total":4}},
		 {"id":2,"body":"no tags here","created_at":"2025-04-01T14:00:00Z","symbols":[]},
		 {"id":3,"body":"$TSLA meh","created_at":"2025-04-01T14:01:00Z","symbols":[{"symbol":"TSLA"}],"entities":{"sentiment":null}}
		]}`))
	}))
	defer srv.Close()

	s := NewStockTwits(nil)
	s.BaseURL = srv.URL
	posts, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "1", posts[0].ID)
	assert.Equal(t, []string{"AMD"}, posts[0].Symbols)
	assert.Equal(t, "Bullish", posts[0].Label)
	assert.Equal(t, 4, posts[0].Upvotes)
	assert.Empty(t, posts[1].Label)
}

func TestXSearch_JoinsAuthorsAndTrims(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "10", r.URL.Query().Get("max_results"))
		assert.Contains(t, r.URL.Query().Get("query"), "$NVDA")
		w.Write([]byte(`{"data":[
		 {"id":"1","text":"NVDA calls","author_id":"u1","created_at":"2025-04-01T14:00:00Z","public_metrics":{"like_count":50,"retweet_count":5,"reply_count":2}},
		 {"id":"2","text":"NVDA puts","author_id":"u2","created_at":"2025-04-01T14:00:00Z","public_metrics":{"like_count":1}},
		 {"id":"3","text":"NVDA","author_id":"u1","created_at":"2025-04-01T14:00:00Z"}
		],"includes":{"users":[{"id":"u1","public_metrics":{"followers_count":120000}}]}}`))
	}))
	defer srv.Close()

	x := NewXSearch("tok")
	x.BaseURL = srv.URL
	posts, err := x.Search(context.Background(), "$NVDA (buy OR sell)", 2)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, 120000, posts[0].AuthorFollowers)
	assert.Equal(t, 5, posts[0].Reposts)
	assert.Equal(t, 0, posts[1].AuthorFollowers)
}

func TestXSearch_RequiresToken(t *testing.T) {
	_, err := NewXSearch("").Search(context.Background(), "q", 10)
	assert.Error(t, err)
}
