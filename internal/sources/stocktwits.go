package sources

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/zivhm/MAHORAGA/internal/signals"
)

// StockTwits reads the trending message stream. Messages carry explicit symbols and,
// when the author tagged one, a Bullish/Bearish label.
type StockTwits struct {
	BaseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewStockTwits(limiter *rate.Limiter) *StockTwits {
	return &StockTwits{
		BaseURL: "https://api.stocktwits.com/api/2",
		client:  newHTTPClient(),
		limiter: limiter,
	}
}

func (s *StockTwits) Name() string { return "stocktwits" }

type stocktwitsStream struct {
	Messages []struct {
		ID        int64     `json:"id"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
		Symbols   []struct {
			Symbol string `json:"symbol"`
		} `json:"symbols"`
		Entities struct {
			Sentiment *struct {
				Basic string `json:"basic"`
			} `json:"sentiment"`
		} `json:"entities"`
		Likes struct {
			Total int `json:"total"`
		} `json:"likes"`
		Conversation struct {
			Replies int `json:"replies"`
		} `json:"conversation"`
	} `json:"messages"`
}

func (s *StockTwits) Fetch(ctx context.Context) ([]signals.RawPost, error) {
	var stream stocktwitsStream
	if err := getJSON(ctx, s.client, s.limiter, s.BaseURL+"/streams/trending.json", nil, &stream); err != nil {
		return nil, err
	}
	out := make([]signals.RawPost, 0, len(stream.Messages))
	for _, m := range stream.Messages {
		var syms []string
		for _, sym := range m.Symbols {
			syms = append(syms, sym.Symbol)
		}
		if len(syms) == 0 {
			continue
		}
		label := ""
		if m.Entities.Sentiment != nil {
			label = m.Entities.Sentiment.Basic
		}
		out = append(out, signals.RawPost{
			ID:        strconv.FormatInt(m.ID, 10),
			Source:    "stocktwits",
			Body:      m.Body,
			Upvotes:   m.Likes.Total,
			Comments:  m.Conversation.Replies,
			Label:     label,
			Symbols:   syms,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}
