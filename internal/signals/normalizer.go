package signals

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

const defaultSourceWeight = 0.5

// Source fetches raw posts from one upstream.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]RawPost, error)
}

// Normalizer turns one source's posts into Signals. A failing source yields no signals.
type Normalizer struct {
	source    Source
	limiter   *rate.Limiter
	cfg       config.Signals
	blacklist Blacklist
}

func NewNormalizer(source Source, limiter *rate.Limiter, cfg config.Signals) *Normalizer {
	return &Normalizer{
		source:    source,
		limiter:   limiter,
		cfg:       cfg,
		blacklist: NewBlacklist(cfg.Blacklist),
	}
}

func (n *Normalizer) Name() string { return n.source.Name() }

// Normalize fetches and scores. Errors are logged and returned with an empty list.
func (n *Normalizer) Normalize(ctx context.Context, now time.Time) ([]Signal, error) {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			observ.Warn("signal_source_paced_out", map[string]any{"source": n.source.Name(), "error": err})
			return nil, err
		}
	}
	posts, err := n.source.Fetch(ctx)
	if err != nil {
		observ.Warn("signal_source_failed", map[string]any{"source": n.source.Name(), "error": err})
		observ.IncCounter("signal_source_errors_total", map[string]string{"source": n.source.Name()})
		return nil, err
	}
	out := n.Score(posts, now)
	observ.IncCounterBy("signals_gathered_total", map[string]string{"source": n.source.Name()}, float64(len(out)))
	return out, nil
}

type accum struct {
	detail      string
	mentions    int
	qualitySum  float64
	weightedSum float64
	decaySum    float64
}

// Score is the pure part of normalization: per (symbol, detailed source) it computes
// the quality-weighted raw sentiment, mean freshness, and applies the source weight.
func (n *Normalizer) Score(posts []RawPost, now time.Time) []Signal {
	accs := map[string]*accum{}
	var keys []string

	for _, p := range posts {
		detail := p.Source
		if detail == "" {
			detail = n.source.Name()
		}
		text := p.Title + " " + p.Body
		symbols := p.Symbols
		if len(symbols) == 0 {
			symbols = ExtractTickers(text, n.blacklist)
		}
		if len(symbols) == 0 {
			continue
		}

		sentiment := postSentiment(p, text)
		age := now.Sub(p.CreatedAt).Minutes()
		decay := TimeDecay(age, n.cfg.HalfLifeMinutes)
		quality := EngagementMultiplier(p.Upvotes, p.Comments, n.cfg.UpvoteTiers, n.cfg.CommentTiers) *
			FlairMultiplier(p.Flair, n.cfg.FlairMultipliers)

		for _, sym := range symbols {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" || n.blacklist.Has(sym) {
				continue
			}
			key := sym + "|" + detail
			a, ok := accs[key]
			if !ok {
				a = &accum{detail: detail}
				accs[key] = a
				keys = append(keys, key)
			}
			a.mentions++
			a.qualitySum += quality
			a.weightedSum += sentiment * quality
			a.decaySum += decay
		}
	}

	sort.Strings(keys)
	out := make([]Signal, 0, len(keys))
	for _, key := range keys {
		a := accs[key]
		if a.mentions < n.minVolume(a.detail) {
			continue
		}
		sym := key[:strings.Index(key, "|")]
		raw := 0.0
		if a.qualitySum > 0 {
			raw = clamp(a.weightedSum/a.qualitySum, -1, 1)
		}
		freshness := a.decaySum / float64(a.mentions)
		weight := n.sourceWeight(a.detail)
		out = append(out, Signal{
			Symbol:       sym,
			Source:       n.source.Name(),
			SourceDetail: a.detail,
			RawSentiment: raw,
			Sentiment:    raw * weight * freshness,
			Volume:       a.mentions,
			Freshness:    freshness,
			SourceWeight: weight,
			Reason:       fmt.Sprintf("%d mentions on %s, freshness %.2f", a.mentions, a.detail, freshness),
			Timestamp:    now,
		})
	}
	return out
}

func postSentiment(p RawPost, text string) float64 {
	switch strings.ToLower(p.Label) {
	case "bullish":
		return 1
	case "bearish":
		return -1
	}
	return DetectSentiment(text)
}

func (n *Normalizer) minVolume(detail string) int {
	if v, ok := n.cfg.SourceMinVolume[detail]; ok {
		return v
	}
	if v, ok := n.cfg.SourceMinVolume[n.source.Name()]; ok {
		return v
	}
	return n.cfg.MinVolume
}

func (n *Normalizer) sourceWeight(detail string) float64 {
	if w, ok := n.cfg.SourceWeights[detail]; ok {
		return clamp(w, 0, 1)
	}
	if w, ok := n.cfg.SourceWeights[n.source.Name()]; ok {
		return clamp(w, 0, 1)
	}
	return defaultSourceWeight
}

// Gather runs every normalizer concurrently and merges their output once all return.
// Normalizers are independent; one slow or failing source never drops another's signals.
// failed counts the sources that errored or panicked.
func Gather(ctx context.Context, normalizers []*Normalizer, now time.Time) (sigs []Signal, failed int) {
	results := make([][]Signal, len(normalizers))
	errs := make([]bool, len(normalizers))
	var wg sync.WaitGroup
	for i, n := range normalizers {
		wg.Add(1)
		go func(i int, n *Normalizer) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					observ.Error("signal_source_panic", map[string]any{"source": n.Name(), "panic": fmt.Sprint(r)})
					errs[i] = true
				}
			}()
			var err error
			results[i], err = n.Normalize(ctx, now)
			errs[i] = err != nil
		}(i, n)
	}
	wg.Wait()

	for i, r := range results {
		sigs = append(sigs, r...)
		if errs[i] {
			failed++
		}
	}
	return sigs, failed
}

// MomentumSignal turns a crypto 24h change into a signal when it clears the threshold.
func MomentumSignal(symbol string, changePct, price, threshold float64, now time.Time) (Signal, bool) {
	if changePct < threshold {
		return Signal{}, false
	}
	raw := clamp(changePct/10, -1, 1)
	return Signal{
		Symbol:       symbol,
		Source:       "crypto",
		SourceDetail: "crypto_momentum",
		RawSentiment: raw,
		Sentiment:    raw,
		Volume:       1,
		Freshness:    1,
		SourceWeight: 1,
		Reason:       fmt.Sprintf("24h change %.2f%%", changePct),
		Timestamp:    now,
		IsCrypto:     true,
		Price:        price,
		MomentumPct:  changePct,
	}, true
}
