package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zivhm/MAHORAGA/internal/alerts"
	"github.com/zivhm/MAHORAGA/internal/budget"
	"github.com/zivhm/MAHORAGA/internal/cache"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/llm"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

const (
	VerdictBuy  = "BUY"
	VerdictSkip = "SKIP"
	VerdictWait = "WAIT"

	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// Result is a cached verdict for one symbol.
type Result struct {
	Symbol       string    `json:"symbol"`
	Verdict      string    `json:"verdict"`
	Confidence   float64   `json:"confidence"`
	EntryQuality string    `json:"entry_quality"`
	Reasoning    string    `json:"reasoning"`
	RedFlags     []string  `json:"red_flags"`
	Catalysts    []string  `json:"catalysts"`
	Timestamp    time.Time `json:"timestamp"`
}

// Actionable is true for a BUY at or above the confidence floor.
func (r *Result) Actionable(minConfidence float64) bool {
	return r != nil && r.Verdict == VerdictBuy && r.Confidence >= minConfidence
}

// resultPayload is the schema the model must return.
type resultPayload struct {
	Verdict      string   `json:"verdict" validate:"required,oneof=BUY SKIP WAIT"`
	Confidence   *float64 `json:"confidence" validate:"required,gte=0,lte=1"`
	EntryQuality string   `json:"entry_quality" validate:"required,oneof=excellent good fair poor"`
	Reasoning    string   `json:"reasoning" validate:"required"`
	RedFlags     []string `json:"red_flags"`
	Catalysts    []string `json:"catalysts"`
}

// Context is what the model sees about a symbol.
type Context struct {
	Price             float64
	WeightedSentiment float64
	RawSentiment      float64
	Volume            int
	Sources           []string
	IsCrypto          bool
}

// Gate asks the model about one symbol at a time and caches verdicts for a short TTL.
type Gate struct {
	completer     llm.Completer
	costs         *budget.CostTracker
	cache         *cache.TTL[Result]
	notifier      alerts.Notifier
	cooldown      *alerts.Cooldown
	model         string
	maxTokens     int
	minConfidence float64
}

func NewGate(c llm.Completer, costs *budget.CostTracker, n alerts.Notifier, cd *alerts.Cooldown, rc config.Research, minConfidence float64) *Gate {
	return &Gate{
		completer:     c,
		costs:         costs,
		cache:         cache.NewTTL[Result]("research", rc.TTL),
		notifier:      n,
		cooldown:      cd,
		model:         rc.Model,
		maxTokens:     rc.MaxTokens,
		minConfidence: minConfidence,
	}
}

func (g *Gate) Cache() *cache.TTL[Result] { return g.cache }

func (g *Gate) Configure(rc config.Research, minConfidence float64) {
	g.model = rc.Model
	g.maxTokens = rc.MaxTokens
	g.minConfidence = minConfidence
	g.cache.SetTTL(rc.TTL)
}

// Cached returns a fresh verdict without calling the model.
func (g *Gate) Cached(symbol string, now time.Time) (*Result, bool) {
	r, ok := g.cache.Get(symbol, now)
	if !ok {
		return nil, false
	}
	return &r, true
}

// Research returns the fresh cached verdict, or asks the model. A model or parse failure
// yields nil and nothing is cached, so the next cycle asks again.
func (g *Gate) Research(ctx context.Context, symbol string, rc Context, now time.Time) *Result {
	called := false
	res, ok, err := g.cache.GetOrRefresh(symbol, now, func() (Result, bool, error) {
		called = true
		r, err := g.ask(ctx, symbol, rc, now)
		if err != nil {
			return Result{}, false, err
		}
		return r, true, nil
	})
	if err != nil || !ok {
		return nil
	}
	if called {
		observ.Log("research_verdict", map[string]any{
			"symbol":        symbol,
			"verdict":       res.Verdict,
			"confidence":    res.Confidence,
			"entry_quality": res.EntryQuality,
		})
		observ.IncCounter("research_verdicts_total", map[string]string{"verdict": res.Verdict})
		if res.Verdict == VerdictBuy && res.Confidence >= g.minConfidence {
			alerts.Send(ctx, g.notifier, g.cooldown, alerts.Event{
				Kind:   alerts.KindResearchBuy,
				Symbol: symbol,
				Time:   now,
				Payload: map[string]any{
					"confidence":    res.Confidence,
					"entry_quality": res.EntryQuality,
					"reasoning":     res.Reasoning,
				},
			})
		}
	}
	return &res
}

func (g *Gate) ask(ctx context.Context, symbol string, rc Context, now time.Time) (Result, error) {
	out, err := g.completer.Complete(ctx, llm.Request{
		Model:     g.model,
		System:    researchSystemPrompt,
		User:      researchPrompt(symbol, rc),
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		observ.Warn("research_llm_failed", map[string]any{"symbol": symbol, "error": err})
		return Result{}, err
	}
	g.costs.Record(g.model, out.TokensIn, out.TokensOut)

	var p resultPayload
	if err := llm.Decode(out.Text, &p); err != nil {
		observ.Warn("research_parse_failed", map[string]any{"symbol": symbol, "error": err})
		observ.IncCounter("research_parse_failures_total", nil)
		return Result{}, err
	}
	return Result{
		Symbol:       symbol,
		Verdict:      p.Verdict,
		Confidence:   *p.Confidence,
		EntryQuality: p.EntryQuality,
		Reasoning:    p.Reasoning,
		RedFlags:     p.RedFlags,
		Catalysts:    p.Catalysts,
		Timestamp:    now,
	}, nil
}

const researchSystemPrompt = `You are a disciplined equity and crypto research analyst.
You receive social sentiment data for one symbol and decide whether it is worth buying now.
Respond with a single JSON object and nothing else:
{"verdict":"BUY|SKIP|WAIT","confidence":0.0-1.0,"entry_quality":"excellent|good|fair|poor",
 "reasoning":"...","red_flags":["..."],"catalysts":["..."]}
Be skeptical of hype with no catalyst. Prefer SKIP over a low-quality BUY.`

func researchPrompt(symbol string, rc Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", symbol)
	if rc.IsCrypto {
		b.WriteString("Asset class: crypto\n")
	}
	if rc.Price > 0 {
		fmt.Fprintf(&b, "Current price: %.2f\n", rc.Price)
	}
	fmt.Fprintf(&b, "Sentiment (quality weighted): %.3f\n", rc.WeightedSentiment)
	fmt.Fprintf(&b, "Sentiment (raw): %.3f\n", rc.RawSentiment)
	fmt.Fprintf(&b, "Mentions: %d\n", rc.Volume)
	fmt.Fprintf(&b, "Sources: %s\n", strings.Join(rc.Sources, ", "))
	return b.String()
}
