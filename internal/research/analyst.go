package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zivhm/MAHORAGA/internal/budget"
	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/llm"
	"github.com/zivhm/MAHORAGA/internal/observ"
	"github.com/zivhm/MAHORAGA/internal/signals"
)

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

type Recommendation struct {
	Action     string  `json:"action" validate:"required,oneof=BUY SELL HOLD"`
	Symbol     string  `json:"symbol" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reasoning  string  `json:"reasoning"`
	SizePct    float64 `json:"size_pct,omitempty" validate:"gte=0,lte=100"`
}

// Batch is the analyst's answer over a full candidate list.
type Batch struct {
	Recommendations []Recommendation `json:"recommendations" validate:"dive"`
	MarketSummary   string           `json:"market_summary"`
	HighConviction  []string         `json:"high_conviction"`
}

// Analyst makes one larger call over all candidates and holdings.
type Analyst struct {
	completer llm.Completer
	costs     *budget.CostTracker
	model     string
	maxTokens int
}

func NewAnalyst(c llm.Completer, costs *budget.CostTracker, rc config.Research) *Analyst {
	return &Analyst{completer: c, costs: costs, model: rc.AnalystModel, maxTokens: rc.AnalystTokens}
}

func (a *Analyst) Configure(rc config.Research) {
	a.model = rc.AnalystModel
	a.maxTokens = rc.AnalystTokens
}

// Recommend returns nil when the model fails or answers with something unparseable.
func (a *Analyst) Recommend(ctx context.Context, cands []signals.Candidate, positions []broker.Position, acct broker.Account, now time.Time) *Batch {
	if len(cands) == 0 && len(positions) == 0 {
		return nil
	}
	out, err := a.completer.Complete(ctx, llm.Request{
		Model:     a.model,
		System:    analystSystemPrompt,
		User:      analystPrompt(cands, positions, acct, now),
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		observ.Warn("analyst_llm_failed", map[string]any{"error": err})
		return nil
	}
	a.costs.Record(a.model, out.TokensIn, out.TokensOut)

	var b Batch
	if err := llm.Decode(out.Text, &b); err != nil {
		observ.Warn("analyst_parse_failed", map[string]any{"error": err})
		return nil
	}
	for i := range b.Recommendations {
		b.Recommendations[i].Symbol = strings.ToUpper(strings.TrimSpace(b.Recommendations[i].Symbol))
	}
	observ.Log("analyst_batch", map[string]any{
		"recommendations": len(b.Recommendations),
		"high_conviction": b.HighConviction,
	})
	return &b
}

const analystSystemPrompt = `You are the portfolio analyst for a sentiment-driven trading agent.
Given ranked social sentiment candidates and current holdings, recommend trades.
Respond with a single JSON object and nothing else:
{"recommendations":[{"action":"BUY|SELL|HOLD","symbol":"...","confidence":0.0-1.0,"reasoning":"...","size_pct":0-100}],
 "market_summary":"...","high_conviction":["..."]}
Only recommend SELL for symbols currently held.`

func analystPrompt(cands []signals.Candidate, positions []broker.Position, acct broker.Account, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Cash: %.2f  Equity: %.2f\n\n", acct.Cash, acct.Equity)
	b.WriteString("Holdings:\n")
	if len(positions) == 0 {
		b.WriteString("  none\n")
	}
	for _, p := range positions {
		fmt.Fprintf(&b, "  %s qty=%.4f entry=%.2f now=%.2f pl=%.2f%%\n", p.Symbol, p.Qty, p.AvgEntryPrice, p.CurrentPrice, p.UnrealizedPLPct)
	}
	b.WriteString("\nCandidates (weighted sentiment, raw sentiment, mentions, sources):\n")
	for _, c := range cands {
		fmt.Fprintf(&b, "  %s %.3f %.3f %d [%s]\n", c.Symbol, c.WeightedSentiment, c.RawSentiment, c.Volume, strings.Join(c.Sources, ","))
	}
	return b.String()
}
