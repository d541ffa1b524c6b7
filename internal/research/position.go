package research

import (
	"context"
	"fmt"
	"time"

	"github.com/zivhm/MAHORAGA/internal/llm"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

// Review is an informational opinion on a held position. It never triggers an exit by itself.
type Review struct {
	Symbol         string    `json:"symbol"`
	Recommendation string    `json:"recommendation"`
	RiskLevel      string    `json:"risk_level"`
	Reasoning      string    `json:"reasoning"`
	Timestamp      time.Time `json:"timestamp"`
}

type reviewPayload struct {
	Recommendation string `json:"recommendation" validate:"required,oneof=HOLD SELL ADD"`
	RiskLevel      string `json:"risk_level" validate:"required,oneof=low medium high"`
	Reasoning      string `json:"reasoning" validate:"required"`
}

type PositionContext struct {
	Symbol           string
	EntryPrice       float64
	CurrentPrice     float64
	PLPct            float64
	HoldHours        float64
	EntrySentiment   float64
	CurrentSentiment float64
	EntryVolume      int
	CurrentVolume    int
}

// ReviewPosition asks the model about one position. Failures return nil.
func (g *Gate) ReviewPosition(ctx context.Context, pc PositionContext, now time.Time) *Review {
	out, err := g.completer.Complete(ctx, llm.Request{
		Model:     g.model,
		System:    reviewSystemPrompt,
		User:      reviewPrompt(pc),
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		observ.Warn("position_review_llm_failed", map[string]any{"symbol": pc.Symbol, "error": err})
		return nil
	}
	g.costs.Record(g.model, out.TokensIn, out.TokensOut)

	var p reviewPayload
	if err := llm.Decode(out.Text, &p); err != nil {
		observ.Warn("position_review_parse_failed", map[string]any{"symbol": pc.Symbol, "error": err})
		return nil
	}
	r := &Review{
		Symbol:         pc.Symbol,
		Recommendation: p.Recommendation,
		RiskLevel:      p.RiskLevel,
		Reasoning:      p.Reasoning,
		Timestamp:      now,
	}
	observ.Log("position_review", map[string]any{
		"symbol":         r.Symbol,
		"recommendation": r.Recommendation,
		"risk_level":     r.RiskLevel,
		"pl_pct":         pc.PLPct,
	})
	return r
}

const reviewSystemPrompt = `You review open positions opened on social sentiment.
Respond with a single JSON object and nothing else:
{"recommendation":"HOLD|SELL|ADD","risk_level":"low|medium|high","reasoning":"..."}`

func reviewPrompt(pc PositionContext) string {
	return fmt.Sprintf(
		"Symbol: %s\nEntry price: %.2f\nCurrent price: %.2f\nP&L: %.2f%%\nHeld: %.1f hours\n"+
			"Sentiment at entry: %.3f\nSentiment now: %.3f\nMentions at entry: %d\nMentions now: %d\n",
		pc.Symbol, pc.EntryPrice, pc.CurrentPrice, pc.PLPct, pc.HoldHours,
		pc.EntrySentiment, pc.CurrentSentiment, pc.EntryVolume, pc.CurrentVolume,
	)
}
