package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zivhm/MAHORAGA/internal/alerts"
	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/decision"
	"github.com/zivhm/MAHORAGA/internal/premarket"
	"github.com/zivhm/MAHORAGA/internal/research"
	"github.com/zivhm/MAHORAGA/internal/signals"
)

// runPremarket plans inside the pre-open window and executes a stored plan at the open.
func (e *Engine) runPremarket(ctx context.Context, v *view, cands []signals.Candidate, now time.Time) {
	if e.planner.ShouldPlan(now) {
		_ = e.planner.Prepare(ctx, now, func(ctx context.Context) (*premarket.Plan, error) {
			return e.buildPlan(ctx, cands, *v, now)
		})
	}
	if !v.clock.IsOpen || e.planner.State() != premarket.StatePlanned {
		return
	}

	exec := &planExecutor{e: e, cands: cands, clock: v.clock, now: now}
	out := e.planner.Execute(ctx, now, exec, heldSymbols(e.snap.Book, v.positions), len(v.positions), e.cfg.Trading.MaxPositions)
	if out.State == premarket.StateExecuted {
		alerts.Send(ctx, e.notifier, e.cooldown, alerts.Event{
			Kind: alerts.KindPremarket,
			Time: now,
			Payload: map[string]any{
				"sells":  out.Sells,
				"buys":   out.Buys,
				"failed": out.Failed,
			},
		})
	}
	if out.Orders() > 0 {
		e.refresh(ctx, v)
	}
}

// buildPlan asks the analyst over every eligible candidate and folds in fresh per-symbol
// BUY verdicts the analyst did not already recommend.
func (e *Engine) buildPlan(ctx context.Context, cands []signals.Candidate, v view, now time.Time) (*premarket.Plan, error) {
	eligible := signals.Eligible(cands, e.cfg.Trading.MinSentimentScore)
	batch := e.analyst.Recommend(ctx, eligible, v.positions, v.acct, now)
	if batch == nil {
		return nil, errors.New("analyst returned no recommendations")
	}
	plan := &premarket.Plan{
		Timestamp:       now,
		Recommendations: append([]research.Recommendation(nil), batch.Recommendations...),
		MarketSummary:   batch.MarketSummary,
		HighConviction:  batch.HighConviction,
	}
	recommended := map[string]bool{}
	for _, rec := range plan.Recommendations {
		if rec.Action == research.ActionBuy {
			recommended[rec.Symbol] = true
		}
	}
	for _, c := range eligible {
		r, ok := e.gate.Cached(c.Symbol, now)
		if !ok || !r.Actionable(e.cfg.Trading.MinAnalystConfidence) {
			continue
		}
		plan.ResearchedBuys = append(plan.ResearchedBuys, c.Symbol)
		if recommended[c.Symbol] {
			continue
		}
		plan.Recommendations = append(plan.Recommendations, research.Recommendation{
			Action:     research.ActionBuy,
			Symbol:     c.Symbol,
			Confidence: r.Confidence,
			Reasoning:  r.Reasoning,
		})
	}
	return plan, nil
}

// planExecutor places premarket orders through the lifecycle controller so they get the
// same gates, sizing and bookkeeping as any other entry or exit.
type planExecutor struct {
	e     *Engine
	cands []signals.Candidate
	clock broker.Clock
	now   time.Time
}

func (x *planExecutor) Sell(ctx context.Context, symbol, reason string) error {
	_, err := x.e.ctrl.Close(ctx, x.e.snap.Book, symbol, reason, x.now)
	return err
}

func (x *planExecutor) Buy(ctx context.Context, rec research.Recommendation) error {
	positions, err := x.e.broker.Positions(ctx)
	if err != nil {
		return err
	}
	acct, err := x.e.broker.Account(ctx)
	if err != nil {
		return err
	}
	cand := x.e.recommendationCandidate(ctx, rec, x.cands, decision.OriginPremarket, x.now)
	res := x.e.ctrl.RunEntries(ctx, x.e.snap.Book, []decision.Candidate{cand}, positions, acct, x.clock, x.now)
	if len(res) == 0 {
		return fmt.Errorf("%s: not evaluated", rec.Symbol)
	}
	if res[0].Order != nil {
		return nil
	}
	if res[0].Err != nil {
		return res[0].Err
	}
	return fmt.Errorf("%s: %s", rec.Symbol, res[0].Action.Intent)
}
