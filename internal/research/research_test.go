package research

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zivhm/MAHORAGA/internal/alerts"
	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/budget"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/llm"
	"github.com/zivhm/MAHORAGA/internal/signals"
)

type scriptedLLM struct {
	replies []string
	err     error
	calls   int
	last    llm.Request
	// served overrides the model name the reply reports
	served string
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return llm.Completion{}, s.err
	}
	text := s.replies[len(s.replies)-1]
	if s.calls <= len(s.replies) {
		text = s.replies[s.calls-1]
	}
	model := req.Model
	if s.served != "" {
		model = s.served
	}
	return llm.Completion{Text: text, Model: model, TokensIn: 100, TokensOut: 50}, nil
}

type countingNotifier struct{ events []alerts.Event }

func (c *countingNotifier) Notify(_ context.Context, ev alerts.Event) error {
	c.events = append(c.events, ev)
	return nil
}

const buyJSON = `{"verdict":"BUY","confidence":0.75,"entry_quality":"good","reasoning":"momentum","red_flags":[],"catalysts":["earnings"]}`

func newGate(l llm.Completer, n alerts.Notifier) (*Gate, *budget.CostTracker) {
	costs := budget.NewCostTracker(nil, 0)
	rc := config.Default().Research
	return NewGate(l, costs, n, alerts.NewCooldown(30*time.Minute), rc, 0.6), costs
}

func TestGate_CachedVerdictSkipsModel(t *testing.T) {
	now := time.Date(2025, 4, 1, 14, 0, 0, 0, time.UTC)
	l := &scriptedLLM{replies: []string{buyJSON}}
	g, costs := newGate(l, alerts.Nop{})

	r1 := g.Research(context.Background(), "NVDA", Context{Price: 100, Sources: []string{"a", "b"}}, now)
	require.NotNil(t, r1)
	assert.Equal(t, VerdictBuy, r1.Verdict)
	assert.Equal(t, 0.75, r1.Confidence)
	assert.Equal(t, now, r1.Timestamp)
	assert.Contains(t, l.last.User, "NVDA")
	assert.Equal(t, "gpt-4o-mini", l.last.Model)

	r2 := g.Research(context.Background(), "NVDA", Context{}, now.Add(2*time.Minute))
	require.NotNil(t, r2)
	assert.Equal(t, *r1, *r2)
	assert.Equal(t, 1, l.calls, "fresh verdict must not call the model again")
	assert.Equal(t, int64(1), costs.Snapshot().Calls)

	g.Research(context.Background(), "NVDA", Context{}, now.Add(3*time.Minute))
	assert.Equal(t, 2, l.calls, "verdict expires at the TTL")
}

func TestGate_CostsUseConfiguredModel(t *testing.T) {
	l := &scriptedLLM{replies: []string{buyJSON}, served: "gpt-4o-mini-2024-07-18"}
	g, costs := newGate(l, alerts.Nop{})
	require.NotNil(t, g.Research(context.Background(), "NVDA", Context{}, time.Now()))

	s := costs.Snapshot()
	assert.Contains(t, s.ByModel, "gpt-4o-mini")
	assert.NotContains(t, s.ByModel, "gpt-4o-mini-2024-07-18")
	// 100 in, 50 out at mini prices
	assert.InDelta(t, 100*0.15/1e6+50*0.6/1e6, s.TotalUSD, 1e-12)
}

func TestGate_ParseFailureIsNotCached(t *testing.T) {
	now := time.Now()
	l := &scriptedLLM{replies: []string{`{"verdict":"MAYBE"}`, buyJSON}}
	g, _ := newGate(l, alerts.Nop{})

	assert.Nil(t, g.Research(context.Background(), "AMD", Context{}, now))
	_, ok := g.Cached("AMD", now)
	assert.False(t, ok)

	r := g.Research(context.Background(), "AMD", Context{}, now)
	require.NotNil(t, r)
	assert.Equal(t, 2, l.calls)
}

func TestGate_ModelErrorReturnsNil(t *testing.T) {
	l := &scriptedLLM{err: errors.New("timeout")}
	g, costs := newGate(l, alerts.Nop{})
	assert.Nil(t, g.Research(context.Background(), "AMD", Context{}, time.Now()))
	assert.Equal(t, int64(0), costs.Snapshot().Calls)
}

func TestGate_BuyNotifiesThroughCooldown(t *testing.T) {
	now := time.Now()
	n := &countingNotifier{}
	g, _ := newGate(&scriptedLLM{replies: []string{buyJSON}}, n)

	g.Research(context.Background(), "TSLA", Context{}, now)
	g.Research(context.Background(), "TSLA", Context{}, now.Add(5*time.Minute))
	require.Len(t, n.events, 1)
	assert.Equal(t, alerts.KindResearchBuy, n.events[0].Kind)
	assert.Equal(t, "TSLA", n.events[0].Symbol)
}

func TestResult_Actionable(t *testing.T) {
	var nilRes *Result
	assert.False(t, nilRes.Actionable(0.6))
	assert.True(t, (&Result{Verdict: VerdictBuy, Confidence: 0.6}).Actionable(0.6))
	assert.False(t, (&Result{Verdict: VerdictBuy, Confidence: 0.59}).Actionable(0.6))
	assert.False(t, (&Result{Verdict: VerdictWait, Confidence: 0.9}).Actionable(0.6))
}

func TestReviewPosition(t *testing.T) {
	l := &scriptedLLM{replies: []string{`{"recommendation":"HOLD","risk_level":"medium","reasoning":"fine"}`}}
	g, _ := newGate(l, alerts.Nop{})
	r := g.ReviewPosition(context.Background(), PositionContext{Symbol: "NVDA", PLPct: 3}, time.Now())
	require.NotNil(t, r)
	assert.Equal(t, "HOLD", r.Recommendation)

	l.replies = []string{`{"recommendation":"PANIC","risk_level":"medium","reasoning":"x"}`}
	l.calls = 0
	assert.Nil(t, g.ReviewPosition(context.Background(), PositionContext{Symbol: "NVDA"}, time.Now()))
}

func TestAnalyst_Recommend(t *testing.T) {
	l := &scriptedLLM{replies: []string{`{"recommendations":[{"action":"BUY","symbol":" amd ","confidence":0.8,"reasoning":"x"},{"action":"SELL","symbol":"NVDA","confidence":0.7}],"market_summary":"calm","high_conviction":["AMD"]}`}}
	a := NewAnalyst(l, budget.NewCostTracker(nil, 0), config.Default().Research)

	b := a.Recommend(context.Background(),
		[]signals.Candidate{{Symbol: "AMD", WeightedSentiment: 0.4, RawSentiment: 0.5, Volume: 9, Sources: []string{"stocktwits"}}},
		[]broker.Position{{Symbol: "NVDA", Qty: 1}},
		broker.Account{Cash: 1000, Equity: 2000}, time.Now())
	require.NotNil(t, b)
	require.Len(t, b.Recommendations, 2)
	assert.Equal(t, "AMD", b.Recommendations[0].Symbol)
	assert.Equal(t, "gpt-4o", l.last.Model)
	assert.Contains(t, l.last.User, "NVDA")

	l.replies = []string{`{"recommendations":[{"action":"YOLO","symbol":"AMD"}]}`}
	l.calls = 0
	assert.Nil(t, a.Recommend(context.Background(), []signals.Candidate{{Symbol: "AMD"}}, nil, broker.Account{}, time.Now()))

	assert.Nil(t, a.Recommend(context.Background(), nil, nil, broker.Account{}, time.Now()))
}
