package premarket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/research"
)

type recordingExec struct {
	calls   []string
	failBuy map[string]bool
}

func (r *recordingExec) Sell(_ context.Context, symbol, _ string) error {
	r.calls = append(r.calls, "sell:"+symbol)
	return nil
}

func (r *recordingExec) Buy(_ context.Context, rec research.Recommendation) error {
	r.calls = append(r.calls, "buy:"+rec.Symbol)
	if r.failBuy[rec.Symbol] {
		return errors.New("gated")
	}
	return nil
}

var ny, _ = time.LoadLocation("America/New_York")

// Tuesday 2025-04-01
func at(h, m int) time.Time { return time.Date(2025, 4, 1, h, m, 0, 0, ny) }

func newPlanner(t *testing.T) *Planner {
	t.Helper()
	p, err := NewPlanner(config.Default().Premarket)
	require.NoError(t, err)
	return p
}

func planWith(ts time.Time, recs ...research.Recommendation) func(context.Context) (*Plan, error) {
	return func(context.Context) (*Plan, error) {
		return &Plan{Timestamp: ts, Recommendations: recs}, nil
	}
}

func TestWindow(t *testing.T) {
	p := newPlanner(t)
	assert.False(t, p.InWindow(at(9, 24)))
	assert.True(t, p.InWindow(at(9, 25)))
	assert.True(t, p.InWindow(at(9, 29)))
	assert.False(t, p.InWindow(at(9, 30)))
	assert.False(t, p.InWindow(time.Date(2025, 4, 5, 9, 27, 0, 0, ny)), "saturday")
}

func TestPrepare_StateMachine(t *testing.T) {
	p := newPlanner(t)
	now := at(9, 26)
	require.True(t, p.ShouldPlan(now))

	var during string
	err := p.Prepare(context.Background(), now, func(context.Context) (*Plan, error) {
		during = p.State()
		return &Plan{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatePlanning, during)
	assert.Equal(t, StatePlanned, p.State())
	assert.Equal(t, now, p.Plan().Timestamp)
	assert.False(t, p.ShouldPlan(at(9, 27)), "one plan at a time")
}

func TestPrepare_FailureReturnsToNone(t *testing.T) {
	p := newPlanner(t)
	err := p.Prepare(context.Background(), at(9, 26), func(context.Context) (*Plan, error) {
		return nil, errors.New("llm down")
	})
	assert.Error(t, err)
	assert.Equal(t, StateNone, p.State())
	assert.True(t, p.ShouldPlan(at(9, 27)))
}

func TestExecute_SellsFirstThenBuysUpToCap(t *testing.T) {
	p := newPlanner(t)
	require.NoError(t, p.Prepare(context.Background(), at(9, 26), planWith(at(9, 26),
		research.Recommendation{Action: research.ActionBuy, Symbol: "AMD"},
		research.Recommendation{Action: research.ActionSell, Symbol: "NVDA"},
		research.Recommendation{Action: research.ActionBuy, Symbol: "TSLA"},
		research.Recommendation{Action: research.ActionBuy, Symbol: "AAPL"},
		research.Recommendation{Action: research.ActionBuy, Symbol: "MSFT"},
		research.Recommendation{Action: research.ActionSell, Symbol: "GME"},
		research.Recommendation{Action: research.ActionHold, Symbol: "META"},
	)))

	ex := &recordingExec{}
	held := map[string]bool{"NVDA": true, "TSLA": true, "META": true}
	out := p.Execute(context.Background(), at(9, 30), ex, held, 3, 4)

	assert.Equal(t, StateExecuted, out.State)
	// NVDA sold (3 -> 2), GME not held, TSLA held, AMD and AAPL fill the cap of 4
	assert.Equal(t, []string{"sell:NVDA", "buy:AMD", "buy:AAPL"}, ex.calls)
	assert.Equal(t, 3, out.Orders())
	assert.Nil(t, p.Plan())
	assert.Equal(t, StateNone, p.State())
	assert.True(t, held["NVDA"], "caller's map is not mutated")
	assert.Equal(t, "2025-04-01", p.LastExecuted())
	assert.False(t, p.ShouldPlan(at(9, 27)), "already executed today")
}

func TestExecute_FailedBuyDoesNotTakeSlot(t *testing.T) {
	p := newPlanner(t)
	require.NoError(t, p.Prepare(context.Background(), at(9, 26), planWith(at(9, 26),
		research.Recommendation{Action: research.ActionBuy, Symbol: "AMD"},
		research.Recommendation{Action: research.ActionBuy, Symbol: "AAPL"},
	)))
	ex := &recordingExec{failBuy: map[string]bool{"AMD": true}}
	out := p.Execute(context.Background(), at(9, 30), ex, nil, 0, 1)
	assert.Equal(t, []string{"AAPL"}, out.Buys)
	assert.Equal(t, []string{"AMD"}, out.Failed)
}

func TestExecute_StalePlanIssuesNoOrders(t *testing.T) {
	p := newPlanner(t)
	require.NoError(t, p.Prepare(context.Background(), at(9, 15), planWith(at(9, 15),
		research.Recommendation{Action: research.ActionBuy, Symbol: "AMD"},
		research.Recommendation{Action: research.ActionSell, Symbol: "NVDA"},
	)))
	ex := &recordingExec{}
	out := p.Execute(context.Background(), at(9, 31), ex, map[string]bool{"NVDA": true}, 1, 5)
	assert.Equal(t, StateExpired, out.State)
	assert.Zero(t, out.Orders())
	assert.Empty(t, ex.calls)
	assert.Nil(t, p.Plan())
	assert.NotEmpty(t, out.Reason)
}

func TestRestore(t *testing.T) {
	p := newPlanner(t)
	p.Restore(&Plan{Timestamp: at(9, 26)}, "2025-03-31")
	assert.Equal(t, StatePlanned, p.State())
	p.Discard()
	assert.Equal(t, StateNone, p.State())
	assert.Nil(t, p.Plan())
}
