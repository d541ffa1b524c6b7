package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zivhm/MAHORAGA/internal/alerts"
	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/decision"
	"github.com/zivhm/MAHORAGA/internal/router"
)

var t0 = time.Date(2025, 4, 1, 14, 0, 0, 0, time.UTC)

func TestScoreStaleness_MaxHoldLosingFadingPosition(t *testing.T) {
	cfg := config.Default().Staleness
	e := PositionEntry{Symbol: "NVDA", EntryTime: t0, EntryPrice: 100, EntrySocialVolume: 10}

	s := ScoreStaleness(e, 95, 2, cfg, t0.Add(72*time.Hour))
	assert.Equal(t, 40.0, s.Time)
	assert.Equal(t, 15.0, s.Price)
	assert.Equal(t, 30.0, s.Social)
	assert.Equal(t, 85.0, s.Score)
	assert.True(t, s.IsStale)
}

func TestScoreStaleness_GracePeriod(t *testing.T) {
	cfg := config.Default().Staleness
	e := PositionEntry{EntryTime: t0, EntryPrice: 100, EntrySocialVolume: 10}
	s := ScoreStaleness(e, 50, 0, cfg, t0.Add(23*time.Hour))
	assert.False(t, s.IsStale)
	assert.Zero(t, s.Score)
}

func TestScoreStaleness_Components(t *testing.T) {
	cfg := config.Default().Staleness
	e := PositionEntry{EntryTime: t0, EntryPrice: 100, EntrySocialVolume: 10}

	// 2.5 days: half way up the ramp, flat gain under mid threshold, volume ratio 0.5
	s := ScoreStaleness(e, 101, 5, cfg, t0.Add(60*time.Hour))
	assert.InDelta(t, 10, s.Time, 1e-9)
	assert.Equal(t, 15.0, s.Price)
	assert.Equal(t, 15.0, s.Social)
	assert.False(t, s.IsStale)

	// zero entry volume counts as no decay
	e.EntrySocialVolume = 0
	s = ScoreStaleness(e, 110, 0, cfg, t0.Add(30*time.Hour))
	assert.Zero(t, s.Score)
}

func TestScoreStaleness_BackstopIgnoresScore(t *testing.T) {
	cfg := config.Default().Staleness
	e := PositionEntry{EntryTime: t0, EntryPrice: 100, EntrySocialVolume: 10}
	s := ScoreStaleness(e, 104, 10, cfg, t0.Add(80*time.Hour))
	assert.Equal(t, 40.0, s.Score)
	assert.True(t, s.IsStale)

	s = ScoreStaleness(e, 106, 10, cfg, t0.Add(80*time.Hour))
	assert.False(t, s.IsStale)
}

func TestEvaluate_ProfitBeatsStaleness(t *testing.T) {
	cfg := config.Default()
	rules := EquityRules(cfg.Trading, cfg.Staleness)
	e := &PositionEntry{EntryTime: t0, EntryPrice: 100, EntrySocialVolume: 10}
	ev := Eval{
		Position:      broker.Position{Symbol: "NVDA", CurrentPrice: 112, UnrealizedPLPct: 12},
		Entry:         e,
		CurrentVolume: 1,
		Now:           t0.Add(100 * time.Hour),
	}
	d, ok := Evaluate(rules, ev)
	require.True(t, ok)
	assert.Equal(t, ExitProfit, d.Exit)

	ev.Position.UnrealizedPLPct, ev.Position.CurrentPrice = 1, 101
	d, ok = Evaluate(rules, ev)
	require.True(t, ok)
	assert.Equal(t, ExitStale, d.Exit)

	ev.Position.UnrealizedPLPct, ev.Position.CurrentPrice = -6, 94
	d, _ = Evaluate(rules, ev)
	assert.Equal(t, ExitLoss, d.Exit)
}

func TestEvaluate_StalenessDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Staleness.Enabled = false
	rules := EquityRules(cfg.Trading, cfg.Staleness)
	_, ok := Evaluate(rules, Eval{
		Position: broker.Position{UnrealizedPLPct: 0, CurrentPrice: 100},
		Entry:    &PositionEntry{EntryTime: t0, EntryPrice: 100, EntrySocialVolume: 10},
		Now:      t0.Add(200 * time.Hour),
	})
	assert.False(t, ok)
}

func TestOptionRules_UseWiderThresholds(t *testing.T) {
	rules := OptionRules(config.Default().Options)
	_, ok := Evaluate(rules, Eval{Position: broker.Position{UnrealizedPLPct: 40}})
	assert.False(t, ok, "equity take profit must not apply to options")
	_, ok = Evaluate(rules, Eval{Position: broker.Position{UnrealizedPLPct: -20}})
	assert.False(t, ok)

	d, ok := Evaluate(rules, Eval{Position: broker.Position{UnrealizedPLPct: 100}})
	require.True(t, ok)
	assert.Equal(t, ExitProfit, d.Exit)
	d, ok = Evaluate(rules, Eval{Position: broker.Position{UnrealizedPLPct: -50}})
	require.True(t, ok)
	assert.Equal(t, ExitLoss, d.Exit)
}

func TestBook_SocialHistoryBounded(t *testing.T) {
	b := NewBook()
	b.Open(PositionEntry{Symbol: "NVDA", EntrySocialVolume: 7})
	assert.Equal(t, 7, b.CurrentVolume("NVDA"))
	for i := 0; i < 60; i++ {
		b.RecordVolume("NVDA", i, t0.Add(time.Duration(i)*time.Minute))
	}
	assert.Len(t, b.SocialHistory["NVDA"], maxSocialSamples)
	assert.Equal(t, 59, b.CurrentVolume("NVDA"))

	b.Clear("NVDA")
	assert.Empty(t, b.Entries)
	assert.Empty(t, b.SocialHistory)
}

type fixture struct {
	paper  *broker.Paper
	market *broker.SimMarket
	ctrl   *Controller
	book   *Book
	open   bool
}

func newFixture(t *testing.T, cfg config.Root) *fixture {
	t.Helper()
	m := broker.NewSimMarket(1, 0, 0)
	m.SetPrice("NVDA", 100)
	m.SetPrice("AMD", 50)
	pc := cfg.Paper
	pc.StartingCash = 10_000
	pc.SlippageBps = 0
	p := broker.NewPaper(pc, m, nil)
	f := &fixture{paper: p, market: m, book: NewBook(), open: true}
	p.SetClock(func(time.Time) broker.Clock { return broker.Clock{IsOpen: f.open} })
	f.ctrl = NewController(p, router.New(cfg, nil), alerts.Nop{}, alerts.NewCooldown(time.Minute), cfg)
	return f
}

func (f *fixture) state(t *testing.T) ([]broker.Position, broker.Account, broker.Clock) {
	t.Helper()
	ctx := context.Background()
	pos, err := f.paper.Positions(ctx)
	require.NoError(t, err)
	acct, err := f.paper.Account(ctx)
	require.NoError(t, err)
	clk, err := f.paper.Clock(ctx)
	require.NoError(t, err)
	return pos, acct, clk
}

func TestRunEntries_CreatesEntryWithWeightedSentiment(t *testing.T) {
	f := newFixture(t, config.Default())
	pos, acct, clk := f.state(t)

	res := f.ctrl.RunEntries(context.Background(), f.book, []decision.Candidate{{
		Symbol:         "NVDA",
		Origin:         decision.OriginResearch,
		Verdict:        "BUY",
		BaseConfidence: 0.75,
		Sentiment:      0.35,
		RawSentiment:   0.4,
		Volume:         12,
		Sources:        []string{"reddit_stocks", "stocktwits"},
	}}, pos, acct, clk, t0)

	require.Len(t, res, 1)
	require.NotNil(t, res[0].Order)
	e, ok := f.book.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, 0.35, e.EntrySentiment)
	assert.Equal(t, 12, e.EntrySocialVolume)
	assert.Equal(t, []string{"reddit_stocks", "stocktwits"}, e.EntrySources)
	assert.Equal(t, t0, e.EntryTime)

	pos, acct, _ = f.state(t)
	require.Len(t, pos, 1)
	assert.InDelta(t, 10_000-750, acct.Cash, 1e-6)
}

func TestRunEntries_RespectsCapAndHeld(t *testing.T) {
	cfg := config.Default()
	cfg.Trading.MaxPositions = 1
	f := newFixture(t, cfg)
	pos, acct, clk := f.state(t)

	res := f.ctrl.RunEntries(context.Background(), f.book, []decision.Candidate{
		{Symbol: "AMD", Verdict: "BUY", BaseConfidence: 0.7},
		{Symbol: "NVDA", Verdict: "BUY", BaseConfidence: 0.9},
	}, pos, acct, clk, t0)
	require.Len(t, res, 2)
	assert.Equal(t, "NVDA", res[0].Symbol)
	assert.Equal(t, decision.IntentEnter, res[0].Action.Intent)
	assert.Equal(t, decision.IntentReject, res[1].Action.Intent)
	assert.Len(t, f.book.Entries, 1)
}

func TestRunEntries_ResearchBuyTakesLastSlot(t *testing.T) {
	cfg := config.Default()
	cfg.Trading.MaxPositions = 1
	f := newFixture(t, cfg)
	pos, acct, clk := f.state(t)

	res := f.ctrl.RunEntries(context.Background(), f.book, []decision.Candidate{
		{Symbol: "NVDA", Origin: decision.OriginAnalyst, Verdict: "BUY", BaseConfidence: 0.9},
		{Symbol: "AMD", Origin: decision.OriginResearch, Verdict: "BUY", BaseConfidence: 0.7},
	}, pos, acct, clk, t0)
	require.Len(t, res, 2)
	assert.Equal(t, "AMD", res[0].Symbol)
	require.NotNil(t, res[0].Order)
	assert.Equal(t, "NVDA", res[1].Symbol)
	assert.Nil(t, res[1].Order)
	_, ok := f.book.Get("AMD")
	assert.True(t, ok)
	_, ok = f.book.Get("NVDA")
	assert.False(t, ok)
}

func TestRunEntries_ClosedMarketRejectsEquity(t *testing.T) {
	f := newFixture(t, config.Default())
	f.open = false
	pos, acct, clk := f.state(t)
	res := f.ctrl.RunEntries(context.Background(), f.book, []decision.Candidate{{Symbol: "NVDA", Verdict: "BUY", BaseConfidence: 0.9}}, pos, acct, clk, t0)
	require.Len(t, res, 1)
	assert.Equal(t, decision.IntentReject, res[0].Action.Intent)
	assert.Empty(t, f.book.Entries)
}

func TestRunExits_TakesProfitAndClearsBook(t *testing.T) {
	f := newFixture(t, config.Default())
	ctx := context.Background()
	pos, acct, clk := f.state(t)
	f.ctrl.RunEntries(ctx, f.book, []decision.Candidate{{Symbol: "NVDA", Verdict: "BUY", BaseConfidence: 0.9, Sentiment: 0.5}}, pos, acct, clk, t0)
	f.book.RecordVolume("NVDA", 3, t0)

	f.market.SetPrice("NVDA", 115)
	pos, _, clk = f.state(t)
	out := f.ctrl.RunExits(ctx, f.book, pos, clk, map[string]float64{"NVDA": 0.6}, t0.Add(time.Hour))
	require.Len(t, out, 1)
	assert.Equal(t, ExitProfit, out[0].Decision.Exit)
	assert.Empty(t, f.book.Entries)
	assert.Empty(t, f.book.SocialHistory)

	pos, _, _ = f.state(t)
	assert.Empty(t, pos)
}

func TestRunExits_ClosedMarketTracksPeaksOnly(t *testing.T) {
	f := newFixture(t, config.Default())
	ctx := context.Background()
	pos, acct, clk := f.state(t)
	f.ctrl.RunEntries(ctx, f.book, []decision.Candidate{{Symbol: "NVDA", Verdict: "BUY", BaseConfidence: 0.9, Sentiment: 0.5}}, pos, acct, clk, t0)

	f.open = false
	f.market.SetPrice("NVDA", 130)
	pos, _, clk = f.state(t)
	out := f.ctrl.RunExits(ctx, f.book, pos, clk, map[string]float64{"NVDA": 0.8}, t0.Add(time.Hour))
	assert.Empty(t, out)
	e, ok := f.book.Get("NVDA")
	require.True(t, ok)
	assert.InDelta(t, 130, e.PeakPrice, 0.02)
	assert.Equal(t, 0.8, e.PeakSentiment)
}

func TestReconcile_ManualExit(t *testing.T) {
	f := newFixture(t, config.Default())
	ctx := context.Background()
	pos, acct, clk := f.state(t)
	f.ctrl.RunEntries(ctx, f.book, []decision.Candidate{{Symbol: "NVDA", Verdict: "BUY", BaseConfidence: 0.9}}, pos, acct, clk, t0)
	require.Len(t, f.book.Entries, 1)

	f.paper.RemovePosition("NVDA")
	pos, _, _ = f.state(t)
	gone := f.ctrl.Reconcile(f.book, pos)
	assert.Equal(t, []string{"NVDA"}, gone)
	assert.Empty(t, f.book.Entries)
}

type failingBroker struct{ *broker.Paper }

func (failingBroker) ClosePosition(context.Context, string) (broker.Order, error) {
	return broker.Order{}, broker.ErrNotFound
}

func TestRunExits_FailedCloseKeepsEntry(t *testing.T) {
	cfg := config.Default()
	f := newFixture(t, cfg)
	ctx := context.Background()
	pos, acct, clk := f.state(t)
	f.ctrl.RunEntries(ctx, f.book, []decision.Candidate{{Symbol: "NVDA", Verdict: "BUY", BaseConfidence: 0.9}}, pos, acct, clk, t0)

	ctrl := NewController(failingBroker{f.paper}, router.New(cfg, nil), nil, alerts.NewCooldown(time.Minute), cfg)
	f.market.SetPrice("NVDA", 80)
	pos, _, clk = f.state(t)
	out := ctrl.RunExits(ctx, f.book, pos, clk, nil, t0.Add(time.Hour))
	assert.Empty(t, out)
	_, ok := f.book.Get("NVDA")
	assert.True(t, ok)
}
