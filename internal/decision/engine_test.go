package decision

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/confirm"
)

func openState() State {
	return State{MarketOpen: true, Held: map[string]bool{}, MaxPositions: 5, MinConfidence: 0.6}
}

func reasonOf(t *testing.T, a ProposedAction) Reason {
	t.Helper()
	var r Reason
	require.NoError(t, json.Unmarshal([]byte(a.ReasonJSON), &r))
	return r
}

func TestEvaluate_CollectsAllGates(t *testing.T) {
	cfg := config.Default().Confirmation
	st := State{MarketOpen: false, Held: map[string]bool{"NVDA": true}, PositionCount: 5, MaxPositions: 5, MinConfidence: 0.6}

	act := Evaluate(Candidate{Symbol: "NVDA", Verdict: "WAIT", BaseConfidence: 0.4}, st, cfg)
	assert.Equal(t, IntentReject, act.Intent)
	r := reasonOf(t, act)
	assert.ElementsMatch(t, []string{"market_closed", "already_held", "position_cap", "verdict_not_buy", "confidence_below_floor"}, r.GatesBlocked)
}

func TestEvaluate_Enter(t *testing.T) {
	cfg := config.Default().Confirmation
	act := Evaluate(Candidate{Symbol: "NVDA", Verdict: "BUY", BaseConfidence: 0.75}, openState(), cfg)
	assert.Equal(t, IntentEnter, act.Intent)
	assert.Equal(t, 0.75, act.Confidence)
	assert.Empty(t, reasonOf(t, act).GatesBlocked)
}

func TestEvaluate_SoftGatesHold(t *testing.T) {
	cfg := config.Default().Confirmation
	act := Evaluate(Candidate{Symbol: "AMD", Verdict: "BUY", BaseConfidence: 0.5}, openState(), cfg)
	assert.Equal(t, IntentHold, act.Intent)
	assert.Equal(t, []string{"confidence_below_floor"}, reasonOf(t, act).GatesBlocked)
}

func TestEvaluate_DisagreementCanDropBelowFloor(t *testing.T) {
	cfg := config.Default().Confirmation
	c := Candidate{Symbol: "AMD", Verdict: "BUY", BaseConfidence: 0.70, Confirmation: &confirm.Confirmation{Sentiment: -0.5}}
	act := Evaluate(c, openState(), cfg)
	assert.InDelta(t, 0.595, act.Confidence, 1e-9)
	assert.Equal(t, IntentHold, act.Intent)

	c.Confirmation = &confirm.Confirmation{Sentiment: 0.5, ConfirmsExisting: true}
	act = Evaluate(c, openState(), cfg)
	assert.InDelta(t, 0.805, act.Confidence, 1e-9)
	assert.Equal(t, IntentEnter, act.Intent)
}

func TestEvaluate_CryptoIgnoresClock(t *testing.T) {
	cfg := config.Default().Confirmation
	st := openState()
	st.MarketOpen = false
	act := Evaluate(Candidate{Symbol: "BTC/USD", Verdict: "BUY", BaseConfidence: 0.9, IsCrypto: true}, st, cfg)
	assert.Equal(t, IntentEnter, act.Intent)
}

func TestPrioritize_ByAdjustedConfidence(t *testing.T) {
	cfg := config.Default().Confirmation
	in := []Candidate{
		{Symbol: "A", BaseConfidence: 0.80},
		{Symbol: "B", BaseConfidence: 0.75, Confirmation: &confirm.Confirmation{Sentiment: 0.6, ConfirmsExisting: true}},
		{Symbol: "C", BaseConfidence: 0.90, Confirmation: &confirm.Confirmation{Sentiment: -0.6}},
		{Symbol: "D", BaseConfidence: 0.80},
	}
	out := Prioritize(in, cfg)
	var syms []string
	for _, c := range out {
		syms = append(syms, c.Symbol)
	}
	// B 0.8625, A 0.80, D 0.80, C 0.765
	assert.Equal(t, []string{"B", "A", "D", "C"}, syms)
	assert.Equal(t, "A", in[0].Symbol, "input is not reordered")
}

func TestPrioritize_ResearchBeforeAnalyst(t *testing.T) {
	cfg := config.Default().Confirmation
	in := []Candidate{
		{Symbol: "NVDA", Origin: OriginAnalyst, BaseConfidence: 0.90},
		{Symbol: "TSLA", Origin: OriginPremarket, BaseConfidence: 0.95},
		{Symbol: "AMD", Origin: OriginResearch, BaseConfidence: 0.70},
		{Symbol: "INTC", Origin: OriginResearch, BaseConfidence: 0.75},
	}
	var syms []string
	for _, c := range Prioritize(in, cfg) {
		syms = append(syms, c.Symbol)
	}
	assert.Equal(t, []string{"INTC", "AMD", "TSLA", "NVDA"}, syms)
}
