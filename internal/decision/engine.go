package decision

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/confirm"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

const (
	OriginResearch  = "research"
	OriginAnalyst   = "analyst"
	OriginPremarket = "premarket"
)

const (
	IntentEnter  = "ENTER"
	IntentHold   = "HOLD"
	IntentReject = "REJECT"
)

// Candidate is one symbol proposed for entry, with whatever verdict backs it.
type Candidate struct {
	Symbol         string
	Origin         string
	Verdict        string // BUY | SKIP | WAIT
	BaseConfidence float64
	EntryQuality   string
	Sentiment      float64 // weighted
	RawSentiment   float64
	Volume         int
	Sources        []string
	IsCrypto       bool
	Price          float64
	Confirmation   *confirm.Confirmation
	Reasoning      string
}

// State is the slice of account state the gates need.
type State struct {
	MarketOpen    bool
	Held          map[string]bool
	PositionCount int
	MaxPositions  int
	MinConfidence float64
}

type Reason struct {
	Origin             string                `json:"origin"`
	BaseConfidence     float64               `json:"base_confidence"`
	AdjustedConfidence float64               `json:"adjusted_confidence"`
	Confirmation       *confirm.Confirmation `json:"confirmation,omitempty"`
	GatesPassed        []string              `json:"gates_passed"`
	GatesBlocked       []string              `json:"gates_blocked"`
	Policy             string                `json:"policy"`
	WhatWouldChange    string                `json:"what_would_change_it,omitempty"`
}

type ProposedAction struct {
	Symbol     string
	Intent     string
	Confidence float64
	ReasonJSON string
}

var hardGates = map[string]bool{
	"market_closed": true,
	"already_held":  true,
	"position_cap":  true,
}

// Adjusted is the candidate's confidence after the secondary read.
func (c Candidate) Adjusted(cfg config.Confirmation) float64 {
	return confirm.Adjust(c.BaseConfidence, c.Confirmation, cfg)
}

// Evaluate collects every blocked gate, then maps to an intent. Hard gates reject; soft gates hold.
func Evaluate(c Candidate, st State, cfg config.Confirmation) ProposedAction {
	adjusted := c.Adjusted(cfg)
	reason := Reason{
		Origin:             c.Origin,
		BaseConfidence:     c.BaseConfidence,
		AdjustedConfidence: adjusted,
		Confirmation:       c.Confirmation,
		GatesPassed:        []string{},
		GatesBlocked:       []string{},
		Policy:             fmt.Sprintf("verdict=BUY; confidence>=%.2f; positions<%d", st.MinConfidence, st.MaxPositions),
	}

	if !c.IsCrypto && !st.MarketOpen {
		reason.GatesBlocked = append(reason.GatesBlocked, "market_closed")
	} else {
		reason.GatesPassed = append(reason.GatesPassed, "session_ok")
	}
	if st.Held[c.Symbol] {
		reason.GatesBlocked = append(reason.GatesBlocked, "already_held")
	} else {
		reason.GatesPassed = append(reason.GatesPassed, "not_held")
	}
	if st.PositionCount >= st.MaxPositions {
		reason.GatesBlocked = append(reason.GatesBlocked, "position_cap")
	} else {
		reason.GatesPassed = append(reason.GatesPassed, "caps_ok")
	}
	if c.Verdict != "BUY" {
		reason.GatesBlocked = append(reason.GatesBlocked, "verdict_not_buy")
		reason.WhatWouldChange = "a BUY verdict on the next research pass"
	} else {
		reason.GatesPassed = append(reason.GatesPassed, "verdict_buy")
	}
	if adjusted < st.MinConfidence {
		reason.GatesBlocked = append(reason.GatesBlocked, "confidence_below_floor")
		if reason.WhatWouldChange == "" {
			reason.WhatWouldChange = fmt.Sprintf("confidence >= %.2f", st.MinConfidence)
		}
	} else {
		reason.GatesPassed = append(reason.GatesPassed, "confidence_ok")
	}

	intent := IntentEnter
	for _, g := range reason.GatesBlocked {
		if hardGates[g] {
			intent = IntentReject
			break
		}
		intent = IntentHold
	}
	for _, g := range reason.GatesBlocked {
		observ.IncCounter("entry_gate_blocks_total", map[string]string{"gate": g})
	}

	rj, _ := json.Marshal(reason)
	return ProposedAction{
		Symbol:     c.Symbol,
		Intent:     intent,
		Confidence: adjusted,
		ReasonJSON: string(rj),
	}
}

// originTier ranks per-symbol research ahead of analyst and premarket picks.
func originTier(origin string) int {
	if origin == OriginResearch {
		return 0
	}
	return 1
}

// Prioritize puts per-symbol research BUYs first, then everything else. Within a tier the
// order is confirmation-adjusted confidence, highest first, with symbol breaking ties.
func Prioritize(cands []Candidate, cfg config.Confirmation) []Candidate {
	out := append([]Candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		if ti, tj := originTier(out[i].Origin), originTier(out[j].Origin); ti != tj {
			return ti < tj
		}
		ai, aj := out[i].Adjusted(cfg), out[j].Adjusted(cfg)
		if ai != aj {
			return ai > aj
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
