package options

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

// ErrUnaffordable means a contract met every quote constraint but not one whole contract
// fits the per-trade equity cap.
var ErrUnaffordable = errors.New("no whole contract affordable")

// Selection is the contract chosen for an options entry, already sized.
type Selection struct {
	Contract     broker.OptionContract `json:"contract"`
	Snapshot     broker.OptionSnapshot `json:"snapshot"`
	DTE          int                   `json:"dte"`
	TargetStrike float64               `json:"target_strike"`
	Mid          float64               `json:"mid"`
	Qty          int                   `json:"qty"`
}

// Cost is the premium paid for the whole selection at mid.
func (s Selection) Cost() float64 {
	return s.Mid * float64(s.Qty) * broker.OptionMultiplier
}

type Selector struct {
	market broker.Market
	cfg    config.Options
}

func NewSelector(m broker.Market, cfg config.Options) *Selector {
	return &Selector{market: m, cfg: cfg}
}

func (s *Selector) Configure(cfg config.Options) { s.cfg = cfg }

// TargetStrike maps a target delta to a strike with a linear approximation:
// calls move up from spot as delta falls below 0.5, puts move down.
func TargetStrike(price, delta float64, bullish bool) float64 {
	if bullish {
		return price * (1 - (delta-0.5)*0.2)
	}
	return price * (1 + (delta-0.5)*0.2)
}

// SpreadPct is the bid/ask spread as a percent of ask.
func SpreadPct(snap broker.OptionSnapshot) float64 {
	if snap.Ask <= 0 {
		return math.Inf(1)
	}
	return (snap.Ask - snap.Bid) / snap.Ask * 100
}

func dte(now, exp time.Time) int {
	d0 := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	d1 := time.Date(exp.Year(), exp.Month(), exp.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Round(d1.Sub(d0).Hours() / 24))
}

// Select picks a contract for underlying, or returns nil with no error when nothing
// in the chain satisfies the DTE window, delta band and spread cap. When contracts pass
// those checks but none is affordable the error is ErrUnaffordable.
func (s *Selector) Select(ctx context.Context, underlying string, bullish bool, price, equity float64, now time.Time) (*Selection, error) {
	if price <= 0 {
		return nil, nil
	}
	exps, err := s.market.OptionExpirations(ctx, underlying)
	if err != nil {
		return nil, fmt.Errorf("expirations %s: %w", underlying, err)
	}

	mid := float64(s.cfg.MinDTE+s.cfg.MaxDTE) / 2
	var best time.Time
	bestDTE, bestDist := 0, math.Inf(1)
	for _, e := range exps {
		d := dte(now, e)
		if d < s.cfg.MinDTE || d > s.cfg.MaxDTE {
			continue
		}
		if dist := math.Abs(float64(d) - mid); dist < bestDist {
			best, bestDTE, bestDist = e, d, dist
		}
	}
	if best.IsZero() {
		observ.Log("options_no_expiration", map[string]any{"underlying": underlying, "min_dte": s.cfg.MinDTE, "max_dte": s.cfg.MaxDTE})
		return nil, nil
	}

	chain, err := s.market.OptionChain(ctx, underlying, best)
	if err != nil {
		return nil, fmt.Errorf("chain %s %s: %w", underlying, best.Format("2006-01-02"), err)
	}
	want := "put"
	if bullish {
		want = "call"
	}
	target := TargetStrike(price, s.cfg.TargetDelta, bullish)
	var ranked []broker.OptionContract
	for _, c := range chain {
		if c.Type == want {
			ranked = append(ranked, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return math.Abs(ranked[i].Strike-target) < math.Abs(ranked[j].Strike-target)
	})

	unaffordable := false
	for i := 0; i < len(ranked) && i < s.cfg.Lookahead; i++ {
		c := ranked[i]
		snap, err := s.market.OptionSnapshot(ctx, c.Symbol)
		if err != nil {
			observ.Warn("options_snapshot_failed", map[string]any{"contract": c.Symbol, "error": err})
			continue
		}
		if d := math.Abs(snap.Delta); d < s.cfg.MinDelta || d > s.cfg.MaxDelta {
			continue
		}
		if snap.Bid <= 0 || snap.Ask <= 0 {
			continue
		}
		if SpreadPct(snap) > s.cfg.MaxSpreadPct {
			continue
		}
		m := snap.Mid()
		qty := Contracts(equity, s.cfg.MaxPctPerTrade, m)
		if qty < 1 {
			unaffordable = true
			continue
		}
		sel := &Selection{Contract: c, Snapshot: snap, DTE: bestDTE, TargetStrike: target, Mid: m, Qty: qty}
		observ.Log("options_selected", map[string]any{
			"underlying": underlying,
			"contract":   c.Symbol,
			"strike":     c.Strike,
			"delta":      snap.Delta,
			"dte":        bestDTE,
			"qty":        qty,
		})
		return sel, nil
	}
	if unaffordable {
		observ.Log("options_unaffordable", map[string]any{"underlying": underlying, "equity": equity, "max_pct": s.cfg.MaxPctPerTrade})
		return nil, fmt.Errorf("%s: %w", underlying, ErrUnaffordable)
	}
	observ.Log("options_no_contract", map[string]any{"underlying": underlying, "target_strike": target})
	return nil, nil
}

// Contracts is how many whole contracts fit in pct percent of equity at premium mid.
func Contracts(equity, pct, mid float64) int {
	if mid <= 0 || equity <= 0 {
		return 0
	}
	budget := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
	per := decimal.NewFromFloat(mid).Mul(decimal.NewFromInt(broker.OptionMultiplier))
	return int(budget.Div(per).Floor().IntPart())
}
