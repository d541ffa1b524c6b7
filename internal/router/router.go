package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
	"github.com/zivhm/MAHORAGA/internal/options"
)

// ErrBelowMinimum means the sized order is smaller than the minimum notional.
var ErrBelowMinimum = errors.New("order below minimum notional")

// Selector finds an options contract for an entry.
type Selector interface {
	Select(ctx context.Context, underlying string, bullish bool, price, equity float64, now time.Time) (*options.Selection, error)
}

// Input is one approved entry waiting to be sized.
type Input struct {
	Symbol       string
	IsCrypto     bool
	Bullish      bool
	Confidence   float64
	EntryQuality string
	Price        float64
}

// Plan is a sized order plus what the lifecycle needs to remember about it.
type Plan struct {
	Symbol     string              `json:"symbol"`
	Underlying string              `json:"underlying"`
	AssetClass string              `json:"asset_class"`
	Notional   float64             `json:"notional"`
	Option     *options.Selection  `json:"option,omitempty"`
	Request    broker.OrderRequest `json:"request"`
}

type Router struct {
	trading  config.Trading
	crypto   config.Crypto
	options  config.Options
	selector Selector
}

func New(cfg config.Root, sel Selector) *Router {
	return &Router{trading: cfg.Trading, crypto: cfg.Crypto, options: cfg.Options, selector: sel}
}

func (r *Router) Configure(cfg config.Root) {
	r.trading, r.crypto, r.options = cfg.Trading, cfg.Crypto, cfg.Options
}

// OptionsEligible is true only for top-quality, high-confidence equity entries with options on.
func (r *Router) OptionsEligible(in Input) bool {
	return r.options.Enabled && r.selector != nil && !in.IsCrypto &&
		in.Confidence >= r.options.MinConfidence && in.EntryQuality == "excellent"
}

// Notional sizes a cash entry: cash x min(cap, pct)/100 x confidence, capped at maxValue,
// truncated to cents.
func Notional(cash, pct, capPct, confidence, maxValue float64) float64 {
	if pct > capPct {
		pct = capPct
	}
	n := decimal.NewFromFloat(cash).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromFloat(confidence))
	if ceiling := decimal.NewFromFloat(maxValue); n.GreaterThan(ceiling) {
		n = ceiling
	}
	if n.IsNegative() {
		return 0
	}
	f, _ := n.Truncate(2).Float64()
	return f
}

// Route picks the asset class and sizes the order. Options fall back to the equity path
// when no contract qualifies; a qualifying contract that not even one unit of fits the
// equity cap rejects the entry.
func (r *Router) Route(ctx context.Context, in Input, acct broker.Account, now time.Time) (*Plan, error) {
	if r.OptionsEligible(in) {
		sel, err := r.selector.Select(ctx, in.Symbol, in.Bullish, in.Price, acct.Equity, now)
		if errors.Is(err, options.ErrUnaffordable) {
			return nil, err
		}
		if err != nil {
			observ.Warn("options_select_failed", map[string]any{"symbol": in.Symbol, "error": err})
		}
		if sel != nil {
			limit, _ := decimal.NewFromFloat(sel.Mid).Round(2).Float64()
			return &Plan{
				Symbol:     sel.Contract.Symbol,
				Underlying: in.Symbol,
				AssetClass: broker.AssetOption,
				Notional:   sel.Cost(),
				Option:     sel,
				Request: broker.OrderRequest{
					ClientOrderID: uuid.NewString(),
					Symbol:        sel.Contract.Symbol,
					AssetClass:    broker.AssetOption,
					Side:          broker.SideBuy,
					Qty:           float64(sel.Qty),
					Type:          "limit",
					LimitPrice:    limit,
					TimeInForce:   broker.TIFDay,
				},
			}, nil
		}
		observ.Log("options_fallback_equity", map[string]any{"symbol": in.Symbol})
	}

	class, tif, maxValue := broker.AssetEquity, broker.TIFDay, r.trading.MaxPositionValue
	if in.IsCrypto {
		class, tif, maxValue = broker.AssetCrypto, broker.TIFGTC, r.crypto.MaxPositionValue
	}
	notional := Notional(acct.Cash, r.trading.PositionSizePctOfCash, r.trading.MaxSizePct, in.Confidence, maxValue)
	if notional < r.trading.MinNotional {
		return nil, fmt.Errorf("%s notional %.2f < %.2f: %w", in.Symbol, notional, r.trading.MinNotional, ErrBelowMinimum)
	}
	return &Plan{
		Symbol:     in.Symbol,
		Underlying: in.Symbol,
		AssetClass: class,
		Notional:   notional,
		Request: broker.OrderRequest{
			ClientOrderID: uuid.NewString(),
			Symbol:        in.Symbol,
			AssetClass:    class,
			Side:          broker.SideBuy,
			Notional:      notional,
			Type:          "market",
			TimeInForce:   tif,
		},
	}, nil
}
