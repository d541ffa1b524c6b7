package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/zivhm/MAHORAGA/internal/alerts"
	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/decision"
	"github.com/zivhm/MAHORAGA/internal/observ"
	"github.com/zivhm/MAHORAGA/internal/router"
)

// ExitResult records one closed position.
type ExitResult struct {
	Symbol   string        `json:"symbol"`
	Decision Decision      `json:"decision"`
	Order    *broker.Order `json:"order,omitempty"`
}

// EntryResult records one evaluated entry candidate.
type EntryResult struct {
	Symbol string                  `json:"symbol"`
	Action decision.ProposedAction `json:"action"`
	Plan   *router.Plan            `json:"plan,omitempty"`
	Order  *broker.Order           `json:"order,omitempty"`
	Err    error                   `json:"-"`
}

// Controller turns decisions into orders and keeps the Book in step with the broker.
type Controller struct {
	broker   broker.Broker
	router   *router.Router
	notifier alerts.Notifier
	cooldown *alerts.Cooldown
	cfg      config.Root
}

func NewController(b broker.Broker, r *router.Router, n alerts.Notifier, c *alerts.Cooldown, cfg config.Root) *Controller {
	if n == nil {
		n = alerts.Nop{}
	}
	return &Controller{broker: b, router: r, notifier: n, cooldown: c, cfg: cfg}
}

func (c *Controller) Configure(cfg config.Root) {
	c.cfg = cfg
	c.router.Configure(cfg)
}

func tradable(class string, clock broker.Clock) bool {
	return class == broker.AssetCrypto || clock.IsOpen
}

// Reconcile clears entries whose position no longer exists at the broker.
func (c *Controller) Reconcile(book *Book, positions []broker.Position) []string {
	live := make(map[string]bool, len(positions))
	for _, p := range positions {
		live[p.Symbol] = true
	}
	var gone []string
	for _, sym := range book.Symbols() {
		if live[sym] {
			continue
		}
		e := book.Entries[sym]
		book.Clear(sym)
		gone = append(gone, sym)
		observ.Log("exit_manual", map[string]any{"symbol": sym, "exit": ExitManual, "entry_time": e.EntryTime})
		observ.IncCounter("position_exits_total", map[string]string{"exit": ExitManual})
	}
	return gone
}

// RunExits marks peaks, evaluates the ordered rules for each position and closes the
// first match. Failed closes leave the Book untouched.
func (c *Controller) RunExits(ctx context.Context, book *Book, positions []broker.Position, clock broker.Clock, sentiment map[string]float64, now time.Time) []ExitResult {
	equity := EquityRules(c.cfg.Trading, c.cfg.Staleness)
	opts := OptionRules(c.cfg.Options)

	var out []ExitResult
	for _, p := range positions {
		sentKey := p.Symbol
		if e, ok := book.Get(p.Symbol); ok && e.Underlying != "" {
			sentKey = e.Underlying
		}
		book.UpdatePeaks(p.Symbol, p.CurrentPrice, sentiment[sentKey])

		if !tradable(p.AssetClass, clock) {
			continue
		}
		rules := equity
		if p.AssetClass == broker.AssetOption {
			rules = opts
		}
		entry, _ := book.Get(p.Symbol)
		d, ok := Evaluate(rules, Eval{Position: p, Entry: entry, CurrentVolume: book.CurrentVolume(p.Symbol), Now: now})
		if !ok {
			continue
		}

		order, err := c.broker.ClosePosition(ctx, p.Symbol)
		if err != nil {
			observ.Warn("exit_order_failed", map[string]any{"symbol": p.Symbol, "exit": d.Exit, "error": err})
			continue
		}
		book.Clear(p.Symbol)
		observ.Log("exit_triggered", map[string]any{
			"symbol": p.Symbol,
			"exit":   d.Exit,
			"rule":   d.Rule,
			"reason": d.Reason,
			"pl_pct": p.UnrealizedPLPct,
		})
		observ.IncCounter("position_exits_total", map[string]string{"exit": d.Exit})
		alerts.Send(ctx, c.notifier, c.cooldown, alerts.Event{
			Kind:   alerts.KindExit,
			Symbol: p.Symbol,
			Time:   now,
			Payload: map[string]any{
				"exit":   d.Exit,
				"reason": d.Reason,
				"pl_pct": p.UnrealizedPLPct,
			},
		})
		out = append(out, ExitResult{Symbol: p.Symbol, Decision: d, Order: &order})
	}
	return out
}

// Close exits one position on request rather than by rule, as premarket SELLs do.
func (c *Controller) Close(ctx context.Context, book *Book, symbol, reason string, now time.Time) (*broker.Order, error) {
	order, err := c.broker.ClosePosition(ctx, symbol)
	if err != nil {
		observ.Warn("exit_order_failed", map[string]any{"symbol": symbol, "reason": reason, "error": err})
		return nil, err
	}
	book.Clear(symbol)
	observ.Log("exit_requested", map[string]any{"symbol": symbol, "reason": reason})
	alerts.Send(ctx, c.notifier, c.cooldown, alerts.Event{
		Kind:    alerts.KindExit,
		Symbol:  symbol,
		Time:    now,
		Payload: map[string]any{"reason": reason},
	})
	return &order, nil
}

// RunEntries walks candidates in priority order (research BUYs first, then by confidence), gating, sizing and buying each.
// The position count and cash are updated as entries fill so later candidates see them.
func (c *Controller) RunEntries(ctx context.Context, book *Book, cands []decision.Candidate, positions []broker.Position, acct broker.Account, clock broker.Clock, now time.Time) []EntryResult {
	st := decision.State{
		MarketOpen:    clock.IsOpen,
		Held:          map[string]bool{},
		PositionCount: len(positions),
		MaxPositions:  c.cfg.Trading.MaxPositions,
		MinConfidence: c.cfg.Trading.MinAnalystConfidence,
	}
	for _, p := range positions {
		st.Held[p.Symbol] = true
	}
	for sym, e := range book.Entries {
		st.Held[sym] = true
		if e.Underlying != "" {
			st.Held[e.Underlying] = true
		}
	}

	var out []EntryResult
	for _, cand := range decision.Prioritize(cands, c.cfg.Confirmation) {
		act := decision.Evaluate(cand, st, c.cfg.Confirmation)
		res := EntryResult{Symbol: cand.Symbol, Action: act}
		if act.Intent != decision.IntentEnter {
			observ.Log("entry_gated", map[string]any{"symbol": cand.Symbol, "intent": act.Intent, "reason": act.ReasonJSON})
			out = append(out, res)
			continue
		}

		price := cand.Price
		if price <= 0 {
			q, err := c.broker.Quote(ctx, cand.Symbol)
			if err != nil {
				observ.Warn("entry_quote_failed", map[string]any{"symbol": cand.Symbol, "error": err})
				res.Err = err
				out = append(out, res)
				continue
			}
			price = q.Price()
		}

		plan, err := c.router.Route(ctx, router.Input{
			Symbol:       cand.Symbol,
			IsCrypto:     cand.IsCrypto,
			Bullish:      cand.Sentiment >= 0,
			Confidence:   act.Confidence,
			EntryQuality: cand.EntryQuality,
			Price:        price,
		}, acct, now)
		if err != nil {
			if errors.Is(err, router.ErrBelowMinimum) {
				observ.Log("entry_too_small", map[string]any{"symbol": cand.Symbol, "error": err})
			} else {
				observ.Warn("entry_route_failed", map[string]any{"symbol": cand.Symbol, "error": err})
			}
			res.Err = err
			out = append(out, res)
			continue
		}
		res.Plan = plan

		order, err := c.broker.CreateOrder(ctx, plan.Request)
		if err != nil {
			observ.Warn("entry_order_failed", map[string]any{"symbol": plan.Symbol, "error": err})
			res.Err = err
			out = append(out, res)
			continue
		}
		res.Order = &order

		entryPrice := order.FilledPrice
		if entryPrice <= 0 {
			entryPrice = price
			if plan.Option != nil {
				entryPrice = plan.Option.Mid
			}
		}
		book.Open(PositionEntry{
			Symbol:            plan.Symbol,
			Underlying:        plan.Underlying,
			AssetClass:        plan.AssetClass,
			EntryTime:         now,
			EntryPrice:        entryPrice,
			EntrySentiment:    cand.Sentiment,
			EntrySocialVolume: cand.Volume,
			EntrySources:      cand.Sources,
			EntryReason:       cand.Reasoning,
		})
		st.PositionCount++
		st.Held[cand.Symbol] = true
		st.Held[plan.Symbol] = true
		acct.Cash -= plan.Notional

		observ.Log("entry_executed", map[string]any{
			"symbol":      plan.Symbol,
			"origin":      cand.Origin,
			"asset_class": plan.AssetClass,
			"notional":    plan.Notional,
			"confidence":  act.Confidence,
			"order_id":    order.ID,
		})
		observ.IncCounter("position_entries_total", map[string]string{"asset_class": plan.AssetClass, "origin": cand.Origin})
		alerts.Send(ctx, c.notifier, c.cooldown, alerts.Event{
			Kind:   alerts.KindEntry,
			Symbol: plan.Symbol,
			Time:   now,
			Payload: map[string]any{
				"origin":     cand.Origin,
				"notional":   plan.Notional,
				"confidence": act.Confidence,
				"reason":     cand.Reasoning,
			},
		})
		out = append(out, res)
	}
	return out
}
