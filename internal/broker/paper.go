package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

type paperPosition struct {
	symbol     string
	assetClass string
	qty        float64
	avgPrice   float64
}

func (p *paperPosition) multiplier() float64 {
	if p.assetClass == AssetOption {
		return OptionMultiplier
	}
	return 1
}

// Paper fills market orders immediately against a Market with simulated slippage.
// Cash and positions are rebuilt from the journal's fills on start.
type Paper struct {
	mu          sync.Mutex
	Market
	cash        float64
	positions   map[string]*paperPosition
	journal     *Journal
	slippageBps int
	now         func() time.Time
	clock       func(time.Time) Clock
}

func NewPaper(cfg config.Paper, market Market, journal *Journal) *Paper {
	if journal == nil {
		journal, _ = OpenJournal("")
	}
	p := &Paper{
		Market:      market,
		cash:        cfg.StartingCash,
		positions:   map[string]*paperPosition{},
		journal:     journal,
		slippageBps: cfg.SlippageBps,
		now:         time.Now,
		clock:       MarketClock,
	}
	for _, f := range journal.Fills() {
		p.apply(f)
	}
	return p
}

// SetClock pins market hours; tests use it to open or close the market.
func (p *Paper) SetClock(fn func(time.Time) Clock) {
	p.mu.Lock()
	p.clock = fn
	p.mu.Unlock()
}

func (p *Paper) SetNow(fn func() time.Time) {
	p.mu.Lock()
	p.now = fn
	p.mu.Unlock()
}

func (p *Paper) Clock(_ context.Context) (Clock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock(p.now()), nil
}

func (p *Paper) mark(ctx context.Context, pos *paperPosition) float64 {
	if pos.assetClass == AssetOption {
		s, err := p.Market.OptionSnapshot(ctx, pos.symbol)
		if err != nil || s.Mid() == 0 {
			return pos.avgPrice
		}
		return s.Mid()
	}
	q, err := p.Market.Quote(ctx, pos.symbol)
	if err != nil || q.Price() == 0 {
		return pos.avgPrice
	}
	return q.Price()
}

func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cur := p.mark(ctx, pos)
		mult := pos.multiplier()
		pl := (cur - pos.avgPrice) * pos.qty * mult
		plPct := 0.0
		if pos.avgPrice > 0 {
			plPct = (cur - pos.avgPrice) / pos.avgPrice * 100
		}
		out = append(out, Position{
			Symbol:          pos.symbol,
			AssetClass:      pos.assetClass,
			Qty:             pos.qty,
			AvgEntryPrice:   pos.avgPrice,
			CurrentPrice:    cur,
			MarketValue:     cur * pos.qty * mult,
			UnrealizedPL:    pl,
			UnrealizedPLPct: plPct,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *Paper) Account(ctx context.Context) (Account, error) {
	positions, err := p.Positions(ctx)
	if err != nil {
		return Account{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	for _, pos := range positions {
		equity += pos.MarketValue
	}
	return Account{Cash: p.cash, Equity: equity, BuyingPower: p.cash}, nil
}

func (p *Paper) fillPrice(ctx context.Context, req OrderRequest) (float64, error) {
	if req.AssetClass == AssetOption {
		s, err := p.Market.OptionSnapshot(ctx, req.Symbol)
		if err != nil {
			return 0, err
		}
		if req.Side == SideBuy && s.Ask > 0 {
			return s.Ask, nil
		}
		if req.Side == SideSell && s.Bid > 0 {
			return s.Bid, nil
		}
		if mid := s.Mid(); mid > 0 {
			return mid, nil
		}
		return 0, fmt.Errorf("option %s has no market", req.Symbol)
	}
	q, err := p.Market.Quote(ctx, req.Symbol)
	if err != nil {
		return 0, err
	}
	price := q.Price()
	if req.Side == SideBuy && q.Ask > 0 {
		price = q.Ask
	} else if req.Side == SideSell && q.Bid > 0 {
		price = q.Bid
	}
	if price <= 0 {
		return 0, fmt.Errorf("%s has no price", req.Symbol)
	}
	return price, nil
}

func (p *Paper) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if req.Symbol == "" || (req.Side != SideBuy && req.Side != SideSell) {
		return Order{}, fmt.Errorf("%w: symbol %q side %q", ErrInvalidOrder, req.Symbol, req.Side)
	}
	if (req.Qty > 0) == (req.Notional > 0) {
		return Order{}, fmt.Errorf("%w: exactly one of qty or notional", ErrInvalidOrder)
	}
	if req.AssetClass == "" {
		req.AssetClass = AssetEquity
	}
	if req.AssetClass == AssetOption && req.Notional > 0 {
		return Order{}, fmt.Errorf("%w: options trade by contract quantity", ErrInvalidOrder)
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	if p.journal.HasClientOrder(req.ClientOrderID) {
		return Order{}, ErrDuplicateOrder
	}

	price, err := p.fillPrice(ctx, req)
	if err != nil {
		return Order{}, err
	}
	slip := 1 + float64(p.slippageBps)/10000
	if req.Side == SideBuy {
		price *= slip
	} else {
		price /= slip
	}
	qty := req.Qty
	if qty == 0 {
		qty = req.Notional / price
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	mult := 1.0
	if req.AssetClass == AssetOption {
		mult = OptionMultiplier
	}
	if req.Side == SideBuy && qty*price*mult > p.cash+1e-9 {
		return Order{}, fmt.Errorf("%w: need %.2f have %.2f", ErrInsufficientFunds, qty*price*mult, p.cash)
	}
	if req.Side == SideSell {
		pos, ok := p.positions[req.Symbol]
		if !ok {
			return Order{}, fmt.Errorf("position %s: %w", req.Symbol, ErrNotFound)
		}
		if qty > pos.qty {
			qty = pos.qty
		}
	}

	now := p.now()
	order := Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		AssetClass:    req.AssetClass,
		Side:          req.Side,
		Qty:           qty,
		FilledPrice:   price,
		Status:        "filled",
		SubmittedAt:   now,
	}
	fill := Fill{
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		AssetClass:    order.AssetClass,
		Side:          order.Side,
		Qty:           qty,
		Price:         price,
		Multiplier:    mult,
		SlippageBps:   p.slippageBps,
		Timestamp:     now,
	}
	p.apply(fill)
	if err := p.journal.WriteOrder(order); err != nil {
		observ.Warn("journal_write_failed", map[string]any{"order_id": order.ID, "error": err})
	}
	if err := p.journal.WriteFill(fill); err != nil {
		observ.Warn("journal_write_failed", map[string]any{"order_id": order.ID, "error": err})
	}
	observ.IncCounter("paper_fills_total", map[string]string{"side": order.Side, "asset_class": order.AssetClass})
	return order, nil
}

// apply mutates cash and positions for one fill. Caller holds the lock (or is the constructor).
func (p *Paper) apply(f Fill) {
	mult := f.Multiplier
	if mult == 0 {
		mult = 1
	}
	pos, ok := p.positions[f.Symbol]
	switch f.Side {
	case SideBuy:
		p.cash -= f.Qty * f.Price * mult
		if !ok {
			p.positions[f.Symbol] = &paperPosition{symbol: f.Symbol, assetClass: f.AssetClass, qty: f.Qty, avgPrice: f.Price}
			return
		}
		total := pos.qty + f.Qty
		pos.avgPrice = (pos.avgPrice*pos.qty + f.Price*f.Qty) / total
		pos.qty = total
	case SideSell:
		p.cash += f.Qty * f.Price * mult
		if !ok {
			return
		}
		pos.qty -= f.Qty
		if pos.qty <= 1e-9 {
			delete(p.positions, f.Symbol)
		}
	}
}

func (p *Paper) ClosePosition(ctx context.Context, symbol string) (Order, error) {
	p.mu.Lock()
	pos, ok := p.positions[symbol]
	var qty float64
	var class string
	if ok {
		qty, class = pos.qty, pos.assetClass
	}
	p.mu.Unlock()
	if !ok {
		return Order{}, fmt.Errorf("position %s: %w", symbol, ErrNotFound)
	}
	return p.CreateOrder(ctx, OrderRequest{
		Symbol:      symbol,
		AssetClass:  class,
		Side:        SideSell,
		Qty:         qty,
		Type:        "market",
		TimeInForce: TIFDay,
	})
}

// RemovePosition drops a position without trading, as if it were closed outside the agent.
func (p *Paper) RemovePosition(symbol string) {
	p.mu.Lock()
	delete(p.positions, symbol)
	p.mu.Unlock()
}
