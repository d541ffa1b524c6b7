package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

type simAsset struct {
	price     float64
	prevClose float64
}

// SimMarket serves random-walk quotes and a synthetic option surface. With zero
// volatility every quote is deterministic, which is what the tests rely on.
type SimMarket struct {
	mu           sync.Mutex
	rnd          *rand.Rand
	volatility   float64
	defaultPrice float64
	assets       map[string]*simAsset
	contracts    map[string]OptionContract
	snapshots    map[string]OptionSnapshot
	chains       map[string][]OptionContract // keyed by underlying|yyyy-mm-dd
	expirations  map[string][]time.Time
	now          func() time.Time
}

// NewSimMarket creates a market. defaultPrice > 0 lets unknown symbols quote at that price.
func NewSimMarket(seed int64, volatility, defaultPrice float64) *SimMarket {
	return &SimMarket{
		rnd:          rand.New(rand.NewSource(seed)),
		volatility:   volatility,
		defaultPrice: defaultPrice,
		assets:       map[string]*simAsset{},
		contracts:    map[string]OptionContract{},
		snapshots:    map[string]OptionSnapshot{},
		chains:       map[string][]OptionContract{},
		expirations:  map[string][]time.Time{},
		now:          time.Now,
	}
}

func normalize(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// SetPrice pins a symbol's price; prevClose defaults to the same value.
func (m *SimMarket) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := normalize(symbol)
	if a, ok := m.assets[sym]; ok {
		a.price = price
		return
	}
	m.assets[sym] = &simAsset{price: price, prevClose: price}
}

func (m *SimMarket) SetPrevClose(symbol string, prev float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := normalize(symbol)
	a, ok := m.assets[sym]
	if !ok {
		a = &simAsset{price: prev}
		m.assets[sym] = a
	}
	a.prevClose = prev
}

// SetOptionChain overrides the synthetic chain for one expiration.
func (m *SimMarket) SetOptionChain(underlying string, exp time.Time, contracts []OptionContract, snaps []OptionSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := normalize(underlying)
	m.chains[chainKey(u, exp)] = contracts
	found := false
	for _, e := range m.expirations[u] {
		if e.Equal(exp) {
			found = true
		}
	}
	if !found {
		m.expirations[u] = append(m.expirations[u], exp)
	}
	for _, c := range contracts {
		m.contracts[c.Symbol] = c
	}
	for _, s := range snaps {
		m.snapshots[s.Symbol] = s
	}
}

func chainKey(u string, exp time.Time) string { return u + "|" + exp.Format("2006-01-02") }

func (m *SimMarket) asset(sym string) (*simAsset, error) {
	a, ok := m.assets[sym]
	if ok {
		return a, nil
	}
	if m.defaultPrice <= 0 {
		return nil, fmt.Errorf("quote %s: %w", sym, ErrNotFound)
	}
	a = &simAsset{price: m.defaultPrice, prevClose: m.defaultPrice}
	m.assets[sym] = a
	return a, nil
}

func (m *SimMarket) step(a *simAsset) {
	if m.volatility <= 0 {
		return
	}
	a.price *= 1 + m.rnd.NormFloat64()*m.volatility
	if a.price < 0.01 {
		a.price = 0.01
	}
}

func (m *SimMarket) Quote(_ context.Context, symbol string) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := normalize(symbol)
	a, err := m.asset(sym)
	if err != nil {
		return Quote{}, err
	}
	m.step(a)
	half := a.price * 0.0001
	return Quote{
		Symbol:    sym,
		Bid:       roundCents(a.price - half),
		Ask:       roundCents(a.price + half),
		Last:      roundCents(a.price),
		Timestamp: m.now(),
	}, nil
}

func (m *SimMarket) CryptoSnapshot(_ context.Context, symbol string) (CryptoSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := normalize(symbol)
	a, err := m.asset(sym)
	if err != nil {
		return CryptoSnapshot{}, err
	}
	m.step(a)
	change := 0.0
	if a.prevClose > 0 {
		change = (a.price - a.prevClose) / a.prevClose * 100
	}
	return CryptoSnapshot{Symbol: sym, Price: a.price, PrevClose: a.prevClose, ChangePct: change}, nil
}

// OptionExpirations lists Fridays over the next 90 days unless a chain was set explicitly.
func (m *SimMarket) OptionExpirations(_ context.Context, underlying string) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := normalize(underlying)
	if exps, ok := m.expirations[u]; ok {
		return append([]time.Time(nil), exps...), nil
	}
	if _, err := m.asset(u); err != nil {
		return nil, err
	}
	now := m.now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var out []time.Time
	for d := day.AddDate(0, 0, 1); d.Sub(day) <= 90*24*time.Hour; d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Friday {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *SimMarket) OptionChain(_ context.Context, underlying string, exp time.Time) ([]OptionContract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := normalize(underlying)
	if c, ok := m.chains[chainKey(u, exp)]; ok {
		return append([]OptionContract(nil), c...), nil
	}
	a, err := m.asset(u)
	if err != nil {
		return nil, err
	}
	var out []OptionContract
	for i := -8; i <= 8; i++ {
		strike := math.Round(a.price*(1+float64(i)*0.025)*2) / 2
		for _, typ := range []string{"call", "put"} {
			c := OptionContract{
				Symbol:     occSymbol(u, exp, typ, strike),
				Underlying: u,
				Type:       typ,
				Strike:     strike,
				Expiration: exp,
			}
			m.contracts[c.Symbol] = c
			out = append(out, c)
		}
	}
	m.chains[chainKey(u, exp)] = out
	return out, nil
}

func (m *SimMarket) OptionSnapshot(_ context.Context, contract string) (OptionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.snapshots[contract]; ok {
		return s, nil
	}
	c, ok := m.contracts[contract]
	if !ok {
		return OptionSnapshot{}, fmt.Errorf("option %s: %w", contract, ErrNotFound)
	}
	a, err := m.asset(c.Underlying)
	if err != nil {
		return OptionSnapshot{}, err
	}
	return synthSnapshot(c, a.price, m.now()), nil
}

// synthSnapshot uses a linear moneyness-to-delta map: 0.5 at the money, 0 or 1 at +-10%.
func synthSnapshot(c OptionContract, spot float64, now time.Time) OptionSnapshot {
	moneyness := (c.Strike/spot - 1) / 0.2
	delta := clampf(0.5-moneyness, 0.02, 0.98)
	intrinsic := math.Max(0, spot-c.Strike)
	if c.Type == "put" {
		delta = -clampf(0.5+moneyness, 0.02, 0.98)
		intrinsic = math.Max(0, c.Strike-spot)
	}
	dte := c.Expiration.Sub(now).Hours() / 24
	if dte < 1 {
		dte = 1
	}
	mid := intrinsic + spot*0.04*math.Sqrt(dte/30)*math.Abs(delta)
	return OptionSnapshot{
		Symbol: c.Symbol,
		Bid:    roundCents(mid * 0.97),
		Ask:    roundCents(mid * 1.03),
		Delta:  delta,
	}
}

func occSymbol(u string, exp time.Time, typ string, strike float64) string {
	cp := "C"
	if typ == "put" {
		cp = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", u, exp.Format("060102"), cp, int64(math.Round(strike*1000)))
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

func clampf(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }
