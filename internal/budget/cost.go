package budget

import (
	"strings"
	"sync"

	"github.com/zivhm/MAHORAGA/internal/observ"
)

// Price is USD per million tokens.
type Price struct {
	InputPerM  float64 `json:"input_per_m"`
	OutputPerM float64 `json:"output_per_m"`
}

// FallbackModel prices any model missing from the table.
const FallbackModel = "gpt-4o"

func DefaultPrices() map[string]Price {
	return map[string]Price{
		"gpt-4o":      {InputPerM: 2.5, OutputPerM: 10},
		"gpt-4o-mini": {InputPerM: 0.15, OutputPerM: 0.6},
	}
}

// Costs is the running LLM ledger. Every field only grows within a process.
type Costs struct {
	TotalUSD  float64            `json:"total_usd"`
	Calls     int64              `json:"calls"`
	TokensIn  int64              `json:"tokens_in"`
	TokensOut int64              `json:"tokens_out"`
	ByModel   map[string]float64 `json:"by_model,omitempty"`
}

type CostTracker struct {
	mu      sync.Mutex
	prices  map[string]Price
	alert   float64
	alerted bool
	c       Costs
}

// NewCostTracker builds a ledger. alertUSD > 0 logs a warning once when the total crosses it;
// spending is never blocked.
func NewCostTracker(prices map[string]Price, alertUSD float64) *CostTracker {
	if prices == nil {
		prices = DefaultPrices()
	}
	return &CostTracker{prices: prices, alert: alertUSD, c: Costs{ByModel: map[string]float64{}}}
}

// price looks up model exactly, then by the longest table key it extends with a dash
// (dated snapshots such as gpt-4o-mini-2024-07-18), then falls back.
func (t *CostTracker) price(model string) Price {
	if p, ok := t.prices[model]; ok {
		return p
	}
	best := ""
	for k := range t.prices {
		if strings.HasPrefix(model, k+"-") && len(k) > len(best) {
			best = k
		}
	}
	if best != "" {
		return t.prices[best]
	}
	if p, ok := t.prices[FallbackModel]; ok {
		return p
	}
	return Price{}
}

// Record adds one completion to the ledger and returns its cost.
func (t *CostTracker) Record(model string, tokensIn, tokensOut int) float64 {
	if tokensIn < 0 {
		tokensIn = 0
	}
	if tokensOut < 0 {
		tokensOut = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.price(model)
	cost := float64(tokensIn)*p.InputPerM/1e6 + float64(tokensOut)*p.OutputPerM/1e6
	t.c.TotalUSD += cost
	t.c.Calls++
	t.c.TokensIn += int64(tokensIn)
	t.c.TokensOut += int64(tokensOut)
	if t.c.ByModel == nil {
		t.c.ByModel = map[string]float64{}
	}
	t.c.ByModel[model] += cost

	observ.IncCounter("llm_calls_total", map[string]string{"model": model})
	observ.SetGauge("llm_cost_usd_total", t.c.TotalUSD, nil)

	if t.alert > 0 && !t.alerted && t.c.TotalUSD >= t.alert {
		t.alerted = true
		observ.Warn("llm_cost_alert", map[string]any{"total_usd": t.c.TotalUSD, "alert_usd": t.alert})
	}
	return cost
}

func (t *CostTracker) Snapshot() Costs {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.c
	out.ByModel = make(map[string]float64, len(t.c.ByModel))
	for k, v := range t.c.ByModel {
		out.ByModel[k] = v
	}
	return out
}

// Restore loads a persisted ledger. It is only called at startup, before any Record.
func (t *CostTracker) Restore(c Costs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.ByModel == nil {
		c.ByModel = map[string]float64{}
	}
	t.c = c
	t.alerted = t.alert > 0 && c.TotalUSD >= t.alert
}
