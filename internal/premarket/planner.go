package premarket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
	"github.com/zivhm/MAHORAGA/internal/research"
)

const (
	StateNone     = "NONE"
	StatePlanning = "PLANNING"
	StatePlanned  = "PLANNED"
	StateExecuted = "EXECUTED"
	StateExpired  = "EXPIRED"
)

// Plan is frozen when stored and executed at most once.
type Plan struct {
	Timestamp       time.Time                 `json:"timestamp"`
	Recommendations []research.Recommendation `json:"recommendations"`
	MarketSummary   string                    `json:"market_summary"`
	HighConviction  []string                  `json:"high_conviction"`
	ResearchedBuys  []string                  `json:"researched_buys"`
}

// Executor places the plan's orders. Buy returns an error when the entry did not happen.
type Executor interface {
	Sell(ctx context.Context, symbol, reason string) error
	Buy(ctx context.Context, rec research.Recommendation) error
}

type Outcome struct {
	State  string   `json:"state"`
	Sells  []string `json:"sells"`
	Buys   []string `json:"buys"`
	Failed []string `json:"failed"`
	Reason string   `json:"reason,omitempty"`
}

// Orders is how many orders the execution placed.
func (o Outcome) Orders() int { return len(o.Sells) + len(o.Buys) }

type Planner struct {
	mu       sync.Mutex
	cfg      config.Premarket
	loc      *time.Location
	start    int // minutes after midnight, local
	end      int
	state    string
	plan     *Plan
	lastExec string // yyyy-mm-dd, local
}

func NewPlanner(cfg config.Premarket) (*Planner, error) {
	p := &Planner{state: StateNone}
	if err := p.Configure(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (p *Planner) Configure(cfg config.Premarket) error {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("premarket timezone: %w", err)
	}
	start, err := parseHHMM(cfg.WindowStart)
	if err != nil {
		return fmt.Errorf("premarket window start: %w", err)
	}
	end, err := parseHHMM(cfg.WindowEnd)
	if err != nil {
		return fmt.Errorf("premarket window end: %w", err)
	}
	p.mu.Lock()
	p.cfg, p.loc, p.start, p.end = cfg, loc, start, end
	p.mu.Unlock()
	return nil
}

func (p *Planner) InWindow(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inWindow(now)
}

func (p *Planner) inWindow(now time.Time) bool {
	l := now.In(p.loc)
	if wd := l.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	m := l.Hour()*60 + l.Minute()
	return m >= p.start && m < p.end
}

// ShouldPlan is true inside the window when no plan exists and today's plan has not run.
func (p *Planner) ShouldPlan(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Enabled && p.state == StateNone && p.plan == nil &&
		p.inWindow(now) && p.lastExec != now.In(p.loc).Format("2006-01-02")
}

// Prepare runs build and freezes its result. A build failure returns to NONE so the next
// tick inside the window may try again.
func (p *Planner) Prepare(ctx context.Context, now time.Time, build func(context.Context) (*Plan, error)) error {
	p.mu.Lock()
	if p.state != StateNone || p.plan != nil {
		p.mu.Unlock()
		return nil
	}
	p.state = StatePlanning
	p.mu.Unlock()

	plan, err := build(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil || plan == nil {
		p.state = StateNone
		observ.Warn("premarket_plan_failed", map[string]any{"error": err})
		if err == nil {
			err = fmt.Errorf("premarket: empty plan")
		}
		return err
	}
	if plan.Timestamp.IsZero() {
		plan.Timestamp = now
	}
	p.plan = plan
	p.state = StatePlanned
	observ.Log("premarket_planned", map[string]any{
		"recommendations": len(plan.Recommendations),
		"researched_buys": plan.ResearchedBuys,
		"high_conviction": plan.HighConviction,
	})
	return nil
}

func (p *Planner) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Plan returns a copy of the stored plan, nil when none.
func (p *Planner) Plan() *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.plan == nil {
		return nil
	}
	cp := *p.plan
	return &cp
}

func (p *Planner) LastExecuted() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastExec
}

// Restore reloads a persisted plan. A plan restored mid-planning is not possible: only
// frozen plans are saved.
func (p *Planner) Restore(plan *Plan, lastExec string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plan = plan
	p.lastExec = lastExec
	p.state = StateNone
	if plan != nil {
		p.state = StatePlanned
	}
}

// Discard drops any plan without executing it.
func (p *Planner) Discard() {
	p.mu.Lock()
	p.plan = nil
	p.state = StateNone
	p.mu.Unlock()
}

// Execute runs a planned batch at the open: SELLs for held symbols first, then BUYs up to
// the position cap, skipping anything held. The plan is discarded whatever happens.
func (p *Planner) Execute(ctx context.Context, now time.Time, exec Executor, held map[string]bool, positionCount, maxPositions int) Outcome {
	p.mu.Lock()
	plan := p.plan
	staleAfter := p.cfg.StaleAfter
	p.plan = nil
	p.state = StateNone
	if plan != nil {
		p.lastExec = now.In(p.loc).Format("2006-01-02")
	}
	p.mu.Unlock()

	if plan == nil {
		return Outcome{State: StateNone}
	}
	if age := now.Sub(plan.Timestamp); age > staleAfter {
		out := Outcome{State: StateExpired, Reason: fmt.Sprintf("plan age %s exceeds %s", age.Round(time.Second), staleAfter)}
		observ.Warn("premarket_plan_expired", map[string]any{"age_s": age.Seconds(), "reason": out.Reason})
		observ.IncCounter("premarket_plans_total", map[string]string{"outcome": "expired"})
		return out
	}

	out := Outcome{State: StateExecuted}
	held = copyHeld(held)
	for _, rec := range plan.Recommendations {
		if rec.Action != research.ActionSell || !held[rec.Symbol] {
			continue
		}
		if err := exec.Sell(ctx, rec.Symbol, "premarket: "+rec.Reasoning); err != nil {
			out.Failed = append(out.Failed, rec.Symbol)
			continue
		}
		out.Sells = append(out.Sells, rec.Symbol)
		delete(held, rec.Symbol)
		positionCount--
	}
	for _, rec := range plan.Recommendations {
		if rec.Action != research.ActionBuy || held[rec.Symbol] {
			continue
		}
		if positionCount >= maxPositions {
			break
		}
		if err := exec.Buy(ctx, rec); err != nil {
			out.Failed = append(out.Failed, rec.Symbol)
			continue
		}
		out.Buys = append(out.Buys, rec.Symbol)
		held[rec.Symbol] = true
		positionCount++
	}
	observ.Log("premarket_executed", map[string]any{"sells": out.Sells, "buys": out.Buys, "failed": out.Failed})
	observ.IncCounter("premarket_plans_total", map[string]string{"outcome": "executed"})
	return out
}

func copyHeld(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
