package engine

import (
	"context"
	"time"

	"github.com/zivhm/MAHORAGA/internal/alerts"
	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/budget"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/lifecycle"
	"github.com/zivhm/MAHORAGA/internal/observ"
	"github.com/zivhm/MAHORAGA/internal/research"
	"github.com/zivhm/MAHORAGA/internal/signals"
)

type Status struct {
	Enabled     bool   `json:"enabled"`
	TradingMode string `json:"trading_mode"`

	LastDataGather       time.Time `json:"last_data_gather"`
	LastSignalResearch   time.Time `json:"last_signal_research"`
	LastPositionResearch time.Time `json:"last_position_research"`
	LastAnalyst          time.Time `json:"last_analyst"`

	Account   *broker.Account                    `json:"account,omitempty"`
	Positions []broker.Position                  `json:"positions"`
	Entries   map[string]lifecycle.PositionEntry `json:"entries"`
	Reviews   map[string]research.Review         `json:"position_reviews"`

	PremarketState    string `json:"premarket_state"`
	LastPremarketExec string `json:"last_premarket_exec,omitempty"`

	Signals        int          `json:"signals"`
	ResearchCached int          `json:"research_cached"`
	ReadsRemaining int          `json:"confirmation_reads_remaining"`
	Costs          budget.Costs `json:"costs"`
}

// SignalView is the current signal cache and the candidates aggregated from it.
type SignalView struct {
	Signals    []signals.Signal    `json:"signals"`
	Candidates []signals.Candidate `json:"candidates"`
}

func (e *Engine) Enable(ctx context.Context) error {
	return e.setEnabled(ctx, true)
}

func (e *Engine) Disable(ctx context.Context) error {
	return e.setEnabled(ctx, false)
}

func (e *Engine) setEnabled(ctx context.Context, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Enabled = on
	observ.Log("agent_enabled_changed", map[string]any{"enabled": on})
	return e.persist(ctx, e.now())
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Enabled
}

// Status reports the snapshot plus live account and positions. Broker failures leave
// those fields empty.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	st := Status{
		Enabled:              e.snap.Enabled,
		TradingMode:          e.cfg.TradingMode,
		LastDataGather:       e.snap.LastDataGather,
		LastSignalResearch:   e.snap.LastSignalResearch,
		LastPositionResearch: e.snap.LastPositionResearch,
		LastAnalyst:          e.snap.LastAnalyst,
		Entries:              map[string]lifecycle.PositionEntry{},
		Reviews:              map[string]research.Review{},
		PremarketState:       e.planner.State(),
		LastPremarketExec:    e.planner.LastExecuted(),
		Signals:              len(e.snap.Signals),
		ResearchCached:       len(e.gate.Cache().Fresh(now)),
		ReadsRemaining:       e.quota.Remaining(now),
		Costs:                e.costs.Snapshot(),
	}
	for sym, entry := range e.snap.Book.Entries {
		st.Entries[sym] = *entry
	}
	for sym, rv := range e.snap.Reviews {
		st.Reviews[sym] = rv
	}
	if acct, err := e.broker.Account(ctx); err == nil {
		st.Account = &acct
	}
	if positions, err := e.broker.Positions(ctx); err == nil {
		st.Positions = positions
	}
	return st
}

func (e *Engine) Config() config.Root {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdateConfig validates cfg and applies it to every component. An invalid config is
// rejected and the running one stays.
func (e *Engine) UpdateConfig(cfg config.Root) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.planner.Configure(cfg.Premarket); err != nil {
		return err
	}
	e.cfg = cfg
	e.gate.Configure(cfg.Research, cfg.Trading.MinAnalystConfidence)
	e.analyst.Configure(cfg.Research)
	if e.confirmer != nil {
		e.confirmer.Configure(cfg.Confirmation)
	} else {
		e.quota.SetLimit(cfg.Confirmation.DailyReadCap)
	}
	e.selector.Configure(cfg.Options)
	e.router.Configure(cfg)
	e.ctrl.Configure(cfg)
	e.cooldown.SetPeriod(cfg.Notify.Cooldown)
	e.buildNormalizers()
	observ.Log("config_updated", map[string]any{"trading_mode": cfg.TradingMode})
	return nil
}

func (e *Engine) Logs(n int) []observ.Entry {
	return observ.Recent(n)
}

func (e *Engine) Costs() budget.Costs {
	return e.costs.Snapshot()
}

func (e *Engine) Signals() SignalView {
	e.mu.Lock()
	defer e.mu.Unlock()
	sigs := append([]signals.Signal(nil), e.snap.Signals...)
	return SignalView{Signals: sigs, Candidates: signals.Aggregate(sigs)}
}

// Kill disables the agent and drops every cache and the premarket plan. Open positions and
// their entry records are left alone.
func (e *Engine) Kill(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.snap.Enabled = false
	e.snap.Signals = nil
	e.snap.Reviews = map[string]research.Review{}
	e.gate.Cache().Clear()
	if e.confirmer != nil {
		e.confirmer.Cache().Clear()
	}
	e.planner.Discard()
	observ.Warn("agent_killed", map[string]any{"positions_kept": len(e.snap.Book.Entries)})
	// every kill is reported; the cooldown only throttles per-symbol chatter
	alerts.Send(ctx, e.notifier, nil, alerts.Event{
		Kind:    alerts.KindKill,
		Time:    now,
		Payload: map[string]any{"positions_kept": len(e.snap.Book.Entries)},
	})
	return e.persist(ctx, now)
}
