package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zivhm/MAHORAGA/internal/alerts"
	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/budget"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/confirm"
	"github.com/zivhm/MAHORAGA/internal/decision"
	"github.com/zivhm/MAHORAGA/internal/lifecycle"
	"github.com/zivhm/MAHORAGA/internal/llm"
	"github.com/zivhm/MAHORAGA/internal/observ"
	"github.com/zivhm/MAHORAGA/internal/options"
	"github.com/zivhm/MAHORAGA/internal/premarket"
	"github.com/zivhm/MAHORAGA/internal/research"
	"github.com/zivhm/MAHORAGA/internal/router"
	"github.com/zivhm/MAHORAGA/internal/signals"
	"github.com/zivhm/MAHORAGA/internal/state"
)

// Deps are the collaborators the engine drives. Broker, Store and Completer are required;
// a nil Searcher turns confirmation off and a nil Notifier drops notifications.
type Deps struct {
	Broker    broker.Broker
	Store     state.Store
	Completer llm.Completer
	Sources   []signals.Source
	Searcher  confirm.Searcher
	Notifier  alerts.Notifier
	Now       func() time.Time
}

// Engine is the single actor that owns the snapshot. Every exported method takes the
// same lock, so a control action never overlaps a tick.
type Engine struct {
	mu  sync.Mutex
	cfg config.Root

	broker   broker.Broker
	store    state.Store
	sources  []signals.Source
	notifier alerts.Notifier
	now      func() time.Time

	normalizers []*signals.Normalizer
	costs       *budget.CostTracker
	quota       *budget.ReadQuota
	cooldown    *alerts.Cooldown
	gate        *research.Gate
	analyst     *research.Analyst
	confirmer   *confirm.Confirmer
	selector    *options.Selector
	router      *router.Router
	ctrl        *lifecycle.Controller
	planner     *premarket.Planner

	snap *state.Snapshot
}

// New wires the components and restores the last persisted snapshot.
func New(ctx context.Context, cfg config.Root, d Deps) (*Engine, error) {
	if d.Broker == nil || d.Store == nil || d.Completer == nil {
		return nil, errors.New("engine: broker, store and completer are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Notifier == nil {
		d.Notifier = alerts.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	planner, err := premarket.NewPlanner(cfg.Premarket)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		broker:   d.Broker,
		store:    d.Store,
		sources:  d.Sources,
		notifier: d.Notifier,
		now:      d.Now,
		costs:    budget.NewCostTracker(nil, cfg.LLM.CostAlertUSD),
		quota:    budget.NewReadQuota("confirmation", cfg.Confirmation.DailyReadCap),
		cooldown: alerts.NewCooldown(cfg.Notify.Cooldown),
		planner:  planner,
	}
	e.gate = research.NewGate(d.Completer, e.costs, e.notifier, e.cooldown, cfg.Research, cfg.Trading.MinAnalystConfidence)
	e.analyst = research.NewAnalyst(d.Completer, e.costs, cfg.Research)
	if d.Searcher != nil {
		limiter := rate.NewLimiter(rate.Limit(cfg.Confirmation.RequestsPerSec), 1)
		e.confirmer = confirm.NewConfirmer(d.Searcher, e.quota, limiter, cfg.Confirmation)
	}
	e.selector = options.NewSelector(d.Broker, cfg.Options)
	e.router = router.New(cfg, e.selector)
	e.ctrl = lifecycle.NewController(d.Broker, e.router, e.notifier, e.cooldown, cfg)
	e.buildNormalizers()

	snap, err := d.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: load state: %w", err)
	}
	e.restore(snap)
	return e, nil
}

func (e *Engine) buildNormalizers() {
	e.normalizers = e.normalizers[:0]
	for _, src := range e.sources {
		limiter := rate.NewLimiter(rate.Limit(e.cfg.Signals.RequestsPerSec), 1)
		e.normalizers = append(e.normalizers, signals.NewNormalizer(src, limiter, e.cfg.Signals))
	}
}

func (e *Engine) restore(s *state.Snapshot) {
	e.snap = s
	e.gate.Cache().Restore(s.Research)
	if e.confirmer != nil {
		e.confirmer.Cache().Restore(s.Confirmations)
	}
	e.planner.Restore(s.Plan, s.LastPremarketExec)
	e.costs.Restore(s.Costs)
	e.quota.Restore(s.Quota)
	e.cooldown.Restore(s.Notified)
	observ.Log("state_restored", map[string]any{
		"enabled":   s.Enabled,
		"positions": len(s.Book.Entries),
		"signals":   len(s.Signals),
		"saved_at":  s.SavedAt,
	})
}

// Run ticks on the configured interval until ctx is cancelled. A failed or panicking tick
// is logged and the loop carries on.
func (e *Engine) Run(ctx context.Context) {
	interval := e.Config().Agent.TickInterval
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tctx, cancel := context.WithTimeout(ctx, tickTimeout)
			if err := e.Tick(tctx); err != nil {
				observ.Warn("tick_failed", map[string]any{"error": err})
			}
			cancel()
			if next := e.Config().Agent.TickInterval; next != interval {
				interval = next
				t.Reset(interval)
			}
		}
	}
}

const tickTimeout = 5 * time.Minute

// Tick runs one cycle when the agent is enabled.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.snap.Enabled {
		return nil
	}
	return e.tick(ctx)
}

// TriggerOnce runs one cycle whether or not the agent is enabled.
func (e *Engine) TriggerOnce(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	observ.Log("tick_triggered", nil)
	return e.tick(ctx)
}

// view is the broker's truth as read at the start of a tick.
type view struct {
	acct      broker.Account
	acctErr   error
	positions []broker.Position
	posErr    error
	clock     broker.Clock
}

func (e *Engine) read(ctx context.Context) view {
	var v view
	var clockErr error
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		v.acct, v.acctErr = e.broker.Account(ctx)
	}()
	go func() {
		defer wg.Done()
		v.positions, v.posErr = e.broker.Positions(ctx)
	}()
	go func() {
		defer wg.Done()
		v.clock, clockErr = e.broker.Clock(ctx)
	}()
	wg.Wait()

	if v.acctErr != nil {
		observ.Warn("broker_account_failed", map[string]any{"error": v.acctErr})
	}
	if v.posErr != nil {
		observ.Warn("broker_positions_failed", map[string]any{"error": v.posErr})
	}
	if clockErr != nil {
		// treat as closed; crypto still trades
		observ.Warn("broker_clock_failed", map[string]any{"error": clockErr})
		v.clock = broker.Clock{}
	}
	return v
}

// refresh re-reads positions and account after orders changed them.
func (e *Engine) refresh(ctx context.Context, v *view) {
	v.positions, v.posErr = e.broker.Positions(ctx)
	v.acct, v.acctErr = e.broker.Account(ctx)
	if v.posErr != nil || v.acctErr != nil {
		observ.Warn("broker_refresh_failed", map[string]any{"positions_error": v.posErr, "account_error": v.acctErr})
	}
}

func (e *Engine) tick(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			observ.Error("tick_panic", map[string]any{"panic": fmt.Sprint(r)})
			observ.IncCounter("tick_panics_total", nil)
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	now := e.now()
	cfg := e.cfg
	book := e.snap.Book

	v := e.read(ctx)
	trading := v.posErr == nil && v.acctErr == nil
	if v.posErr == nil {
		e.ctrl.Reconcile(book, v.positions)
	}

	if now.Sub(e.snap.LastDataGather) >= cfg.Agent.DataPollInterval {
		e.gather(ctx, now)
	}
	cands := signals.Aggregate(e.snap.Signals)

	if v.posErr == nil && len(v.positions) > 0 {
		exits := e.ctrl.RunExits(ctx, book, v.positions, v.clock, sentimentBySymbol(cands), now)
		if len(exits) > 0 {
			e.refresh(ctx, &v)
			trading = v.posErr == nil && v.acctErr == nil
		}
	}

	if trading {
		e.runPremarket(ctx, &v, cands, now)
		trading = v.posErr == nil && v.acctErr == nil
	}

	eligible := tradableNow(signals.Eligible(cands, cfg.Trading.MinSentimentScore), v.clock)
	held := heldSymbols(book, v.positions)

	if now.Sub(e.snap.LastSignalResearch) >= cfg.Agent.SignalResearchInterval {
		e.researchSignals(ctx, eligible, held, now)
		e.snap.LastSignalResearch = now
	}

	var analystBuys []research.Recommendation
	if trading && now.Sub(e.snap.LastAnalyst) >= cfg.Agent.AnalystInterval {
		analystBuys = e.runAnalyst(ctx, eligible, held, v, now)
		e.snap.LastAnalyst = now
	}

	if v.posErr == nil && now.Sub(e.snap.LastPositionResearch) >= cfg.Agent.PositionResearchInterval {
		e.researchPositions(ctx, v.positions, cands, now)
		e.snap.LastPositionResearch = now
	}

	if trading && len(v.positions) < cfg.Trading.MaxPositions {
		entries := e.entryCandidates(ctx, eligible, cands, analystBuys, now)
		if len(entries) > 0 {
			e.ctrl.RunEntries(ctx, book, entries, v.positions, v.acct, v.clock, now)
		}
	}

	observ.SetGauge("positions_tracked", float64(len(book.Entries)), nil)
	observ.Observe("tick_duration_seconds", time.Since(start).Seconds(), nil)
	return e.persist(ctx, now)
}

// gather replaces the signal cache wholesale and samples social volume for held symbols.
// When every source failed nothing is sampled.
func (e *Engine) gather(ctx context.Context, now time.Time) {
	sigs, failed := signals.Gather(ctx, e.normalizers, now)
	if e.cfg.Crypto.Enabled {
		sigs = append(sigs, e.cryptoSignals(ctx, now)...)
	}
	e.snap.Signals = sigs
	e.snap.LastDataGather = now

	vol := signals.VolumeBySymbol(sigs)
	if len(e.normalizers) > 0 && failed == len(e.normalizers) {
		// an outage is not a volume collapse
		observ.Warn("social_sample_skipped", map[string]any{"failed_sources": failed})
		return
	}
	for _, sym := range e.snap.Book.Symbols() {
		key := sym
		if entry, ok := e.snap.Book.Get(sym); ok && entry.Underlying != "" {
			key = entry.Underlying
		}
		e.snap.Book.RecordVolume(sym, vol[key], now)
	}
	observ.SetGauge("signals_cached", float64(len(sigs)), nil)
	observ.Log("signals_gathered", map[string]any{"signals": len(sigs), "symbols": len(vol)})
}

func (e *Engine) cryptoSignals(ctx context.Context, now time.Time) []signals.Signal {
	var out []signals.Signal
	for _, sym := range e.cfg.Crypto.Symbols {
		snap, err := e.broker.CryptoSnapshot(ctx, sym)
		if err != nil {
			observ.Warn("crypto_snapshot_failed", map[string]any{"symbol": sym, "error": err})
			continue
		}
		if s, ok := signals.MomentumSignal(sym, snap.ChangePct, snap.Price, e.cfg.Crypto.MomentumThreshold, now); ok {
			out = append(out, s)
		}
	}
	return out
}

// researchSignals asks the gate about the top unheld eligible candidates. Fresh cached
// verdicts are reused without a model call. Equities are quoted first so the prompt
// carries a price; a failed quote only drops the price line.
func (e *Engine) researchSignals(ctx context.Context, eligible []signals.Candidate, held map[string]bool, now time.Time) {
	asked := 0
	for _, c := range eligible {
		if held[c.Symbol] {
			continue
		}
		if asked >= e.cfg.Agent.MaxResearchPerRun {
			break
		}
		asked++
		rc := researchContext(c)
		if _, cached := e.gate.Cached(c.Symbol, now); !cached && !c.IsCrypto && rc.Price <= 0 {
			if q, err := e.broker.Quote(ctx, c.Symbol); err != nil {
				observ.Warn("research_quote_failed", map[string]any{"symbol": c.Symbol, "error": err})
			} else {
				rc.Price = q.Price()
			}
		}
		e.gate.Research(ctx, c.Symbol, rc, now)
	}
}

// runAnalyst sends only candidates without a fresh per-symbol verdict, then drops any BUY
// for a symbol the gate has covered in the meantime.
func (e *Engine) runAnalyst(ctx context.Context, eligible []signals.Candidate, held map[string]bool, v view, now time.Time) []research.Recommendation {
	var uncovered []signals.Candidate
	for _, c := range eligible {
		if held[c.Symbol] {
			continue
		}
		if _, ok := e.gate.Cached(c.Symbol, now); ok {
			continue
		}
		uncovered = append(uncovered, c)
	}
	if len(uncovered) == 0 {
		return nil
	}
	batch := e.analyst.Recommend(ctx, uncovered, v.positions, v.acct, now)
	if batch == nil {
		return nil
	}
	var buys []research.Recommendation
	for _, rec := range batch.Recommendations {
		switch rec.Action {
		case research.ActionBuy:
			if _, ok := e.gate.Cached(rec.Symbol, now); ok {
				observ.Log("analyst_buy_superseded", map[string]any{"symbol": rec.Symbol})
				continue
			}
			buys = append(buys, rec)
		case research.ActionSell:
			observ.Log("analyst_sell_advice", map[string]any{"symbol": rec.Symbol, "confidence": rec.Confidence, "reasoning": rec.Reasoning})
		}
	}
	return buys
}

// researchPositions stores an informational review per tracked position.
func (e *Engine) researchPositions(ctx context.Context, positions []broker.Position, cands []signals.Candidate, now time.Time) {
	live := map[string]bool{}
	for _, p := range positions {
		live[p.Symbol] = true
		entry, ok := e.snap.Book.Get(p.Symbol)
		if !ok {
			continue
		}
		key := p.Symbol
		if entry.Underlying != "" {
			key = entry.Underlying
		}
		current, _ := signals.Find(cands, key)
		rv := e.gate.ReviewPosition(ctx, research.PositionContext{
			Symbol:           p.Symbol,
			EntryPrice:       entry.EntryPrice,
			CurrentPrice:     p.CurrentPrice,
			PLPct:            p.UnrealizedPLPct,
			HoldHours:        now.Sub(entry.EntryTime).Hours(),
			EntrySentiment:   entry.EntrySentiment,
			CurrentSentiment: current.WeightedSentiment,
			EntryVolume:      entry.EntrySocialVolume,
			CurrentVolume:    e.snap.Book.CurrentVolume(p.Symbol),
		}, now)
		if rv != nil {
			e.snap.Reviews[p.Symbol] = *rv
		}
	}
	for sym := range e.snap.Reviews {
		if !live[sym] {
			delete(e.snap.Reviews, sym)
		}
	}
}

// entryCandidates puts per-symbol BUY verdicts first in line and adds analyst BUYs only for
// symbols the gate has not covered.
func (e *Engine) entryCandidates(ctx context.Context, eligible, all []signals.Candidate, analystBuys []research.Recommendation, now time.Time) []decision.Candidate {
	var out []decision.Candidate
	covered := map[string]bool{}
	for _, c := range eligible {
		r, ok := e.gate.Cached(c.Symbol, now)
		if !ok {
			continue
		}
		covered[c.Symbol] = true
		if r.Verdict != research.VerdictBuy {
			continue
		}
		dc := fromSignal(c)
		dc.Origin = decision.OriginResearch
		dc.Verdict = r.Verdict
		dc.BaseConfidence = r.Confidence
		dc.EntryQuality = r.EntryQuality
		dc.Reasoning = r.Reasoning
		dc.Confirmation = e.confirmer.Confirm(ctx, c.Symbol, c.WeightedSentiment, now)
		out = append(out, dc)
	}
	for _, rec := range analystBuys {
		if covered[rec.Symbol] {
			continue
		}
		if _, ok := e.gate.Cached(rec.Symbol, now); ok {
			continue
		}
		out = append(out, e.recommendationCandidate(ctx, rec, all, decision.OriginAnalyst, now))
	}
	return out
}

func (e *Engine) recommendationCandidate(ctx context.Context, rec research.Recommendation, all []signals.Candidate, origin string, now time.Time) decision.Candidate {
	dc := decision.Candidate{Symbol: rec.Symbol}
	if c, ok := signals.Find(all, rec.Symbol); ok {
		dc = fromSignal(c)
		dc.Confirmation = e.confirmer.Confirm(ctx, c.Symbol, c.WeightedSentiment, now)
	}
	dc.Origin = origin
	dc.Verdict = research.VerdictBuy
	dc.BaseConfidence = rec.Confidence
	dc.Reasoning = rec.Reasoning
	return dc
}

func (e *Engine) persist(ctx context.Context, now time.Time) error {
	e.gate.Cache().Cleanup(now)
	e.cooldown.Prune(now)
	s := e.snap
	s.Research = e.gate.Cache().Export()
	if e.confirmer != nil {
		e.confirmer.Cache().Cleanup(now)
		s.Confirmations = e.confirmer.Cache().Export()
	}
	s.Plan = e.planner.Plan()
	s.LastPremarketExec = e.planner.LastExecuted()
	s.Costs = e.costs.Snapshot()
	s.Quota = e.quota.State()
	s.Notified = e.cooldown.Export()
	s.SavedAt = now
	if err := e.store.Save(ctx, s); err != nil {
		observ.Error("state_save_failed", map[string]any{"error": err})
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func fromSignal(c signals.Candidate) decision.Candidate {
	return decision.Candidate{
		Symbol:       c.Symbol,
		Sentiment:    c.WeightedSentiment,
		RawSentiment: c.RawSentiment,
		Volume:       c.Volume,
		Sources:      c.Sources,
		IsCrypto:     c.IsCrypto,
		Price:        c.Price,
	}
}

func researchContext(c signals.Candidate) research.Context {
	return research.Context{
		Price:             c.Price,
		WeightedSentiment: c.WeightedSentiment,
		RawSentiment:      c.RawSentiment,
		Volume:            c.Volume,
		Sources:           c.Sources,
		IsCrypto:          c.IsCrypto,
	}
}

func sentimentBySymbol(cands []signals.Candidate) map[string]float64 {
	out := make(map[string]float64, len(cands))
	for _, c := range cands {
		out[c.Symbol] = c.WeightedSentiment
	}
	return out
}

// tradableNow keeps crypto always and equities only while the market is open.
func tradableNow(cands []signals.Candidate, clock broker.Clock) []signals.Candidate {
	if clock.IsOpen {
		return cands
	}
	out := cands[:0:0]
	for _, c := range cands {
		if c.IsCrypto {
			out = append(out, c)
		}
	}
	return out
}

func heldSymbols(book *lifecycle.Book, positions []broker.Position) map[string]bool {
	held := map[string]bool{}
	for _, p := range positions {
		held[p.Symbol] = true
	}
	for sym, entry := range book.Entries {
		held[sym] = true
		if entry.Underlying != "" {
			held[entry.Underlying] = true
		}
	}
	return held
}
