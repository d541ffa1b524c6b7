package lifecycle

import (
	"fmt"
	"time"

	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/config"
)

const (
	ExitProfit = "EXIT_PROFIT"
	ExitLoss   = "EXIT_LOSS"
	ExitStale  = "EXIT_STALE"
	ExitManual = "EXIT_MANUAL"
)

// Eval is everything a rule may look at for one position.
type Eval struct {
	Position      broker.Position
	Entry         *PositionEntry // nil when the position predates the agent's records
	CurrentVolume int
	Now           time.Time
}

// Rule is one exit check. Rules run in slice order and the first match wins.
type Rule struct {
	Name  string
	Exit  string
	Match func(Eval) (bool, string)
}

type Decision struct {
	Rule   string `json:"rule"`
	Exit   string `json:"exit"`
	Reason string `json:"reason"`
}

func takeProfit(name string, pct float64) Rule {
	return Rule{Name: name, Exit: ExitProfit, Match: func(ev Eval) (bool, string) {
		pl := ev.Position.UnrealizedPLPct
		return pl >= pct, fmt.Sprintf("P&L %.2f%% >= take profit %.1f%%", pl, pct)
	}}
}

func stopLoss(name string, pct float64) Rule {
	return Rule{Name: name, Exit: ExitLoss, Match: func(ev Eval) (bool, string) {
		pl := ev.Position.UnrealizedPLPct
		return pl <= -pct, fmt.Sprintf("P&L %.2f%% <= stop loss -%.1f%%", pl, pct)
	}}
}

// EquityRules covers equities and crypto: profit, loss, then staleness when enabled.
func EquityRules(t config.Trading, s config.Staleness) []Rule {
	rules := []Rule{
		takeProfit("take_profit", t.TakeProfitPct),
		stopLoss("stop_loss", t.StopLossPct),
	}
	if s.Enabled {
		rules = append(rules, Rule{Name: "staleness", Exit: ExitStale, Match: func(ev Eval) (bool, string) {
			if ev.Entry == nil {
				return false, ""
			}
			st := ScoreStaleness(*ev.Entry, ev.Position.CurrentPrice, ev.CurrentVolume, s, ev.Now)
			return st.IsStale, st.Reason
		}})
	}
	return rules
}

// OptionRules uses the wider options thresholds and never the staleness scorer.
func OptionRules(o config.Options) []Rule {
	return []Rule{
		takeProfit("options_take_profit", o.TakeProfitPct),
		stopLoss("options_stop_loss", o.StopLossPct),
	}
}

// Evaluate returns the first matching rule's decision.
func Evaluate(rules []Rule, ev Eval) (Decision, bool) {
	for _, r := range rules {
		if ok, why := r.Match(ev); ok {
			return Decision{Rule: r.Name, Exit: r.Exit, Reason: why}, true
		}
	}
	return Decision{}, false
}
