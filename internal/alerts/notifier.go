package alerts

import (
	"context"
	"time"
)

// Event kinds the engine emits.
const (
	KindResearchBuy = "research_buy"
	KindEntry       = "entry"
	KindExit        = "exit"
	KindPremarket   = "premarket_executed"
	KindKill        = "kill"
)

type Event struct {
	Kind    string         `json:"kind"`
	Symbol  string         `json:"symbol,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}

// Notifier is fire-and-forget from the caller's side: errors are reported but never retried by callers.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event. Used when no webhook is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
