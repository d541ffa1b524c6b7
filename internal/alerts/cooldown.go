package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/zivhm/MAHORAGA/internal/observ"
)

// Cooldown suppresses repeat notifications per (kind, symbol) within a fixed period.
// Its last-sent map is persisted with the snapshot so restarts don't re-spam.
type Cooldown struct {
	mu     sync.Mutex
	period time.Duration
	last   map[string]time.Time
}

func NewCooldown(period time.Duration) *Cooldown {
	return &Cooldown{period: period, last: map[string]time.Time{}}
}

func cooldownKey(kind, symbol string) string { return kind + ":" + symbol }

// Allow reports whether a notification may go out now, and if so records it.
func (c *Cooldown) Allow(kind, symbol string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cooldownKey(kind, symbol)
	if t, ok := c.last[key]; ok && now.Sub(t) < c.period {
		observ.IncCounter("notify_cooldown_blocks_total", map[string]string{"kind": kind})
		return false
	}
	c.last[key] = now
	return true
}

// Remaining is how long until (kind, symbol) may notify again.
func (c *Cooldown) Remaining(kind, symbol string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[cooldownKey(kind, symbol)]
	if !ok {
		return 0
	}
	if r := c.period - now.Sub(t); r > 0 {
		return r
	}
	return 0
}

func (c *Cooldown) SetPeriod(p time.Duration) {
	c.mu.Lock()
	c.period = p
	c.mu.Unlock()
}

// Prune drops entries whose cooldown has passed.
func (c *Cooldown) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.last {
		if now.Sub(t) >= c.period {
			delete(c.last, k)
		}
	}
}

func (c *Cooldown) Export() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Time, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}

func (c *Cooldown) Restore(m map[string]time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[string]time.Time, len(m))
	for k, v := range m {
		c.last[k] = v
	}
}

// Send applies the cooldown and notifies. Failures are logged, never returned.
func Send(ctx context.Context, n Notifier, c *Cooldown, ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if c != nil && !c.Allow(ev.Kind, ev.Symbol, ev.Time) {
		return false
	}
	if err := n.Notify(ctx, ev); err != nil {
		observ.Warn("notify_error", map[string]any{"kind": ev.Kind, "symbol": ev.Symbol, "error": err})
		return false
	}
	return true
}
