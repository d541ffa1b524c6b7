package budget

import (
	"sync"
	"time"

	"github.com/zivhm/MAHORAGA/internal/observ"
)

const quotaWindow = 24 * time.Hour

// QuotaState is the persisted part of a ReadQuota.
type QuotaState struct {
	ReadsUsed   int       `json:"reads_used"`
	WindowStart time.Time `json:"window_start"`
}

// ReadQuota caps external reads per 24h window. The window resets lazily on the
// first check after it has elapsed; exhaustion is never an error, callers just skip.
type ReadQuota struct {
	mu    sync.Mutex
	name  string
	limit int
	st    QuotaState
}

func NewReadQuota(name string, limit int) *ReadQuota {
	return &ReadQuota{name: name, limit: limit}
}

func (q *ReadQuota) roll(now time.Time) {
	if q.st.WindowStart.IsZero() {
		q.st.WindowStart = now
		return
	}
	if now.Sub(q.st.WindowStart) >= quotaWindow {
		observ.Log("read_quota_reset", map[string]any{
			"quota":      q.name,
			"reads_used": q.st.ReadsUsed,
			"window":     q.st.WindowStart,
		})
		q.st = QuotaState{WindowStart: now}
	}
}

// Allow reports whether n more reads fit in the current window.
func (q *ReadQuota) Allow(now time.Time, n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll(now)
	return q.st.ReadsUsed+n <= q.limit
}

// Consume records n reads. It returns false, recording nothing, when the cap would be exceeded.
func (q *ReadQuota) Consume(now time.Time, n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll(now)
	if q.st.ReadsUsed+n > q.limit {
		observ.IncCounter("read_quota_exhausted_total", map[string]string{"quota": q.name})
		return false
	}
	q.st.ReadsUsed += n
	observ.SetGauge("read_quota_used", float64(q.st.ReadsUsed), map[string]string{"quota": q.name})
	return true
}

func (q *ReadQuota) Remaining(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll(now)
	if r := q.limit - q.st.ReadsUsed; r > 0 {
		return r
	}
	return 0
}

func (q *ReadQuota) SetLimit(limit int) {
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
}

func (q *ReadQuota) State() QuotaState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st
}

func (q *ReadQuota) Restore(st QuotaState) {
	q.mu.Lock()
	q.st = st
	q.mu.Unlock()
}
