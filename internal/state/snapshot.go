package state

import (
	"context"
	"time"

	"github.com/zivhm/MAHORAGA/internal/budget"
	"github.com/zivhm/MAHORAGA/internal/cache"
	"github.com/zivhm/MAHORAGA/internal/confirm"
	"github.com/zivhm/MAHORAGA/internal/lifecycle"
	"github.com/zivhm/MAHORAGA/internal/premarket"
	"github.com/zivhm/MAHORAGA/internal/research"
	"github.com/zivhm/MAHORAGA/internal/signals"
)

const SchemaVersion = 1

// Snapshot is the whole persisted agent state, saved and loaded as one document.
type Snapshot struct {
	Version int  `json:"version"`
	Enabled bool `json:"enabled"`

	LastDataGather       time.Time `json:"last_data_gather"`
	LastSignalResearch   time.Time `json:"last_signal_research"`
	LastPositionResearch time.Time `json:"last_position_research"`
	LastAnalyst          time.Time `json:"last_analyst"`

	Signals       []signals.Signal                             `json:"signals"`
	Book          *lifecycle.Book                              `json:"book"`
	Research      map[string]cache.Entry[research.Result]      `json:"research"`
	Reviews       map[string]research.Review                   `json:"position_reviews"`
	Confirmations map[string]cache.Entry[confirm.Confirmation] `json:"confirmations"`

	Plan              *premarket.Plan `json:"premarket_plan,omitempty"`
	LastPremarketExec string          `json:"last_premarket_exec,omitempty"`

	Costs    budget.Costs         `json:"costs"`
	Quota    budget.QuotaState    `json:"read_quota"`
	Notified map[string]time.Time `json:"notified"`

	SavedAt time.Time `json:"saved_at"`
}

func NewSnapshot() *Snapshot {
	s := &Snapshot{Version: SchemaVersion}
	s.fill()
	return s
}

// fill replaces nil collections so callers never branch on them.
func (s *Snapshot) fill() {
	if s.Book == nil {
		s.Book = lifecycle.NewBook()
	}
	if s.Book.Entries == nil {
		s.Book.Entries = map[string]*lifecycle.PositionEntry{}
	}
	if s.Book.SocialHistory == nil {
		s.Book.SocialHistory = map[string][]lifecycle.VolumeSample{}
	}
	if s.Research == nil {
		s.Research = map[string]cache.Entry[research.Result]{}
	}
	if s.Reviews == nil {
		s.Reviews = map[string]research.Review{}
	}
	if s.Confirmations == nil {
		s.Confirmations = map[string]cache.Entry[confirm.Confirmation]{}
	}
	if s.Notified == nil {
		s.Notified = map[string]time.Time{}
	}
	if s.Costs.ByModel == nil {
		s.Costs.ByModel = map[string]float64{}
	}
	if s.Version == 0 {
		s.Version = SchemaVersion
	}
}

// Store persists whole snapshots. Load returns an empty snapshot, not an error, when
// nothing was saved yet.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}
