package lifecycle

import (
	"fmt"
	"math"
	"time"

	"github.com/zivhm/MAHORAGA/internal/config"
)

// StaleThreshold is the score at which a position is considered stale.
const StaleThreshold = 70

// Staleness is derived each evaluation and never stored.
type Staleness struct {
	IsStale bool    `json:"is_stale"`
	Reason  string  `json:"reason"`
	Score   float64 `json:"staleness_score"`
	Time    float64 `json:"time_component"`
	Price   float64 `json:"price_component"`
	Social  float64 `json:"social_component"`
}

// ScoreStaleness rates how far a position has lost momentum, 0 to 100.
func ScoreStaleness(e PositionEntry, price float64, currentVolume int, cfg config.Staleness, now time.Time) Staleness {
	holdHours := now.Sub(e.EntryTime).Hours()
	if holdHours < cfg.MinHoldHours {
		return Staleness{Reason: fmt.Sprintf("held %.1fh, grace period %.0fh", holdHours, cfg.MinHoldHours)}
	}
	holdDays := holdHours / 24
	pl := 0.0
	if e.EntryPrice > 0 {
		pl = (price - e.EntryPrice) / e.EntryPrice * 100
	}

	var s Staleness
	switch {
	case holdDays >= cfg.MaxHoldDays:
		s.Time = 40
	case holdDays >= cfg.MidHoldDays:
		s.Time = 20 * (holdDays - cfg.MidHoldDays) / (cfg.MaxHoldDays - cfg.MidHoldDays)
	}

	switch {
	case pl < 0:
		s.Price = math.Min(30, math.Abs(pl)*3)
	case pl < cfg.MidMinGainPct && holdDays >= cfg.MidHoldDays:
		s.Price = 15
	}

	ratio := 1.0
	if e.EntrySocialVolume > 0 {
		ratio = float64(currentVolume) / float64(e.EntrySocialVolume)
	}
	switch {
	case ratio <= cfg.SocialVolumeDecay:
		s.Social = 30
	case ratio <= 0.5:
		s.Social = 15
	}

	s.Score = math.Max(0, math.Min(100, s.Time+s.Price+s.Social))
	backstop := holdDays >= cfg.MaxHoldDays && pl < cfg.MinGainPct
	s.IsStale = s.Score >= StaleThreshold || backstop
	switch {
	case backstop:
		s.Reason = fmt.Sprintf("held %.1fd with %.2f%% gain, below %.1f%% at max hold", holdDays, pl, cfg.MinGainPct)
	default:
		s.Reason = fmt.Sprintf("score %.0f (time %.0f, price %.0f, social %.0f)", s.Score, s.Time, s.Price, s.Social)
	}
	return s
}
