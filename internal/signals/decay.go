package signals

import (
	"math"
	"sort"
	"strings"

	"github.com/zivhm/MAHORAGA/internal/config"
)

const (
	decayFloor = 0.2
	decayCeil  = 1.0
)

// TimeDecay halves a post's weight every halfLife minutes, never below 0.2.
func TimeDecay(ageMinutes, halfLifeMinutes float64) float64 {
	if ageMinutes <= 0 || halfLifeMinutes <= 0 {
		return decayCeil
	}
	d := math.Pow(0.5, ageMinutes/halfLifeMinutes)
	return math.Max(decayFloor, math.Min(decayCeil, d))
}

// tierValue walks tiers from the highest threshold down; the first satisfied tier wins.
// When nothing matches the lowest tier applies.
func tierValue(count int, tiers []config.Tier) float64 {
	if len(tiers) == 0 {
		return 1.0
	}
	sorted := make([]config.Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })
	for _, t := range sorted {
		if count >= t.Min {
			return t.Multiplier
		}
	}
	return sorted[len(sorted)-1].Multiplier
}

// EngagementMultiplier is the mean of the upvote tier and the comment tier.
func EngagementMultiplier(upvotes, comments int, upvoteTiers, commentTiers []config.Tier) float64 {
	return (tierValue(upvotes, upvoteTiers) + tierValue(comments, commentTiers)) / 2
}

// FlairMultiplier is an exact-match lookup; unknown or empty flair is neutral.
func FlairMultiplier(flair string, table map[string]float64) float64 {
	if flair == "" {
		return 1.0
	}
	if m, ok := table[flair]; ok {
		return m
	}
	return 1.0
}

var bullishKeywords = []string{
	"moon", "rocket", "buy", "calls", "long", "bullish", "tendies", "squeeze", "breakout",
	"undervalued", "pump", "green", "rip", "all in", "diamond hands", "beat", "upgrade", "🚀",
}

var bearishKeywords = []string{
	"puts", "short", "sell", "bearish", "crash", "dump", "overvalued", "red", "drill",
	"bagholder", "bag holder", "rug", "downgrade", "miss", "tank", "falling", "drop",
}

// DetectSentiment scores text in [-1,1] by counting bullish and bearish keywords.
func DetectSentiment(text string) float64 {
	lower := strings.ToLower(text)
	bull, bear := 0, 0
	for _, k := range bullishKeywords {
		if strings.Contains(lower, k) {
			bull++
		}
	}
	for _, k := range bearishKeywords {
		if strings.Contains(lower, k) {
			bear++
		}
	}
	if bull+bear == 0 {
		return 0
	}
	return float64(bull-bear) / float64(bull+bear)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
