package signals

import (
	"sort"
)

// Candidate is the cross-source view of one symbol.
type Candidate struct {
	Symbol            string   `json:"symbol"`
	Sources           []string `json:"sources"`
	RawSentiment      float64  `json:"raw_sentiment"`
	WeightedSentiment float64  `json:"weighted_sentiment"`
	Volume            int      `json:"volume"`
	IsCrypto          bool     `json:"is_crypto,omitempty"`
	Price             float64  `json:"price,omitempty"`
}

// Aggregate groups signals by symbol (volume-weighted means across sources) and ranks
// the result by weighted sentiment, highest first.
func Aggregate(sigs []Signal) []Candidate {
	type group struct {
		c         Candidate
		sources   map[string]bool
		rawSum    float64
		weightSum float64
	}
	groups := map[string]*group{}
	for _, s := range sigs {
		g, ok := groups[s.Symbol]
		if !ok {
			g = &group{c: Candidate{Symbol: s.Symbol}, sources: map[string]bool{}}
			groups[s.Symbol] = g
		}
		vol := s.Volume
		if vol <= 0 {
			vol = 1
		}
		g.rawSum += s.RawSentiment * float64(vol)
		g.weightSum += s.Sentiment * float64(vol)
		g.c.Volume += vol
		g.sources[s.SourceDetail] = true
		if s.IsCrypto {
			g.c.IsCrypto = true
			g.c.Price = s.Price
		}
	}

	out := make([]Candidate, 0, len(groups))
	for _, g := range groups {
		c := g.c
		c.RawSentiment = g.rawSum / float64(c.Volume)
		c.WeightedSentiment = g.weightSum / float64(c.Volume)
		for src := range g.sources {
			c.Sources = append(c.Sources, src)
		}
		sort.Strings(c.Sources)
		out = append(out, c)
	}
	Rank(out)
	return out
}

// Rank orders candidates by weighted sentiment descending, then volume, then symbol.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.WeightedSentiment != b.WeightedSentiment {
			return a.WeightedSentiment > b.WeightedSentiment
		}
		if a.Volume != b.Volume {
			return a.Volume > b.Volume
		}
		return a.Symbol < b.Symbol
	})
}

// Eligible keeps candidates whose raw sentiment clears minRaw. Filtering on raw rather than
// weighted sentiment keeps source quality from being counted twice; order is preserved.
func Eligible(cands []Candidate, minRaw float64) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.RawSentiment >= minRaw {
			out = append(out, c)
		}
	}
	return out
}

// VolumeBySymbol sums mention volume per symbol across sources.
func VolumeBySymbol(sigs []Signal) map[string]int {
	out := map[string]int{}
	for _, s := range sigs {
		out[s.Symbol] += s.Volume
	}
	return out
}

// Find returns the candidate for symbol, if present.
func Find(cands []Candidate, symbol string) (Candidate, bool) {
	for _, c := range cands {
		if c.Symbol == symbol {
			return c, true
		}
	}
	return Candidate{}, false
}
