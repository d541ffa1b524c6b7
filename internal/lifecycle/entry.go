package lifecycle

import (
	"sort"
	"time"
)

// maxSocialSamples bounds the per-symbol social volume history.
const maxSocialSamples = 48

// PositionEntry is what we knew when a position was opened. One per held symbol.
type PositionEntry struct {
	Symbol            string    `json:"symbol"`
	Underlying        string    `json:"underlying,omitempty"`
	AssetClass        string    `json:"asset_class"`
	EntryTime         time.Time `json:"entry_time"`
	EntryPrice        float64   `json:"entry_price"`
	EntrySentiment    float64   `json:"entry_sentiment"`
	EntrySocialVolume int       `json:"entry_social_volume"`
	EntrySources      []string  `json:"entry_sources"`
	EntryReason       string    `json:"entry_reason"`
	PeakPrice         float64   `json:"peak_price"`
	PeakSentiment     float64   `json:"peak_sentiment"`
}

type VolumeSample struct {
	Volume int       `json:"volume"`
	Time   time.Time `json:"time"`
}

// Book holds entry metadata and social history for every held symbol. It is plain
// data owned by the tick; no locking.
type Book struct {
	Entries       map[string]*PositionEntry `json:"entries"`
	SocialHistory map[string][]VolumeSample `json:"social_history"`
}

func NewBook() *Book {
	return &Book{
		Entries:       map[string]*PositionEntry{},
		SocialHistory: map[string][]VolumeSample{},
	}
}

func (b *Book) ensure() {
	if b.Entries == nil {
		b.Entries = map[string]*PositionEntry{}
	}
	if b.SocialHistory == nil {
		b.SocialHistory = map[string][]VolumeSample{}
	}
}

// Open records a new entry, replacing any leftover for the symbol.
func (b *Book) Open(e PositionEntry) {
	b.ensure()
	if e.PeakPrice < e.EntryPrice {
		e.PeakPrice = e.EntryPrice
	}
	if e.PeakSentiment < e.EntrySentiment {
		e.PeakSentiment = e.EntrySentiment
	}
	b.Entries[e.Symbol] = &e
	delete(b.SocialHistory, e.Symbol)
}

func (b *Book) Get(symbol string) (*PositionEntry, bool) {
	e, ok := b.Entries[symbol]
	return e, ok
}

// Clear drops every piece of per-symbol state after an exit.
func (b *Book) Clear(symbol string) {
	delete(b.Entries, symbol)
	delete(b.SocialHistory, symbol)
}

func (b *Book) Symbols() []string {
	out := make([]string, 0, len(b.Entries))
	for s := range b.Entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HeldUnderlying reports whether any entry is on symbol, directly or through an option.
func (b *Book) HeldUnderlying(symbol string) bool {
	for s, e := range b.Entries {
		if s == symbol || e.Underlying == symbol {
			return true
		}
	}
	return false
}

func (b *Book) RecordVolume(symbol string, volume int, now time.Time) {
	b.ensure()
	h := append(b.SocialHistory[symbol], VolumeSample{Volume: volume, Time: now})
	if len(h) > maxSocialSamples {
		h = h[len(h)-maxSocialSamples:]
	}
	b.SocialHistory[symbol] = h
}

// CurrentVolume is the latest recorded sample, or the entry volume when nothing was recorded.
func (b *Book) CurrentVolume(symbol string) int {
	if h := b.SocialHistory[symbol]; len(h) > 0 {
		return h[len(h)-1].Volume
	}
	if e, ok := b.Entries[symbol]; ok {
		return e.EntrySocialVolume
	}
	return 0
}

func (b *Book) UpdatePeaks(symbol string, price, sentiment float64) {
	e, ok := b.Entries[symbol]
	if !ok {
		return
	}
	if price > e.PeakPrice {
		e.PeakPrice = price
	}
	if sentiment > e.PeakSentiment {
		e.PeakSentiment = sentiment
	}
}
