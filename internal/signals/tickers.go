package signals

import (
	"regexp"
	"strings"
)

var (
	cashtagRe = regexp.MustCompile(`\$([A-Z]{1,5})\b`)
	contextRe = regexp.MustCompile(`\b([A-Z]{2,5})\s+(?i:calls?|puts?|stock|shares?|moon|rocket|yolo|buy|sell|long|short)\b`)
)

// Blacklist is a set of uppercase tokens that look like tickers but are not.
type Blacklist map[string]struct{}

func NewBlacklist(tokens []string) Blacklist {
	b := make(Blacklist, len(tokens))
	for _, t := range tokens {
		b[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return b
}

func (b Blacklist) Has(token string) bool {
	_, ok := b[token]
	return ok
}

// ExtractTickers returns cashtags and uppercase tokens used in a trading context,
// deduplicated in order of first appearance.
func ExtractTickers(text string, blacklist Blacklist) []string {
	seen := map[string]bool{}
	var out []string
	add := func(sym string) {
		if seen[sym] || blacklist.Has(sym) {
			return
		}
		seen[sym] = true
		out = append(out, sym)
	}
	for _, m := range cashtagRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range contextRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}
