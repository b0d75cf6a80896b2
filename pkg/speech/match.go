package speech

import (
	"sort"
	"strings"
	"unicode"
)

// Normalize lowercases text, drops punctuation and collapses whitespace so
// that heard text can be compared with grammar phrases.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Matcher scores heard text against a set of compiled grammars. It is the
// literal phrase-set matching used by recognizers that receive text rather
// than audio.
type Matcher struct {
	phrases map[GrammarHandle][]string
}

// NewMatcher returns an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{phrases: make(map[GrammarHandle][]string)}
}

// Add indexes the phrases of rule under h.
func (m *Matcher) Add(h GrammarHandle, rule Rule) {
	m.phrases[h] = rule.Phrases()
}

// Remove drops h from the index.
func (m *Matcher) Remove(h GrammarHandle) {
	delete(m.phrases, h)
}

// Has reports whether h is indexed.
func (m *Matcher) Has(h GrammarHandle) bool {
	_, ok := m.phrases[h]
	return ok
}

// Match returns the recognition event for text restricted to the enabled
// handles. An exact phrase match is recognized with confidence 1; otherwise
// the event is a rejection carrying the closest phrases scored by word
// overlap, best first.
func (m *Matcher) Match(text string, enabled map[GrammarHandle]bool) RecognitionEvent {
	heard := Normalize(text)
	handles := make([]GrammarHandle, 0, len(enabled))
	for h, on := range enabled {
		if on {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	var alts []Alternative
	for _, h := range handles {
		for _, p := range m.phrases[h] {
			if p == heard {
				return RecognitionEvent{Kind: Recognized, Grammar: h, Confidence: 1, Text: p}
			}
			if score := overlap(heard, p); score > 0 {
				alts = append(alts, Alternative{Text: p, Confidence: score})
			}
		}
	}
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].Confidence > alts[j].Confidence })
	if len(alts) > 5 {
		alts = alts[:5]
	}
	return RecognitionEvent{Kind: Rejected, Text: heard, Alternatives: alts}
}

// overlap is the Dice coefficient of the word sets of a and b.
func overlap(a, b string) float32 {
	wa, wb := strings.Fields(a), strings.Fields(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := make(map[string]int, len(wa))
	for _, w := range wa {
		set[w]++
	}
	common := 0
	for _, w := range wb {
		if set[w] > 0 {
			set[w]--
			common++
		}
	}
	return float32(2*common) / float32(len(wa)+len(wb))
}
