package speech

import (
	"strings"
)

// MaxPhrases caps the number of sentences Phrases expands a rule into.
const MaxPhrases = 4096

// RuleKind discriminates Rule.
type RuleKind uint8

const (
	RuleLiteral RuleKind = iota
	RuleSequence
	RuleChoice
)

// Rule is a recognizable phrase structure: a literal, a sequence of rules, or
// a choice between rules. An optional choice may also match nothing.
type Rule struct {
	Kind     RuleKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	Items    []Rule   `json:"items,omitempty"`
	Optional bool     `json:"optional,omitempty"`
}

// Literal returns a rule matching text exactly.
func Literal(text string) Rule {
	return Rule{Kind: RuleLiteral, Text: text}
}

// Sequence returns a rule matching items in order.
func Sequence(items ...Rule) Rule {
	return Rule{Kind: RuleSequence, Items: items}
}

// Choice returns a rule matching exactly one of items, or nothing when
// optional is set.
func Choice(optional bool, items ...Rule) Rule {
	return Rule{Kind: RuleChoice, Items: items, Optional: optional}
}

// String renders the rule in a compact grammar notation: choices as
// (a|b), optional choices as [a|b].
func (r Rule) String() string {
	var b strings.Builder
	r.write(&b)
	return strings.Join(strings.Fields(b.String()), " ")
}

func (r Rule) write(b *strings.Builder) {
	switch r.Kind {
	case RuleLiteral:
		b.WriteString(r.Text)
	case RuleSequence:
		for _, it := range r.Items {
			it.write(b)
		}
	case RuleChoice:
		open, closing := "(", ")"
		if r.Optional {
			open, closing = "[", "]"
		}
		b.WriteString(" " + open)
		for i, it := range r.Items {
			if i > 0 {
				b.WriteString("|")
			}
			var sub strings.Builder
			it.write(&sub)
			b.WriteString(strings.Join(strings.Fields(sub.String()), " "))
		}
		b.WriteString(closing + " ")
	}
}

// Phrases expands the rule into every sentence it matches, normalized with
// Normalize. The result is truncated at MaxPhrases.
func (r Rule) Phrases() []string {
	raw := r.expand()
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		n := Normalize(p)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (r Rule) expand() []string {
	switch r.Kind {
	case RuleLiteral:
		return []string{r.Text}
	case RuleSequence:
		acc := []string{""}
		for _, it := range r.Items {
			parts := it.expand()
			next := make([]string, 0, len(acc)*len(parts))
			for _, a := range acc {
				for _, p := range parts {
					if len(next) >= MaxPhrases {
						break
					}
					next = append(next, a+p)
				}
			}
			acc = next
		}
		return acc
	case RuleChoice:
		var out []string
		if r.Optional {
			out = append(out, "")
		}
		for _, it := range r.Items {
			out = append(out, it.expand()...)
			if len(out) >= MaxPhrases {
				return out[:MaxPhrases]
			}
		}
		return out
	}
	return nil
}
