package dialog

import (
	"strings"

	"github.com/voicetyped/vi/pkg/speech"
)

// Grammar is one recognizable sentence compiled from a single alternative of
// a player node's template.
type Grammar struct {
	Node    NodeID
	Source  string
	Rule    speech.Rule
	Handle  speech.GrammarHandle
	Enabled bool
}

var recognitionNoise = strings.NewReplacer(".", "", ",", "", ";", "", "!", "", "?", "")

// CompileRules compiles each alternative of template into a recognition
// rule. Overrides contribute their spoken half. Blank and malformed
// alternatives produce nothing.
func CompileRules(template string) []speech.Rule {
	var rules []speech.Rule
	for _, alt := range splitAlternatives(template) {
		clean := recognitionNoise.Replace(alt)
		if Blank(clean) {
			continue
		}
		seq, err := parseAlternative(clean)
		if err != nil {
			continue
		}
		rules = append(rules, sequenceRule(seq))
	}
	return rules
}

func sequenceRule(seq sequence) speech.Rule {
	items := make([]speech.Rule, 0, len(seq))
	for _, pt := range seq {
		switch pt.kind {
		case partText:
			items = append(items, speech.Literal(pt.text))
		case partChoice:
			opts := make([]speech.Rule, 0, len(pt.options))
			for _, o := range pt.options {
				opts = append(opts, sequenceRule(o))
			}
			items = append(items, speech.Choice(pt.optional, opts...))
		case partOverride:
			items = append(items, sequenceRule(pt.spoken))
		}
	}
	return speech.Sequence(items...)
}
