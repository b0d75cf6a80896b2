package dialog

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Template syntax:
//
//	a;b          alternative sentences, one is picked
//	$(a|b|c)     mandatory choice
//	$[a|b]       optional choice, may resolve to nothing
//	<raw-->said> pronunciation override: raw is displayed, said is spoken
//
// A malformed alternative is dropped; the rest of the template still renders.

var errMalformed = errors.New("malformed template")

type partKind uint8

const (
	partText partKind = iota
	partChoice
	partOverride
)

type part struct {
	kind     partKind
	text     string
	optional bool
	options  []sequence
	raw      sequence
	spoken   sequence
}

type sequence []part

// Phrase is a parsed template.
type Phrase struct {
	alternatives []sequence
}

// Len returns the number of well-formed, non-blank alternatives.
func (p *Phrase) Len() int { return len(p.alternatives) }

// ParsePhrase parses a template, skipping blank and malformed alternatives.
func ParsePhrase(template string) *Phrase {
	p := &Phrase{}
	for _, alt := range splitAlternatives(template) {
		if Blank(alt) {
			continue
		}
		seq, err := parseAlternative(alt)
		if err != nil {
			continue
		}
		p.alternatives = append(p.alternatives, seq)
	}
	return p
}

// Blank reports whether template has no content once '.', ',', ';', ':' and
// whitespace are removed.
func Blank(template string) bool {
	for _, r := range template {
		switch {
		case r == '.', r == ',', r == ';', r == ':':
		case unicode.IsSpace(r):
		default:
			return false
		}
	}
	return true
}

// splitAlternatives splits on every ';'. A ';' inside a choice therefore
// breaks that alternative, which is then dropped as malformed.
func splitAlternatives(s string) []string {
	return strings.Split(s, ";")
}

type phraseParser struct {
	src string
	pos int
}

func parseAlternative(s string) (sequence, error) {
	p := &phraseParser{src: s}
	seq, err := p.sequence(func(*phraseParser) bool { return false }, false)
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.src) {
		return nil, errMalformed
	}
	return seq, nil
}

func (p *phraseParser) sequence(stop func(*phraseParser) bool, inOverride bool) (sequence, error) {
	var seq sequence
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			seq = append(seq, part{kind: partText, text: text.String()})
			text.Reset()
		}
	}

	for p.pos < len(p.src) {
		if stop(p) {
			break
		}
		c := p.src[p.pos]
		switch {
		case c == '$' && p.pos+1 < len(p.src) && (p.src[p.pos+1] == '(' || p.src[p.pos+1] == '['):
			flush()
			closer, optional := byte(')'), false
			if p.src[p.pos+1] == '[' {
				closer, optional = ']', true
			}
			p.pos += 2
			opts, err := p.choice(closer, inOverride)
			if err != nil {
				return nil, err
			}
			seq = append(seq, part{kind: partChoice, optional: optional, options: opts})
		case c == '<':
			if inOverride {
				return nil, errMalformed
			}
			flush()
			p.pos++
			raw, err := p.sequence(func(p *phraseParser) bool {
				return strings.HasPrefix(p.src[p.pos:], "-->")
			}, true)
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(p.src[p.pos:], "-->") {
				return nil, errMalformed
			}
			p.pos += 3
			spoken, err := p.sequence(func(p *phraseParser) bool { return p.src[p.pos] == '>' }, true)
			if err != nil {
				return nil, err
			}
			if p.pos >= len(p.src) {
				return nil, errMalformed
			}
			p.pos++
			seq = append(seq, part{kind: partOverride, raw: raw, spoken: spoken})
		case c == ')' || c == ']' || c == '|':
			return nil, errMalformed
		default:
			text.WriteByte(c)
			p.pos++
		}
	}
	flush()
	return seq, nil
}

func (p *phraseParser) choice(closer byte, inOverride bool) ([]sequence, error) {
	var opts []sequence
	for {
		opt, err := p.sequence(func(p *phraseParser) bool {
			c := p.src[p.pos]
			return c == '|' || c == closer
		}, inOverride)
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.src) {
			return nil, errMalformed
		}
		opts = append(opts, opt)
		if p.src[p.pos] == '|' {
			p.pos++
			continue
		}
		p.pos++
		return opts, nil
	}
}

// Renderer turns templates into sentences. It is safe for concurrent use;
// draws are serialized on the injected source.
type Renderer struct {
	mu  sync.Mutex
	rng *rand.Rand

	cache sync.Map
}

// NewRenderer returns a renderer drawing from rng. A nil rng is seeded from
// the clock.
func NewRenderer(rng *rand.Rand) *Renderer {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Renderer{rng: rng}
}

func (r *Renderer) phrase(template string) *Phrase {
	if cached, ok := r.cache.Load(template); ok {
		return cached.(*Phrase)
	}
	ph := ParsePhrase(template)
	r.cache.Store(template, ph)
	return ph
}

// Render picks one alternative, resolves every choice site once and returns
// the text to synthesize and the text to display. Choices outside an
// override are shared by both texts; the two halves of an override resolve
// their own choices. Blank results come back as empty strings.
func (r *Renderer) Render(template string) (spoken, display string) {
	ph := r.phrase(template)
	if ph.Len() == 0 {
		return "", ""
	}

	r.mu.Lock()
	alt := ph.alternatives[r.rng.IntN(len(ph.alternatives))]
	var sp, disp strings.Builder
	r.render(alt, &sp, &disp)
	r.mu.Unlock()

	return polish(sp.String()), polish(disp.String())
}

func (r *Renderer) render(seq sequence, sp, disp *strings.Builder) {
	for _, pt := range seq {
		switch pt.kind {
		case partText:
			if sp != nil {
				sp.WriteString(pt.text)
			}
			if disp != nil {
				disp.WriteString(pt.text)
			}
		case partChoice:
			n := len(pt.options)
			if pt.optional {
				n++
			}
			if i := r.rng.IntN(n); i < len(pt.options) {
				r.render(pt.options[i], sp, disp)
			}
		case partOverride:
			if disp != nil {
				r.render(pt.raw, nil, disp)
			}
			if sp != nil {
				r.render(pt.spoken, sp, nil)
			}
		}
	}
}

func isPunct(r rune) bool {
	switch r {
	case '.', ',', ';', ':', '!', '?':
		return true
	}
	return false
}

func punctStrength(r rune) int {
	switch r {
	case '?':
		return 5
	case '!':
		return 4
	case '.':
		return 3
	case ';', ':':
		return 2
	}
	return 1
}

func isTerminal(r rune) bool { return r == '.' || r == '!' || r == '?' }

// polish collapses whitespace and punctuation runs, terminates the sentence
// and capitalizes sentence starts. Blank input yields "".
func polish(s string) string {
	if Blank(s) {
		return ""
	}
	runes := []rune(strings.Join(strings.Fields(s), " "))

	out := make([]rune, 0, len(runes)+1)
	for i := 0; i < len(runes); {
		if !isPunct(runes[i]) && runes[i] != ' ' {
			out = append(out, runes[i])
			i++
			continue
		}
		j, best, seenPunct, spaceAfter := i, rune(0), false, false
		for j < len(runes) && (isPunct(runes[j]) || runes[j] == ' ') {
			if isPunct(runes[j]) {
				if !seenPunct || punctStrength(runes[j]) > punctStrength(best) {
					best = runes[j]
				}
				seenPunct = true
			} else if seenPunct {
				spaceAfter = true
			}
			j++
		}
		switch {
		case !seenPunct:
			out = append(out, ' ')
		case len(out) == 0:
			// leading punctuation
		default:
			out = append(out, best)
			if spaceAfter && j < len(runes) {
				out = append(out, ' ')
			}
		}
		i = j
	}

	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return ""
	}
	switch last := out[len(out)-1]; {
	case isTerminal(last):
	case isPunct(last):
		out[len(out)-1] = '.'
	default:
		out = append(out, '.')
	}

	capNext := true
	for i, r := range out {
		switch {
		case capNext && unicode.IsLetter(r):
			out[i] = unicode.ToUpper(r)
			capNext = false
		case isTerminal(r) && (i+1 == len(out) || out[i+1] == ' '):
			capNext = true
		case capNext && unicode.IsDigit(r):
			capNext = false
		}
	}
	return string(out)
}
