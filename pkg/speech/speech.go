// Package speech defines the contract between the conversation engine and
// the recognition and synthesis service it drives.
package speech

import (
	"context"
	"errors"
	"io"
)

// ErrUnknownGrammar is returned when a grammar handle was never compiled by
// the recognizer it is passed to.
var ErrUnknownGrammar = errors.New("unknown grammar handle")

// GrammarHandle identifies a grammar compiled by a Recognizer.
type GrammarHandle string

// Alternative is one candidate reading of an utterance.
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// RecognitionKind discriminates RecognitionEvent.
type RecognitionKind uint8

const (
	Recognized RecognitionKind = iota + 1
	Rejected
)

func (k RecognitionKind) String() string {
	switch k {
	case Recognized:
		return "recognized"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RecognitionEvent is delivered by a Recognizer when an utterance matched one
// of the enabled grammars, or when nothing matched well enough.
type RecognitionEvent struct {
	Kind         RecognitionKind
	Grammar      GrammarHandle
	Confidence   float32
	Text         string
	Alternatives []Alternative
}

// Recognizer matches spoken input against registered grammars.
// Events are delivered one at a time in the order they were recognized.
type Recognizer interface {
	SupportsLocale(locale string) bool
	CompileGrammar(rule Rule) (GrammarHandle, error)
	RegisterGrammar(h GrammarHandle) error
	DeregisterGrammar(h GrammarHandle) error
	Recognitions(ctx context.Context) (<-chan RecognitionEvent, error)
	Close() error
}

// Synthesizer turns text into an audio stream.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.Reader, error)
}

// Player plays an audio stream.
type Player interface {
	Play(ctx context.Context, audio io.Reader) (Playback, error)
}

// Playback is an utterance in progress. Done is closed once playback has
// stopped, whether it finished or was interrupted.
type Playback interface {
	Done() <-chan struct{}
	Stop()
}
