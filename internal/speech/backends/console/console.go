// Package console is a text-mode speech backend: recognition reads lines from
// stdin and playback prints what the assistant says.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voicetyped/vi/internal/speech/registry"
	"github.com/voicetyped/vi/pkg/speech"
)

const defaultWordsPerMinute = 180

func init() {
	registry.Recognizers.Register("console", func(map[string]string) (speech.Recognizer, error) {
		return NewRecognizer(os.Stdin), nil
	})
	registry.Synthesizers.Register("console", func(map[string]string) (speech.Synthesizer, error) {
		return Synthesizer{}, nil
	})
	registry.Players.Register("console", func(config map[string]string) (speech.Player, error) {
		wpm := defaultWordsPerMinute
		if v := config["words_per_minute"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("console: invalid words_per_minute %q", v)
			}
			wpm = n
		}
		return NewPlayer(os.Stdout, wpm), nil
	})
}

// Recognizer matches each input line against the registered grammars.
type Recognizer struct {
	in io.Reader

	mu      sync.Mutex
	next    int
	matcher *speech.Matcher
	enabled map[speech.GrammarHandle]bool
	lines   chan string
}

func NewRecognizer(in io.Reader) *Recognizer {
	return &Recognizer{
		in:      in,
		matcher: speech.NewMatcher(),
		enabled: make(map[speech.GrammarHandle]bool),
	}
}

// SupportsLocale accepts any locale; matching is literal.
func (r *Recognizer) SupportsLocale(string) bool { return true }

func (r *Recognizer) CompileGrammar(rule speech.Rule) (speech.GrammarHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := speech.GrammarHandle("console-" + strconv.Itoa(r.next))
	r.matcher.Add(h, rule)
	return h, nil
}

func (r *Recognizer) RegisterGrammar(h speech.GrammarHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.matcher.Has(h) {
		return fmt.Errorf("register %s: %w", h, speech.ErrUnknownGrammar)
	}
	r.enabled[h] = true
	return nil
}

func (r *Recognizer) DeregisterGrammar(h speech.GrammarHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.matcher.Has(h) {
		return fmt.Errorf("deregister %s: %w", h, speech.ErrUnknownGrammar)
	}
	delete(r.enabled, h)
	return nil
}

// Match scores text against the currently registered grammars.
func (r *Recognizer) Match(text string) speech.RecognitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matcher.Match(text, r.enabled)
}

// Recognitions returns the recognition stream for one listener. Input is
// read by a single scanner shared by every call; blank lines are skipped.
// The channel closes at end of input or when ctx is done.
func (r *Recognizer) Recognitions(ctx context.Context) (<-chan speech.RecognitionEvent, error) {
	r.mu.Lock()
	if r.lines == nil {
		r.lines = make(chan string)
		go r.scan(r.lines)
	}
	lines := r.lines
	r.mu.Unlock()

	ch := make(chan speech.RecognitionEvent)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				select {
				case ch <- r.Match(line):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (r *Recognizer) scan(lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r.in)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines <- line
		}
	}
}

func (r *Recognizer) Close() error {
	if c, ok := r.in.(io.Closer); ok && r.in != os.Stdin {
		return c.Close()
	}
	return nil
}

// Synthesizer passes the text through as its "audio".
type Synthesizer struct{}

func (Synthesizer) Synthesize(_ context.Context, text string) (io.Reader, error) {
	return strings.NewReader(text), nil
}

// Player prints text and holds the playback open for as long as reading it
// aloud would take.
type Player struct {
	mu      sync.Mutex
	out     io.Writer
	perWord time.Duration
}

func NewPlayer(out io.Writer, wordsPerMinute int) *Player {
	return &Player{out: out, perWord: time.Minute / time.Duration(wordsPerMinute)}
}

func (p *Player) Play(ctx context.Context, audio io.Reader) (speech.Playback, error) {
	b, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("console: read text: %w", err)
	}
	text := strings.TrimSpace(string(b))

	p.mu.Lock()
	_, err = fmt.Fprintf(p.out, "> %s\n", text)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("console: write: %w", err)
	}

	pb := &playback{done: make(chan struct{}), stop: make(chan struct{})}
	d := time.Duration(len(strings.Fields(text))) * p.perWord
	go func() {
		defer close(pb.done)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-pb.stop:
		case <-ctx.Done():
		}
	}()
	return pb, nil
}

type playback struct {
	done chan struct{}
	stop chan struct{}
	once sync.Once
}

func (p *playback) Done() <-chan struct{} { return p.done }

func (p *playback) Stop() { p.once.Do(func() { close(p.stop) }) }
