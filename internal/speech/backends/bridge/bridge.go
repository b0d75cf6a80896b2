// Package bridge connects to an external speech server over a websocket. One
// connection carries grammar registration, recognition results, synthesis
// and playback control as JSON messages.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicetyped/vi/internal/speech/registry"
	"github.com/voicetyped/vi/pkg/speech"
	"github.com/voicetyped/vi/pkg/urlvalidation"
)

// ErrClosed is returned by requests on a closed or lost connection.
var ErrClosed = errors.New("speech bridge closed")

const dialTimeout = 10 * time.Second

// Message types.
const (
	TypeGrammarDefine     = "grammar.define"
	TypeGrammarRegister   = "grammar.register"
	TypeGrammarDeregister = "grammar.deregister"
	TypeSynthesize        = "synthesize"
	TypePlay              = "play"
	TypeStop              = "stop"

	TypeAudio           = "audio"
	TypePlaybackStopped = "playback.stopped"
	TypeRecognized      = "recognized"
	TypeRejected        = "rejected"
	TypeError           = "error"
)

// Message is the single envelope used in both directions.
type Message struct {
	Type         string               `json:"type"`
	ID           string               `json:"id,omitempty"`
	Handle       string               `json:"handle,omitempty"`
	Rule         *speech.Rule         `json:"rule,omitempty"`
	Text         string               `json:"text,omitempty"`
	Audio        []byte               `json:"audio,omitempty"`
	Confidence   float32              `json:"confidence,omitempty"`
	Alternatives []speech.Alternative `json:"alternatives,omitempty"`
	Error        string               `json:"error,omitempty"`
}

func init() {
	registry.Recognizers.Register("bridge", func(config map[string]string) (speech.Recognizer, error) {
		return dialConfig(config)
	})
	registry.Synthesizers.Register("bridge", func(config map[string]string) (speech.Synthesizer, error) {
		return dialConfig(config)
	})
	registry.Players.Register("bridge", func(config map[string]string) (speech.Player, error) {
		return dialConfig(config)
	})
}

func dialConfig(config map[string]string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	var locales []string
	if v := config["locales"]; v != "" {
		locales = strings.Split(v, ",")
	}
	return Dial(ctx, config["url"], locales...)
}

// Client implements speech.Recognizer, speech.Synthesizer and speech.Player
// over one websocket connection.
type Client struct {
	conn    *websocket.Conn
	locales []string

	writeMu sync.Mutex

	mu        sync.Mutex
	next      int
	defined   map[speech.GrammarHandle]bool
	pending   map[string]chan Message
	playbacks map[string]*playback
	events    chan speech.RecognitionEvent
	listening bool
	err       error

	closed chan struct{}
}

// Dial connects to a ws:// or wss:// speech server. An empty locales list
// accepts every locale.
func Dial(ctx context.Context, url string, locales ...string) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("speech bridge: url required")
	}
	if err := urlvalidation.ValidateURL(ctx, url,
		urlvalidation.AllowSchemes("ws", "wss"), urlvalidation.AllowPrivateIPs()); err != nil {
		return nil, fmt.Errorf("speech bridge: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("speech bridge: dial %s: %w", url, err)
	}
	slog.Info("speech bridge: connected", slog.String("url", url))

	c := &Client{
		conn:      conn,
		locales:   locales,
		defined:   make(map[speech.GrammarHandle]bool),
		pending:   make(map[string]chan Message),
		playbacks: make(map[string]*playback),
		events:    make(chan speech.RecognitionEvent, 16),
		closed:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) write(m Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return strconv.Itoa(c.next)
}

func (c *Client) readLoop() {
	defer c.shutdown(ErrClosed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.closed:
				default:
					slog.Warn("speech bridge: read failed", slog.String("error", err.Error()))
				}
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("speech bridge: bad message", slog.String("error", err.Error()))
			continue
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m Message) {
	switch m.Type {
	case TypeRecognized, TypeRejected:
		ev := speech.RecognitionEvent{
			Kind:         speech.Rejected,
			Text:         m.Text,
			Confidence:   m.Confidence,
			Alternatives: m.Alternatives,
		}
		if m.Type == TypeRecognized {
			ev.Kind = speech.Recognized
			ev.Grammar = speech.GrammarHandle(m.Handle)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.listening || c.err != nil {
			return
		}
		select {
		case c.events <- ev:
		default:
			slog.Warn("speech bridge: recognition dropped", slog.String("text", m.Text))
		}

	case TypeAudio, TypeError:
		c.mu.Lock()
		ch, ok := c.pending[m.ID]
		delete(c.pending, m.ID)
		pb := c.playbacks[m.ID]
		delete(c.playbacks, m.ID)
		c.mu.Unlock()
		if ok {
			ch <- m
		}
		if pb != nil {
			slog.Warn("speech bridge: playback failed", slog.String("error", m.Error))
			pb.finish()
		}

	case TypePlaybackStopped:
		c.mu.Lock()
		pb := c.playbacks[m.ID]
		delete(c.playbacks, m.ID)
		c.mu.Unlock()
		if pb != nil {
			pb.finish()
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.closed)
	for id, ch := range c.pending {
		ch <- Message{Type: TypeError, ID: id, Error: err.Error()}
		delete(c.pending, id)
	}
	for id, pb := range c.playbacks {
		pb.finish()
		delete(c.playbacks, id)
	}
	close(c.events)
}

// SupportsLocale reports whether locale is among the configured ones.
func (c *Client) SupportsLocale(locale string) bool {
	if len(c.locales) == 0 {
		return true
	}
	for _, l := range c.locales {
		if strings.EqualFold(strings.TrimSpace(l), locale) {
			return true
		}
	}
	return false
}

func (c *Client) CompileGrammar(rule speech.Rule) (speech.GrammarHandle, error) {
	h := speech.GrammarHandle("g" + c.id())
	if err := c.write(Message{Type: TypeGrammarDefine, Handle: string(h), Rule: &rule}); err != nil {
		return "", fmt.Errorf("speech bridge: define grammar: %w", err)
	}
	c.mu.Lock()
	c.defined[h] = true
	c.mu.Unlock()
	return h, nil
}

func (c *Client) toggle(typ string, h speech.GrammarHandle) error {
	c.mu.Lock()
	ok := c.defined[h]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s %s: %w", typ, h, speech.ErrUnknownGrammar)
	}
	return c.write(Message{Type: typ, Handle: string(h)})
}

func (c *Client) RegisterGrammar(h speech.GrammarHandle) error {
	return c.toggle(TypeGrammarRegister, h)
}

func (c *Client) DeregisterGrammar(h speech.GrammarHandle) error {
	return c.toggle(TypeGrammarDeregister, h)
}

// Recognitions starts forwarding recognition messages. The channel closes
// when the connection ends.
func (c *Client) Recognitions(context.Context) (<-chan speech.RecognitionEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.listening = true
	return c.events, nil
}

func (c *Client) Synthesize(ctx context.Context, text string) (io.Reader, error) {
	id := c.id()
	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(Message{Type: TypeSynthesize, ID: id, Text: text}); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("speech bridge: synthesize: %w", err)
	}

	select {
	case m := <-ch:
		if m.Type == TypeError {
			return nil, fmt.Errorf("speech bridge: synthesize: %s", m.Error)
		}
		return bytes.NewReader(m.Audio), nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) Play(_ context.Context, audio io.Reader) (speech.Playback, error) {
	b, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("speech bridge: read audio: %w", err)
	}
	id := c.id()
	pb := &playback{id: id, client: c, done: make(chan struct{})}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.playbacks[id] = pb
	c.mu.Unlock()

	if err := c.write(Message{Type: TypePlay, ID: id, Audio: b}); err != nil {
		c.mu.Lock()
		delete(c.playbacks, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("speech bridge: play: %w", err)
	}
	return pb, nil
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

type playback struct {
	id     string
	client *Client
	done   chan struct{}
	once   sync.Once
	stop   sync.Once
}

func (p *playback) Done() <-chan struct{} { return p.done }

// Stop asks the server to stop; Done closes once it confirms.
func (p *playback) Stop() {
	p.stop.Do(func() {
		if err := p.client.write(Message{Type: TypeStop, ID: p.id}); err != nil {
			p.finish()
		}
	})
}

func (p *playback) finish() { p.once.Do(func() { close(p.done) }) }
