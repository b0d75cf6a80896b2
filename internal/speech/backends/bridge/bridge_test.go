package bridge

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicetyped/vi/pkg/speech"
)

// fakeServer is a scripted speech server. It synthesizes by upper-casing the
// text, confirms playback stop only on request when hold is set, and
// records every message it receives.
type fakeServer struct {
	t    *testing.T
	hold bool

	mu    sync.Mutex
	got   []Message
	conn  *websocket.Conn
	ready chan struct{}
}

func newFakeServer(t *testing.T, hold bool) (*fakeServer, string) {
	fs := &fakeServer{t: t, hold: hold, ready: make(chan struct{})}
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		close(fs.ready)
		fs.serve(conn)
	}))
	t.Cleanup(srv.Close)
	return fs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fs *fakeServer) serve(conn *websocket.Conn) {
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		fs.mu.Lock()
		fs.got = append(fs.got, m)
		fs.mu.Unlock()

		switch m.Type {
		case TypeSynthesize:
			if m.Text == "fail" {
				fs.send(Message{Type: TypeError, ID: m.ID, Error: "no voice"})
				continue
			}
			fs.send(Message{Type: TypeAudio, ID: m.ID, Audio: []byte(strings.ToUpper(m.Text))})
		case TypePlay:
			if !fs.hold {
				fs.send(Message{Type: TypePlaybackStopped, ID: m.ID})
			}
		case TypeStop:
			fs.send(Message{Type: TypePlaybackStopped, ID: m.ID})
		}
	}
}

func (fs *fakeServer) send(m Message) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.conn.WriteJSON(m); err != nil {
		fs.t.Errorf("server write: %v", err)
	}
}

func (fs *fakeServer) received(typ string) []Message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []Message
	for _, m := range fs.got {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, url string, locales ...string) *Client {
	t.Helper()
	c, err := Dial(t.Context(), url, locales...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGrammarsAndRecognition(t *testing.T) {
	fs, url := newFakeServer(t, false)
	c := dial(t, url)
	<-fs.ready

	h, err := c.CompileGrammar(speech.Literal("request docking"))
	if err != nil {
		t.Fatalf("CompileGrammar: %v", err)
	}
	if err := c.RegisterGrammar(h); err != nil {
		t.Fatalf("RegisterGrammar: %v", err)
	}
	if err := c.RegisterGrammar("missing"); !errors.Is(err, speech.ErrUnknownGrammar) {
		t.Errorf("RegisterGrammar(missing) = %v, want ErrUnknownGrammar", err)
	}

	events, err := c.Recognitions(t.Context())
	if err != nil {
		t.Fatalf("Recognitions: %v", err)
	}
	waitFor(t, "grammar registration", func() bool { return len(fs.received(TypeGrammarRegister)) == 1 })

	defs := fs.received(TypeGrammarDefine)
	if len(defs) != 1 || defs[0].Handle != string(h) || defs[0].Rule == nil || defs[0].Rule.Text != "request docking" {
		t.Fatalf("defines = %+v", defs)
	}

	fs.send(Message{Type: TypeRecognized, Handle: string(h), Text: "request docking", Confidence: 0.8})
	fs.send(Message{Type: TypeRejected, Text: "request dogging",
		Alternatives: []speech.Alternative{{Text: "request docking", Confidence: 0.4}}})

	ev := <-events
	if ev.Kind != speech.Recognized || ev.Grammar != h || ev.Confidence != 0.8 {
		t.Errorf("first event = %+v", ev)
	}
	ev = <-events
	if ev.Kind != speech.Rejected || len(ev.Alternatives) != 1 {
		t.Errorf("second event = %+v", ev)
	}
}

func TestSynthesizeAndPlay(t *testing.T) {
	fs, url := newFakeServer(t, false)
	c := dial(t, url)

	audio, err := c.Synthesize(t.Context(), "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	b, _ := io.ReadAll(audio)
	if string(b) != "HELLO" {
		t.Errorf("audio = %q, want HELLO", b)
	}

	if _, err := c.Synthesize(t.Context(), "fail"); err == nil || !strings.Contains(err.Error(), "no voice") {
		t.Errorf("Synthesize(fail) = %v, want server error", err)
	}

	pb, err := c.Play(t.Context(), strings.NewReader("HELLO"))
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-pb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback never stopped")
	}
	if plays := fs.received(TypePlay); len(plays) != 1 || string(plays[0].Audio) != "HELLO" {
		t.Errorf("plays = %+v", plays)
	}
}

func TestStopWaitsForServer(t *testing.T) {
	fs, url := newFakeServer(t, true)
	c := dial(t, url)

	pb, err := c.Play(t.Context(), strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-pb.Done():
		t.Fatal("held playback finished early")
	case <-time.After(50 * time.Millisecond):
	}
	pb.Stop()
	select {
	case <-pb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not stop")
	}
	if got := len(fs.received(TypeStop)); got != 1 {
		t.Errorf("stop messages = %d, want 1", got)
	}
}

func TestCloseEndsPending(t *testing.T) {
	_, url := newFakeServer(t, true)
	c := dial(t, url)

	events, err := c.Recognitions(t.Context())
	if err != nil {
		t.Fatalf("Recognitions: %v", err)
	}
	pb, err := c.Play(t.Context(), strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	c.Close()

	select {
	case <-pb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback not released on close")
	}
	if _, ok := <-events; ok {
		t.Error("recognitions channel still open after close")
	}
	if _, err := c.Synthesize(t.Context(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Synthesize after close = %v, want ErrClosed", err)
	}
}

func TestDialValidation(t *testing.T) {
	if _, err := Dial(t.Context(), "http://localhost:1"); err == nil {
		t.Error("expected scheme rejection")
	}
	if _, err := Dial(t.Context(), ""); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestSupportsLocale(t *testing.T) {
	_, url := newFakeServer(t, false)
	c := dial(t, url, "en-US", "de-DE")
	if !c.SupportsLocale("en-us") || c.SupportsLocale("fr-FR") {
		t.Error("locale filter mismatch")
	}
}
