package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/frame/workerpool"

	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/speech"
)

var (
	ErrEngineStopped  = errors.New("dialog engine stopped")
	ErrAlreadyRunning = errors.New("dialog engine already running")
	ErrSpeechDropped  = errors.New("speech dropped")
	ErrSpeechExpired  = errors.New("speech expired in queue")
	ErrNotReady       = errors.New("dialog node not ready")
	ErrInvalidState   = errors.New("invalid assistant state")
	ErrNotAssistant   = errors.New("dialog node is not an assistant node")
)

const (
	DefaultConfidenceThreshold = 0.6
	DefaultRejectionThreshold  = 0.15
	DefaultSpeechMaxAge        = 30 * time.Second

	DefaultDegradedAnnouncement = "Speech recognition is not available for the configured language. " +
		"Voice commands are $(disabled|switched off) for this session."

	mailboxSize = 64
)

// ActionHandler receives dialog actions for the nodes bound to it.
type ActionHandler interface {
	OnDialogAction(ctx context.Context, node *Node) error
}

// HandlerLookup resolves bound handler ids.
type HandlerLookup interface {
	Lookup(id string) (ActionHandler, bool)
}

// FaultReporter records handler failures.
type FaultReporter interface {
	Report(ctx context.Context, source, operation string, err error)
}

// Emitter publishes engine events.
type Emitter interface {
	Emit(ctx context.Context, eventType events.EventType, sessionID string, data interface{}) error
}

// Config holds engine tuning.
type Config struct {
	SessionID            string
	Locale               string
	ConfidenceThreshold  float32
	RejectionThreshold   float32
	SpeechMaxAge         time.Duration
	DegradedAnnouncement string
}

func (c *Config) withDefaults() {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.RejectionThreshold <= 0 {
		c.RejectionThreshold = DefaultRejectionThreshold
	}
	if c.SpeechMaxAge <= 0 {
		c.SpeechMaxAge = DefaultSpeechMaxAge
	}
	if c.DegradedAnnouncement == "" {
		c.DegradedAnnouncement = DefaultDegradedAnnouncement
	}
}

// Option configures an Engine.
type Option func(*Engine)

func WithRecognizer(r speech.Recognizer) Option { return func(e *Engine) { e.recognizer = r } }

func WithSynthesizer(s speech.Synthesizer) Option { return func(e *Engine) { e.synth = s } }

func WithPlayer(p speech.Player) Option { return func(e *Engine) { e.player = p } }

func WithHandlers(h HandlerLookup) Option { return func(e *Engine) { e.handlers = h } }

func WithEmitter(em Emitter) Option { return func(e *Engine) { e.emitter = em } }

func WithFaultReporter(f FaultReporter) Option { return func(e *Engine) { e.faults = f } }

func WithWorkerPool(p workerpool.WorkerPool) Option { return func(e *Engine) { e.pool = p } }

func WithTranscript(t *Transcript) Option { return func(e *Engine) { e.transcript = t } }

// WithClock replaces time.Now for queue ageing.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRand seeds node selection and, through a derived source, rendering.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		e.rng = rng
		e.renderer = NewRenderer(rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64())))
	}
}

// SpeakOptions control a speech request.
type SpeakOptions struct {
	// Force bypasses mid-utterance suppression of lower priorities.
	Force bool
	// Wait blocks until the utterance stopped. Requests made from inside a
	// dialog action never wait.
	Wait bool
}

// Status is a point-in-time view of the engine.
type Status struct {
	State             AssistantState
	ActiveKey         string
	PreviousKey       string
	Listening         bool
	Speaking          string
	QueueLength       int
	Recognition       bool
	AssistantDisabled bool
	DialogsActive     bool
}

// Engine is the conversation engine for one dialog tree. All tree, queue
// and state mutation happens on the goroutine running Run; every other entry
// point posts a closure to it.
type Engine struct {
	tree     *Tree
	cfg      Config
	renderer *Renderer
	rng      *rand.Rand
	now      func() time.Time

	recognizer speech.Recognizer
	synth      speech.Synthesizer
	player     speech.Player
	handlers   HandlerLookup
	emitter    Emitter
	faults     FaultReporter
	pool       workerpool.WorkerPool
	transcript *Transcript

	mailbox chan func(context.Context)
	stopped chan struct{}
	mu      sync.Mutex
	cancel  context.CancelFunc
	status  atomic.Pointer[Status]

	// Owned by the loop.
	state         AssistantState
	active        NodeID
	previous      NodeID
	listening     bool
	queue         *speechQueue
	current       *utterance
	disabled      bool
	dialogsActive bool
	recognition   bool
	deferred      []func(context.Context)
	replies       []func()
}

// NewEngine creates an engine over tree. The engine is Offline until Run.
func NewEngine(tree *Tree, cfg Config, opts ...Option) *Engine {
	cfg.withDefaults()
	seed := uint64(time.Now().UnixNano())
	e := &Engine{
		tree:          tree,
		cfg:           cfg,
		rng:           rand.New(rand.NewPCG(seed, seed<<1)),
		now:           time.Now,
		mailbox:       make(chan func(context.Context), mailboxSize),
		stopped:       make(chan struct{}),
		state:         StateOffline,
		active:        tree.Root(),
		previous:      NoNode,
		queue:         newSpeechQueue(),
		dialogsActive: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.renderer == nil {
		e.renderer = NewRenderer(nil)
	}
	if e.transcript == nil {
		e.transcript = NewTranscript(DefaultMaxHistory)
	}
	e.publishStatus()
	return e
}

type loopKey struct{}

type loopToken struct {
	e      *Engine
	active atomic.Bool
}

func (e *Engine) inLoop(ctx context.Context) bool {
	tok, ok := ctx.Value(loopKey{}).(*loopToken)
	return ok && tok.e == e && tok.active.Load()
}

// Run processes engine events until ctx is cancelled or Shutdown is called.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.cancel = cancel
	e.mu.Unlock()
	defer close(e.stopped)

	e.exec(ctx, e.start)
	for {
		select {
		case <-ctx.Done():
			e.exec(context.WithoutCancel(ctx), e.teardown)
			return nil
		case fn := <-e.mailbox:
			e.exec(ctx, fn)
		}
	}
}

// Shutdown stops the loop and waits for it to exit, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-e.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dialog engine shutdown: %w", ctx.Err())
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.stopped }

func (e *Engine) exec(ctx context.Context, fn func(context.Context)) {
	tok := &loopToken{e: e}
	tok.active.Store(true)
	lctx := context.WithValue(ctx, loopKey{}, tok)
	fn(lctx)
	for len(e.deferred) > 0 {
		next := e.deferred[0]
		e.deferred = e.deferred[1:]
		next(lctx)
	}
	tok.active.Store(false)
	e.publishStatus()

	replies := e.replies
	e.replies = nil
	for _, r := range replies {
		r()
	}
}

// later schedules fn on the loop after the current event, never inline.
func (e *Engine) later(fn func(context.Context)) {
	e.deferred = append(e.deferred, fn)
}

func (e *Engine) post(ctx context.Context, fn func(context.Context)) error {
	select {
	case <-e.stopped:
		return ErrEngineStopped
	default:
	}
	select {
	case e.mailbox <- fn:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and returns its error once the resulting status
// is published. Calls made from the loop itself run inline.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	if e.inLoop(ctx) {
		return fn(ctx)
	}
	errc := make(chan error, 1)
	err := e.post(ctx, func(lctx context.Context) {
		err := fn(lctx)
		e.replies = append(e.replies, func() { errc <- err })
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-e.stopped:
		select {
		case err := <-errc:
			return err
		default:
			return ErrEngineStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) submit(ctx context.Context, fn func()) {
	if e.pool == nil {
		go fn()
		return
	}
	if err := e.pool.Submit(ctx, fn); err != nil {
		slog.WarnContext(ctx, "dialog engine: worker pool rejected task", slog.String("error", err.Error()))
		go fn()
	}
}

func (e *Engine) emit(ctx context.Context, et events.EventType, data interface{}) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.Emit(ctx, et, e.cfg.SessionID, data); err != nil {
		slog.DebugContext(ctx, "dialog engine: emit failed",
			slog.String("event_type", string(et)), slog.String("error", err.Error()))
	}
}

func (e *Engine) publishStatus() {
	st := &Status{
		State:             e.state,
		ActiveKey:         e.tree.Key(e.active),
		PreviousKey:       e.tree.Key(e.previous),
		Listening:         e.listening,
		QueueLength:       e.queue.len(),
		Recognition:       e.recognition,
		AssistantDisabled: e.disabled,
		DialogsActive:     e.dialogsActive,
	}
	if e.current != nil {
		st.Speaking = e.current.display
	}
	e.status.Store(st)
}

// Status returns the state published after the last processed event.
func (e *Engine) Status() Status { return *e.status.Load() }

// Transcript returns the conversation transcript.
func (e *Engine) Transcript() *Transcript { return e.transcript }

// SessionID returns the configured session id.
func (e *Engine) SessionID() string { return e.cfg.SessionID }

// Renderer returns the engine's template renderer.
func (e *Engine) Renderer() *Renderer { return e.renderer }

func (e *Engine) start(ctx context.Context) {
	e.active, e.previous = e.tree.Root(), NoNode
	e.setState(ctx, StateReady)
	e.startRecognition(ctx)
	e.refreshGrammars(ctx)
	e.nextNode(ctx, e.tree.Root())
}

func (e *Engine) teardown(ctx context.Context) {
	if e.current != nil {
		if e.current.cancel != nil {
			e.current.cancel()
		}
		e.current.finish(ErrEngineStopped)
		e.current = nil
	}
	for _, u := range e.queue.drain() {
		u.finish(ErrEngineStopped)
	}
	e.deferred = nil
	e.recognition = false
	e.refreshGrammars(ctx)
	e.setState(ctx, StateOffline)
}

func (e *Engine) setState(ctx context.Context, s AssistantState) {
	if e.state == s {
		return
	}
	from := e.state
	e.state = s
	slog.DebugContext(ctx, "dialog engine: state changed",
		slog.String("from", from.String()), slog.String("to", s.String()))
	e.emit(ctx, events.StateChanged, &events.StateChangedData{FromState: from.String(), ToState: s.String()})
	e.refreshGrammars(ctx)
}

// SetState sets the assistant state. Talking is owned by the speech queue
// and cannot be set directly; Offline also silences and clears the queue.
func (e *Engine) SetState(ctx context.Context, s AssistantState) error {
	if s == StateTalking || s > StateReady {
		return fmt.Errorf("set state %s: %w", s, ErrInvalidState)
	}
	return e.call(ctx, func(lctx context.Context) error {
		if s == StateOffline {
			e.silence(lctx, true)
		}
		e.setState(lctx, s)
		return nil
	})
}

// SetAssistantDisabled toggles the assistant-disabled switch.
func (e *Engine) SetAssistantDisabled(ctx context.Context, disabled bool) error {
	return e.call(ctx, func(lctx context.Context) error {
		e.disabled = disabled
		e.refreshGrammars(lctx)
		return nil
	})
}

// SetDialogsActive toggles the dialogs master switch.
func (e *Engine) SetDialogsActive(ctx context.Context, active bool) error {
	return e.call(ctx, func(lctx context.Context) error {
		e.dialogsActive = active
		e.refreshGrammars(lctx)
		return nil
	})
}

// SetNodeDisabled sets the explicit disabled override of a node.
func (e *Engine) SetNodeDisabled(ctx context.Context, key string, disabled bool) error {
	return e.call(ctx, func(lctx context.Context) error {
		id, ok := e.tree.Lookup(key)
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrNotFound)
		}
		e.tree.Node(id).Disabled = disabled
		e.refreshGrammars(lctx)
		return nil
	})
}

// Activate makes the node with key active, as if the selector had chosen it.
func (e *Engine) Activate(ctx context.Context, key string) error {
	return e.call(ctx, func(lctx context.Context) error {
		id, ok := e.tree.Lookup(key)
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrNotFound)
		}
		if !e.setActive(lctx, id) {
			return fmt.Errorf("%q: %w", key, ErrNotReady)
		}
		return nil
	})
}

// Update re-evaluates always-update nodes and grammar enablement after
// external state changed.
func (e *Engine) Update(ctx context.Context) error {
	return e.call(ctx, func(lctx context.Context) error {
		e.update(lctx)
		return nil
	})
}

// Speak queues the assistant node with key.
func (e *Engine) Speak(ctx context.Context, key string, opts SpeakOptions) error {
	var u *utterance
	err := e.call(ctx, func(lctx context.Context) error {
		id, ok := e.tree.Lookup(key)
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrNotFound)
		}
		n := e.tree.Node(id)
		if n.Speaker != SpeakerAssistant {
			return fmt.Errorf("%q: %w", key, ErrNotAssistant)
		}
		var err error
		u, err = e.enqueue(lctx, id, "", n.Priority, opts.Force)
		return err
	})
	if err != nil || !opts.Wait || e.inLoop(ctx) {
		return err
	}
	return e.wait(ctx, u)
}

// Say queues free text, rendered with the template syntax.
func (e *Engine) Say(ctx context.Context, text string, prio Priority, opts SpeakOptions) error {
	var u *utterance
	err := e.call(ctx, func(lctx context.Context) error {
		var err error
		u, err = e.enqueue(lctx, NoNode, text, prio, opts.Force)
		return err
	})
	if err != nil || !opts.Wait || e.inLoop(ctx) {
		return err
	}
	return e.wait(ctx, u)
}

// Silence stops the current utterance; the queue then moves on as usual.
func (e *Engine) Silence(ctx context.Context) error {
	return e.call(ctx, func(lctx context.Context) error {
		e.silence(lctx, false)
		return nil
	})
}

// Inject feeds a recognition event as if the recognizer had delivered it.
func (e *Engine) Inject(ctx context.Context, ev speech.RecognitionEvent) error {
	return e.call(ctx, func(lctx context.Context) error {
		e.handleRecognition(lctx, ev)
		return nil
	})
}

func (e *Engine) wait(ctx context.Context, u *utterance) error {
	select {
	case <-u.done:
		return u.err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		select {
		case <-u.done:
			return u.err
		default:
			return ErrEngineStopped
		}
	}
}
