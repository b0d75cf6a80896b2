// Package runtime runs one dialog session at a time: it builds the engine
// and handler set for the selected dialog, keeps the snapshot fresh and
// rebuilds the session when dialog files change.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pitabwire/frame/workerpool"
	"github.com/rs/xid"

	"github.com/voicetyped/vi/internal/faultlog"
	"github.com/voicetyped/vi/pkg/dialog"
	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/plugin"
	"github.com/voicetyped/vi/pkg/snapshot"
	"github.com/voicetyped/vi/pkg/speech"
)

// DefaultShutdownTimeout bounds session teardown when Config leaves it unset.
const DefaultShutdownTimeout = 5 * time.Second

// Config holds session settings.
type Config struct {
	DialogDir           string
	DefaultDialog       string
	Locale              string
	ConfidenceThreshold float32
	RejectionThreshold  float32
	SpeechMaxAge        time.Duration
	TickInterval        time.Duration
	ShutdownTimeout     time.Duration
	// RandomSeed makes node selection and phrase rendering reproducible;
	// zero seeds from the clock.
	RandomSeed   uint64
	SnapshotPath string
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithSpeech sets the speech backends. Any of them may be nil.
func WithSpeech(rec speech.Recognizer, synth speech.Synthesizer, player speech.Player) Option {
	return func(r *Runtime) { r.rec, r.synth, r.player = rec, synth, player }
}

func WithPublisher(pub *events.Publisher) Option { return func(r *Runtime) { r.pub = pub } }

func WithWorkerPool(p workerpool.WorkerPool) Option { return func(r *Runtime) { r.pool = p } }

func WithFaultLog(f *faultlog.Log) Option { return func(r *Runtime) { r.faults = f } }

// WithHandlerRegistry replaces plugin.Default.
func WithHandlerRegistry(reg *plugin.Registry) Option { return func(r *Runtime) { r.handlers = reg } }

type session struct {
	name     string
	nodes    int
	grammars int
	engine   *dialog.Engine
	sup      *plugin.Supervisor
	cancel   context.CancelFunc
	done     chan error
}

// Runtime implements plugin.Host for the handlers of the running session.
type Runtime struct {
	cfg      Config
	handlers *plugin.Registry
	loader   *dialog.Loader
	store    *snapshot.Store
	pub      *events.Publisher
	faults   *faultlog.Log
	pool     workerpool.WorkerPool
	rec      speech.Recognizer
	synth    speech.Synthesizer
	player   speech.Player
	rng      *rand.Rand

	// lifecycle serializes session start and stop.
	lifecycle sync.Mutex

	mu   sync.RWMutex
	sess *session
}

// New creates a runtime. Nothing runs until Run.
func New(cfg Config, opts ...Option) *Runtime {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	r := &Runtime{
		cfg:      cfg,
		handlers: plugin.Default,
		store:    snapshot.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pub == nil {
		r.pub = events.NewPublisher(nil, "vi", "")
	}
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	r.loader = dialog.NewLoader(cfg.DialogDir, r.handlers.Has)
	return r
}

// Engine returns the engine of the running session, or nil between
// sessions.
func (r *Runtime) Engine() *dialog.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sess == nil {
		return nil
	}
	return r.sess.engine
}

func (r *Runtime) Snapshot() *snapshot.Store { return r.store }

func (r *Runtime) Events() *events.Publisher { return r.pub }

// DialogName returns the name of the running dialog.
func (r *Runtime) DialogName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sess == nil {
		return ""
	}
	return r.sess.name
}

// FaultCount returns the number of handler failures kept in the fault log.
func (r *Runtime) FaultCount() int {
	if r.faults == nil {
		return 0
	}
	return len(r.faults.Entries())
}

// Run loads the dialogs, starts the default one and serves until ctx is
// done. The session is then shut down within the configured timeout.
func (r *Runtime) Run(ctx context.Context) error {
	defs, err := r.loader.LoadAll()
	if err != nil {
		return err
	}
	def, ok := defs[r.cfg.DefaultDialog]
	if !ok {
		return fmt.Errorf("dialog %q not found in %s", r.cfg.DefaultDialog, r.cfg.DialogDir)
	}

	if r.cfg.SnapshotPath != "" {
		if _, err := r.store.Load(r.cfg.SnapshotPath); err != nil {
			slog.WarnContext(ctx, "runtime: initial snapshot load failed", slog.String("error", err.Error()))
		}
	}

	r.lifecycle.Lock()
	err = r.start(ctx, def)
	r.lifecycle.Unlock()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if r.faults != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.faults.Run(ctx)
		}()
	}
	if r.cfg.SnapshotPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.store.Watch(ctx, r.cfg.SnapshotPath, func(v uint64) { r.snapshotChanged(ctx, v) }); err != nil {
				slog.WarnContext(ctx, "runtime: snapshot watch stopped", slog.String("error", err.Error()))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.loader.WatchAndReload(ctx.Done(), func(defs map[string]*dialog.Definition) {
			r.reload(ctx, defs)
		}); err != nil {
			slog.WarnContext(ctx, "runtime: dialog watch stopped", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	wg.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownTimeout)
	defer cancel()
	r.lifecycle.Lock()
	err = r.stop(sctx)
	r.lifecycle.Unlock()
	return errors.Join(err, r.closeBackends())
}

func (r *Runtime) start(ctx context.Context, def *dialog.Definition) error {
	tree, err := def.Build(r.store)
	if err != nil {
		return err
	}

	var hs []plugin.Handler
	for _, id := range def.HandlerIDs() {
		h, err := r.handlers.Create(r, id, def.Handlers[id])
		if err != nil {
			return err
		}
		hs = append(hs, h)
	}
	set := plugin.NewSet(hs...)

	opts := []dialog.Option{
		dialog.WithHandlers(set),
		dialog.WithEmitter(r.pub),
		dialog.WithRand(rand.New(rand.NewPCG(r.rng.Uint64(), r.rng.Uint64()))),
	}
	supOpts := []plugin.SupervisorOption{}
	if r.rec != nil {
		opts = append(opts, dialog.WithRecognizer(r.rec))
	}
	if r.synth != nil {
		opts = append(opts, dialog.WithSynthesizer(r.synth))
	}
	if r.player != nil {
		opts = append(opts, dialog.WithPlayer(r.player))
	}
	if r.pool != nil {
		opts = append(opts, dialog.WithWorkerPool(r.pool))
		supOpts = append(supOpts, plugin.WithPool(r.pool))
	}
	if r.faults != nil {
		opts = append(opts, dialog.WithFaultReporter(r.faults))
		supOpts = append(supOpts, plugin.WithFaults(r.faults))
	}
	if r.cfg.TickInterval > 0 {
		supOpts = append(supOpts, plugin.WithInterval(r.cfg.TickInterval))
	}

	engine := dialog.NewEngine(tree, dialog.Config{
		SessionID:           xid.New().String(),
		Locale:              r.cfg.Locale,
		ConfidenceThreshold: r.cfg.ConfidenceThreshold,
		RejectionThreshold:  r.cfg.RejectionThreshold,
		SpeechMaxAge:        r.cfg.SpeechMaxAge,
	}, opts...)

	// The session outlives ctx until stop tears it down in order.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		name:     def.Name,
		nodes:    tree.Len(),
		grammars: len(tree.Grammars()),
		engine:   engine,
		sup:      plugin.NewSupervisor(set, supOpts...),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { s.done <- engine.Run(sctx) }()

	r.mu.Lock()
	r.sess = s
	r.mu.Unlock()
	s.sup.Start(sctx)

	slog.InfoContext(ctx, "runtime: dialog session started",
		slog.String("dialog", def.Name),
		slog.String("session_id", engine.SessionID()),
		slog.Int("nodes", tree.Len()),
		slog.Int("handlers", len(hs)))
	return nil
}

// stop shuts the handlers down first, while the engine can still serve
// their calls, then the engine.
func (r *Runtime) stop(ctx context.Context) error {
	r.mu.RLock()
	s := r.sess
	r.mu.RUnlock()
	if s == nil {
		return nil
	}

	var errs []error
	if err := s.sup.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.cancel()
	select {
	case err := <-s.done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("dialog %q: engine did not stop: %w", s.name, ctx.Err()))
	}

	r.mu.Lock()
	r.sess = nil
	r.mu.Unlock()
	return errors.Join(errs...)
}

// reload replaces the running session with the new definition of the same
// dialog. A dialog that disappeared keeps the old session running.
func (r *Runtime) reload(ctx context.Context, defs map[string]*dialog.Definition) {
	name := r.DialogName()
	if name == "" {
		name = r.cfg.DefaultDialog
	}
	def, ok := defs[name]
	if !ok {
		slog.WarnContext(ctx, "runtime: running dialog missing after reload", slog.String("dialog", name))
		return
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if ctx.Err() != nil {
		return
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownTimeout)
	defer cancel()
	if err := r.stop(sctx); err != nil {
		slog.WarnContext(ctx, "runtime: previous session stopped with errors", slog.String("error", err.Error()))
	}
	if err := r.start(ctx, def); err != nil {
		slog.ErrorContext(ctx, "runtime: dialog restart failed",
			slog.String("dialog", name), slog.String("error", err.Error()))
		return
	}

	r.mu.RLock()
	s := r.sess
	r.mu.RUnlock()
	_ = r.pub.Emit(ctx, events.DialogReloaded, s.engine.SessionID(), &events.DialogReloadedData{
		DialogName: s.name,
		Nodes:      s.nodes,
		Grammars:   s.grammars,
	})
}

func (r *Runtime) snapshotChanged(ctx context.Context, version uint64) {
	e := r.Engine()
	if e == nil {
		return
	}
	_ = r.pub.Emit(ctx, events.SnapshotUpdated, e.SessionID(), &events.SnapshotUpdatedData{
		Version: version,
		Source:  r.cfg.SnapshotPath,
	})
	if err := e.Update(ctx); err != nil && !errors.Is(err, dialog.ErrEngineStopped) {
		slog.WarnContext(ctx, "runtime: update after snapshot change failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) closeBackends() error {
	var errs []error
	if r.rec != nil {
		errs = append(errs, r.rec.Close())
	}
	for _, b := range []any{r.synth, r.player} {
		if c, ok := b.(io.Closer); ok && b != any(r.rec) {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
