package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/frame/workerpool"

	"github.com/voicetyped/vi/pkg/dialog"
)

// DefaultTickInterval is how often handlers are polled for data updates.
const DefaultTickInterval = time.Second

// ErrStopTimeout is returned when handlers do not finish within the shutdown
// deadline. The stragglers are left running.
var ErrStopTimeout = errors.New("handler did not stop in time")

type supervised struct {
	h        Handler
	inflight atomic.Bool
	skipped  atomic.Uint64
}

// Supervisor drives the periodic data-update ticks of a handler set. Each
// handler has at most one tick in flight; a tick that finds the previous one
// still running is skipped rather than queued.
type Supervisor struct {
	handlers []*supervised
	interval time.Duration
	pool     workerpool.WorkerPool
	faults   dialog.FaultReporter

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPool runs ticks on a frame worker pool instead of bare goroutines.
func WithPool(p workerpool.WorkerPool) SupervisorOption {
	return func(s *Supervisor) { s.pool = p }
}

// WithFaults records handler failures.
func WithFaults(f dialog.FaultReporter) SupervisorOption {
	return func(s *Supervisor) { s.faults = f }
}

// NewSupervisor supervises every handler of set.
func NewSupervisor(set *Set, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{interval: DefaultTickInterval}
	for _, h := range set.Handlers() {
		s.handlers = append(s.handlers, &supervised{h: h})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick starts one data update for every handler that is not still busy with
// the previous one and reports how many were started.
func (s *Supervisor) Tick(ctx context.Context) int {
	started := 0
	for _, sv := range s.handlers {
		if !sv.inflight.CompareAndSwap(false, true) {
			n := sv.skipped.Add(1)
			slog.DebugContext(ctx, "handler tick skipped, previous still running",
				slog.String("handler", sv.h.ID()), slog.Uint64("skipped", n))
			continue
		}
		s.wg.Add(1)
		started++
		s.submit(ctx, func() {
			defer s.wg.Done()
			defer sv.inflight.Store(false)
			if err := s.guard(ctx, "game_data_update", sv.h.OnGameDataUpdate); err != nil {
				s.report(ctx, sv.h.ID(), "game_data_update", err)
			}
		})
	}
	return started
}

// Skipped returns how many ticks were skipped for handler id.
func (s *Supervisor) Skipped(id string) uint64 {
	for _, sv := range s.handlers {
		if sv.h.ID() == id {
			return sv.skipped.Load()
		}
	}
	return 0
}

func (s *Supervisor) submit(ctx context.Context, fn func()) {
	if s.pool == nil {
		go fn()
		return
	}
	if err := s.pool.Submit(ctx, fn); err != nil {
		slog.WarnContext(ctx, "worker pool rejected handler tick", slog.String("error", err.Error()))
		go fn()
	}
}

// guard runs fn, turning a panic into an error.
func (s *Supervisor) guard(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	return fn(ctx)
}

func (s *Supervisor) report(ctx context.Context, id, op string, err error) {
	slog.ErrorContext(ctx, "handler failed",
		slog.String("handler", id), slog.String("operation", op), slog.String("error", err.Error()))
	if s.faults != nil {
		s.faults.Report(ctx, id, op, err)
	}
}

// Shutdown stops ticking, waits for in-flight ticks and then runs every
// handler's shutdown hook, all bounded by ctx. Failures and handlers that
// overrun the deadline are reported together.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}

	var errs []error
	ticks := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ticks)
	}()
	select {
	case <-ticks:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("data updates still running: %w", ErrStopTimeout))
	}

	type result struct {
		id  string
		err error
	}
	results := make(chan result, len(s.handlers))
	for _, sv := range s.handlers {
		go func() {
			results <- result{sv.h.ID(), s.guard(ctx, "program_shutdown", sv.h.OnProgramShutdown)}
		}()
	}

	pending := make(map[string]bool, len(s.handlers))
	for _, sv := range s.handlers {
		pending[sv.h.ID()] = true
	}
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.id)
			if r.err != nil {
				s.report(ctx, r.id, "program_shutdown", r.err)
				errs = append(errs, fmt.Errorf("handler %q: %w", r.id, r.err))
			}
		case <-ctx.Done():
			for id := range pending {
				errs = append(errs, fmt.Errorf("handler %q: %w", id, ErrStopTimeout))
			}
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}
