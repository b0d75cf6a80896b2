// Package faultlog keeps the record of handler failures. Entries live in a
// bounded in-memory ring and can additionally be written to a Store.
package faultlog

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 256

const persistBuffer = 64

// Entry is one recorded failure.
type Entry struct {
	Source    string    `json:"source"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Time      time.Time `json:"time"`
}

// Store persists entries.
type Store interface {
	Save(ctx context.Context, e Entry) error
}

// Log is a bounded fault log. It satisfies the dialog engine's fault
// reporter and the handler supervisor's.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	dropped  uint64

	store   Store
	persist chan Entry
}

// New creates a log holding at most capacity entries. With a non-nil store,
// Run must be started to drain entries into it.
func New(capacity int, store Store) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{capacity: capacity, store: store}
	if store != nil {
		l.persist = make(chan Entry, persistBuffer)
	}
	return l
}

// Report records a failure. It never blocks.
func (l *Log) Report(ctx context.Context, source, operation string, err error) {
	e := Entry{Source: source, Operation: operation, Time: time.Now().UTC()}
	if err != nil {
		e.Error = err.Error()
	}

	l.mu.Lock()
	if len(l.entries) >= l.capacity {
		l.entries = slices.Delete(l.entries, 0, 1)
		l.dropped++
	}
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	if l.persist == nil {
		return
	}
	select {
	case l.persist <- e:
	default:
		slog.WarnContext(ctx, "fault log persistence backlog full, entry kept in memory only",
			slog.String("source", source))
	}
}

// Entries returns the recorded faults, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Dropped returns how many entries fell off the ring.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Run writes reported entries to the store until ctx is done.
func (l *Log) Run(ctx context.Context) error {
	if l.persist == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-l.persist:
			if err := l.store.Save(ctx, e); err != nil {
				slog.ErrorContext(ctx, "persist fault entry", slog.String("error", err.Error()))
			}
		}
	}
}
