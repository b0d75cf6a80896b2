package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/frame/queue"
	"github.com/rs/xid"
)

// DefaultRecent is the number of envelopes kept for Recent.
const DefaultRecent = 128

type subscription struct {
	ch    chan Envelope
	types []EventType
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Publisher wraps frame's queue manager to emit typed assistant events.
// It also fans events out to local in-process subscribers and keeps the most
// recent envelopes for inspection. A nil queue manager keeps events
// in-process.
type Publisher struct {
	queueMgr queue.Manager
	source   string
	queueRef string

	subMu       sync.RWMutex
	subscribers map[string]subscription

	recentMu sync.Mutex
	recent   []Envelope
}

// NewPublisher creates a publisher that emits events to the given queue reference.
func NewPublisher(queueMgr queue.Manager, source string, queueRef string) *Publisher {
	return &Publisher{
		queueMgr:    queueMgr,
		source:      source,
		queueRef:    queueRef,
		subscribers: make(map[string]subscription),
	}
}

// Emit publishes a typed event to the event bus and fans out to local subscribers.
func (p *Publisher) Emit(ctx context.Context, eventType EventType, sessionID string, data interface{}) error {
	envelope := Envelope{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    p.source,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	envelope.Data = raw

	p.recentMu.Lock()
	if len(p.recent) >= DefaultRecent {
		p.recent = p.recent[1:]
	}
	p.recent = append(p.recent, envelope)
	p.recentMu.Unlock()

	// Fan out to local subscribers (non-blocking).
	p.subMu.RLock()
	for id, sub := range p.subscribers {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- envelope:
		default:
			slog.Warn("event dropped: subscriber buffer full",
				slog.String("subscriber", id), slog.String("event_type", string(eventType)))
		}
	}
	p.subMu.RUnlock()

	if p.queueMgr == nil {
		return nil
	}
	return p.queueMgr.Publish(ctx, p.queueRef, envelope)
}

// Subscribe creates a local subscription for the given event types, or for
// every type when none are given. The caller must call Unsubscribe with the
// same id to clean up.
func (p *Publisher) Subscribe(id string, bufSize int, types ...EventType) <-chan Envelope {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Envelope, bufSize)
	p.subMu.Lock()
	if old, ok := p.subscribers[id]; ok {
		close(old.ch)
	}
	p.subscribers[id] = subscription{ch: ch, types: types}
	p.subMu.Unlock()
	return ch
}

// Unsubscribe removes a local subscription and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.subMu.Lock()
	if sub, ok := p.subscribers[id]; ok {
		close(sub.ch)
		delete(p.subscribers, id)
	}
	p.subMu.Unlock()
}

// Recent returns up to limit of the latest envelopes, oldest first.
func (p *Publisher) Recent(limit int) []Envelope {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	start := 0
	if limit > 0 && len(p.recent) > limit {
		start = len(p.recent) - limit
	}
	out := make([]Envelope, len(p.recent)-start)
	copy(out, p.recent[start:])
	return out
}
