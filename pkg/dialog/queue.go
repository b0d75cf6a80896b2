package dialog

import (
	"context"
	"time"
)

// utterance is a speech queue entry. Everything except done is owned by the
// engine loop.
type utterance struct {
	seq      uint64
	node     NodeID
	text     string
	priority Priority
	force    bool
	enqueued time.Time

	playing bool
	spoken  string
	display string
	cancel  context.CancelFunc

	done     chan struct{}
	err      error
	finished bool
}

func (u *utterance) finish(err error) {
	if u.finished {
		return
	}
	u.finished = true
	u.err = err
	close(u.done)
}

// speechQueue holds pending utterances in arrival order. A node appears at
// most once; free-text entries are not deduplicated.
type speechQueue struct {
	entries []*utterance
	byNode  map[NodeID]*utterance
	seq     uint64
}

func newSpeechQueue() *speechQueue {
	return &speechQueue{byNode: make(map[NodeID]*utterance)}
}

// enqueue inserts an entry for node unless one is already pending, in which
// case the pending entry is returned with added false.
func (q *speechQueue) enqueue(node NodeID, text string, prio Priority, now time.Time) (*utterance, bool) {
	if node != NoNode {
		if u, ok := q.byNode[node]; ok {
			return u, false
		}
	}
	q.seq++
	u := &utterance{
		seq:      q.seq,
		node:     node,
		text:     text,
		priority: prio,
		enqueued: now,
		done:     make(chan struct{}),
	}
	q.entries = append(q.entries, u)
	if node != NoNode {
		q.byNode[node] = u
	}
	return u, true
}

func (q *speechQueue) head() *utterance {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

func (q *speechQueue) remove(u *utterance) bool {
	for i, e := range q.entries {
		if e == u {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			if u.node != NoNode && q.byNode[u.node] == u {
				delete(q.byNode, u.node)
			}
			return true
		}
	}
	return false
}

// evict removes entries enqueued before cutoff that are not playing.
func (q *speechQueue) evict(cutoff time.Time) []*utterance {
	var evicted []*utterance
	kept := q.entries[:0]
	for _, u := range q.entries {
		if !u.playing && u.enqueued.Before(cutoff) {
			evicted = append(evicted, u)
			if u.node != NoNode && q.byNode[u.node] == u {
				delete(q.byNode, u.node)
			}
			continue
		}
		kept = append(kept, u)
	}
	q.entries = kept
	return evicted
}

func (q *speechQueue) drain() []*utterance {
	out := q.entries
	q.entries = nil
	q.byNode = make(map[NodeID]*utterance)
	return out
}

func (q *speechQueue) len() int { return len(q.entries) }
