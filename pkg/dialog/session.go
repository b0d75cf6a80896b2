package dialog

import (
	"sync"
	"time"
)

// DefaultMaxHistory is the maximum number of transcript records before eviction.
const DefaultMaxHistory = 1000

// RecordKind classifies transcript records.
type RecordKind string

const (
	RecordSpoken    RecordKind = "spoken"
	RecordHeard     RecordKind = "heard"
	RecordActivated RecordKind = "activated"
)

// TranscriptRecord is one line of the conversation.
type TranscriptRecord struct {
	Kind      RecordKind `json:"kind"`
	Speaker   string     `json:"speaker"`
	NodeKey   string     `json:"node_key,omitempty"`
	Text      string     `json:"text,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Transcript is the bounded in-memory log of the conversation. It is never
// persisted. All access is thread-safe.
type Transcript struct {
	mu         sync.RWMutex
	maxHistory int
	records    []TranscriptRecord
}

// NewTranscript creates a transcript holding at most maxHistory records;
// non-positive values use DefaultMaxHistory.
func NewTranscript(maxHistory int) *Transcript {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Transcript{maxHistory: maxHistory}
}

// Record appends a record. Evicts oldest 10% of entries when the cap is reached.
func (t *Transcript) Record(kind RecordKind, speaker Speaker, key, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) >= t.maxHistory {
		evict := t.maxHistory / 10
		if evict < 1 {
			evict = 1
		}
		t.records = t.records[evict:]
	}
	t.records = append(t.records, TranscriptRecord{
		Kind:      kind,
		Speaker:   speaker.String(),
		NodeKey:   key,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// Last returns the most recent record of the given kind.
func (t *Transcript) Last(kind RecordKind) (TranscriptRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.records) - 1; i >= 0; i-- {
		if t.records[i].Kind == kind {
			return t.records[i], true
		}
	}
	return TranscriptRecord{}, false
}

// Len returns the number of records held.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Copy returns a snapshot of the records, oldest first.
func (t *Transcript) Copy() []TranscriptRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := make([]TranscriptRecord, len(t.records))
	copy(cp, t.records)
	return cp
}
