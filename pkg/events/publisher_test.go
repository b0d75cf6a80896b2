package events

import (
	"encoding/json"
	"testing"
)

func TestPublisherLocalFanOut(t *testing.T) {
	p := NewPublisher(nil, "engine", "events")

	all := p.Subscribe("all", 8)
	speech := p.Subscribe("speech", 8, SpeechRecognized)
	defer p.Unsubscribe("all")
	defer p.Unsubscribe("speech")

	if err := p.Emit(t.Context(), StateChanged, "s1", &StateChangedData{FromState: "ready", ToState: "talking"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := p.Emit(t.Context(), SpeechRecognized, "s1", &SpeechRecognizedData{NodeKey: "dock", Text: "request docking", Confidence: 0.9}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if got := len(all); got != 2 {
		t.Errorf("all subscriber got %d events, want 2", got)
	}
	if got := len(speech); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}

	env := <-speech
	if env.Source != "engine" || env.SessionID != "s1" || env.ID == "" {
		t.Errorf("envelope = %+v", env)
	}
	var payload SpeechRecognizedData
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.NodeKey != "dock" {
		t.Errorf("node_key = %q, want %q", payload.NodeKey, "dock")
	}
}

func TestPublisherRecent(t *testing.T) {
	p := NewPublisher(nil, "engine", "events")
	for range DefaultRecent + 5 {
		_ = p.Emit(t.Context(), TTSStarted, "s1", &TTSEventData{Text: "hi"})
	}
	if got := len(p.Recent(0)); got != DefaultRecent {
		t.Errorf("Recent(0) len = %d, want %d", got, DefaultRecent)
	}
	if got := len(p.Recent(3)); got != 3 {
		t.Errorf("Recent(3) len = %d, want 3", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPublisher(nil, "engine", "events")
	ch := p.Subscribe("x", 1)
	p.Unsubscribe("x")
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
}

func TestEventTypeConstants(t *testing.T) {
	types := []EventType{
		SpeechRecognized, SpeechRejected, RecognitionDegraded,
		TTSStarted, TTSCompleted, TTSDropped,
		NodeActivated, StateChanged, HandlerError,
		HookResult, HookError, DialogReloaded, SnapshotUpdated,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if et == "" {
			t.Error("empty event type constant")
		}
		if seen[et] {
			t.Errorf("duplicate event type: %q", et)
		}
		seen[et] = true
	}
}
