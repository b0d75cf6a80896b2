package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	SpeechRecognized    EventType = "speech.recognized"
	SpeechRejected      EventType = "speech.rejected"
	RecognitionDegraded EventType = "recognition.degraded"
	TTSStarted          EventType = "tts.started"
	TTSCompleted        EventType = "tts.completed"
	TTSDropped          EventType = "tts.dropped"
	NodeActivated       EventType = "node.activated"
	StateChanged        EventType = "state.changed"
	HandlerError        EventType = "handler.error"
	HookResult          EventType = "hook.result"
	HookError           EventType = "hook.error"
	DialogReloaded      EventType = "dialog.reloaded"
	SnapshotUpdated     EventType = "snapshot.updated"
)

// Envelope is the standard event wrapper published to the event bus.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Alternative is a scored reading carried by speech.rejected events.
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// SpeechRecognizedData is the payload for speech.recognized events.
type SpeechRecognizedData struct {
	NodeKey    string  `json:"node_key"`
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// SpeechRejectedData is the payload for speech.rejected events.
type SpeechRejectedData struct {
	Text         string        `json:"text,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// RecognitionDegradedData is the payload for recognition.degraded events.
type RecognitionDegradedData struct {
	Locale string `json:"locale"`
	Reason string `json:"reason"`
}

// TTSEventData is the payload for tts.started, tts.completed and
// tts.dropped events.
type TTSEventData struct {
	NodeKey  string `json:"node_key,omitempty"`
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// NodeActivatedData is the payload for node.activated events.
type NodeActivatedData struct {
	NodeKey     string `json:"node_key"`
	Speaker     string `json:"speaker"`
	PreviousKey string `json:"previous_key,omitempty"`
}

// StateChangedData is the payload for state.changed events.
type StateChangedData struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
}

// HandlerErrorData is the payload for handler.error events.
type HandlerErrorData struct {
	HandlerID string `json:"handler_id"`
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

// HookResultData is the payload for hook.result events.
type HookResultData struct {
	HookURL    string                 `json:"hook_url"`
	StatusCode int                    `json:"status_code"`
	Response   map[string]interface{} `json:"response,omitempty"`
}

// HookErrorData is the payload for hook.error events.
type HookErrorData struct {
	HookURL string `json:"hook_url"`
	Error   string `json:"error"`
}

// DialogReloadedData is the payload for dialog.reloaded events.
type DialogReloadedData struct {
	DialogName string `json:"dialog_name"`
	Nodes      int    `json:"nodes"`
	Grammars   int    `json:"grammars"`
}

// SnapshotUpdatedData is the payload for snapshot.updated events.
type SnapshotUpdatedData struct {
	Version uint64 `json:"version"`
	Source  string `json:"source"`
}
