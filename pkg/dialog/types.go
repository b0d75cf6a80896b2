package dialog

import (
	"fmt"
	"strings"
)

// Speaker is the tagged discriminant of a dialog node.
type Speaker uint8

const (
	SpeakerNone Speaker = iota
	SpeakerPlayer
	SpeakerAssistant
	SpeakerCommand

	speakerCount
)

var speakerNames = [speakerCount]string{
	SpeakerNone:      "none",
	SpeakerPlayer:    "player",
	SpeakerAssistant: "assistant",
	SpeakerCommand:   "command",
}

func (s Speaker) String() string {
	if s < speakerCount {
		return speakerNames[s]
	}
	return fmt.Sprintf("speaker(%d)", uint8(s))
}

// ParseSpeaker maps a definition-file name onto a Speaker.
func ParseSpeaker(s string) (Speaker, error) {
	for i, name := range speakerNames {
		if strings.EqualFold(s, name) {
			return Speaker(i), nil
		}
	}
	return SpeakerNone, fmt.Errorf("unknown speaker %q", s)
}

// behavior is the per-speaker row of the dispatch table.
type behavior struct {
	// listens nodes wait for recognition and need the assistant idle.
	listens bool
	// speaks nodes enqueue their rendered template on activation.
	speaks bool
	// triggers nodes dispatch their bound handler on activation.
	triggers bool
	// advances nodes run the turn selector right after activation.
	advances bool
	// grammar nodes compile their template into recognition grammars.
	grammar bool
}

var behaviors = [speakerCount]behavior{
	SpeakerNone:      {},
	SpeakerPlayer:    {listens: true, grammar: true},
	SpeakerAssistant: {speaks: true, triggers: true},
	SpeakerCommand:   {triggers: true, advances: true},
}

func (s Speaker) behavior() behavior {
	if s < speakerCount {
		return behaviors[s]
	}
	return behavior{}
}

// Priority orders nodes during selection.
type Priority uint8

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
	PriorityCritical
)

var priorityNames = []string{"very_low", "low", "normal", "high", "very_high", "critical"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// ParsePriority accepts very_low, low, normal, high, very_high and critical.
// An empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	norm := strings.ReplaceAll(strings.ToLower(s), "-", "_")
	for i, name := range priorityNames {
		if norm == name {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Flag is a bitset of node selection modifiers.
type Flag uint8

const (
	// FlagAlwaysUpdate makes the node a candidate on every Update pass.
	FlagAlwaysUpdate Flag = 1 << iota
	// FlagIgnoreReadyGating lifts the tree-position requirement.
	FlagIgnoreReadyGating
	// FlagIgnoreEngineStateGating lifts the assistant-state requirement.
	FlagIgnoreEngineStateGating
	// FlagAllowInterruption keeps the node ready while the assistant talks.
	FlagAllowInterruption
)

var flagNames = map[string]Flag{
	"always_update":              FlagAlwaysUpdate,
	"ignore_ready_gating":        FlagIgnoreReadyGating,
	"ignore_engine_state_gating": FlagIgnoreEngineStateGating,
	"allow_interruption":         FlagAllowInterruption,
}

// Has reports whether every bit of f2 is set in f.
func (f Flag) Has(f2 Flag) bool { return f&f2 == f2 }

// ParseFlags combines named flags into a bitset.
func ParseFlags(names []string) (Flag, error) {
	var f Flag
	for _, n := range names {
		v, ok := flagNames[strings.ReplaceAll(strings.ToLower(n), "-", "_")]
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", n)
		}
		f |= v
	}
	return f, nil
}

// AssistantState is the ordinal state of the assistant. Readiness compares
// states by order, so the declaration order matters.
type AssistantState uint8

const (
	StateOffline AssistantState = iota
	StateSleeping
	StateBusy
	StateTalking
	StateReady
)

var stateNames = []string{"offline", "sleeping", "busy", "talking", "ready"}

func (s AssistantState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseAssistantState maps a state name onto an AssistantState.
func ParseAssistantState(s string) (AssistantState, error) {
	for i, name := range stateNames {
		if strings.EqualFold(s, name) {
			return AssistantState(i), nil
		}
	}
	return StateOffline, fmt.Errorf("unknown assistant state %q", s)
}

// NodeID is a handle into a Tree's node arena.
type NodeID int

// NoNode is the zero handle: no parent, no node.
const NoNode NodeID = -1

// Condition is a pure predicate over external state.
type Condition func() bool

// Node is one unit of the conversation tree. Parent and children are
// handles owned by the Tree.
type Node struct {
	ID        NodeID
	Key       string
	Speaker   Speaker
	Priority  Priority
	Template  string
	Condition Condition
	Flags     Flag
	HandlerID string
	Payload   map[string]string
	Disabled  bool

	parent   NodeID
	children []NodeID
}

// Parent returns the parent handle, or NoNode.
func (n *Node) Parent() NodeID { return n.parent }

// Children returns a copy of the ordered child handles.
func (n *Node) Children() []NodeID {
	out := make([]NodeID, len(n.children))
	copy(out, n.children)
	return out
}
