// Package assistant is the built-in handler for assistant housekeeping
// commands: sleep, wake, mute, say and repeat. The action is taken from the
// "action" payload entry of the node that triggered it.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/voicetyped/vi/pkg/dialog"
	"github.com/voicetyped/vi/pkg/plugin"
)

// ID is the handler id dialog nodes bind to.
const ID = "assistant"

// ErrUnknownAction is returned for an unrecognised action payload.
var ErrUnknownAction = errors.New("unknown assistant action")

func init() {
	plugin.Default.MustRegister(Registration())
}

// Registration describes the handler for a plugin registry.
func Registration() plugin.Registration {
	return plugin.Registration{
		ID:   ID,
		Name: "Assistant controls",
		Parameters: []plugin.Parameter{
			{Name: "say_priority", Default: "normal", Description: "priority of say and repeat lines"},
			{Name: "nothing_to_repeat", Default: "I have not said anything yet.", Description: "reply when repeat has no previous line"},
		},
		New: New,
	}
}

// Handler executes assistant actions against the host engine.
type Handler struct {
	host            plugin.Host
	sayPriority     dialog.Priority
	nothingToRepeat string
}

// New creates the handler.
func New(host plugin.Host, params plugin.Params) (plugin.Handler, error) {
	prio, err := dialog.ParsePriority(params.String("say_priority"))
	if err != nil {
		return nil, err
	}
	return &Handler{
		host:            host,
		sayPriority:     prio,
		nothingToRepeat: params.String("nothing_to_repeat"),
	}, nil
}

func (h *Handler) ID() string   { return ID }
func (h *Handler) Name() string { return "Assistant controls" }

// OnDialogAction runs the node's action.
func (h *Handler) OnDialogAction(ctx context.Context, node *dialog.Node) error {
	e := h.host.Engine()
	action := node.Payload["action"]
	switch action {
	case "sleep":
		return e.SetState(ctx, dialog.StateSleeping)
	case "wake":
		return e.SetState(ctx, dialog.StateReady)
	case "busy":
		return e.SetState(ctx, dialog.StateBusy)
	case "mute":
		return e.Silence(ctx)
	case "dialogs_off":
		return e.SetDialogsActive(ctx, false)
	case "dialogs_on":
		return e.SetDialogsActive(ctx, true)
	case "say":
		text := node.Payload["text"]
		if dialog.Blank(text) {
			return fmt.Errorf("node %q: say action needs a text payload", node.Key)
		}
		return h.say(ctx, e, node, text)
	case "repeat":
		rec, ok := e.Transcript().Last(dialog.RecordSpoken)
		if !ok {
			return h.say(ctx, e, node, h.nothingToRepeat)
		}
		return h.say(ctx, e, node, rec.Text)
	default:
		return fmt.Errorf("node %q: %w %q", node.Key, ErrUnknownAction, action)
	}
}

func (h *Handler) say(ctx context.Context, e *dialog.Engine, node *dialog.Node, text string) error {
	prio := h.sayPriority
	if p, ok := node.Payload["priority"]; ok {
		var err error
		if prio, err = dialog.ParsePriority(p); err != nil {
			return fmt.Errorf("node %q: %w", node.Key, err)
		}
	}
	force, _ := strconv.ParseBool(node.Payload["force"])

	err := e.Say(ctx, text, prio, dialog.SpeakOptions{Force: force})
	if errors.Is(err, dialog.ErrSpeechDropped) {
		slog.DebugContext(ctx, "assistant handler: line dropped",
			slog.String("node", node.Key), slog.String("error", err.Error()))
		return nil
	}
	return err
}

func (h *Handler) OnGameDataUpdate(context.Context) error { return nil }

func (h *Handler) OnProgramShutdown(context.Context) error { return nil }
