package assistant

import (
	"errors"
	"strings"
	"testing"

	"github.com/voicetyped/vi/internal/handlers/handlertest"
	"github.com/voicetyped/vi/pkg/dialog"
	"github.com/voicetyped/vi/pkg/plugin"
)

var idle = []dialog.NodeDef{{Key: "idle", Speaker: "player", Text: "hello", Disabled: true}}

func newHandler(t *testing.T, host plugin.Host) *Handler {
	t.Helper()
	h, err := plugin.Default.Create(host, ID, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return h.(*Handler)
}

func action(key string, payload map[string]string) *dialog.Node {
	return &dialog.Node{Key: key, Speaker: dialog.SpeakerCommand, HandlerID: ID, Payload: payload}
}

func spoken(e *dialog.Engine) []string {
	var out []string
	for _, r := range e.Transcript().Copy() {
		if r.Kind == dialog.RecordSpoken {
			out = append(out, r.Text)
		}
	}
	return out
}

func waitQuiet(t *testing.T, e *dialog.Engine) {
	t.Helper()
	handlertest.WaitFor(t, "engine quiet", func() bool {
		st := e.Status()
		return st.State == dialog.StateReady && st.Speaking == "" && st.QueueLength == 0
	})
}

func TestStateActions(t *testing.T) {
	host := handlertest.New(t, idle)
	h := newHandler(t, host)
	e := host.Engine()

	tests := []struct {
		action string
		want   dialog.AssistantState
	}{
		{"sleep", dialog.StateSleeping},
		{"busy", dialog.StateBusy},
		{"wake", dialog.StateReady},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			if err := h.OnDialogAction(t.Context(), action(tt.action, map[string]string{"action": tt.action})); err != nil {
				t.Fatalf("OnDialogAction: %v", err)
			}
			if got := e.Status().State; got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDialogsSwitch(t *testing.T) {
	host := handlertest.New(t, idle)
	h := newHandler(t, host)

	if err := h.OnDialogAction(t.Context(), action("off", map[string]string{"action": "dialogs_off"})); err != nil {
		t.Fatal(err)
	}
	if host.Engine().Status().DialogsActive {
		t.Error("dialogs still active")
	}
	if err := h.OnDialogAction(t.Context(), action("on", map[string]string{"action": "dialogs_on"})); err != nil {
		t.Fatal(err)
	}
	if !host.Engine().Status().DialogsActive {
		t.Error("dialogs not reactivated")
	}
}

func TestSayAndRepeat(t *testing.T) {
	host := handlertest.New(t, idle)
	h := newHandler(t, host)
	e := host.Engine()

	if err := h.OnDialogAction(t.Context(), action("repeat", map[string]string{"action": "repeat"})); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	handlertest.WaitFor(t, "fallback line", func() bool { return len(spoken(e)) == 1 })
	waitQuiet(t, e)
	if got := spoken(e)[0]; !strings.Contains(got, "not said anything") {
		t.Errorf("fallback = %q", got)
	}

	say := action("say", map[string]string{"action": "say", "text": "Docking request sent", "priority": "high"})
	if err := h.OnDialogAction(t.Context(), say); err != nil {
		t.Fatalf("say: %v", err)
	}
	handlertest.WaitFor(t, "said line", func() bool { return len(spoken(e)) == 2 })
	waitQuiet(t, e)

	if err := h.OnDialogAction(t.Context(), action("repeat", map[string]string{"action": "repeat"})); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	handlertest.WaitFor(t, "repeated line", func() bool { return len(spoken(e)) == 3 })

	lines := spoken(e)
	if !strings.Contains(lines[1], "Docking request sent") || lines[2] != lines[1] {
		t.Errorf("lines = %q, want the second line repeated", lines)
	}
}

func TestSayWhileSleepingIsNotAFault(t *testing.T) {
	host := handlertest.New(t, idle)
	h := newHandler(t, host)

	if err := host.Engine().SetState(t.Context(), dialog.StateSleeping); err != nil {
		t.Fatal(err)
	}
	err := h.OnDialogAction(t.Context(), action("say", map[string]string{"action": "say", "text": "hello"}))
	if err != nil {
		t.Errorf("OnDialogAction = %v, want nil for a dropped line", err)
	}
}

func TestInvalidActions(t *testing.T) {
	host := handlertest.New(t, idle)
	h := newHandler(t, host)

	err := h.OnDialogAction(t.Context(), action("x", map[string]string{"action": "dance"}))
	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("dance = %v, want %v", err, ErrUnknownAction)
	}
	if err := h.OnDialogAction(t.Context(), action("x", map[string]string{"action": "say"})); err == nil {
		t.Error("say without text succeeded")
	}
	if err := h.OnDialogAction(t.Context(), action("x", map[string]string{"action": "say", "text": "hi", "priority": "urgent"})); err == nil {
		t.Error("say with a bad priority succeeded")
	}

	if _, err := plugin.Default.Create(host, ID, map[string]string{"say_priority": "loud"}); err == nil {
		t.Error("Create accepted an invalid say_priority")
	}
}
