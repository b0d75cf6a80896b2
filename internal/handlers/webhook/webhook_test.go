package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voicetyped/vi/internal/handlers/handlertest"
	"github.com/voicetyped/vi/pkg/dialog"
	"github.com/voicetyped/vi/pkg/hooks"
	"github.com/voicetyped/vi/pkg/plugin"
)

var dockingNodes = []dialog.NodeDef{
	{Key: "idle", Speaker: "player", Text: "hello", Disabled: true},
	{Key: "granted", Speaker: "assistant", Text: "Docking granted", Condition: `{{ .Flag "dock.granted" }}`},
}

func TestActionRoundTrip(t *testing.T) {
	reqs := make(chan hooks.HookRequest, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req hooks.HookRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		reqs <- req
		_ = json.NewEncoder(w).Encode(hooks.HookResponse{Actions: []hooks.HookAction{
			{Type: hooks.ActionSet, Params: map[string]string{"key": "dock.granted", "value": "true"}},
			{Type: hooks.ActionSet, Params: map[string]string{"key": "dock.pad", "value": "Pad seven"}},
			{Type: hooks.ActionActivate, Params: map[string]string{"key": "granted"}},
		}})
	}))
	defer ts.Close()

	host := handlertest.New(t, dockingNodes)
	h, err := plugin.Default.Create(host, ID, map[string]string{"url": ts.URL, "allow_private": "true"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	node := &dialog.Node{Key: "request_docking", Speaker: dialog.SpeakerCommand, Payload: map[string]string{"station": "Jameson"}}
	if err := h.OnDialogAction(t.Context(), node); err != nil {
		t.Fatalf("OnDialogAction: %v", err)
	}

	select {
	case req := <-reqs:
		if req.NodeKey != "request_docking" || req.Payload["station"] != "Jameson" {
			t.Errorf("request = %+v", req)
		}
		if req.SessionID != "test" || req.State != "ready" {
			t.Errorf("session/state = %q/%q, want test/ready", req.SessionID, req.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook was not called")
	}

	handlertest.WaitFor(t, "granted line", func() bool {
		rec, ok := host.Engine().Transcript().Last(dialog.RecordSpoken)
		return ok && strings.Contains(rec.Text, "Docking granted")
	})
	if !host.Snapshot().Flag("dock.granted") {
		t.Error("dock.granted not set")
	}
	if got := host.Snapshot().Str("dock.pad"); got != "Pad seven" {
		t.Errorf("dock.pad = %q, want %q", got, "Pad seven")
	}

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	if err := h.OnProgramShutdown(ctx); err != nil {
		t.Errorf("OnProgramShutdown: %v", err)
	}
	if err := h.OnDialogAction(t.Context(), node); err == nil {
		t.Error("OnDialogAction after shutdown succeeded")
	}
}

func TestApplyReportsBadActions(t *testing.T) {
	host := handlertest.New(t, dockingNodes)
	created, err := plugin.Default.Create(host, ID, map[string]string{"url": "https://hooks.example/vi"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h := created.(*Handler)

	err = h.apply(t.Context(), []hooks.HookAction{
		{Type: "explode"},
		{Type: hooks.ActionState, Params: map[string]string{"state": "talking"}},
		{Type: hooks.ActionActivate, Params: map[string]string{"key": "missing"}},
		{Type: hooks.ActionState, Params: map[string]string{"state": "sleeping"}},
	})
	if err == nil {
		t.Fatal("apply succeeded")
	}
	for _, want := range []string{"explode", "state:", "activate:"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
	if got := host.Engine().Status().State; got != dialog.StateSleeping {
		t.Errorf("state = %s, want sleeping", got)
	}
}

func TestNewValidatesParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
	}{
		{"missing url", nil},
		{"bad timeout", map[string]string{"url": "https://x.example", "timeout_sec": "soon"}},
		{"bad reset", map[string]string{"url": "https://x.example", "reset_timeout": "60"}},
		{"bad allow_private", map[string]string{"url": "https://x.example", "allow_private": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := plugin.Default.Create(nil, ID, tt.params); err == nil {
				t.Error("Create succeeded")
			}
		})
	}
}

func TestLiteral(t *testing.T) {
	if got := literal("12.5"); got != 12.5 {
		t.Errorf("literal(12.5) = %v", got)
	}
	if got := literal("false"); got != false {
		t.Errorf("literal(false) = %v", got)
	}
	if got := literal("Pad seven"); got != "Pad seven" {
		t.Errorf("literal(Pad seven) = %v", got)
	}
}

// detachedHost reports no engine, as between a session stop and the next start.
type detachedHost struct{ *handlertest.Host }

func (detachedHost) Engine() *dialog.Engine { return nil }

func TestApplyWithoutSession(t *testing.T) {
	host := detachedHost{handlertest.New(t, dockingNodes)}
	created, err := plugin.Default.Create(host, ID, map[string]string{"url": "https://hooks.example/vi"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h := created.(*Handler)

	err = h.apply(t.Context(), []hooks.HookAction{
		{Type: hooks.ActionSay, Params: map[string]string{"text": "late"}},
	})
	if !errors.Is(err, errNoSession) {
		t.Errorf("apply = %v, want errNoSession", err)
	}
	if err := h.OnDialogAction(t.Context(), &dialog.Node{Key: "late"}); !errors.Is(err, errNoSession) {
		t.Errorf("OnDialogAction = %v, want errNoSession", err)
	}
}

func TestShutdownRejectsNewCalls(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(hooks.HookResponse{})
	}))
	defer ts.Close()

	host := handlertest.New(t, dockingNodes)
	created, err := plugin.Default.Create(host, ID, map[string]string{"url": ts.URL, "allow_private": "true"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h := created.(*Handler)

	node := &dialog.Node{Key: "request_docking", Speaker: dialog.SpeakerCommand}
	if err := h.OnDialogAction(t.Context(), node); err != nil {
		t.Fatalf("OnDialogAction: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.OnProgramShutdown(t.Context()) }()
	handlertest.WaitFor(t, "shutdown start", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.closed
	})

	if err := h.OnDialogAction(t.Context(), node); !errors.Is(err, errShutDown) {
		t.Errorf("OnDialogAction during shutdown = %v, want errShutDown", err)
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("OnProgramShutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnProgramShutdown did not return")
	}
}
