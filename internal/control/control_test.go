package control

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"

	"github.com/voicetyped/vi/internal/connectutil"
	"github.com/voicetyped/vi/internal/handlers/handlertest"
	"github.com/voicetyped/vi/pkg/dialog"
)

type assistant struct {
	engine *dialog.Engine
}

func (a *assistant) Engine() *dialog.Engine { return a.engine }
func (a *assistant) DialogName() string     { return "test" }
func (a *assistant) FaultCount() int        { return 2 }

func newClient(t *testing.T, a Assistant) *Client {
	t.Helper()
	path, h := NewHandler(NewService(a), connectutil.DefaultOptions()...)
	mux := http.NewServeMux()
	mux.Handle(path, h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL, connectutil.DefaultClientOptions()...)
}

var dockNodes = []dialog.NodeDef{
	{Key: "dock", Speaker: "player", Text: "request docking", Children: []dialog.NodeDef{
		{Key: "granted", Speaker: "assistant", Text: "Docking granted"},
	}},
}

func TestStatus(t *testing.T) {
	host := handlertest.New(t, dockNodes)
	c := newClient(t, &assistant{engine: host.Engine()})

	st, err := c.Status(t.Context())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Dialog != "test" || st.SessionID != "test" || st.State != "ready" || st.Faults != 2 {
		t.Errorf("status = %+v", st)
	}
	if st.ActiveKey != dialog.RootKey || !st.DialogsActive {
		t.Errorf("status = %+v, want root active with dialogs on", st)
	}
}

func TestSetState(t *testing.T) {
	host := handlertest.New(t, dockNodes)
	c := newClient(t, &assistant{engine: host.Engine()})
	ctx := t.Context()

	resp, err := c.SetState(ctx, "sleeping")
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if resp.State != "sleeping" {
		t.Errorf("state = %q, want sleeping", resp.State)
	}

	for _, bad := range []string{"talking", "dancing"} {
		_, err := c.SetState(ctx, bad)
		if got := connect.CodeOf(err); got != connect.CodeInvalidArgument {
			t.Errorf("SetState(%q) code = %v, want invalid_argument", bad, got)
		}
	}
}

func TestHearAndSay(t *testing.T) {
	host := handlertest.New(t, dockNodes)
	e := host.Engine()
	c := newClient(t, &assistant{engine: e})
	ctx := t.Context()

	resp, err := c.Hear(ctx, "Request docking")
	if err != nil {
		t.Fatalf("Hear: %v", err)
	}
	if !resp.Matched {
		t.Fatal("Hear did not match")
	}
	handlertest.WaitFor(t, "granted spoken", func() bool {
		rec, ok := e.Transcript().Last(dialog.RecordSpoken)
		return ok && rec.NodeKey == "granted"
	})

	if _, err := c.Hear(ctx, "   "); connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("Hear(blank) = %v, want invalid_argument", err)
	}

	if err := c.Say(ctx, &SayRequest{Text: "Hull at 40 percent", Priority: "high", Wait: true}); err != nil {
		t.Fatalf("Say: %v", err)
	}
	rec, ok := e.Transcript().Last(dialog.RecordSpoken)
	if !ok || rec.Text != "Hull at 40 percent." {
		t.Errorf("last spoken = %+v", rec)
	}
	if err := c.Say(ctx, &SayRequest{Text: "x", Priority: "urgent"}); connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("Say(bad priority) = %v, want invalid_argument", err)
	}
}

func TestSetDisabled(t *testing.T) {
	host := handlertest.New(t, dockNodes)
	e := host.Engine()
	c := newClient(t, &assistant{engine: e})
	ctx := t.Context()

	if err := c.SetDisabled(ctx, "dock", true); err != nil {
		t.Fatalf("SetDisabled(dock): %v", err)
	}
	resp, err := c.Hear(ctx, "request docking")
	if err != nil {
		t.Fatalf("Hear: %v", err)
	}
	if resp.Matched {
		t.Error("disabled node still heard")
	}

	if err := c.SetDisabled(ctx, "", true); err != nil {
		t.Fatalf("SetDisabled(assistant): %v", err)
	}
	if !e.Status().AssistantDisabled {
		t.Error("assistant not disabled")
	}

	err = c.SetDisabled(ctx, "nope", true)
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("SetDisabled(nope) = %v, want not_found", err)
	}
}

func TestNoSession(t *testing.T) {
	c := newClient(t, &assistant{})
	_, err := c.Status(t.Context())
	if connect.CodeOf(err) != connect.CodeUnavailable {
		t.Fatalf("Status = %v, want unavailable", err)
	}
	var ce *connect.Error
	if !errors.As(err, &ce) || ce.Message() != ErrNoSession.Error() {
		t.Errorf("error = %v, want %q", err, ErrNoSession)
	}
}
