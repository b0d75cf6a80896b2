package hooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/urlvalidation"
	"github.com/voicetyped/vi/pkg/webhook"
)

func TestExecutorSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("expected application/json content type")
		}

		var req HookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}

		if req.NodeKey != "request_docking" {
			t.Errorf("node_key = %q, want %q", req.NodeKey, "request_docking")
		}
		if req.Payload["station"] != "Jameson" {
			t.Errorf("payload station = %q, want %q", req.Payload["station"], "Jameson")
		}

		resp := HookResponse{
			Actions: []HookAction{{Type: ActionSay, Params: map[string]string{"text": "Docking granted."}}},
			Data:    map[string]any{"pad": 7},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	exec := NewExecutor(nil, BreakerConfig{}, urlvalidation.AllowPrivateIPs())
	cfg := HookConfig{URL: ts.URL, TimeoutSec: 5}
	req := HookRequest{
		SessionID: "sess-1",
		NodeKey:   "request_docking",
		Speaker:   "player",
		Payload:   map[string]string{"station": "Jameson"},
	}

	resp, err := exec.Execute(t.Context(), cfg, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(resp.Actions) != 1 || resp.Actions[0].Params["text"] != "Docking granted." {
		t.Errorf("actions = %+v, want one say action", resp.Actions)
	}
}

func TestExecutorEmptyBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	exec := NewExecutor(nil, BreakerConfig{}, urlvalidation.AllowPrivateIPs())
	resp, err := exec.Execute(t.Context(), HookConfig{URL: ts.URL}, HookRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(resp.Actions) != 0 {
		t.Errorf("actions = %+v, want none", resp.Actions)
	}
}

func TestExecutorBearerAuth(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(HookResponse{})
	}))
	defer ts.Close()

	exec := NewExecutor(nil, BreakerConfig{}, urlvalidation.AllowPrivateIPs())
	cfg := HookConfig{
		URL:        ts.URL,
		AuthType:   "bearer",
		AuthSecret: "my-token",
		TimeoutSec: 5,
	}

	if _, err := exec.Execute(t.Context(), cfg, HookRequest{SessionID: "s1"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotAuth != "Bearer my-token" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer my-token")
	}
}

func TestExecutorHMACAuth(t *testing.T) {
	var verr error
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verr = webhook.VerifyRequest(r, "k", body, time.Minute)
		_ = json.NewEncoder(w).Encode(HookResponse{})
	}))
	defer ts.Close()

	exec := NewExecutor(nil, BreakerConfig{}, urlvalidation.AllowPrivateIPs())
	cfg := HookConfig{URL: ts.URL, AuthType: "hmac", AuthSecret: "k"}
	if _, err := exec.Execute(t.Context(), cfg, HookRequest{SessionID: "s1", NodeKey: "n"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if verr != nil {
		t.Errorf("signature: %v", verr)
	}
}

func TestExecutorHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer ts.Close()

	pub := events.NewPublisher(nil, "test", "")
	errs := pub.Subscribe("t", 4, events.HookError)
	defer pub.Unsubscribe("t")

	exec := NewExecutor(pub, BreakerConfig{}, urlvalidation.AllowPrivateIPs())
	cfg := HookConfig{URL: ts.URL, TimeoutSec: 5}

	if _, err := exec.Execute(t.Context(), cfg, HookRequest{SessionID: "s1"}); err == nil {
		t.Error("expected error for HTTP 500")
	}
	select {
	case env := <-errs:
		if env.SessionID != "s1" {
			t.Errorf("session = %q, want %q", env.SessionID, "s1")
		}
	default:
		t.Error("no hook.error event emitted")
	}
}

func TestExecutorCircuitOpens(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	exec := NewExecutor(nil, BreakerConfig{FailThreshold: 2, ResetTimeout: time.Minute}, urlvalidation.AllowPrivateIPs())
	cfg := HookConfig{URL: ts.URL}

	for range 2 {
		if _, err := exec.Execute(t.Context(), cfg, HookRequest{}); err == nil {
			t.Fatal("expected error for HTTP 502")
		}
	}
	if got := exec.BreakerState(ts.URL); got != "open" {
		t.Errorf("breaker state = %q, want %q", got, "open")
	}

	_, err := exec.Execute(t.Context(), cfg, HookRequest{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute = %v, want %v", err, ErrCircuitOpen)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
}

func TestExecutorRejectsPrivateURL(t *testing.T) {
	exec := NewExecutor(nil, BreakerConfig{})
	_, err := exec.Execute(t.Context(), HookConfig{URL: "http://127.0.0.1:1/hook"}, HookRequest{})
	if err == nil {
		t.Error("expected validation error for loopback URL")
	}
}
