package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/urlvalidation"
)

type memRecorder struct {
	mu       sync.Mutex
	attempts []DeliveryAttempt
	dead     []DeadLetter
}

func (m *memRecorder) RecordDelivery(_ context.Context, da *DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *da)
	return nil
}

func (m *memRecorder) CreateDeadLetter(_ context.Context, dl *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, *dl)
	return nil
}

func testEnvelope(et events.EventType) events.Envelope {
	data, _ := json.Marshal(events.NodeActivatedData{NodeKey: "greeting", Speaker: "assistant"})
	return events.Envelope{
		ID:        "evt-1",
		Type:      et,
		Source:    "test",
		SessionID: "sess-1",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func testConfig() DelivererConfig {
	return DelivererConfig{
		MaxRetries:        1,
		TimeoutSec:        5,
		BackoffInitialSec: 1,
		BackoffMaxSec:     1,
		CBFailThreshold:   2,
		CBResetTimeoutSec: 60,
	}
}

func TestDelivererSignsRequest(t *testing.T) {
	secret := "webhook-secret-123"
	var sigValid, headersOK atomic.Bool

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if VerifyRequest(r, secret, body, time.Minute) == nil {
			sigValid.Store(true)
		}
		headersOK.Store(r.Header.Get("Content-Type") == "application/json" &&
			r.Header.Get(EventHeader) == string(events.NodeActivated) &&
			r.Header.Get(DeliveryHeader) == "evt-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	rec := &memRecorder{}
	d := NewDeliverer(rec, testConfig(), nil, urlvalidation.AllowPrivateIPs())
	d.Deliver(t.Context(), Endpoint{ID: "wh-1", URL: ts.URL, Secret: secret}, testEnvelope(events.NodeActivated))

	if !sigValid.Load() {
		t.Error("webhook signature was not valid")
	}
	if !headersOK.Load() {
		t.Error("delivery headers missing or wrong")
	}
	if len(rec.attempts) != 1 || rec.attempts[0].Status != "success" || rec.attempts[0].ResponseCode != http.StatusOK {
		t.Errorf("attempts = %+v, want one success", rec.attempts)
	}
}

func TestDelivererDeadLetters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	rec := &memRecorder{}
	d := NewDeliverer(rec, testConfig(), nil, urlvalidation.AllowPrivateIPs())
	d.Deliver(t.Context(), Endpoint{ID: "wh-1", URL: ts.URL, Secret: "s"}, testEnvelope(events.TTSDropped))

	if len(rec.attempts) != 1 || rec.attempts[0].Error != "HTTP 503" {
		t.Errorf("attempts = %+v, want one HTTP 503 failure", rec.attempts)
	}
	if rec.attempts[0].NextRetryAt.Valid {
		t.Error("last attempt should not schedule a retry")
	}
	if len(rec.dead) != 1 || rec.dead[0].EventID != "evt-1" || rec.dead[0].Attempts != 1 {
		t.Errorf("dead letters = %+v, want one for evt-1", rec.dead)
	}
}

func TestDelivererCircuitOpens(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	rec := &memRecorder{}
	d := NewDeliverer(rec, testConfig(), nil, urlvalidation.AllowPrivateIPs())
	ep := Endpoint{ID: "wh-1", URL: ts.URL, Secret: "s"}
	for range 3 {
		d.Deliver(t.Context(), ep, testEnvelope(events.StateChanged))
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
	if got := rec.attempts[2].Error; got != "circuit open" {
		t.Errorf("third attempt error = %q, want %q", got, "circuit open")
	}
}

func TestParseEndpoints(t *testing.T) {
	eps, err := ParseEndpoints(" https://a.example/hook , https://b.example/hook,", "k", "node.activated, tts.started")
	if err != nil {
		t.Fatalf("ParseEndpoints: %v", err)
	}
	if len(eps) != 2 || eps[1].ID != "wh-2" || eps[1].URL != "https://b.example/hook" {
		t.Fatalf("endpoints = %+v", eps)
	}
	if !eps[0].Wants(events.TTSStarted) || eps[0].Wants(events.StateChanged) {
		t.Errorf("filter = %v", eps[0].EventTypes)
	}

	if _, err := ParseEndpoints("https://a.example/hook", "", ""); err == nil {
		t.Error("expected error for missing secret")
	}
	if eps, _ := ParseEndpoints("", "", ""); len(eps) != 0 {
		t.Errorf("endpoints = %+v, want none", eps)
	}
	if !(Endpoint{}).Wants(events.HandlerError) {
		t.Error("empty filter should match every event")
	}
}

func TestSubscriberRoutesByType(t *testing.T) {
	hits := make(chan string, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sub := &Subscriber{
		Endpoints: []Endpoint{
			{ID: "wh-1", URL: ts.URL + "/all", Secret: "s"},
			{ID: "wh-2", URL: ts.URL + "/tts", Secret: "s", EventTypes: []events.EventType{events.TTSStarted}},
		},
		Deliverer: NewDeliverer(nil, testConfig(), nil, urlvalidation.AllowPrivateIPs()),
	}

	msg, _ := json.Marshal(testEnvelope(events.NodeActivated))
	if err := sub.Handle(t.Context(), nil, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case path := <-hits:
		if path != "/all" {
			t.Errorf("delivered to %q, want /all", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	select {
	case path := <-hits:
		t.Errorf("unexpected delivery to %q", path)
	case <-time.After(50 * time.Millisecond):
	}

	if err := sub.Handle(t.Context(), nil, []byte("{")); err != nil {
		t.Errorf("malformed envelope: Handle = %v, want nil (dropped)", err)
	}
}
