// Package handlertest provides a running dialog engine for handler tests.
package handlertest

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/voicetyped/vi/pkg/dialog"
	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/snapshot"
)

// Host implements plugin.Host over a live engine without speech backends,
// so every utterance completes immediately.
type Host struct {
	engine *dialog.Engine
	store  *snapshot.Store
	pub    *events.Publisher
}

func (h *Host) Engine() *dialog.Engine    { return h.engine }
func (h *Host) Snapshot() *snapshot.Store { return h.store }
func (h *Host) Events() *events.Publisher { return h.pub }

// New builds nodes into a tree, starts an engine over it and stops it when
// the test ends.
func New(t testing.TB, nodes []dialog.NodeDef, opts ...dialog.Option) *Host {
	t.Helper()
	store := snapshot.New()
	def := &dialog.Definition{Name: "test", Nodes: nodes}
	tree, err := def.Build(store)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pub := events.NewPublisher(nil, "test", "")
	base := []dialog.Option{
		dialog.WithEmitter(pub),
		dialog.WithRand(rand.New(rand.NewPCG(1, 2))),
	}
	e := dialog.NewEngine(tree, dialog.Config{SessionID: "test", Locale: "en-US"}, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})

	WaitFor(t, "engine start", func() bool { return e.Status().State != dialog.StateOffline })
	return &Host{engine: e, store: store, pub: pub}
}

// WaitFor polls cond for up to two seconds.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
