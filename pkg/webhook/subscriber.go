package webhook

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"

	"github.com/voicetyped/vi/pkg/events"
)

// Subscriber consumes the event queue and hands each envelope to the
// endpoints that want its type.
type Subscriber struct {
	Endpoints []Endpoint
	Deliverer *Deliverer
	Pool      workerpool.WorkerPool
}

// Handle is frame's queue callback. Deliveries outlive the message, so they
// run detached from its context. A malformed message is acknowledged and
// dropped; redelivery cannot fix it.
func (ws *Subscriber) Handle(ctx context.Context, _ map[string]string, message []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		util.Log(ctx).WithError(err).Error("webhook subscriber: dropping malformed envelope")
		return nil
	}

	dctx := context.WithoutCancel(ctx)
	for _, ep := range ws.Endpoints {
		if !ep.Wants(env.Type) {
			continue
		}
		deliver := func() { ws.Deliverer.Deliver(dctx, ep, env) }
		if ws.Pool == nil {
			go deliver()
			continue
		}
		if err := ws.Pool.Submit(dctx, deliver); err != nil {
			slog.WarnContext(ctx, "webhook subscriber: pool rejected delivery",
				slog.String("webhook_id", ep.ID), slog.String("event_id", env.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}
