package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicetyped/vi/pkg/events"
)

// stopGrace bounds how long an interrupted playback may take to confirm.
const stopGrace = 2 * time.Second

// speakActive queues the line of the assistant node id. before is the
// assistant state at activation: the node's own handler has already run, and
// the line is admitted if either state allows speech, unless the handler took
// the assistant offline. When there is nothing to say, or the line is
// dropped, traversal continues from id.
func (e *Engine) speakActive(ctx context.Context, id NodeID, before AssistantState) {
	n := e.tree.Node(id)
	if Blank(n.Template) {
		e.later(func(lctx context.Context) { e.nextNode(lctx, id) })
		return
	}
	gate := max(before, e.state)
	if e.state == StateOffline {
		gate = StateOffline
	}
	if _, err := e.enqueueAt(ctx, gate, id, "", n.Priority, false); err != nil {
		e.later(func(lctx context.Context) { e.nextNode(lctx, id) })
	}
}

// enqueue adds a line to the speech queue and starts playback if the queue
// was idle. Without force, speech is dropped while the assistant is below
// Talking, and lower priorities are dropped while it is mid-utterance.
// Critical lines are never suppressed.
func (e *Engine) enqueue(ctx context.Context, node NodeID, text string, prio Priority, force bool) (*utterance, error) {
	return e.enqueueAt(ctx, e.state, node, text, prio, force)
}

// enqueueAt is enqueue with the state gate checked against gate.
func (e *Engine) enqueueAt(ctx context.Context, gate AssistantState, node NodeID, text string, prio Priority, force bool) (*utterance, error) {
	if !force && prio < PriorityCritical {
		reason := ""
		switch {
		case gate < StateTalking:
			reason = "assistant " + gate.String()
		case e.current != nil && prio < e.current.priority:
			reason = "lower priority than current utterance"
		}
		if reason != "" {
			e.emitDropped(ctx, node, text, prio, reason)
			return nil, fmt.Errorf("%s: %w", reason, ErrSpeechDropped)
		}
	}

	u, added := e.queue.enqueue(node, text, prio, e.now())
	if added {
		u.force = force
	}
	e.play(ctx)
	return u, nil
}

// play hands the queue head to the synthesizer unless something is already
// playing. Stale heads are dropped first.
func (e *Engine) play(ctx context.Context) {
	for e.current == nil {
		u := e.queue.head()
		if u == nil {
			return
		}
		if e.now().Sub(u.enqueued) > e.cfg.SpeechMaxAge {
			e.queue.remove(u)
			e.expire(ctx, u)
			continue
		}

		tmpl := u.text
		if u.node != NoNode {
			tmpl = e.tree.Node(u.node).Template
		}
		spoken, display := e.renderer.Render(tmpl)
		if spoken == "" {
			e.queue.remove(u)
			u.finish(nil)
			e.resume(u.node)
			continue
		}

		u.playing = true
		u.spoken, u.display = spoken, display
		e.current = u
		if e.state == StateReady {
			e.setState(ctx, StateTalking)
		}

		key := e.tree.Key(u.node)
		e.transcript.Record(RecordSpoken, SpeakerAssistant, key, display)
		e.emit(ctx, events.TTSStarted, &events.TTSEventData{
			NodeKey:  key,
			Text:     display,
			Priority: u.priority.String(),
		})

		pctx, cancel := context.WithCancel(ctx)
		u.cancel = cancel
		e.submit(ctx, func() {
			err := e.perform(pctx, spoken)
			if perr := e.post(context.Background(), func(lctx context.Context) { e.onStopped(lctx, u, err) }); perr != nil {
				cancel()
			}
		})
	}
}

// perform synthesizes and plays text, returning once playback stopped.
func (e *Engine) perform(ctx context.Context, text string) error {
	if e.synth == nil || e.player == nil {
		return nil
	}
	audio, err := e.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	pb, err := e.player.Play(ctx, audio)
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}

	select {
	case <-pb.Done():
	case <-ctx.Done():
		pb.Stop()
		select {
		case <-pb.Done():
		case <-time.After(stopGrace):
			slog.Warn("dialog engine: playback did not confirm stop")
		}
	}
	return nil
}

// onStopped handles the stop notification of u.
func (e *Engine) onStopped(ctx context.Context, u *utterance, err error) {
	if e.current != u {
		return
	}
	e.current = nil
	u.playing = false
	if u.cancel != nil {
		u.cancel()
	}
	if e.state == StateTalking {
		e.setState(ctx, StateReady)
	}

	key := e.tree.Key(u.node)
	if err != nil {
		slog.WarnContext(ctx, "dialog engine: speech failed",
			slog.String("node", key), slog.String("error", err.Error()))
	}
	e.emit(ctx, events.TTSCompleted, &events.TTSEventData{
		NodeKey:  key,
		Text:     u.display,
		Priority: u.priority.String(),
	})
	e.queue.remove(u)
	u.finish(err)

	for _, stale := range e.queue.evict(e.now().Add(-e.cfg.SpeechMaxAge)) {
		e.expire(ctx, stale)
	}
	e.resume(u.node)
	e.later(e.play)
}

// resume continues traversal from node once the current event is done.
func (e *Engine) resume(node NodeID) {
	if node == NoNode {
		return
	}
	e.later(func(lctx context.Context) { e.nextNode(lctx, node) })
}

func (e *Engine) expire(ctx context.Context, u *utterance) {
	e.emitDropped(ctx, u.node, u.text, u.priority, "expired")
	u.finish(ErrSpeechExpired)
	e.resume(u.node)
}

// silence stops the current utterance. With clear, pending entries are
// dropped as well.
func (e *Engine) silence(ctx context.Context, clear bool) {
	if clear {
		for _, u := range e.queue.drain() {
			if u == e.current {
				continue
			}
			e.emitDropped(ctx, u.node, u.text, u.priority, "silenced")
			u.finish(ErrSpeechDropped)
		}
	}
	if e.current != nil && e.current.cancel != nil {
		e.current.cancel()
	}
}

func (e *Engine) emitDropped(ctx context.Context, node NodeID, text string, prio Priority, reason string) {
	key := e.tree.Key(node)
	slog.DebugContext(ctx, "dialog engine: speech dropped",
		slog.String("node", key), slog.String("reason", reason))
	e.emit(ctx, events.TTSDropped, &events.TTSEventData{
		NodeKey:  key,
		Text:     text,
		Priority: prio.String(),
		Reason:   reason,
	})
}
