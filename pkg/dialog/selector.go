package dialog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voicetyped/vi/pkg/events"
)

// isReady reports whether id may be activated right now. The root is always
// ready. Critical nodes pass both the state and the position gate.
func (e *Engine) isReady(id NodeID) bool {
	if id == e.tree.Root() {
		return true
	}
	n := e.tree.Node(id)
	if n == nil || e.disabled || !e.dialogsActive {
		return false
	}

	b := n.Speaker.behavior()
	critical := n.Priority >= PriorityCritical
	stateOK := (b.listens && e.state > StateTalking) ||
		(!b.listens && e.state >= StateTalking) ||
		(e.state == StateTalking && n.Flags.Has(FlagAllowInterruption)) ||
		n.Flags.Has(FlagIgnoreEngineStateGating) ||
		critical
	if !stateOK {
		return false
	}
	return id == e.active || n.parent == e.active || critical || n.Flags.Has(FlagIgnoreReadyGating)
}

// eligible filters ids down to enabled, ready nodes whose condition holds.
func (e *Engine) eligible(ids []NodeID) []NodeID {
	var out []NodeID
	for _, id := range ids {
		n := e.tree.Node(id)
		if n == nil || n.Disabled || !e.isReady(id) || !e.tree.CheckCondition(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// dominate keeps the candidates of maximal priority, then those of the
// plurality speaker. Ties between speakers go to the one seen first.
func dominate(t *Tree, cands []NodeID) ([]NodeID, Speaker) {
	if len(cands) == 0 {
		return nil, SpeakerNone
	}

	maxP := t.Node(cands[0]).Priority
	for _, id := range cands[1:] {
		if p := t.Node(id).Priority; p > maxP {
			maxP = p
		}
	}

	var counts [speakerCount]int
	var order []Speaker
	top := cands[:0:0]
	for _, id := range cands {
		n := t.Node(id)
		if n.Priority != maxP {
			continue
		}
		top = append(top, id)
		if counts[n.Speaker] == 0 {
			order = append(order, n.Speaker)
		}
		counts[n.Speaker]++
	}

	dom := order[0]
	for _, s := range order[1:] {
		if counts[s] > counts[dom] {
			dom = s
		}
	}

	out := top[:0]
	for _, id := range top {
		if t.Node(id).Speaker == dom {
			out = append(out, id)
		}
	}
	return out, dom
}

// nextNode runs the turn selector from caller, which must be active.
func (e *Engine) nextNode(ctx context.Context, caller NodeID) {
	if caller != e.active {
		return
	}
	n := e.tree.Node(caller)
	cands := e.eligible(n.children)
	if len(cands) == 0 {
		if caller != e.tree.Root() {
			slog.DebugContext(ctx, "dialog engine: dead end, back to root", slog.String("node", n.Key))
			e.setActive(ctx, e.tree.Root())
		}
		return
	}

	cands, dom := dominate(e.tree, cands)
	if dom == SpeakerPlayer {
		e.listening = true
		return
	}
	e.setActive(ctx, cands[e.rng.IntN(len(cands))])
}

// setActive makes id the active node and runs its speaker behavior.
func (e *Engine) setActive(ctx context.Context, id NodeID) bool {
	if !e.isReady(id) {
		return false
	}
	n := e.tree.Node(id)
	e.previous, e.active = e.active, id
	e.listening = false

	e.transcript.Record(RecordActivated, n.Speaker, n.Key, "")
	e.emit(ctx, events.NodeActivated, &events.NodeActivatedData{
		NodeKey:     n.Key,
		Speaker:     n.Speaker.String(),
		PreviousKey: e.tree.Key(e.previous),
	})
	e.refreshGrammars(ctx)

	b := n.Speaker.behavior()
	before := e.state
	if b.triggers {
		e.trigger(ctx, id)
	}
	switch {
	case b.speaks:
		e.speakActive(ctx, id, before)
	case b.advances:
		e.nextNode(ctx, id)
	}
	return true
}

// trigger dispatches the node's bound handler. Unknown ids are ignored.
func (e *Engine) trigger(ctx context.Context, id NodeID) {
	if !e.isReady(id) || e.handlers == nil {
		return
	}
	n := e.tree.Node(id)
	if n.HandlerID == "" {
		return
	}
	h, ok := e.handlers.Lookup(n.HandlerID)
	if !ok {
		slog.DebugContext(ctx, "dialog engine: no handler bound",
			slog.String("node", n.Key), slog.String("handler", n.HandlerID))
		return
	}
	e.dispatch(ctx, n.HandlerID, "dialog_action", func() error {
		return h.OnDialogAction(ctx, n)
	})
}

func (e *Engine) dispatch(ctx context.Context, handlerID, op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.fault(ctx, handlerID, op, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		e.fault(ctx, handlerID, op, err)
	}
}

func (e *Engine) fault(ctx context.Context, handlerID, op string, err error) {
	slog.ErrorContext(ctx, "dialog engine: handler failed",
		slog.String("handler", handlerID),
		slog.String("operation", op),
		slog.String("error", err.Error()))
	if e.faults != nil {
		e.faults.Report(ctx, handlerID, op, err)
	}
	e.emit(ctx, events.HandlerError, &events.HandlerErrorData{
		HandlerID: handlerID,
		Operation: op,
		Error:     err.Error(),
	})
}

// refreshGrammars registers the grammars of nodes that became ready and
// deregisters the rest.
func (e *Engine) refreshGrammars(ctx context.Context) {
	if e.recognizer == nil {
		return
	}
	for _, g := range e.tree.Grammars() {
		if g.Handle == "" {
			continue
		}
		n := e.tree.Node(g.Node)
		want := e.recognition && e.listenable(g)
		if want == g.Enabled {
			continue
		}
		var err error
		if want {
			err = e.recognizer.RegisterGrammar(g.Handle)
		} else {
			err = e.recognizer.DeregisterGrammar(g.Handle)
		}
		if err != nil {
			slog.WarnContext(ctx, "dialog engine: grammar toggle failed",
				slog.String("node", n.Key),
				slog.Bool("enable", want),
				slog.String("error", err.Error()))
			continue
		}
		g.Enabled = want
	}
}

// listenable reports whether the node owning g may currently be heard.
func (e *Engine) listenable(g *Grammar) bool {
	return !e.tree.Node(g.Node).Disabled && e.isReady(g.Node) && e.tree.CheckCondition(g.Node)
}

// update activates the best always-update node, if any is eligible, and
// refreshes grammar enablement.
func (e *Engine) update(ctx context.Context) {
	var ids []NodeID
	for _, n := range e.tree.Nodes() {
		if n.Flags.Has(FlagAlwaysUpdate) && n.ID != e.active {
			ids = append(ids, n.ID)
		}
	}
	if cands, dom := dominate(e.tree, e.eligible(ids)); len(cands) > 0 && dom != SpeakerPlayer {
		e.setActive(ctx, cands[e.rng.IntN(len(cands))])
	}
	e.refreshGrammars(ctx)
}
