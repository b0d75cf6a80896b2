package dialog

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/speech"
)

// startRecognition compiles the grammar table into the recognizer and starts
// forwarding its events to the loop. An unsupported locale leaves recognition
// off and announces it.
func (e *Engine) startRecognition(ctx context.Context) {
	e.recognition = false
	if e.recognizer == nil {
		return
	}
	if !e.recognizer.SupportsLocale(e.cfg.Locale) {
		e.degrade(ctx, "unsupported locale")
		return
	}

	for _, g := range e.tree.Grammars() {
		if g.Handle != "" {
			continue
		}
		h, err := e.recognizer.CompileGrammar(g.Rule)
		if err != nil {
			slog.WarnContext(ctx, "dialog engine: grammar rejected",
				slog.String("node", e.tree.Key(g.Node)),
				slog.String("rule", g.Rule.String()),
				slog.String("error", err.Error()))
			continue
		}
		e.tree.BindGrammar(g, h)
	}

	ch, err := e.recognizer.Recognitions(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "dialog engine: recognizer failed to start", slog.String("error", err.Error()))
		e.degrade(ctx, err.Error())
		return
	}
	e.recognition = true

	e.submit(ctx, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := e.post(ctx, func(lctx context.Context) { e.handleRecognition(lctx, ev) }); err != nil {
					return
				}
			}
		}
	})
}

func (e *Engine) degrade(ctx context.Context, reason string) {
	slog.WarnContext(ctx, "dialog engine: speech recognition disabled",
		slog.String("locale", e.cfg.Locale), slog.String("reason", reason))
	e.emit(ctx, events.RecognitionDegraded, &events.RecognitionDegradedData{
		Locale: e.cfg.Locale,
		Reason: reason,
	})
	e.later(func(lctx context.Context) {
		if _, err := e.enqueue(lctx, NoNode, e.cfg.DegradedAnnouncement, PriorityCritical, true); err != nil {
			slog.WarnContext(lctx, "dialog engine: could not announce degraded recognition", slog.String("error", err.Error()))
		}
	})
}

// handleRecognition routes a recognizer event to the player node owning the
// matched grammar and runs activation, trigger and selection as one step.
func (e *Engine) handleRecognition(ctx context.Context, ev speech.RecognitionEvent) {
	if ev.Kind != speech.Recognized || ev.Confidence < e.cfg.ConfidenceThreshold {
		e.reject(ctx, ev)
		return
	}

	g, ok := e.tree.GrammarFor(ev.Grammar)
	if !ok {
		slog.DebugContext(ctx, "dialog engine: recognition for unknown grammar",
			slog.String("grammar", string(ev.Grammar)), slog.String("text", ev.Text))
		return
	}
	e.accept(ctx, g, ev)
}

func (e *Engine) accept(ctx context.Context, g *Grammar, ev speech.RecognitionEvent) {
	if !e.listenable(g) {
		slog.DebugContext(ctx, "dialog engine: recognition for inactive grammar",
			slog.String("node", e.tree.Key(g.Node)), slog.String("text", ev.Text))
		return
	}
	n := e.tree.Node(g.Node)

	e.transcript.Record(RecordHeard, SpeakerPlayer, n.Key, ev.Text)
	e.emit(ctx, events.SpeechRecognized, &events.SpeechRecognizedData{
		NodeKey:    n.Key,
		Text:       ev.Text,
		Confidence: ev.Confidence,
	})

	if !e.setActive(ctx, n.ID) {
		return
	}
	e.trigger(ctx, n.ID)
	e.nextNode(ctx, n.ID)
}

func (e *Engine) reject(ctx context.Context, ev speech.RecognitionEvent) {
	data := &events.SpeechRejectedData{Text: ev.Text}
	for _, alt := range ev.Alternatives {
		if alt.Confidence >= e.cfg.RejectionThreshold {
			data.Alternatives = append(data.Alternatives, events.Alternative{Text: alt.Text, Confidence: alt.Confidence})
		}
	}
	slog.DebugContext(ctx, "dialog engine: speech rejected",
		slog.String("text", ev.Text), slog.Int("alternatives", len(data.Alternatives)))
	e.emit(ctx, events.SpeechRejected, data)
}

// Hear matches typed text against the grammars of listenable nodes and handles the
// result as a recognition, bypassing the recognizer. It reports whether a
// grammar matched.
func (e *Engine) Hear(ctx context.Context, text string) (bool, error) {
	var matched bool
	err := e.call(ctx, func(lctx context.Context) error {
		m := speech.NewMatcher()
		enabled := make(map[speech.GrammarHandle]bool)
		byHandle := make(map[speech.GrammarHandle]*Grammar)
		for i, g := range e.tree.Grammars() {
			if !e.listenable(g) {
				continue
			}
			h := speech.GrammarHandle(strconv.Itoa(i))
			m.Add(h, g.Rule)
			enabled[h] = true
			byHandle[h] = g
		}

		ev := m.Match(text, enabled)
		if ev.Kind != speech.Recognized {
			e.reject(lctx, ev)
			return nil
		}
		matched = true
		e.accept(lctx, byHandle[ev.Grammar], ev)
		return nil
	})
	return matched, err
}
