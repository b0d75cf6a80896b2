// Package webhook is the built-in handler that reports dialog actions to an
// HTTP endpoint and applies the actions the endpoint answers with.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/voicetyped/vi/pkg/dialog"
	"github.com/voicetyped/vi/pkg/hooks"
	"github.com/voicetyped/vi/pkg/plugin"
	"github.com/voicetyped/vi/pkg/urlvalidation"
)

// ID is the handler id dialog nodes bind to.
const ID = "webhook"

var (
	errShutDown  = errors.New("webhook handler: shut down")
	errNoSession = errors.New("webhook handler: no dialog session")
)

func init() {
	plugin.Default.MustRegister(Registration())
}

// Registration describes the handler for a plugin registry.
func Registration() plugin.Registration {
	return plugin.Registration{
		ID:   ID,
		Name: "Webhook",
		Parameters: []plugin.Parameter{
			{Name: "url", Description: "endpoint receiving dialog actions"},
			{Name: "auth_type", Default: "none", Description: "none, bearer or hmac"},
			{Name: "auth_secret", Description: "bearer token or HMAC key"},
			{Name: "timeout_sec", Default: "10"},
			{Name: "fail_threshold", Default: "5", Description: "consecutive failures that open the circuit"},
			{Name: "reset_timeout", Default: "60s", Description: "time the circuit stays open"},
			{Name: "allow_private", Default: "false", Description: "allow endpoints on private addresses"},
		},
		New: New,
	}
}

// Handler posts dialog actions to the configured endpoint. Calls run in the
// background so the dialog engine never waits on the network.
type Handler struct {
	host plugin.Host
	exec *hooks.Executor
	cfg  hooks.HookConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates the handler.
func New(host plugin.Host, params plugin.Params) (plugin.Handler, error) {
	url := params.String("url")
	if url == "" {
		return nil, errors.New("webhook handler: url is required")
	}
	timeout, err := params.Int("timeout_sec")
	if err != nil {
		return nil, err
	}
	threshold, err := params.Int("fail_threshold")
	if err != nil {
		return nil, err
	}
	reset, err := params.Duration("reset_timeout")
	if err != nil {
		return nil, err
	}
	allowPrivate, err := params.Bool("allow_private")
	if err != nil {
		return nil, err
	}

	var opts []urlvalidation.Option
	if allowPrivate {
		opts = append(opts, urlvalidation.AllowPrivateIPs())
	}
	breaker := hooks.BreakerConfig{FailThreshold: uint32(max(threshold, 1)), ResetTimeout: reset}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		host: host,
		exec: hooks.NewExecutor(host.Events(), breaker, opts...),
		cfg: hooks.HookConfig{
			URL:        url,
			AuthType:   params.String("auth_type"),
			AuthSecret: params.String("auth_secret"),
			TimeoutSec: timeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (h *Handler) ID() string   { return ID }
func (h *Handler) Name() string { return "Webhook" }

// OnDialogAction captures the request and sends it in the background.
func (h *Handler) OnDialogAction(_ context.Context, node *dialog.Node) error {
	e := h.host.Engine()
	if e == nil {
		return errNoSession
	}
	st := e.Status()
	req := hooks.HookRequest{
		SessionID: e.SessionID(),
		NodeKey:   node.Key,
		Speaker:   node.Speaker.String(),
		State:     st.State.String(),
		Payload:   node.Payload,
	}
	if rec, ok := e.Transcript().Last(dialog.RecordHeard); ok {
		req.Transcript = rec.Text
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errShutDown
	}
	h.wg.Add(1)
	h.mu.Unlock()
	go func() {
		defer h.wg.Done()
		resp, err := h.exec.Execute(h.ctx, h.cfg, req)
		if err != nil {
			slog.WarnContext(h.ctx, "webhook handler: call failed",
				slog.String("node", req.NodeKey), slog.String("error", err.Error()))
			return
		}
		if err := h.apply(h.ctx, resp.Actions); err != nil {
			slog.WarnContext(h.ctx, "webhook handler: apply actions",
				slog.String("node", req.NodeKey), slog.String("error", err.Error()))
		}
	}()
	return nil
}

// apply runs the returned actions in order. Snapshot writes are followed by
// a single engine update.
func (h *Handler) apply(ctx context.Context, actions []hooks.HookAction) error {
	var errs []error
	dirty := false
	for _, a := range actions {
		e := h.host.Engine()
		if e == nil {
			return errors.Join(append(errs, errNoSession)...)
		}
		var err error
		switch a.Type {
		case hooks.ActionSay:
			err = say(ctx, e, a.Params)
		case hooks.ActionActivate:
			if dirty {
				err = e.Update(ctx)
				dirty = false
			}
			if err == nil {
				err = e.Activate(ctx, a.Params["key"])
			}
		case hooks.ActionSet:
			_, err = h.host.Snapshot().Set(a.Params["key"], literal(a.Params["value"]))
			dirty = dirty || err == nil
		case hooks.ActionState:
			var s dialog.AssistantState
			if s, err = dialog.ParseAssistantState(a.Params["state"]); err == nil {
				err = e.SetState(ctx, s)
			}
		default:
			err = fmt.Errorf("unknown hook action %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Type, err))
		}
	}
	if dirty {
		if e := h.host.Engine(); e != nil {
			errs = append(errs, e.Update(ctx))
		} else {
			errs = append(errs, errNoSession)
		}
	}
	return errors.Join(errs...)
}

func say(ctx context.Context, e *dialog.Engine, params map[string]string) error {
	prio, err := dialog.ParsePriority(params["priority"])
	if err != nil {
		return err
	}
	force, _ := strconv.ParseBool(params["force"])
	err = e.Say(ctx, params["text"], prio, dialog.SpeakOptions{Force: force})
	if errors.Is(err, dialog.ErrSpeechDropped) {
		return nil
	}
	return err
}

// literal decodes v as a JSON literal, falling back to the raw string.
func literal(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	return out
}

func (h *Handler) OnGameDataUpdate(context.Context) error { return nil }

// OnProgramShutdown waits for in-flight calls, cancelling them once ctx is
// done.
func (h *Handler) OnProgramShutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		select {
		case <-done:
			return nil
		case <-time.After(time.Second):
			return fmt.Errorf("webhook handler: %w", ctx.Err())
		}
	}
}
