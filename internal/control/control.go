// Package control exposes the running assistant over Connect unary RPCs with
// a JSON codec.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"github.com/voicetyped/vi/pkg/dialog"
)

// ServiceName is the fully-qualified service name.
const ServiceName = "vi.control.v1.ControlService"

// Procedure paths.
const (
	StatusProcedure      = "/" + ServiceName + "/Status"
	SetStateProcedure    = "/" + ServiceName + "/SetState"
	SayProcedure         = "/" + ServiceName + "/Say"
	HearProcedure        = "/" + ServiceName + "/Hear"
	SetDisabledProcedure = "/" + ServiceName + "/SetDisabled"
)

// ErrNoSession is returned while no dialog session is running.
var ErrNoSession = errors.New("no dialog session running")

type StatusRequest struct{}

type StatusResponse struct {
	Dialog            string `json:"dialog"`
	SessionID         string `json:"session_id"`
	State             string `json:"state"`
	ActiveKey         string `json:"active_key"`
	PreviousKey       string `json:"previous_key,omitempty"`
	Listening         bool   `json:"listening"`
	Speaking          string `json:"speaking,omitempty"`
	QueueLength       int    `json:"queue_length"`
	Recognition       bool   `json:"recognition"`
	AssistantDisabled bool   `json:"assistant_disabled"`
	DialogsActive     bool   `json:"dialogs_active"`
	Faults            int    `json:"faults"`
}

type SetStateRequest struct {
	State string `json:"state"`
}

type SetStateResponse struct {
	State string `json:"state"`
}

type SayRequest struct {
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"`
	Force    bool   `json:"force,omitempty"`
	Wait     bool   `json:"wait,omitempty"`
}

type SayResponse struct{}

type HearRequest struct {
	Text string `json:"text"`
}

type HearResponse struct {
	Matched   bool   `json:"matched"`
	ActiveKey string `json:"active_key"`
}

// SetDisabledRequest disables a node by key, or the whole assistant when
// Node is empty.
type SetDisabledRequest struct {
	Node     string `json:"node,omitempty"`
	Disabled bool   `json:"disabled"`
}

type SetDisabledResponse struct{}

// Assistant is the runtime surface the service drives.
type Assistant interface {
	Engine() *dialog.Engine
	DialogName() string
	FaultCount() int
}

type jsonCodec struct{}

func (jsonCodec) Name() string                  { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// Service implements the control procedures.
type Service struct {
	assistant Assistant
}

func NewService(a Assistant) *Service {
	return &Service{assistant: a}
}

func (s *Service) engine() (*dialog.Engine, error) {
	e := s.assistant.Engine()
	if e == nil {
		return nil, connect.NewError(connect.CodeUnavailable, ErrNoSession)
	}
	return e, nil
}

func (s *Service) Status(_ context.Context, _ *connect.Request[StatusRequest]) (*connect.Response[StatusResponse], error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	st := e.Status()
	return connect.NewResponse(&StatusResponse{
		Dialog:            s.assistant.DialogName(),
		SessionID:         e.SessionID(),
		State:             st.State.String(),
		ActiveKey:         st.ActiveKey,
		PreviousKey:       st.PreviousKey,
		Listening:         st.Listening,
		Speaking:          st.Speaking,
		QueueLength:       st.QueueLength,
		Recognition:       st.Recognition,
		AssistantDisabled: st.AssistantDisabled,
		DialogsActive:     st.DialogsActive,
		Faults:            s.assistant.FaultCount(),
	}), nil
}

func (s *Service) SetState(ctx context.Context, req *connect.Request[SetStateRequest]) (*connect.Response[SetStateResponse], error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	state, err := dialog.ParseAssistantState(req.Msg.State)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := e.SetState(ctx, state); err != nil {
		return nil, toConnect(err)
	}
	return connect.NewResponse(&SetStateResponse{State: e.Status().State.String()}), nil
}

func (s *Service) Say(ctx context.Context, req *connect.Request[SayRequest]) (*connect.Response[SayResponse], error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	if dialog.Blank(req.Msg.Text) {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("text is required"))
	}
	prio, err := dialog.ParsePriority(req.Msg.Priority)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	opts := dialog.SpeakOptions{Force: req.Msg.Force, Wait: req.Msg.Wait}
	if err := e.Say(ctx, req.Msg.Text, prio, opts); err != nil {
		return nil, toConnect(err)
	}
	return connect.NewResponse(&SayResponse{}), nil
}

func (s *Service) Hear(ctx context.Context, req *connect.Request[HearRequest]) (*connect.Response[HearResponse], error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	if dialog.Blank(req.Msg.Text) {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("text is required"))
	}
	matched, err := e.Hear(ctx, req.Msg.Text)
	if err != nil {
		return nil, toConnect(err)
	}
	return connect.NewResponse(&HearResponse{Matched: matched, ActiveKey: e.Status().ActiveKey}), nil
}

func (s *Service) SetDisabled(ctx context.Context, req *connect.Request[SetDisabledRequest]) (*connect.Response[SetDisabledResponse], error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	if req.Msg.Node == "" {
		err = e.SetAssistantDisabled(ctx, req.Msg.Disabled)
	} else {
		err = e.SetNodeDisabled(ctx, req.Msg.Node, req.Msg.Disabled)
	}
	if err != nil {
		return nil, toConnect(err)
	}
	return connect.NewResponse(&SetDisabledResponse{}), nil
}

func toConnect(err error) error {
	switch {
	case errors.Is(err, dialog.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, dialog.ErrInvalidState):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, dialog.ErrSpeechDropped), errors.Is(err, dialog.ErrSpeechExpired):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, dialog.ErrEngineStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// NewHandler returns the mount path and handler for svc.
func NewHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(StatusProcedure, connect.NewUnaryHandler(StatusProcedure, svc.Status, opts...))
	mux.Handle(SetStateProcedure, connect.NewUnaryHandler(SetStateProcedure, svc.SetState, opts...))
	mux.Handle(SayProcedure, connect.NewUnaryHandler(SayProcedure, svc.Say, opts...))
	mux.Handle(HearProcedure, connect.NewUnaryHandler(HearProcedure, svc.Hear, opts...))
	mux.Handle(SetDisabledProcedure, connect.NewUnaryHandler(SetDisabledProcedure, svc.SetDisabled, opts...))
	return "/" + ServiceName + "/", mux
}
