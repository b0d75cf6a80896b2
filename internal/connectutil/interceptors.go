// Package connectutil holds the Connect handler and client options shared by
// the control service and vi-ctl.
package connectutil

import (
	"context"
	"log/slog"
	"time"

	"connectrpc.com/connect"
	"github.com/pitabwire/frame/security"
	connectInterceptors "github.com/pitabwire/frame/security/interceptors/connect"
)

// DefaultOptions returns handler options that only log calls.
func DefaultOptions() []connect.HandlerOption {
	return []connect.HandlerOption{connect.WithInterceptors(NewLoggingInterceptor())}
}

// ControlOptions returns the handler options for the control service. With
// auth on, frame's interceptor chain validates bearer tokens before the
// call is logged.
func ControlOptions(ctx context.Context, authenticator security.Authenticator, auth bool) ([]connect.HandlerOption, error) {
	if !auth || authenticator == nil {
		return DefaultOptions(), nil
	}
	interceptors, err := connectInterceptors.DefaultList(ctx, authenticator)
	if err != nil {
		return nil, err
	}
	interceptors = append(interceptors, NewLoggingInterceptor())
	return []connect.HandlerOption{connect.WithInterceptors(interceptors...)}, nil
}

// DefaultClientOptions returns client options that log calls.
func DefaultClientOptions() []connect.ClientOption {
	return []connect.ClientOption{connect.WithInterceptors(NewLoggingInterceptor())}
}

// BearerToken returns a client interceptor that sets the Authorization
// header on every call. An empty token adds nothing.
func BearerToken(token string) connect.Interceptor {
	return connect.UnaryInterceptorFunc(func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if token != "" && req.Spec().IsClient {
				req.Header().Set("Authorization", "Bearer "+token)
			}
			return next(ctx, req)
		}
	})
}

type loggingInterceptor struct{}

// NewLoggingInterceptor logs each call with its procedure and duration.
// Failures log at warn, successes at debug.
func NewLoggingInterceptor() connect.Interceptor {
	return loggingInterceptor{}
}

func (loggingInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logCall(ctx, req.Spec(), time.Since(start), err)
		return resp, err
	}
}

func (loggingInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (loggingInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		start := time.Now()
		err := next(ctx, conn)
		logCall(ctx, conn.Spec(), time.Since(start), err)
		return err
	}
}

func logCall(ctx context.Context, spec connect.Spec, d time.Duration, err error) {
	attrs := []any{
		slog.String("procedure", spec.Procedure),
		slog.Duration("duration", d),
	}
	if spec.IsClient {
		attrs = append(attrs, slog.Bool("client", true))
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("code", connect.CodeOf(err).String()),
			slog.String("error", err.Error()))
		slog.WarnContext(ctx, "rpc failed", attrs...)
		return
	}
	slog.DebugContext(ctx, "rpc ok", attrs...)
}
