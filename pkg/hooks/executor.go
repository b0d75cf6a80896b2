package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/urlvalidation"
	"github.com/voicetyped/vi/pkg/webhook"
)

const maxBreakers = 1000

// ErrCircuitOpen is returned while the breaker of an endpoint is open.
var ErrCircuitOpen = errors.New("hook circuit open")

// BreakerConfig tunes the per-endpoint circuit breakers.
type BreakerConfig struct {
	FailThreshold uint32
	ResetTimeout  time.Duration
}

// Executor calls external hook endpoints.
type Executor struct {
	httpClient   *http.Client
	publisher    *events.Publisher
	breakerCfg   BreakerConfig
	validateOpts []urlvalidation.Option

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*HookResponse]
}

// NewExecutor creates a new hook executor.
func NewExecutor(publisher *events.Publisher, breakerCfg BreakerConfig, validateOpts ...urlvalidation.Option) *Executor {
	if breakerCfg.FailThreshold == 0 {
		breakerCfg.FailThreshold = 5
	}
	if breakerCfg.ResetTimeout <= 0 {
		breakerCfg.ResetTimeout = 60 * time.Second
	}
	return &Executor{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		publisher:    publisher,
		breakerCfg:   breakerCfg,
		validateOpts: validateOpts,
		breakers:     make(map[string]*gobreaker.CircuitBreaker[*HookResponse]),
	}
}

func (e *Executor) breaker(url string) *gobreaker.CircuitBreaker[*HookResponse] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[url]; ok {
		return cb
	}
	if len(e.breakers) >= maxBreakers {
		for k := range e.breakers {
			delete(e.breakers, k)
			break
		}
	}

	threshold := e.breakerCfg.FailThreshold
	cb := gobreaker.NewCircuitBreaker[*HookResponse](gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     e.breakerCfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("hook circuit breaker changed state",
				slog.String("url", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	e.breakers[url] = cb
	return cb
}

// BreakerState returns the breaker state of url, "closed" when never called.
func (e *Executor) BreakerState(url string) string {
	e.mu.Lock()
	cb, ok := e.breakers[url]
	e.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Execute calls the hook endpoint and returns the response.
func (e *Executor) Execute(ctx context.Context, cfg HookConfig, req HookRequest) (*HookResponse, error) {
	if err := urlvalidation.ValidateURL(ctx, cfg.URL, e.validateOpts...); err != nil {
		return nil, fmt.Errorf("hook URL validation: %w", err)
	}

	resp, err := e.breaker(cfg.URL).Execute(func() (*HookResponse, error) {
		return e.call(ctx, cfg, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%s: %w", cfg.URL, ErrCircuitOpen)
	}
	if err != nil {
		e.emitError(ctx, cfg.URL, req.SessionID, err)
		return nil, err
	}
	return resp, nil
}

func (e *Executor) call(ctx context.Context, cfg HookConfig, req HookRequest) (*HookResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal hook request: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create hook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	switch cfg.AuthType {
	case "bearer":
		httpReq.Header.Set("Authorization", "Bearer "+cfg.AuthSecret)
	case "hmac":
		webhook.SignRequest(httpReq, cfg.AuthSecret, body, time.Now())
	}

	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("hook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	// Drain remainder for connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read hook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hook returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var hookResp HookResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &hookResp); err != nil {
			return nil, fmt.Errorf("unmarshal hook response: %w", err)
		}
	}

	if e.publisher != nil {
		_ = e.publisher.Emit(ctx, events.HookResult, req.SessionID, &events.HookResultData{
			HookURL:    cfg.URL,
			StatusCode: resp.StatusCode,
			Response:   hookResp.Data,
		})
	}

	return &hookResp, nil
}

func (e *Executor) emitError(ctx context.Context, url, sessionID string, err error) {
	if e.publisher == nil {
		return
	}
	_ = e.publisher.Emit(ctx, events.HookError, sessionID, &events.HookErrorData{
		HookURL: url,
		Error:   err.Error(),
	})
}
