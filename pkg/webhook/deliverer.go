// Package webhook forwards assistant events to configured HTTP endpoints,
// signed with the endpoint secret and retried with backoff.
package webhook

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pitabwire/frame/workerpool"
	"github.com/sony/gobreaker/v2"

	"github.com/voicetyped/vi/pkg/events"
	"github.com/voicetyped/vi/pkg/urlvalidation"
)

// DelivererConfig holds delivery-related settings.
type DelivererConfig struct {
	MaxRetries        int
	TimeoutSec        int
	BackoffInitialSec int
	BackoffMaxSec     int
	CBFailThreshold   int
	CBResetTimeoutSec int
}

// Recorder persists the delivery history. Repository implements it.
type Recorder interface {
	RecordDelivery(ctx context.Context, da *DeliveryAttempt) error
	CreateDeadLetter(ctx context.Context, dl *DeadLetter) error
}

// Deliverer delivers event envelopes to endpoints.
type Deliverer struct {
	recorder     Recorder
	httpClient   *http.Client
	config       DelivererConfig
	pool         workerpool.WorkerPool
	validateOpts []urlvalidation.Option

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

// NewDeliverer creates a new deliverer. recorder and pool may be nil.
func NewDeliverer(recorder Recorder, cfg DelivererConfig, pool workerpool.WorkerPool, validateOpts ...urlvalidation.Option) *Deliverer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 10
	}
	if cfg.CBFailThreshold <= 0 {
		cfg.CBFailThreshold = 5
	}
	return &Deliverer{
		recorder: recorder,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		config:       cfg,
		pool:         pool,
		validateOpts: validateOpts,
		breakers:     make(map[string]*gobreaker.CircuitBreaker[int]),
	}
}

func (d *Deliverer) breaker(endpointID string) *gobreaker.CircuitBreaker[int] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[endpointID]; ok {
		return cb
	}
	threshold := uint32(d.config.CBFailThreshold)
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        endpointID,
		MaxRequests: 1,
		Timeout:     time.Duration(d.config.CBResetTimeoutSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	d.breakers[endpointID] = cb
	return cb
}

// Deliver POSTs env to ep, retrying failures in the background.
func (d *Deliverer) Deliver(ctx context.Context, ep Endpoint, env events.Envelope) {
	d.deliverWithRetry(ctx, ep, env, 1)
}

func (d *Deliverer) deliverWithRetry(ctx context.Context, ep Endpoint, env events.Envelope, attempt int) {
	if err := urlvalidation.ValidateURL(ctx, ep.URL, d.validateOpts...); err != nil {
		slog.ErrorContext(ctx, "event webhook URL failed SSRF validation",
			slog.String("webhook_id", ep.ID),
			slog.String("url", ep.URL),
			slog.String("error", err.Error()))
		return
	}

	body, err := json.Marshal(env)
	if err != nil {
		d.handleFailure(ctx, ep, env, attempt, fmt.Sprintf("marshal: %v", err))
		return
	}

	start := time.Now()
	code, err := d.breaker(ep.ID).Execute(func() (int, error) {
		return d.post(ctx, ep, env, body)
	})

	da := &DeliveryAttempt{
		WebhookID:     ep.ID,
		EventID:       env.ID,
		EventType:     string(env.Type),
		ResponseCode:  code,
		AttemptNumber: attempt,
		DurationMs:    time.Since(start).Milliseconds(),
		Status:        "success",
	}
	if err != nil {
		da.Status = "failed"
		da.Error = err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			da.Error = "circuit open"
		}
		da.NextRetryAt = d.nextRetry(attempt)
	}
	d.record(ctx, da)
	if err != nil {
		d.handleFailure(ctx, ep, env, attempt, da.Error)
	}
}

func (d *Deliverer) post(ctx context.Context, ep Endpoint, env events.Envelope, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Secret != "" {
		SignRequest(req, ep.Secret, body, time.Now())
	}
	req.Header.Set(EventHeader, string(env.Type))
	req.Header.Set(DeliveryHeader, env.ID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain for connection reuse.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Deliverer) record(ctx context.Context, da *DeliveryAttempt) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordDelivery(ctx, da); err != nil {
		slog.ErrorContext(ctx, "record delivery failed", slog.String("error", err.Error()))
	}
}

func (d *Deliverer) handleFailure(ctx context.Context, ep Endpoint, env events.Envelope, attempt int, errMsg string) {
	if attempt >= d.config.MaxRetries {
		slog.WarnContext(ctx, "event webhook delivery gave up",
			slog.String("webhook_id", ep.ID),
			slog.String("event_id", env.ID),
			slog.Int("attempts", attempt),
			slog.String("error", errMsg))
		if d.recorder == nil {
			return
		}
		payload, _ := json.Marshal(env)
		if err := d.recorder.CreateDeadLetter(ctx, &DeadLetter{
			WebhookID: ep.ID,
			EventID:   env.ID,
			EventType: string(env.Type),
			Payload:   string(payload),
			LastError: errMsg,
			Attempts:  attempt,
		}); err != nil {
			slog.ErrorContext(ctx, "create dead letter failed", slog.String("error", err.Error()))
		}
		return
	}

	backoff := d.backoff(attempt)
	retryFunc := func() {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.deliverWithRetry(ctx, ep, env, attempt+1)
		}
	}

	if d.pool != nil {
		if err := d.pool.Submit(ctx, retryFunc); err != nil {
			slog.WarnContext(ctx, "retry pool full, dropping retry",
				slog.String("webhook_id", ep.ID),
				slog.Int("attempt", attempt))
		}
		return
	}
	go retryFunc()
}

func (d *Deliverer) backoff(attempt int) time.Duration {
	secs := d.config.BackoffInitialSec * (1 << (attempt - 1))
	if d.config.BackoffMaxSec > 0 && secs > d.config.BackoffMaxSec {
		secs = d.config.BackoffMaxSec
	}
	return time.Duration(secs) * time.Second
}

// nextRetry is the time the attempt after attempt is due.
func (d *Deliverer) nextRetry(attempt int) sql.NullTime {
	if attempt >= d.config.MaxRetries {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(d.backoff(attempt)), Valid: true}
}
