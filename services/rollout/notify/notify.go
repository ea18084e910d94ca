// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify delivers rollout event notifications to operators.
//
// Delivery is best effort and fully decoupled from the control path: a
// rollback proceeds whether or not its notification can be delivered. The
// Dispatcher absorbs bursts in a bounded queue and drops with a counter when
// the sink cannot keep up.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expgate/expgate/services/rollout/datatypes"
	"golang.org/x/time/rate"
)

// Notifier delivers one rollout event notification.
type Notifier interface {
	// Notify delivers the event. Implementations must respect ctx
	// cancellation and bound their own retries.
	Notify(ctx context.Context, event datatypes.RolloutEvent) error
}

// -----------------------------------------------------------------------------
// Log Notifier
// -----------------------------------------------------------------------------

// LogNotifier writes notifications to the structured log. The default sink
// when no webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the event at warn level for rollbacks and info otherwise.
func (n *LogNotifier) Notify(_ context.Context, event datatypes.RolloutEvent) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("experiment", event.ExperimentID),
		slog.String("action", string(event.Action)),
		slog.String("trigger", event.Trigger),
		slog.String("reason", event.Reason),
		slog.Int("previous_allocation", event.PreviousAllocation),
		slog.Int("new_allocation", event.NewAllocation),
	}
	if event.Action == datatypes.ActionRollback {
		logger.Warn("rollout event", attrs...)
	} else {
		logger.Info("rollout event", attrs...)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Webhook Notifier
// -----------------------------------------------------------------------------

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	// URL receives a JSON-encoded RolloutEvent via POST. Required.
	URL string

	// Timeout bounds each delivery attempt. Default: 5s
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// Default: 2
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per retry.
	// Default: 500ms
	RetryBackoff time.Duration

	// RatePerSecond caps outbound deliveries. Default: 10
	RatePerSecond float64

	// Client is the HTTP client. If nil, a client with the configured
	// timeout is used.
	Client *http.Client
}

// WebhookNotifier POSTs events to an operator-configured endpoint.
//
// Thread Safety: Safe for concurrent use.
type WebhookNotifier struct {
	config  WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookNotifier creates a webhook notifier.
//
// Outputs:
//   - *WebhookNotifier: The notifier. Never nil on success.
//   - error: Non-nil when the URL is empty.
func NewWebhookNotifier(config WebhookConfig) (*WebhookNotifier, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 10
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &WebhookNotifier{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), int(config.RatePerSecond)+1),
	}, nil
}

// Notify POSTs the event, retrying with exponential backoff on transport
// errors and 5xx responses.
func (n *WebhookNotifier) Notify(ctx context.Context, event datatypes.RolloutEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	backoff := n.config.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= n.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build notification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			if resp.StatusCode >= 400 {
				return fmt.Errorf("webhook rejected notification: status %d", resp.StatusCode)
			}
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", n.config.MaxRetries+1, lastErr)
}

// -----------------------------------------------------------------------------
// Dispatcher
// -----------------------------------------------------------------------------

// Dispatcher queues events and delivers them asynchronously so notification
// latency never sits on the rollout control path.
//
// Thread Safety: Safe for concurrent use.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
	queue    chan datatypes.RolloutEvent
	dropped  atomic.Int64

	once sync.Once
	done chan struct{}
}

// NewDispatcher creates a dispatcher with the given queue depth.
//
// Inputs:
//   - notifier: Delivery sink. Must not be nil.
//   - depth: Queue capacity. Default 64 when <= 0.
//   - logger: If nil, slog.Default.
func NewDispatcher(notifier Notifier, depth int, logger *slog.Logger) *Dispatcher {
	if depth <= 0 {
		depth = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		notifier: notifier,
		logger:   logger,
		queue:    make(chan datatypes.RolloutEvent, depth),
		done:     make(chan struct{}),
	}
}

// Enqueue queues an event for delivery. Never blocks; drops with a counter
// when the queue is full.
func (d *Dispatcher) Enqueue(event datatypes.RolloutEvent) {
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification dropped: queue full",
			slog.String("experiment", event.ExperimentID),
			slog.String("action", string(event.Action)),
		)
	}
}

// Dropped returns the number of dropped notifications.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers queued events until ctx is canceled, then drains what is
// already queued with a short grace period.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.once.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case event := <-d.queue:
			d.deliver(ctx, event)
		}
	}
}

func (d *Dispatcher) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-d.queue:
			d.deliver(drainCtx, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event datatypes.RolloutEvent) {
	if err := d.notifier.Notify(ctx, event); err != nil {
		d.logger.Error("notification delivery failed",
			slog.String("experiment", event.ExperimentID),
			slog.String("error", err.Error()),
		)
	}
}
