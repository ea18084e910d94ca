// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/expgate/expgate/services/rollout/datatypes"
)

func sampleEvent() datatypes.RolloutEvent {
	return datatypes.RolloutEvent{
		ID:                 "evt-1",
		ExperimentID:       "exp-1",
		Action:             datatypes.ActionRollback,
		Trigger:            "critical_breach",
		Reason:             "latency over threshold",
		PreviousAllocation: 40,
		NewAllocation:      0,
		Timestamp:          time.Now(),
	}
}

func TestWebhookDelivery(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event datatypes.RolloutEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		if event.ExperimentID != "exp-1" {
			t.Errorf("experiment = %q", event.ExperimentID)
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: server.URL})
	if err != nil {
		t.Fatalf("NewWebhookNotifier failed: %v", err)
	}
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if received.Load() != 1 {
		t.Errorf("deliveries = %d, want 1", received.Load())
	}
}

func TestWebhookRetriesOn5xx(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{
		URL:          server.URL,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWebhookNotifier failed: %v", err)
	}
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Notify should succeed after retries: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestWebhookGivesUpAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{
		URL:          server.URL,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWebhookNotifier failed: %v", err)
	}
	if err := n.Notify(context.Background(), sampleEvent()); err == nil {
		t.Error("expected delivery failure after exhausting retries")
	}
}

func TestWebhookDoesNotRetry4xx(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{
		URL:          server.URL,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWebhookNotifier failed: %v", err)
	}
	if err := n.Notify(context.Background(), sampleEvent()); err == nil {
		t.Error("expected an error on 400")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on client error)", attempts.Load())
	}
}

func TestWebhookRequiresURL(t *testing.T) {
	if _, err := NewWebhookNotifier(WebhookConfig{}); err == nil {
		t.Error("expected error for empty URL")
	}
}

// slowNotifier blocks until released, to fill the dispatcher queue.
type slowNotifier struct {
	release chan struct{}
	count   atomic.Int64
}

func (s *slowNotifier) Notify(ctx context.Context, _ datatypes.RolloutEvent) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.count.Add(1)
	return nil
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	slow := &slowNotifier{release: make(chan struct{})}
	d := NewDispatcher(slow, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// One in flight plus two queued, the rest drop.
	for i := 0; i < 10; i++ {
		d.Enqueue(sampleEvent())
	}

	// Give the worker a moment to pull from the queue.
	time.Sleep(50 * time.Millisecond)
	if d.Dropped() < 7 {
		t.Errorf("dropped = %d, want at least 7 of 10", d.Dropped())
	}
	close(slow.release)
}

func TestDispatcherDelivers(t *testing.T) {
	var delivered atomic.Int64
	n := notifierFunc(func(ctx context.Context, event datatypes.RolloutEvent) error {
		delivered.Add(1)
		return nil
	})
	d := NewDispatcher(n, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	for i := 0; i < 5; i++ {
		d.Enqueue(sampleEvent())
	}

	deadline := time.After(2 * time.Second)
	for delivered.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("delivered = %d, want 5", delivered.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if d.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", d.Dropped())
	}
}

type notifierFunc func(context.Context, datatypes.RolloutEvent) error

func (f notifierFunc) Notify(ctx context.Context, event datatypes.RolloutEvent) error {
	return f(ctx, event)
}
