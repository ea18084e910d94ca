// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/expgate/expgate/services/rollout/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(nil)
	def := &datatypes.ExperimentDefinition{
		ID:   "exp-1",
		Name: "Test",
		Variants: []datatypes.Variant{
			{ID: "control", Weight: 50, Control: true},
			{ID: "treatment", Weight: 50},
		},
		Allocation:    50,
		Enabled:       true,
		PrimaryMetric: "latency_ms",
		Metrics: []datatypes.MetricDefinition{
			{Name: "latency_ms", Kind: datatypes.MetricContinuous, Direction: datatypes.LowerIsBetter, Role: datatypes.RolePrimary},
			{Name: "task_completed", Kind: datatypes.MetricProportion, Direction: datatypes.HigherIsBetter, Role: datatypes.RolePrimary},
			{Name: "session_duration", Kind: datatypes.MetricRank, Direction: datatypes.HigherIsBetter, Role: datatypes.RoleSecondary},
		},
	}
	if _, err := st.Upsert(def); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return st
}

func event(metric string, value float64) datatypes.MetricEvent {
	return datatypes.MetricEvent{
		ExperimentID: "exp-1",
		VariantID:    "treatment",
		SessionID:    "session-1",
		Metric:       metric,
		Value:        value,
		Timestamp:    time.Now(),
	}
}

// TestWelfordMatchesBatch compares the streaming mean/variance against the
// two-pass batch computation.
func TestWelfordMatchesBatch(t *testing.T) {
	c := NewCollector(testStore(t), nil)

	values := []float64{120.5, 98.1, 143.9, 110.2, 105.8, 131.4, 99.9, 126.3, 118.7, 102.4}
	for _, v := range values {
		c.Record(event("latency_ms", v))
	}

	aggs, err := c.Aggregates("exp-1")
	if err != nil {
		t.Fatalf("Aggregates failed: %v", err)
	}
	agg, ok := aggs[Key{ExperimentID: "exp-1", VariantID: "treatment", Metric: "latency_ms"}]
	if !ok {
		t.Fatal("aggregate missing")
	}
	if agg.Count != int64(len(values)) {
		t.Fatalf("count = %d, want %d", agg.Count, len(values))
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var m2 float64
	for _, v := range values {
		m2 += (v - mean) * (v - mean)
	}
	variance := m2 / float64(len(values)-1)

	if math.Abs(agg.Mean-mean) > 1e-9 {
		t.Errorf("mean = %v, want %v", agg.Mean, mean)
	}
	if math.Abs(agg.Variance-variance) > 1e-9 {
		t.Errorf("variance = %v, want %v", agg.Variance, variance)
	}
}

func TestRecordDropsInvalidEvents(t *testing.T) {
	c := NewCollector(testStore(t), nil)

	cases := []struct {
		name   string
		mutate func(*datatypes.MetricEvent)
	}{
		{"unknown experiment", func(e *datatypes.MetricEvent) { e.ExperimentID = "ghost" }},
		{"unknown metric", func(e *datatypes.MetricEvent) { e.Metric = "ghost_metric" }},
		{"unknown variant", func(e *datatypes.MetricEvent) { e.VariantID = "ghost" }},
		{"NaN value", func(e *datatypes.MetricEvent) { e.Value = math.NaN() }},
		{"Inf value", func(e *datatypes.MetricEvent) { e.Value = math.Inf(1) }},
		{"empty session", func(e *datatypes.MetricEvent) { e.SessionID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := event("latency_ms", 100)
			tc.mutate(&e)
			c.Record(e)
		})
	}

	t.Run("proportion value must be binary", func(t *testing.T) {
		e := event("task_completed", 0.5)
		c.Record(e)
	})

	aggs, err := c.Aggregates("exp-1")
	if err != nil {
		t.Fatalf("Aggregates failed: %v", err)
	}
	for key, agg := range aggs {
		if agg.Count != 0 {
			t.Errorf("aggregate %v recorded %d events from invalid input", key, agg.Count)
		}
	}
}

func TestProportionCounting(t *testing.T) {
	c := NewCollector(testStore(t), nil)

	for i := 0; i < 7; i++ {
		c.Record(event("task_completed", 1))
	}
	for i := 0; i < 3; i++ {
		c.Record(event("task_completed", 0))
	}

	aggs, _ := c.Aggregates("exp-1")
	agg := aggs[Key{ExperimentID: "exp-1", VariantID: "treatment", Metric: "task_completed"}]
	if agg.Count != 10 || agg.Successes != 7 {
		t.Errorf("count=%d successes=%d, want 10 and 7", agg.Count, agg.Successes)
	}
	if math.Abs(agg.Mean-0.7) > 1e-9 {
		t.Errorf("mean = %v, want 0.7", agg.Mean)
	}
}

func TestRankReservoir(t *testing.T) {
	c := NewCollector(testStore(t), &Config{RankReservoirSize: 8, SessionRetention: time.Hour})

	for i := 0; i < 20; i++ {
		c.Record(event("session_duration", float64(i)))
	}

	aggs, _ := c.Aggregates("exp-1")
	agg := aggs[Key{ExperimentID: "exp-1", VariantID: "treatment", Metric: "session_duration"}]
	if agg.Count != 20 {
		t.Errorf("count = %d, want 20", agg.Count)
	}
	if len(agg.Reservoir) != 8 {
		t.Errorf("reservoir length = %d, want bounded at 8", len(agg.Reservoir))
	}
}

func TestSessionExpiry(t *testing.T) {
	c := NewCollector(testStore(t), &Config{SessionRetention: time.Minute})

	base := time.Now()
	first := event("latency_ms", 100)
	first.Timestamp = base
	c.Record(first)

	// Same session past the retention window is dropped.
	late := event("latency_ms", 200)
	late.Timestamp = base.Add(2 * time.Minute)
	c.Record(late)

	aggs, _ := c.Aggregates("exp-1")
	agg := aggs[Key{ExperimentID: "exp-1", VariantID: "treatment", Metric: "latency_ms"}]
	if agg.Count != 1 {
		t.Errorf("count = %d, want 1 (expired session event must drop)", agg.Count)
	}

	if n := c.FlushExpired(base.Add(3 * time.Minute)); n != 1 {
		t.Errorf("FlushExpired = %d, want 1", n)
	}
}

func TestResetExperiment(t *testing.T) {
	c := NewCollector(testStore(t), nil)
	c.Record(event("latency_ms", 100))

	c.ResetExperiment("exp-1")
	aggs, _ := c.Aggregates("exp-1")
	if len(aggs) != 0 {
		t.Errorf("aggregates remain after reset: %v", aggs)
	}
}

// TestConcurrentRecording checks no events are lost under concurrent writers
// to the same key.
func TestConcurrentRecording(t *testing.T) {
	c := NewCollector(testStore(t), nil)

	const goroutines = 8
	const perGoroutine = 500
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				c.Record(event("latency_ms", 100))
			}
		}()
	}
	wg.Wait()

	aggs, _ := c.Aggregates("exp-1")
	agg := aggs[Key{ExperimentID: "exp-1", VariantID: "treatment", Metric: "latency_ms"}]
	if agg.Count != goroutines*perGoroutine {
		t.Errorf("count = %d, want %d", agg.Count, goroutines*perGoroutine)
	}
	if math.Abs(agg.Mean-100) > 1e-9 {
		t.Errorf("mean = %v, want 100", agg.Mean)
	}
}
