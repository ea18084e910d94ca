// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/expgate/expgate/services/rollout/manager"
	"github.com/expgate/expgate/services/rollout/metrics"
	"github.com/expgate/expgate/services/rollout/store"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	st := store.New(nil)
	collector := metrics.NewCollector(st, nil)
	mgr := manager.New(st, nil)

	def := &datatypes.ExperimentDefinition{
		ID:   "exp-1",
		Name: "Handlers",
		Variants: []datatypes.Variant{
			{ID: "control", Weight: 50, Control: true},
			{ID: "treatment", Weight: 50},
		},
		Allocation:    50,
		MaxAllocation: 100,
		Enabled:       true,
		PrimaryMetric: "latency_ms",
		Metrics: []datatypes.MetricDefinition{
			{Name: "latency_ms", Kind: datatypes.MetricContinuous, Direction: datatypes.LowerIsBetter, Role: datatypes.RolePrimary},
		},
	}
	if err := mgr.Upsert(def); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	h := NewHandlers(st, collector, mgr)
	router := gin.New()
	router.GET("/health", h.HealthCheck)
	router.POST("/v1/assign", h.HandleAssign)
	router.POST("/v1/metrics", h.HandleRecordMetric)
	router.GET("/v1/experiments", h.HandleListExperiments)
	router.GET("/v1/experiments/:id", h.HandleGetExperiment)
	router.POST("/v1/experiments", h.HandleUpsertExperiment)
	router.POST("/v1/experiments/:id/ramp", h.HandleRamp)
	router.POST("/v1/experiments/:id/rollback", h.HandleRollback)
	router.GET("/v1/experiments/:id/aggregates", h.HandleAggregates)
	return router, st
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router, _ := testRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleAssign(t *testing.T) {
	router, _ := testRouter(t)

	t.Run("valid request", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/assign", map[string]string{
			"session_id":    "session-1",
			"experiment_id": "exp-1",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body=%s)", w.Code, w.Body.String())
		}
		var decision struct {
			Bucket          int    `json:"bucket"`
			VariantID       string `json:"variant_id"`
			SnapshotVersion uint64 `json:"snapshot_version"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decision.SnapshotVersion == 0 {
			t.Error("snapshot version missing from decision")
		}
	})

	t.Run("unknown experiment still 200", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/assign", map[string]string{
			"session_id":    "session-1",
			"experiment_id": "ghost",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var decision struct {
			InExperiment bool `json:"in_experiment"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decision.InExperiment {
			t.Error("unknown experiment must be out")
		}
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/assign", map[string]string{
			"session_id": "session-1",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHandleRecordMetric(t *testing.T) {
	router, _ := testRouter(t)

	t.Run("valid event accepted", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/metrics", datatypes.MetricEvent{
			ExperimentID: "exp-1",
			VariantID:    "treatment",
			SessionID:    "session-1",
			Metric:       "latency_ms",
			Value:        123.4,
		})
		if w.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", w.Code)
		}
	})

	t.Run("invalid event still accepted", func(t *testing.T) {
		// Unknown experiment drops inside the collector; the reporting
		// client must never see a failure for it.
		w := doJSON(t, router, http.MethodPost, "/v1/metrics", datatypes.MetricEvent{
			ExperimentID: "ghost",
			VariantID:    "treatment",
			SessionID:    "session-1",
			Metric:       "latency_ms",
			Value:        123.4,
		})
		if w.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", w.Code)
		}
	})

	t.Run("malformed JSON rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader([]byte("{not json")))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHandleUpsertExperiment(t *testing.T) {
	router, st := testRouter(t)

	t.Run("valid definition installed", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/experiments", datatypes.ExperimentDefinition{
			ID:   "exp-2",
			Name: "Second",
			Variants: []datatypes.Variant{
				{ID: "control", Weight: 50, Control: true},
				{ID: "treatment", Weight: 50},
			},
			Allocation:    5,
			MaxAllocation: 50,
			Enabled:       true,
			PrimaryMetric: "m",
			Metrics: []datatypes.MetricDefinition{
				{Name: "m", Kind: datatypes.MetricProportion, Direction: datatypes.HigherIsBetter, Role: datatypes.RolePrimary},
			},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body=%s)", w.Code, w.Body.String())
		}
		if _, ok := st.Snapshot().Experiment("exp-2"); !ok {
			t.Error("experiment not installed")
		}
	})

	t.Run("bad weights rejected", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/experiments", datatypes.ExperimentDefinition{
			ID:   "exp-3",
			Name: "Broken",
			Variants: []datatypes.Variant{
				{ID: "control", Weight: 70, Control: true},
				{ID: "treatment", Weight: 50},
			},
			PrimaryMetric: "m",
			Metrics: []datatypes.MetricDefinition{
				{Name: "m", Kind: datatypes.MetricProportion, Direction: datatypes.HigherIsBetter, Role: datatypes.RolePrimary},
			},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHandleRampAndRollback(t *testing.T) {
	router, st := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/experiments/exp-1/ramp", map[string]any{
		"allocation": 75,
		"reason":     "manual",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ramp status = %d (body=%s)", w.Code, w.Body.String())
	}
	exp, _ := st.Snapshot().Experiment("exp-1")
	if exp.Allocation != 75 {
		t.Errorf("allocation = %d, want 75", exp.Allocation)
	}

	w = doJSON(t, router, http.MethodPost, "/v1/experiments/exp-1/rollback", map[string]any{
		"reason": "incident",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("rollback status = %d", w.Code)
	}

	// Increase during cooldown conflicts.
	w = doJSON(t, router, http.MethodPost, "/v1/experiments/exp-1/ramp", map[string]any{
		"allocation": 10,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("ramp during cooldown status = %d, want 409", w.Code)
	}

	// Unknown experiment is 404.
	w = doJSON(t, router, http.MethodPost, "/v1/experiments/ghost/ramp", map[string]any{
		"allocation": 10,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown experiment status = %d, want 404", w.Code)
	}
}

func TestHandleAggregatesHidesReservoir(t *testing.T) {
	router, _ := testRouter(t)

	for i := 0; i < 3; i++ {
		doJSON(t, router, http.MethodPost, "/v1/metrics", datatypes.MetricEvent{
			ExperimentID: "exp-1",
			VariantID:    "treatment",
			SessionID:    fmt.Sprintf("s-%d", i),
			Metric:       "latency_ms",
			Value:        float64(100 + i),
		})
	}

	w := doJSON(t, router, http.MethodGet, "/v1/experiments/exp-1/aggregates", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Aggregates []struct {
			Count     int64     `json:"Count"`
			Reservoir []float64 `json:"Reservoir"`
		} `json:"aggregates"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Aggregates) != 1 {
		t.Fatalf("aggregates = %d, want 1", len(body.Aggregates))
	}
	if body.Aggregates[0].Count != 3 {
		t.Errorf("count = %d, want 3", body.Aggregates[0].Count)
	}
	if body.Aggregates[0].Reservoir != nil {
		t.Error("raw reservoir values must not leave the process")
	}
}
