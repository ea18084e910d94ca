// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP handlers for the rollout engine.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/expgate/expgate/services/rollout/assign"
	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/expgate/expgate/services/rollout/manager"
	"github.com/expgate/expgate/services/rollout/metrics"
	"github.com/expgate/expgate/services/rollout/stats"
	"github.com/expgate/expgate/services/rollout/store"
	"github.com/expgate/expgate/services/rollout/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ServiceVersion is the rollout engine service version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// AnalysisSource exposes the latest gate analysis. Satisfied by
// *gate.Controller.
type AnalysisSource interface {
	LastResult(experimentID string) *stats.AnalysisResult
}

// EventSource reads the audit trail. Satisfied by *audit.Log.
type EventSource interface {
	Recent(experimentID string, limit int) ([]datatypes.RolloutEvent, error)
}

// Handlers contains the HTTP handlers for the rollout engine.
type Handlers struct {
	store     *store.Store
	collector *metrics.Collector
	manager   *manager.Manager
	analysis  AnalysisSource
	events    EventSource
	telemetry *telemetry.Metrics
}

// NewHandlers creates handlers over the engine components.
func NewHandlers(st *store.Store, collector *metrics.Collector, mgr *manager.Manager) *Handlers {
	return &Handlers{store: st, collector: collector, manager: mgr}
}

// WithAnalysis sets the analysis source for the admin API.
func (h *Handlers) WithAnalysis(source AnalysisSource) *Handlers {
	h.analysis = source
	return h
}

// WithEvents sets the audit event source for the admin API.
func (h *Handlers) WithEvents(source EventSource) *Handlers {
	h.events = source
	return h
}

// WithTelemetry sets the metrics recording handle.
func (h *Handlers) WithTelemetry(tel *telemetry.Metrics) *Handlers {
	h.telemetry = tel
	return h
}

// HealthCheck handles GET /health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"version":          ServiceVersion,
		"snapshot_version": h.store.Snapshot().Version,
	})
}

// AssignRequest is the body for POST /v1/assign.
type AssignRequest struct {
	SessionID    string `json:"session_id" binding:"required"`
	ExperimentID string `json:"experiment_id" binding:"required"`
}

// HandleAssign handles POST /v1/assign.
//
// Description:
//
//	Computes the deterministic variant assignment for a session against the
//	current configuration snapshot. Unknown or disabled experiments return
//	an out-of-experiment decision with 200, not an error: callers must
//	always receive a servable answer.
//
// Response:
//
//	200 OK: assign.Decision
//	400 Bad Request: Missing session or experiment id
func (h *Handlers) HandleAssign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "session_id and experiment_id are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	decision := assign.Assign(req.SessionID, req.ExperimentID, h.store.Snapshot())
	h.telemetry.RecordAssignment(req.ExperimentID, decision.InExperiment)
	c.JSON(http.StatusOK, decision)
}

// HandleRecordMetric handles POST /v1/metrics.
//
// Description:
//
//	Ingests one metric event. Always returns 202 for well-formed JSON:
//	validation happens inside the collector and invalid events are dropped
//	with a counter, never surfaced to the reporting client. Metric
//	ingestion must not be able to fail a user-facing request.
//
// Response:
//
//	202 Accepted: Event queued for aggregation
//	400 Bad Request: Malformed JSON only
func (h *Handlers) HandleRecordMetric(c *gin.Context) {
	var event datatypes.MetricEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "malformed metric event",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.collector.Record(event)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// ExperimentView is the read model returned by the admin API.
type ExperimentView struct {
	ID            string                       `json:"id"`
	Name          string                       `json:"name"`
	Variants      []datatypes.Variant          `json:"variants"`
	Allocation    int                          `json:"allocation"`
	MaxAllocation int                          `json:"max_allocation"`
	RampStep      int                          `json:"ramp_step"`
	Enabled       bool                         `json:"enabled"`
	Archived      bool                         `json:"archived"`
	Flagged       bool                         `json:"flagged"`
	PrimaryMetric string                       `json:"primary_metric"`
	Metrics       []datatypes.MetricDefinition `json:"metrics"`
	Cooldown      string                       `json:"cooldown_remaining,omitempty"`
	UpdatedAt     time.Time                    `json:"updated_at"`
}

// HandleListExperiments handles GET /v1/experiments.
func (h *Handlers) HandleListExperiments(c *gin.Context) {
	snap := h.store.Snapshot()
	views := make([]ExperimentView, 0, snap.Len())
	for _, exp := range snap.Experiments() {
		views = append(views, h.view(exp))
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot_version": snap.Version,
		"experiments":      views,
	})
}

// HandleGetExperiment handles GET /v1/experiments/:id.
func (h *Handlers) HandleGetExperiment(c *gin.Context) {
	exp, ok := h.store.Snapshot().Experiment(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "unknown experiment",
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, h.view(exp))
}

// HandleUpsertExperiment handles POST /v1/experiments.
//
// Response:
//
//	200 OK: Experiment installed
//	400 Bad Request: Validation failure with the violated invariant
func (h *Handlers) HandleUpsertExperiment(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUpsertExperiment")

	var def datatypes.ExperimentDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid experiment definition",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := h.manager.Upsert(&def); err != nil {
		logger.Warn("upsert rejected", "experiment", def.ID, "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "VALIDATION_FAILED",
		})
		return
	}
	logger.Info("experiment installed", "experiment", def.ID)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": def.ID})
}

// RampRequest is the body for POST /v1/experiments/:id/ramp.
type RampRequest struct {
	Allocation int    `json:"allocation" binding:"min=0,max=100"`
	Reason     string `json:"reason"`
}

// HandleRamp handles POST /v1/experiments/:id/ramp.
//
// Response:
//
//	200 OK: Allocation applied
//	404 Not Found: Unknown experiment
//	409 Conflict: Post-rollback cooldown still active
func (h *Handlers) HandleRamp(c *gin.Context) {
	id := c.Param("id")
	var req RampRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "allocation must be in [0,100]",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	err := h.manager.RampTo(id, req.Allocation, "operator", req.Reason)
	if err != nil {
		h.writeManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "allocation": req.Allocation})
}

// HandleDisable handles POST /v1/experiments/:id/disable.
func (h *Handlers) HandleDisable(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Disable(id, "operator", reasonFrom(c)); err != nil {
		h.writeManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleRollback handles POST /v1/experiments/:id/rollback.
func (h *Handlers) HandleRollback(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Rollback(id, "operator", reasonFrom(c), "", 0, 0); err != nil {
		h.writeManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleArchive handles POST /v1/experiments/:id/archive.
func (h *Handlers) HandleArchive(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Archive(id, "operator", reasonFrom(c)); err != nil {
		h.writeManagerError(c, err)
		return
	}
	h.collector.ResetExperiment(id)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleAnalysis handles GET /v1/experiments/:id/analysis.
//
// Response:
//
//	200 OK: Most recent stats.AnalysisResult
//	404 Not Found: No completed analysis cycle for the experiment
func (h *Handlers) HandleAnalysis(c *gin.Context) {
	if h.analysis == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "analysis is not running",
			Code:  "UNAVAILABLE",
		})
		return
	}
	result := h.analysis.LastResult(c.Param("id"))
	if result == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no analysis available yet",
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleAggregates handles GET /v1/experiments/:id/aggregates.
func (h *Handlers) HandleAggregates(c *gin.Context) {
	aggs, err := h.collector.Aggregates(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "AGGREGATE_READ_FAILED",
		})
		return
	}
	out := make([]metrics.Aggregate, 0, len(aggs))
	for _, agg := range aggs {
		agg.Reservoir = nil // raw values stay internal
		out = append(out, agg)
	}
	c.JSON(http.StatusOK, gin.H{"aggregates": out})
}

// HandleEvents handles GET /v1/events.
//
// Query parameters: experiment (optional filter), limit (default 100).
func (h *Handlers) HandleEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "audit log is not configured",
			Code:  "UNAVAILABLE",
		})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := h.events.Recent(c.Query("experiment"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "AUDIT_READ_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (h *Handlers) view(exp *datatypes.Experiment) ExperimentView {
	v := ExperimentView{
		ID:            exp.ID,
		Name:          exp.Name,
		Variants:      exp.Variants,
		Allocation:    exp.Allocation,
		MaxAllocation: exp.MaxAllocation,
		RampStep:      exp.RampStep,
		Enabled:       exp.Enabled,
		Archived:      exp.Archived,
		Flagged:       exp.Flagged,
		PrimaryMetric: exp.PrimaryMetric,
		Metrics:       exp.Metrics,
		UpdatedAt:     exp.UpdatedAt,
	}
	if remaining := h.manager.CooldownRemaining(exp.ID); remaining > 0 {
		v.Cooldown = remaining.Round(time.Second).String()
	}
	return v
}

func (h *Handlers) writeManagerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, datatypes.ErrUnknownExperiment):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, manager.ErrCooldownActive):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "COOLDOWN_ACTIVE"})
	case errors.Is(err, manager.ErrArchived):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "ARCHIVED"})
	case errors.Is(err, datatypes.ErrAllocationRange):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "ALLOCATION_RANGE"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL"})
	}
}

func reasonFrom(c *gin.Context) string {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		return "operator request"
	}
	return body.Reason
}

// getOrCreateRequestID returns the X-Request-ID header value, minting one
// when absent.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
