// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package manager funnels every rollout state change through one component.
//
// The quality gate and the admin API both act on experiments exclusively
// through the Manager, which serializes changes per experiment, enforces the
// post-rollback cooldown, and emits the audit and notification records for
// each change. The configuration store is never written by anyone else.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/expgate/expgate/services/rollout/store"
	"github.com/expgate/expgate/services/rollout/telemetry"
	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrCooldownActive indicates an allocation increase was requested
	// while the experiment is still in its post-rollback cooldown.
	ErrCooldownActive = errors.New("experiment is in post-rollback cooldown")

	// ErrArchived indicates a change was requested on an archived
	// experiment.
	ErrArchived = errors.New("experiment is archived")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// AuditSink persists rollout events. Satisfied by *audit.Log.
type AuditSink interface {
	Append(event datatypes.RolloutEvent) error
}

// EventQueue receives rollout events for asynchronous operator notification.
// Satisfied by *notify.Dispatcher.
type EventQueue interface {
	Enqueue(event datatypes.RolloutEvent)
}

// Config configures the manager.
type Config struct {
	// Cooldown is how long allocation increases stay locked out after a
	// rollback. Decreases and disables are always allowed. Default: 1h
	Cooldown time.Duration

	// Logger for change records. If nil, slog.Default.
	Logger *slog.Logger

	// Audit persists rollout events. May be nil (changes still apply;
	// the append failure path logs an error).
	Audit AuditSink

	// Notify receives events for operator notification. May be nil.
	Notify EventQueue

	// Telemetry records rollout counters. May be nil.
	Telemetry *telemetry.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Cooldown: time.Hour}
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager applies rollout state changes.
//
// Thread Safety: Safe for concurrent use. Changes to the same experiment
// serialize on a per-experiment mutex; changes to different experiments
// proceed independently.
type Manager struct {
	store  *store.Store
	config *Config
	logger *slog.Logger

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	cooldowns map[string]time.Time // experiment id -> cooldown expiry

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a manager writing to the given store.
//
// Inputs:
//   - st: The configuration store. Must not be nil.
//   - config: Manager config. If nil, defaults are used.
//
// Outputs:
//   - *Manager: The new manager. Never nil.
func New(st *store.Store, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Cooldown <= 0 {
		config.Cooldown = time.Hour
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     st,
		config:    config,
		logger:    logger,
		locks:     map[string]*sync.Mutex{},
		cooldowns: map[string]time.Time{},
		now:       time.Now,
	}
}

// Upsert installs or replaces an experiment definition.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Upsert(def *datatypes.ExperimentDefinition) error {
	if def == nil {
		return datatypes.ErrNilDefinition
	}
	lock := m.lockFor(def.ID)
	lock.Lock()
	defer lock.Unlock()

	version, err := m.store.Upsert(def)
	if err != nil {
		return err
	}
	m.config.Telemetry.SetAllocation(def.ID, def.Allocation)
	m.logger.Info("experiment upserted",
		slog.String("experiment", def.ID),
		slog.Uint64("version", version),
	)
	return nil
}

// RampTo sets the experiment's allocation.
//
// Description:
//
//	Increases are rejected while the experiment's post-rollback cooldown is
//	active; decreases always apply. The change is recorded as a ramp_up or
//	ramp_down audit event with the given trigger and reason.
//
// Inputs:
//   - id: Experiment id.
//   - allocation: New allocation percentage in [0,100].
//   - trigger: What caused the change ("operator", "promotion", ...).
//   - reason: Human-readable explanation for the audit trail.
//
// Outputs:
//   - error: ErrCooldownActive, ErrArchived, ErrUnknownExperiment, or
//     ErrAllocationRange. State unchanged on error.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) RampTo(id string, allocation int, trigger, reason string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exp, err := m.activeExperiment(id)
	if err != nil {
		return err
	}
	if allocation > exp.Allocation && m.inCooldown(id) {
		return ErrCooldownActive
	}

	prev := exp.Allocation
	if _, err := m.store.SetAllocation(id, allocation); err != nil {
		return err
	}

	action := datatypes.ActionRampUp
	if allocation < prev {
		action = datatypes.ActionRampDown
	}
	m.record(datatypes.RolloutEvent{
		ExperimentID:       id,
		Action:             action,
		Trigger:            trigger,
		Reason:             reason,
		PreviousAllocation: prev,
		NewAllocation:      allocation,
	})
	m.config.Telemetry.SetAllocation(id, allocation)
	if action == datatypes.ActionRampUp {
		m.config.Telemetry.RecordPromotion(id)
	}
	return nil
}

// Rollback zeroes the allocation, disables the experiment, and starts the
// cooldown window.
//
// Inputs:
//   - id: Experiment id.
//   - trigger: What caused the rollback ("critical_breach", ...).
//   - reason: Explanation including the triggering metric snapshot.
//   - metric, value, threshold: Threshold context; zero values when the
//     rollback was not threshold-triggered.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Rollback(id, trigger, reason, metric string, value, threshold float64) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exp, err := m.activeExperiment(id)
	if err != nil {
		return err
	}
	prev := exp.Allocation

	if _, err := m.store.Suspend(id); err != nil {
		return err
	}

	m.mu.Lock()
	m.cooldowns[id] = m.now().Add(m.config.Cooldown)
	m.mu.Unlock()

	m.record(datatypes.RolloutEvent{
		ExperimentID:       id,
		Action:             datatypes.ActionRollback,
		Trigger:            trigger,
		Reason:             reason,
		PreviousAllocation: prev,
		NewAllocation:      0,
		Metric:             metric,
		Value:              value,
		Threshold:          threshold,
	})
	m.config.Telemetry.SetAllocation(id, 0)
	m.config.Telemetry.RecordRollback(trigger)
	return nil
}

// Disable turns the experiment off without zeroing its allocation and
// without starting a cooldown.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Disable(id, trigger, reason string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exp, err := m.activeExperiment(id)
	if err != nil {
		return err
	}
	if _, err := m.store.SetEnabled(id, false); err != nil {
		return err
	}
	m.record(datatypes.RolloutEvent{
		ExperimentID:       id,
		Action:             datatypes.ActionDisable,
		Trigger:            trigger,
		Reason:             reason,
		PreviousAllocation: exp.Allocation,
		NewAllocation:      exp.Allocation,
	})
	return nil
}

// Enable turns a disabled experiment back on. Blocked during cooldown.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Enable(id, trigger, reason string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exp, err := m.activeExperiment(id)
	if err != nil {
		return err
	}
	if m.inCooldown(id) {
		return ErrCooldownActive
	}
	if _, err := m.store.SetEnabled(id, true); err != nil {
		return err
	}
	m.record(datatypes.RolloutEvent{
		ExperimentID:       id,
		Action:             datatypes.ActionEnable,
		Trigger:            trigger,
		Reason:             reason,
		PreviousAllocation: exp.Allocation,
		NewAllocation:      exp.Allocation,
	})
	return nil
}

// Archive retires an experiment permanently.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Archive(id, trigger, reason string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exp, err := m.activeExperiment(id)
	if err != nil {
		return err
	}
	prev := exp.Allocation
	if _, err := m.store.Archive(id); err != nil {
		return err
	}
	m.record(datatypes.RolloutEvent{
		ExperimentID:       id,
		Action:             datatypes.ActionArchive,
		Trigger:            trigger,
		Reason:             reason,
		PreviousAllocation: prev,
		NewAllocation:      0,
	})
	m.config.Telemetry.SetAllocation(id, 0)
	return nil
}

// CooldownRemaining returns how long allocation increases stay blocked for
// the experiment; zero when no cooldown is active.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) CooldownRemaining(id string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.cooldowns[id]
	if !ok {
		return 0
	}
	remaining := expiry.Sub(m.now())
	if remaining <= 0 {
		delete(m.cooldowns, id)
		return 0
	}
	return remaining
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

func (m *Manager) inCooldown(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.cooldowns[id]
	if !ok {
		return false
	}
	if m.now().After(expiry) {
		delete(m.cooldowns, id)
		return false
	}
	return true
}

func (m *Manager) activeExperiment(id string) (*datatypes.Experiment, error) {
	exp, ok := m.store.Snapshot().Experiment(id)
	if !ok {
		return nil, datatypes.ErrUnknownExperiment
	}
	if exp.Archived {
		return nil, fmt.Errorf("%w: %s", ErrArchived, id)
	}
	return exp, nil
}

// record persists the event and queues the notification. Failures here never
// fail the state change itself.
func (m *Manager) record(event datatypes.RolloutEvent) {
	event.ID = uuid.NewString()
	event.Timestamp = m.now()

	m.logger.Info("rollout change applied",
		slog.String("experiment", event.ExperimentID),
		slog.String("action", string(event.Action)),
		slog.String("trigger", event.Trigger),
		slog.Int("previous_allocation", event.PreviousAllocation),
		slog.Int("new_allocation", event.NewAllocation),
	)

	if m.config.Audit != nil {
		if err := m.config.Audit.Append(event); err != nil {
			m.logger.Error("audit append failed",
				slog.String("experiment", event.ExperimentID),
				slog.String("error", err.Error()),
			)
		}
	}
	if m.config.Notify != nil {
		m.config.Notify.Enqueue(event)
	}
}
