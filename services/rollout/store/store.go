// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store holds the active experiment configuration as an explicitly
// versioned, immutable snapshot with copy-on-write replacement.
//
// Readers call Snapshot and get a consistent view without locking; they never
// observe a partially-applied update. Writers serialize on a single mutex,
// build a replacement snapshot, validate it, and swap it in atomically. The
// rollout manager is the only intended writer.
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expgate/expgate/services/rollout/datatypes"
)

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// ConfigSnapshot is an immutable view of all experiments at one version.
//
// Thread Safety: Immutable after construction; safe to share freely.
type ConfigSnapshot struct {
	// Version increases by one on every applied update.
	Version uint64

	// CreatedAt is when this snapshot was swapped in.
	CreatedAt time.Time

	experiments map[string]*datatypes.Experiment
}

// Experiment returns the experiment with the given id.
func (s *ConfigSnapshot) Experiment(id string) (*datatypes.Experiment, bool) {
	e, ok := s.experiments[id]
	return e, ok
}

// Experiments returns all experiments. The slice is freshly allocated; the
// pointed-to experiments remain immutable.
func (s *ConfigSnapshot) Experiments() []*datatypes.Experiment {
	out := make([]*datatypes.Experiment, 0, len(s.experiments))
	for _, e := range s.experiments {
		out = append(out, e)
	}
	return out
}

// Len returns the number of experiments, archived included.
func (s *ConfigSnapshot) Len() int {
	return len(s.experiments)
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the configuration store.
//
// Thread Safety: Safe for concurrent use. Reads are lock-free; writes
// serialize on an internal mutex.
type Store struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[ConfigSnapshot]
	logger  *slog.Logger
}

// New creates an empty store at version 0.
//
// Inputs:
//   - logger: Logger for invariant-failure reporting. If nil, slog.Default.
//
// Outputs:
//   - *Store: The new store. Never nil.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	s.current.Store(&ConfigSnapshot{
		Version:     0,
		CreatedAt:   time.Now(),
		experiments: map[string]*datatypes.Experiment{},
	})
	return s
}

// Snapshot returns the current immutable snapshot. O(1), never blocks.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Snapshot() *ConfigSnapshot {
	return s.current.Load()
}

// swap builds a replacement snapshot by copying the current experiment map,
// applying mutate to the copy, and atomically publishing the result. The
// prior snapshot is untouched on any error.
func (s *Store) swap(mutate func(experiments map[string]*datatypes.Experiment) error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	next := make(map[string]*datatypes.Experiment, cur.Len()+1)
	for id, e := range cur.experiments {
		next[id] = e
	}
	if err := mutate(next); err != nil {
		return cur.Version, err
	}

	// Invariant re-validation runs on the candidate map, before any reader
	// can observe it. A corrupt experiment is disabled and flagged for
	// operator attention rather than served inconsistently.
	s.reverify(next)

	snap := &ConfigSnapshot{
		Version:     cur.Version + 1,
		CreatedAt:   time.Now(),
		experiments: next,
	}
	s.current.Store(snap)

	return snap.Version, nil
}

// Upsert installs or replaces a fully-validated experiment definition.
//
// Inputs:
//   - def: The definition. Validated again here regardless of caller
//     promises; invalid definitions leave the store unchanged.
//
// Outputs:
//   - uint64: The new snapshot version.
//   - error: Validation failure; prior state unchanged.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Upsert(def *datatypes.ExperimentDefinition) (uint64, error) {
	if err := datatypes.ValidateDefinition(def); err != nil {
		return s.Snapshot().Version, err
	}

	return s.swap(func(experiments map[string]*datatypes.Experiment) error {
		now := time.Now()
		exp := &datatypes.Experiment{
			ID:            def.ID,
			Name:          def.Name,
			Variants:      append([]datatypes.Variant(nil), def.Variants...),
			Allocation:    def.Allocation,
			MaxAllocation: def.MaxAllocation,
			RampStep:      def.RampStep,
			Enabled:       def.Enabled,
			PrimaryMetric: def.PrimaryMetric,
			Metrics:       append([]datatypes.MetricDefinition(nil), def.Metrics...),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if prev, ok := experiments[def.ID]; ok {
			exp.CreatedAt = prev.CreatedAt
		}
		experiments[def.ID] = exp
		return nil
	})
}

// SetAllocation replaces the experiment's traffic allocation.
//
// Outputs:
//   - uint64: The new snapshot version (unchanged version on error).
//   - error: ErrUnknownExperiment or ErrAllocationRange.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) SetAllocation(id string, allocation int) (uint64, error) {
	if allocation < 0 || allocation > 100 {
		return s.Snapshot().Version, datatypes.ErrAllocationRange
	}
	return s.swap(func(experiments map[string]*datatypes.Experiment) error {
		prev, ok := experiments[id]
		if !ok {
			return datatypes.ErrUnknownExperiment
		}
		if prev.MaxAllocation > 0 && allocation > prev.MaxAllocation {
			return datatypes.ErrAllocationRange
		}
		exp := prev.Clone()
		exp.Allocation = allocation
		exp.UpdatedAt = time.Now()
		experiments[id] = exp
		return nil
	})
}

// SetEnabled flips the experiment's enabled flag.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) SetEnabled(id string, enabled bool) (uint64, error) {
	return s.swap(func(experiments map[string]*datatypes.Experiment) error {
		prev, ok := experiments[id]
		if !ok {
			return datatypes.ErrUnknownExperiment
		}
		exp := prev.Clone()
		exp.Enabled = enabled
		exp.UpdatedAt = time.Now()
		experiments[id] = exp
		return nil
	})
}

// Suspend zeroes the allocation and disables the experiment in a single
// snapshot swap, so no reader observes the intermediate state.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Suspend(id string) (uint64, error) {
	return s.swap(func(experiments map[string]*datatypes.Experiment) error {
		prev, ok := experiments[id]
		if !ok {
			return datatypes.ErrUnknownExperiment
		}
		exp := prev.Clone()
		exp.Allocation = 0
		exp.Enabled = false
		exp.UpdatedAt = time.Now()
		experiments[id] = exp
		return nil
	})
}

// Archive retires an experiment: disabled, allocation zeroed, retained for
// audit, never assigned again.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Archive(id string) (uint64, error) {
	return s.swap(func(experiments map[string]*datatypes.Experiment) error {
		prev, ok := experiments[id]
		if !ok {
			return datatypes.ErrUnknownExperiment
		}
		exp := prev.Clone()
		exp.Archived = true
		exp.Enabled = false
		exp.Allocation = 0
		exp.UpdatedAt = time.Now()
		experiments[id] = exp
		return nil
	})
}

// reverify re-checks invariants on a candidate experiment map before it is
// published. Violations are fatal for the affected experiment only: it is
// disabled and flagged.
func (s *Store) reverify(experiments map[string]*datatypes.Experiment) {
	for id, exp := range experiments {
		if err := verifyExperiment(exp); err != nil {
			s.logger.Error("configuration failed post-write re-validation; disabling experiment",
				slog.String("experiment", id),
				slog.String("error", err.Error()),
			)
			flagged := exp.Clone()
			flagged.Enabled = false
			flagged.Flagged = true
			experiments[id] = flagged
		}
	}
}

// verifyExperiment checks the invariants an installed experiment must hold.
func verifyExperiment(exp *datatypes.Experiment) error {
	if exp.Allocation < 0 || exp.Allocation > 100 {
		return datatypes.ErrAllocationRange
	}
	sum := 0
	controls := 0
	seen := make(map[string]struct{}, len(exp.Variants))
	for _, v := range exp.Variants {
		sum += v.Weight
		if v.Control {
			controls++
		}
		if _, dup := seen[v.ID]; dup {
			return datatypes.ErrDuplicateVariant
		}
		seen[v.ID] = struct{}{}
	}
	if sum != 100 {
		return fmt.Errorf("%w: sum=%d", datatypes.ErrInvalidWeights, sum)
	}
	if controls != 1 {
		return datatypes.ErrControlRequired
	}
	return nil
}
