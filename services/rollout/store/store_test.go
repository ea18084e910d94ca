// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/expgate/expgate/services/rollout/datatypes"
)

func validDefinition() *datatypes.ExperimentDefinition {
	return &datatypes.ExperimentDefinition{
		ID:   "exp-1",
		Name: "Checkout Flow",
		Variants: []datatypes.Variant{
			{ID: "control", Weight: 50, Control: true},
			{ID: "treatment", Weight: 50},
		},
		Allocation:    10,
		MaxAllocation: 100,
		RampStep:      10,
		Enabled:       true,
		PrimaryMetric: "latency_ms",
		Metrics: []datatypes.MetricDefinition{
			{
				Name:          "latency_ms",
				Kind:          datatypes.MetricContinuous,
				Direction:     datatypes.LowerIsBetter,
				Role:          datatypes.RolePrimary,
				MinSampleSize: 500,
			},
		},
	}
}

func TestUpsertAndSnapshot(t *testing.T) {
	st := New(nil)
	if st.Snapshot().Version != 0 {
		t.Fatalf("fresh store version = %d, want 0", st.Snapshot().Version)
	}

	version, err := st.Upsert(validDefinition())
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}

	exp, ok := st.Snapshot().Experiment("exp-1")
	if !ok {
		t.Fatal("experiment missing from snapshot")
	}
	if exp.Allocation != 10 || !exp.Enabled {
		t.Errorf("unexpected experiment state: %+v", exp)
	}
}

func TestUpsertRejectsInvalidDefinitions(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*datatypes.ExperimentDefinition)
		wantErr error
	}{
		{
			name: "weights not summing to 100",
			mutate: func(def *datatypes.ExperimentDefinition) {
				def.Variants[0].Weight = 60
				def.Variants[1].Weight = 60
			},
			wantErr: datatypes.ErrInvalidWeights,
		},
		{
			name: "duplicate variant ids",
			mutate: func(def *datatypes.ExperimentDefinition) {
				def.Variants[1].ID = "control"
			},
			wantErr: datatypes.ErrDuplicateVariant,
		},
		{
			name: "no control variant",
			mutate: func(def *datatypes.ExperimentDefinition) {
				def.Variants[0].Control = false
			},
			wantErr: datatypes.ErrControlRequired,
		},
		{
			name: "two control variants",
			mutate: func(def *datatypes.ExperimentDefinition) {
				def.Variants[1].Control = true
			},
			wantErr: datatypes.ErrControlRequired,
		},
		{
			name: "allocation above maximum",
			mutate: func(def *datatypes.ExperimentDefinition) {
				def.MaxAllocation = 50
				def.Allocation = 60
			},
			wantErr: datatypes.ErrAllocationRange,
		},
		{
			name: "primary metric undefined",
			mutate: func(def *datatypes.ExperimentDefinition) {
				def.PrimaryMetric = "does_not_exist"
			},
			wantErr: datatypes.ErrUnknownMetric,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := New(nil)
			def := validDefinition()
			tc.mutate(def)

			before := st.Snapshot().Version
			_, err := st.Upsert(def)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Upsert error = %v, want %v", err, tc.wantErr)
			}
			if st.Snapshot().Version != before {
				t.Error("failed upsert must not advance the version")
			}
		})
	}
}

func TestSetAllocation(t *testing.T) {
	st := New(nil)
	if _, err := st.Upsert(validDefinition()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	t.Run("valid change applies", func(t *testing.T) {
		version, err := st.SetAllocation("exp-1", 25)
		if err != nil {
			t.Fatalf("SetAllocation failed: %v", err)
		}
		if version != 2 {
			t.Errorf("version = %d, want 2", version)
		}
		exp, _ := st.Snapshot().Experiment("exp-1")
		if exp.Allocation != 25 {
			t.Errorf("allocation = %d, want 25", exp.Allocation)
		}
	})

	t.Run("out of range rejected", func(t *testing.T) {
		if _, err := st.SetAllocation("exp-1", 101); !errors.Is(err, datatypes.ErrAllocationRange) {
			t.Errorf("error = %v, want ErrAllocationRange", err)
		}
		if _, err := st.SetAllocation("exp-1", -1); !errors.Is(err, datatypes.ErrAllocationRange) {
			t.Errorf("error = %v, want ErrAllocationRange", err)
		}
	})

	t.Run("unknown experiment rejected", func(t *testing.T) {
		if _, err := st.SetAllocation("ghost", 10); !errors.Is(err, datatypes.ErrUnknownExperiment) {
			t.Errorf("error = %v, want ErrUnknownExperiment", err)
		}
	})
}

// TestSnapshotImmutability pins that an old snapshot keeps serving its
// original state after later writes.
func TestSnapshotImmutability(t *testing.T) {
	st := New(nil)
	if _, err := st.Upsert(validDefinition()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	old := st.Snapshot()
	oldExp, _ := old.Experiment("exp-1")

	if _, err := st.SetAllocation("exp-1", 90); err != nil {
		t.Fatalf("SetAllocation failed: %v", err)
	}

	if oldExp.Allocation != 10 {
		t.Errorf("old snapshot mutated: allocation = %d, want 10", oldExp.Allocation)
	}
	stillOld, _ := old.Experiment("exp-1")
	if stillOld.Allocation != 10 {
		t.Errorf("old snapshot lookup mutated: allocation = %d, want 10", stillOld.Allocation)
	}
	fresh, _ := st.Snapshot().Experiment("exp-1")
	if fresh.Allocation != 90 {
		t.Errorf("new snapshot allocation = %d, want 90", fresh.Allocation)
	}
}

func TestSuspend(t *testing.T) {
	st := New(nil)
	if _, err := st.Upsert(validDefinition()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	before := st.Snapshot().Version
	version, err := st.Suspend("exp-1")
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if version != before+1 {
		t.Errorf("suspend must be a single swap: version = %d, want %d", version, before+1)
	}

	exp, _ := st.Snapshot().Experiment("exp-1")
	if exp.Allocation != 0 || exp.Enabled {
		t.Errorf("suspended state wrong: allocation=%d enabled=%v", exp.Allocation, exp.Enabled)
	}

	if _, err := st.Suspend("ghost"); !errors.Is(err, datatypes.ErrUnknownExperiment) {
		t.Errorf("error = %v, want ErrUnknownExperiment", err)
	}
}

// TestReverifyFlagsCorruptExperiment drives a corrupt write through the
// internal swap path and checks readers only ever see the quarantined form.
func TestReverifyFlagsCorruptExperiment(t *testing.T) {
	st := New(nil)
	if _, err := st.Upsert(validDefinition()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	old := st.Snapshot()

	version, err := st.swap(func(experiments map[string]*datatypes.Experiment) error {
		exp := experiments["exp-1"].Clone()
		exp.Variants[0].Weight = 60 // weights now sum to 110
		experiments["exp-1"] = exp
		return nil
	})
	if err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if version != old.Version+1 {
		t.Errorf("version = %d, want %d", version, old.Version+1)
	}

	exp, ok := st.Snapshot().Experiment("exp-1")
	if !ok {
		t.Fatal("experiment missing from snapshot")
	}
	if !exp.Flagged || exp.Enabled {
		t.Errorf("corrupt experiment not quarantined: flagged=%v enabled=%v", exp.Flagged, exp.Enabled)
	}

	// The previously published snapshot was never touched.
	prev, _ := old.Experiment("exp-1")
	if prev.Flagged || !prev.Enabled {
		t.Errorf("prior snapshot mutated: %+v", prev)
	}
}

func TestArchive(t *testing.T) {
	st := New(nil)
	if _, err := st.Upsert(validDefinition()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := st.Archive("exp-1"); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	exp, ok := st.Snapshot().Experiment("exp-1")
	if !ok {
		t.Fatal("archived experiment must stay in the snapshot for audit")
	}
	if !exp.Archived || exp.Enabled || exp.Allocation != 0 {
		t.Errorf("archived experiment state wrong: %+v", exp)
	}
}

// TestConcurrentReadersDuringWrites hammers snapshots while the allocation
// changes and checks every observed state is internally consistent.
func TestConcurrentReadersDuringWrites(t *testing.T) {
	st := New(nil)
	if _, err := st.Upsert(validDefinition()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := st.Snapshot()
				exp, ok := snap.Experiment("exp-1")
				if !ok {
					t.Error("experiment vanished")
					return
				}
				sum := 0
				for _, v := range exp.Variants {
					sum += v.Weight
				}
				if sum != 100 {
					t.Errorf("weights sum %d observed mid-write", sum)
					return
				}
				if exp.Allocation < 0 || exp.Allocation > 100 {
					t.Errorf("allocation %d out of range", exp.Allocation)
					return
				}
			}
		}()
	}

	for alloc := 0; alloc <= 100; alloc += 5 {
		if _, err := st.SetAllocation("exp-1", alloc); err != nil {
			t.Fatalf("SetAllocation(%d) failed: %v", alloc, err)
		}
	}
	close(stop)
	wg.Wait()
}
