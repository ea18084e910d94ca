// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package assign implements deterministic session-to-variant assignment.
//
// Assignment is a pure function over (sessionID, experimentID, snapshot):
// there is no stored per-user state, no shared mutable state, and no
// blocking. The same inputs always yield the same decision, and the decision
// is reconstructible from the snapshot version alone.
package assign

import (
	"hash/fnv"

	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/expgate/expgate/services/rollout/store"
)

// variantSalt separates the in/out bucket hash from the variant-selection
// hash so the two decisions are independent.
const variantSalt = ":variant"

// Decision is the outcome of one assignment call. Derived, never persisted;
// its lifetime is the request's lifetime.
type Decision struct {
	// InExperiment is true when the session falls inside the experiment's
	// current traffic allocation.
	InExperiment bool `json:"in_experiment"`

	// VariantID is set only when InExperiment is true.
	VariantID string `json:"variant_id,omitempty"`

	// Bucket is the session's allocation bucket in [0,100). Stable for a
	// given (session, experiment) pair regardless of allocation, which is
	// what makes ramp-up monotonic: raising the allocation only ever adds
	// higher buckets, and lowering it removes the highest buckets first.
	Bucket int `json:"bucket"`

	// SnapshotVersion is the configuration version the decision was
	// computed against.
	SnapshotVersion uint64 `json:"snapshot_version"`
}

// Assign computes the assignment decision for a session.
//
// Description:
//
//	bucket = FNV-1a64(sessionID ":" experimentID) mod 100. The session is in
//	the experiment iff bucket < allocation. Variant selection uses a second
//	FNV-1a64 hash over the same key plus a salt, reduced modulo the summed
//	variant weights, picking the variant whose cumulative weight range
//	contains the value (declared order breaks ties).
//
// Inputs:
//   - sessionID: Opaque session identifier. Empty sessions are never
//     assigned.
//   - experimentID: Experiment to evaluate.
//   - snap: Configuration snapshot. Must not be nil.
//
// Outputs:
//   - Decision: InExperiment=false for unknown, disabled, archived, or
//     flagged experiments.
//
// Thread Safety: Pure function; safe for concurrent use.
func Assign(sessionID, experimentID string, snap *store.ConfigSnapshot) Decision {
	decision := Decision{SnapshotVersion: snap.Version}
	if sessionID == "" {
		return decision
	}

	exp, ok := snap.Experiment(experimentID)
	if !ok || !exp.Enabled || exp.Archived || exp.Flagged {
		return decision
	}

	decision.Bucket = int(hash64(sessionID+":"+experimentID) % 100)
	if decision.Bucket >= exp.Allocation {
		return decision
	}

	decision.InExperiment = true
	decision.VariantID = selectVariant(sessionID, experimentID, exp)
	return decision
}

// selectVariant picks the variant whose cumulative weight range contains the
// salted hash value.
func selectVariant(sessionID, experimentID string, exp *datatypes.Experiment) string {
	total := 0
	for _, v := range exp.Variants {
		total += v.Weight
	}
	if total == 0 {
		return ""
	}

	point := int(hash64(sessionID+":"+experimentID+variantSalt) % uint64(total))
	cumulative := 0
	for _, v := range exp.Variants {
		cumulative += v.Weight
		if point < cumulative {
			return v.ID
		}
	}
	// Unreachable when weights sum to total.
	return exp.Variants[len(exp.Variants)-1].ID
}

func hash64(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
