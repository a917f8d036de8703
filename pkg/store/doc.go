// Package store provides atomic, durable persistence for the agent's
// ExecutionsMap.
//
// BoltExecutionsStore keeps the entire map as a single JSON value under a
// single bbolt key. A bbolt write transaction commits-or-rolls-back as a
// unit and is fsync'd before Update returns, so Set never leaves a torn
// map on disk: a crash mid-write leaves either the previous value or the
// new one, never a mix (spec invariant I3).
package store
