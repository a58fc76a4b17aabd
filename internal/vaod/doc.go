// Package vaod owns the shared data model of the visual attitude and orbit
// determination pipeline.
//
// Responsibilities: vector and quaternion math, the StateEstimate snapshot,
// the FilterMode transition table, measurements, health records and the
// error taxonomy.
// Key types: StateEstimate, FilterMode, Measurement, HealthRecord, Fault.
//
// Dependency rule: this package imports no other package of the pipeline.
// Layers l1..l6 and the supervisor depend on it, never the reverse.
package vaod
