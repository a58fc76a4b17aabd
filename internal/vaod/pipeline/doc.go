// Package pipeline runs the VAOD cycle: a capture path (frame source,
// feature extraction, measurement model) and a filter path (estimation
// filter, publisher) joined by a one-slot channel, watched by a stall
// detector that restarts the pipeline within a bounded budget.
package pipeline
