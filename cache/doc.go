// Package cache keeps hot tensors resident in the memory pool and moves
// cold ones to the swap device.
//
// Every tensor is tracked by an Elem with a residency state and a
// generation counter. Transfers run asynchronously through a Loader;
// completions carry the generation they were dispatched with, so an
// outcome that arrives after the tensor moved on (an eviction canceled by
// a fresh access, a removed tensor) is recognized as stale and discarded.
//
// Victim selection is offline-optimal: with the step schedule known ahead
// of the run, the pool evicts the resident tensor whose next use is
// farthest in the future.
package cache
