package model

import "fmt"

// TensorID is the stable identifier for a tensor within a TensorPool.
// It is assigned by the caller (the graph builder) and never reused
// within a single planning pass.
type TensorID uint64

// Step is an index into the execution schedule of a training graph.
type Step int32

// Lifetime is the inclusive span of execution steps during which a
// tensor's memory must remain valid and unmodified by reuse.
type Lifetime struct {
	First Step
	Last  Step
}

// Valid reports whether the lifetime is well-formed.
func (l Lifetime) Valid() bool {
	return l.First >= 0 && l.Last >= l.First
}

// Contains reports whether step s falls inside the lifetime.
func (l Lifetime) Contains(s Step) bool {
	return s >= l.First && s <= l.Last
}

// Overlaps reports whether two lifetimes share at least one step.
func (l Lifetime) Overlaps(o Lifetime) bool {
	return l.First <= o.Last && o.First <= l.Last
}

// String returns a string representation of the Lifetime.
func (l Lifetime) String() string {
	return fmt.Sprintf("[%d,%d]", l.First, l.Last)
}
