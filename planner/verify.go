package planner

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/microtrain/tensormem/model"
)

// ErrOverlap is returned by Verify when two lifetime-overlapping requests
// were planned into intersecting byte ranges.
var ErrOverlap = errors.New("planner: overlapping allocations")

// Verify checks a plan against its request set: every pair of requests
// with overlapping lifetimes must occupy disjoint byte ranges, and no
// allocation may extend past the reported footprint.
//
// The check replays the schedule step by step with a byte-occupancy
// bitmap. It is intended for tests and for guarding replans in debug
// builds; it is not on the execution hot path.
func Verify(requests []Request, plan Plan) error {
	if len(requests) != len(plan.Allocations) {
		return fmt.Errorf("planner: plan has %d allocations for %d requests", len(plan.Allocations), len(requests))
	}

	byID := make(map[int]Allocation, len(plan.Allocations))
	for i, a := range plan.Allocations {
		if a.ID != requests[i].ID {
			return fmt.Errorf("planner: allocation %d is for tensor %d, want %d", i, a.ID, requests[i].ID)
		}
		if a.Offset < 0 || a.Offset+a.Size > plan.Footprint {
			return fmt.Errorf("planner: tensor %d range [%d,%d) exceeds footprint %d", a.ID, a.Offset, a.Offset+a.Size, plan.Footprint)
		}
		byID[i] = a
	}

	// Boundary steps are enough: occupancy only changes where a lifetime
	// begins.
	steps := make(map[model.Step]struct{})
	for _, r := range requests {
		steps[r.Life.First] = struct{}{}
	}

	for step := range steps {
		occupied := roaring64.New()
		for i, r := range requests {
			if !r.Life.Contains(step) {
				continue
			}
			a := byID[i]
			rng := roaring64.New()
			rng.AddRange(uint64(a.Offset), uint64(a.Offset+a.Size))
			if occupied.Intersects(rng) {
				return fmt.Errorf("%w: tensor %d range [%d,%d) collides at step %d", ErrOverlap, a.ID, a.Offset, a.Offset+a.Size, step)
			}
			occupied.Or(rng)
		}
	}

	return nil
}
