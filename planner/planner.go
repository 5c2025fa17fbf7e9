// Package planner computes non-overlapping byte offsets for a set of
// lifetime-tagged memory requests.
//
// Exact footprint minimization is NP-hard (it is interval-graph coloring
// with weights), so the package offers strategies that trade planning cost
// for packing quality. All strategies are pure functions: same input, same
// plan, no shared state. That keeps planning passes reproducible and the
// strategies exhaustively testable.
package planner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/microtrain/tensormem/internal/extent"
	"github.com/microtrain/tensormem/model"
)

// DefaultAlign is the alignment applied to requests that do not specify one.
const DefaultAlign = 8

var (
	// ErrInvalidRequest is returned for zero/negative sizes, malformed
	// lifetimes or duplicate tensor IDs. Rejected before planning starts.
	ErrInvalidRequest = errors.New("planner: invalid request")
	// ErrUnknownStrategy is returned for strategy values out of range.
	ErrUnknownStrategy = errors.New("planner: unknown strategy")
)

// Strategy selects the packing algorithm.
type Strategy uint8

const (
	// StrategyBasic performs no reuse: offsets are a prefix sum over the
	// requests in submission order. Baseline for correctness checks.
	StrategyBasic Strategy = iota
	// StrategyFirstFit reuses freed ranges first-fit, in lifetime order.
	StrategyFirstFit
	// StrategyBestFit picks the smallest freed range that fits,
	// reducing fragmentation. Falls back to first-fit placement rules
	// when no freed range fits.
	StrategyBestFit
	// StrategyCoalesce is best-fit plus coalescing of adjacent freed
	// ranges at release time and alignment-aware tie-breaking. Best for
	// iterative workloads that replan every graph build.
	StrategyCoalesce
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyBasic:
		return "basic"
	case StrategyFirstFit:
		return "first-fit"
	case StrategyBestFit:
		return "best-fit"
	case StrategyCoalesce:
		return "coalesce"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Request is a sized, lifetime-tagged memory request.
// It is immutable once submitted to a planning pass.
type Request struct {
	ID    model.TensorID
	Size  int64
	Align int64 // 0 means DefaultAlign
	Life  model.Lifetime
}

// Allocation is a planned placement for one request. It is valid only for
// the exact request set it was computed from.
type Allocation struct {
	ID     model.TensorID
	Offset int64
	Size   int64
}

// Plan is the result of a planning pass. Allocations appear in the same
// order as the requests they were computed from.
type Plan struct {
	Allocations []Allocation
	Footprint   int64
}

// Compute plans offsets for the given requests using the strategy.
// Requests are validated first; any invalid request aborts the pass
// wholesale.
func Compute(strategy Strategy, requests []Request) (Plan, error) {
	if err := validate(requests); err != nil {
		return Plan{}, err
	}

	switch strategy {
	case StrategyBasic:
		return planBasic(requests), nil
	case StrategyFirstFit:
		return planOffline(requests, extent.FitFirst, false), nil
	case StrategyBestFit:
		return planOffline(requests, extent.FitBest, false), nil
	case StrategyCoalesce:
		return planOffline(requests, extent.FitBest, true), nil
	default:
		return Plan{}, fmt.Errorf("%w: %d", ErrUnknownStrategy, strategy)
	}
}

func validate(requests []Request) error {
	seen := make(map[model.TensorID]struct{}, len(requests))
	for i, r := range requests {
		if r.Size <= 0 {
			return fmt.Errorf("%w: tensor %d has size %d", ErrInvalidRequest, r.ID, r.Size)
		}
		if !r.Life.Valid() {
			return fmt.Errorf("%w: tensor %d has lifetime %s", ErrInvalidRequest, r.ID, r.Life)
		}
		if r.Align < 0 || (r.Align&(r.Align-1)) != 0 {
			return fmt.Errorf("%w: tensor %d alignment %d is not a power of two", ErrInvalidRequest, r.ID, r.Align)
		}
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("%w: duplicate tensor %d at index %d", ErrInvalidRequest, r.ID, i)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

func alignOf(r Request) int64 {
	if r.Align == 0 {
		return DefaultAlign
	}
	return r.Align
}

// planBasic lays requests out back to back in submission order.
func planBasic(requests []Request) Plan {
	allocs := make([]Allocation, len(requests))
	var tail int64
	for i, r := range requests {
		off := extent.AlignUp(tail, alignOf(r))
		allocs[i] = Allocation{ID: r.ID, Offset: off, Size: r.Size}
		tail = off + r.Size
	}
	return Plan{Allocations: allocs, Footprint: tail}
}

// planOffline sweeps requests in lifetime order, releasing ranges whose
// lifetime has ended before the current request starts and fitting the
// request into the free list, else extending the buffer.
func planOffline(requests []Request, fit extent.Fit, coalesce bool) Plan {
	// Stable order: lifetime start, ties broken by submission order.
	order := make([]int, len(requests))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return requests[order[a]].Life.First < requests[order[b]].Life.First
	})

	type placed struct {
		idx      int
		released bool
	}

	allocs := make([]Allocation, len(requests))
	fl := extent.NewList(fit, coalesce)
	var active []placed
	var tail int64

	for _, idx := range order {
		r := requests[idx]

		// Release everything whose lifetime ended strictly before this
		// request begins. Active stays small (live set), linear scan is
		// cheaper than a heap here.
		live := active[:0]
		for _, p := range active {
			if requests[p.idx].Life.Last < r.Life.First {
				fl.Release(extent.Span{Off: allocs[p.idx].Offset, Size: allocs[p.idx].Size})
				continue
			}
			live = append(live, p)
		}
		active = live

		align := alignOf(r)
		off, ok := fl.Take(r.Size, align)
		if !ok {
			off = extent.AlignUp(tail, align)
		}
		if end := off + r.Size; end > tail {
			tail = end
		}

		allocs[idx] = Allocation{ID: r.ID, Offset: off, Size: r.Size}
		active = append(active, placed{idx: idx})
	}

	return Plan{Allocations: allocs, Footprint: tail}
}
