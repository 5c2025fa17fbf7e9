// Package extent implements a sorted free list of byte ranges.
//
// The same structure backs three consumers: the offline planners reuse
// ranges freed by expired lifetimes, the memory pool serves dynamic cache
// slots from the budget-sized buffer, and the swap device recycles file
// extents of released blobs.
package extent

// Span is a free range of bytes [Off, Off+Size).
type Span struct {
	Off  int64
	Size int64
}

// End returns the exclusive end offset of the span.
func (s Span) End() int64 { return s.Off + s.Size }

// AlignUp rounds v up to the next multiple of align (a power of two).
func AlignUp(v, align int64) int64 {
	return (v + align - 1) &^ (align - 1)
}

// fits reports whether a request of the given size and alignment fits into
// the span, and the padded start offset if it does.
func (s Span) fits(size, align int64) (int64, bool) {
	padded := AlignUp(s.Off, align)
	if padded+size > s.End() {
		return 0, false
	}
	return padded, true
}

// Fit selects how a span is chosen from the free list.
type Fit uint8

const (
	// FitFirst picks the lowest-offset span that fits.
	FitFirst Fit = iota
	// FitBest picks the smallest span that fits; ties go to the span
	// wasting the least alignment padding, then to the lower offset.
	FitBest
)

// List tracks free ranges, kept sorted by offset.
//
// With coalescing disabled the list mirrors release-order fragments exactly
// (classic first-fit/best-fit semantics); with coalescing enabled adjacent
// ranges merge at release time, which pays off when the same sizes churn
// through the region repeatedly.
type List struct {
	spans    []Span
	fit      Fit
	coalesce bool
}

// NewList creates a free list with the given fit policy.
func NewList(fit Fit, coalesce bool) *List {
	return &List{fit: fit, coalesce: coalesce}
}

// Len returns the number of free spans.
func (l *List) Len() int { return len(l.spans) }

// Spans returns the free spans in offset order. The slice is owned by the
// list; callers must not mutate it.
func (l *List) Spans() []Span { return l.spans }

// Reset drops all free spans.
func (l *List) Reset() { l.spans = l.spans[:0] }

func (l *List) pick(size, align int64) int {
	switch l.fit {
	case FitBest:
		best := -1
		var bestSize, bestPad int64
		for i, s := range l.spans {
			padded, ok := s.fits(size, align)
			if !ok {
				continue
			}
			pad := padded - s.Off
			if best == -1 || s.Size < bestSize || (s.Size == bestSize && pad < bestPad) {
				best, bestSize, bestPad = i, s.Size, pad
			}
		}
		return best
	default:
		for i, s := range l.spans {
			if _, ok := s.fits(size, align); ok {
				return i
			}
		}
		return -1
	}
}

// Take removes size bytes (at the given alignment) from the free list and
// returns the placement offset. Returns false if no span fits.
func (l *List) Take(size, align int64) (int64, bool) {
	if size <= 0 {
		return 0, false
	}
	if align <= 0 {
		align = 1
	}

	i := l.pick(size, align)
	if i < 0 {
		return 0, false
	}

	s := l.spans[i]
	padded, _ := s.fits(size, align)

	// Replace the span with up to two fragments: the alignment padding
	// before the placement and the remainder after it.
	frags := make([]Span, 0, 2)
	if padded > s.Off {
		frags = append(frags, Span{Off: s.Off, Size: padded - s.Off})
	}
	if rest := s.End() - (padded + size); rest > 0 {
		frags = append(frags, Span{Off: padded + size, Size: rest})
	}

	tail := append(frags, l.spans[i+1:]...)
	l.spans = append(l.spans[:i], tail...)
	return padded, true
}

// Release returns a range to the free list, keeping it sorted by offset
// and merging with adjacent neighbors when coalescing is enabled.
func (l *List) Release(s Span) {
	if s.Size <= 0 {
		return
	}

	i := 0
	for i < len(l.spans) && l.spans[i].Off < s.Off {
		i++
	}

	if l.coalesce {
		if i > 0 && l.spans[i-1].End() == s.Off {
			i--
			s = Span{Off: l.spans[i].Off, Size: l.spans[i].Size + s.Size}
			l.spans = append(l.spans[:i], l.spans[i+1:]...)
		}
		if i < len(l.spans) && s.End() == l.spans[i].Off {
			s = Span{Off: s.Off, Size: s.Size + l.spans[i].Size}
			l.spans = append(l.spans[:i], l.spans[i+1:]...)
		}
	}

	l.spans = append(l.spans, Span{})
	copy(l.spans[i+1:], l.spans[i:])
	l.spans[i] = s
}
