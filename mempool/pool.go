// Package mempool owns the contiguous backing buffer tensors live in.
//
// The pool operates in one of two modes. In realized mode the planner's
// static offsets are applied as-is: every tensor has a fixed range for the
// whole session and resolution is a lock-free lookup. In slot mode (used
// when the memory budget is smaller than the planned footprint) the pool
// serves dynamic slots from a coalescing free list; the cache pool decides
// which tensors occupy slots at any moment.
package mempool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/microtrain/tensormem/internal/conv"
	"github.com/microtrain/tensormem/internal/extent"
	"github.com/microtrain/tensormem/internal/mmap"
	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/planner"
)

var (
	// ErrCapacity is returned when a plan's footprint exceeds the pool
	// capacity. Nothing is realized when this is returned.
	ErrCapacity = errors.New("mempool: planned footprint exceeds capacity")
	// ErrNotAllocated is returned when resolving a tensor that is not
	// part of the realized plan. This is a programming error.
	ErrNotAllocated = errors.New("mempool: tensor not allocated")
	// ErrRealized is returned for operations that require an empty pool
	// (Resize, AllocSlot) while a plan is realized.
	ErrRealized = errors.New("mempool: allocations are realized")
	// ErrSlotExhausted is returned when no free slot can serve a request.
	ErrSlotExhausted = errors.New("mempool: no free slot")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mempool: pool is closed")
)

// Option configures a Pool.
type Option func(*Pool)

// WithOffHeap backs the pool with an anonymous memory mapping instead of a
// heap slice, keeping large buffers out of GC scans.
func WithOffHeap() Option {
	return func(p *Pool) {
		p.offHeap = true
	}
}

// Pool is the contiguous backing buffer for a tensor pool.
type Pool struct {
	mu       sync.Mutex
	capacity int64
	offHeap  bool

	buf     []byte
	mapping *mmap.Mapping // non-nil iff offHeap

	// Realized-mode allocations. The map snapshot is immutable after
	// Realize, so Resolve reads it without taking the state lock.
	allocs atomic.Pointer[map[model.TensorID]extent.Span]

	// Slot-mode state, guarded by mu.
	slots   *extent.List
	inUse   int64
	pending int // outstanding slots, blocks Resize/Realize

	closed bool
}

// New creates a pool with the given capacity in bytes.
func New(capacity int64, opts ...Option) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("mempool: capacity must be positive, got %d", capacity)
	}

	p := &Pool{capacity: capacity}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.allocBuffer(capacity); err != nil {
		return nil, err
	}

	p.slots = extent.NewList(extent.FitBest, true)
	p.slots.Release(extent.Span{Off: 0, Size: capacity})
	return p, nil
}

func (p *Pool) allocBuffer(capacity int64) error {
	size, err := conv.Int64ToInt(capacity)
	if err != nil {
		return fmt.Errorf("mempool: capacity %d: %w", capacity, err)
	}

	if p.offHeap {
		m, err := mmap.MapAnon(size)
		if err != nil {
			return fmt.Errorf("mempool: off-heap buffer: %w", err)
		}
		p.mapping = m
		p.buf = m.Bytes()
		return nil
	}

	p.buf = make([]byte, size)
	return nil
}

// Capacity returns the pool capacity in bytes.
func (p *Pool) Capacity() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// InUse returns the bytes currently held by dynamic slots.
func (p *Pool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Realize applies a plan to the pool. Every allocation must fit inside the
// capacity; on failure no allocation state is left behind.
func (p *Pool) Realize(plan planner.Plan) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.pending > 0 || p.inUse > 0 {
		return fmt.Errorf("%w: %d slot bytes outstanding", ErrRealized, p.inUse)
	}
	if plan.Footprint > p.capacity {
		return fmt.Errorf("%w: footprint %d, capacity %d", ErrCapacity, plan.Footprint, p.capacity)
	}

	allocs := make(map[model.TensorID]extent.Span, len(plan.Allocations))
	for _, a := range plan.Allocations {
		if a.Offset < 0 || a.Offset+a.Size > p.capacity {
			return fmt.Errorf("%w: tensor %d range [%d,%d)", ErrCapacity, a.ID, a.Offset, a.Offset+a.Size)
		}
		allocs[a.ID] = extent.Span{Off: a.Offset, Size: a.Size}
	}

	p.allocs.Store(&allocs)
	p.slots.Reset()
	return nil
}

// Resolve returns the memory region of a realized tensor.
//
// Offsets are immutable between Realize and Reset, so this is a lock-free
// O(1) lookup safe to call concurrently from execution kernels.
func (p *Pool) Resolve(id model.TensorID) ([]byte, error) {
	allocs := p.allocs.Load()
	if allocs == nil {
		return nil, fmt.Errorf("%w: tensor %d resolved before realize", ErrNotAllocated, id)
	}
	s, ok := (*allocs)[id]
	if !ok {
		return nil, fmt.Errorf("%w: tensor %d", ErrNotAllocated, id)
	}
	return p.buf[s.Off : s.Off+s.Size : s.Off+s.Size], nil
}

// Reset drops the realized plan and returns the pool to slot mode with the
// whole buffer free. This is the replanning boundary.
func (p *Pool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.pending > 0 || p.inUse > 0 {
		return fmt.Errorf("%w: %d slot bytes outstanding", ErrRealized, p.inUse)
	}

	p.allocs.Store(nil)
	p.slots.Reset()
	p.slots.Release(extent.Span{Off: 0, Size: p.capacity})
	return nil
}

// Resize replaces the backing buffer. Only permitted when no plan is
// realized and no slots are outstanding.
func (p *Pool) Resize(capacity int64) error {
	if capacity <= 0 {
		return fmt.Errorf("mempool: capacity must be positive, got %d", capacity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.allocs.Load() != nil {
		return fmt.Errorf("%w: reset before resize", ErrRealized)
	}
	if p.pending > 0 || p.inUse > 0 {
		return fmt.Errorf("%w: %d slot bytes outstanding", ErrRealized, p.inUse)
	}

	if p.mapping != nil {
		_ = p.mapping.Close()
		p.mapping = nil
	}
	if err := p.allocBuffer(capacity); err != nil {
		return err
	}

	p.capacity = capacity
	p.slots.Reset()
	p.slots.Release(extent.Span{Off: 0, Size: capacity})
	return nil
}

// AllocSlot reserves a dynamic slot of the given size and alignment and
// returns its offset. Used by the cache pool when residency is managed
// per-access rather than by the static plan.
func (p *Pool) AllocSlot(size, align int64) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("mempool: slot size must be positive, got %d", size)
	}
	if align <= 0 {
		align = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}
	if p.allocs.Load() != nil {
		return 0, fmt.Errorf("%w: slot allocation in realized mode", ErrRealized)
	}

	off, ok := p.slots.Take(size, align)
	if !ok {
		return 0, fmt.Errorf("%w: size %d of %d free", ErrSlotExhausted, size, p.capacity-p.inUse)
	}
	p.inUse += size
	p.pending++
	return off, nil
}

// FreeSlot returns a dynamic slot to the pool.
func (p *Pool) FreeSlot(off, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.slots.Release(extent.Span{Off: off, Size: size})
	p.inUse -= size
	p.pending--
}

// Slice returns a bounds-checked view of the buffer. The view is valid
// until the pool is closed or the region's slot is freed.
func (p *Pool) Slice(off, size int64) ([]byte, error) {
	if off < 0 || size < 0 || off+size > int64(len(p.buf)) {
		return nil, fmt.Errorf("mempool: range [%d,%d) out of bounds (capacity %d)", off, off+size, len(p.buf))
	}
	return p.buf[off : off+size : off+size], nil
}

// Close releases the backing buffer. Outstanding views become invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.allocs.Store(nil)
	p.buf = nil

	if p.mapping != nil {
		err := p.mapping.Close()
		p.mapping = nil
		return err
	}
	return nil
}
