package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/microtrain/tensormem/mempool"
	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/swap"
)

var (
	// ErrUnknownTensor is returned when operating on a tensor that was
	// never added to the pool.
	ErrUnknownTensor = errors.New("cache: unknown tensor")
	// ErrNoVictim is returned when an access needs buffer space but every
	// resident tensor is pinned by the current step or already in flight.
	ErrNoVictim = errors.New("cache: no evictable tensor")
	// ErrNoLoader is returned when an access requires swap I/O but no
	// loader is bound to the pool.
	ErrNoLoader = errors.New("cache: no loader bound")
)

// stepNever sorts after every real step; a tensor that is never used again
// is the ideal eviction victim.
const stepNever = model.Step(math.MaxInt32)

// Loader performs the asynchronous byte transfers the pool schedules.
//
// Store and Load return nothing: their outcome, including submission
// failures, is delivered through Pool.FinishStore and Pool.FinishLoad
// tagged with the generation the pool handed out. Release disposes of a
// swap location the pool no longer references and may run asynchronously.
type Loader interface {
	Store(ctx context.Context, id model.TensorID, gen uint64, src []byte)
	Load(ctx context.Context, id model.TensorID, gen uint64, loc swap.Location, dst []byte)
	Release(loc swap.Location)
}

// Config configures a Pool.
type Config struct {
	// Memory is the backing buffer, operating in slot mode.
	Memory *mempool.Pool
	// Logger, if nil, discards.
	Logger *slog.Logger
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	StaleDiscards int64
}

// Pool tracks the residency of every registered tensor and decides, per
// access, what stays in the buffer and what moves to the swap device.
//
// Eviction picks the resident tensor whose next scheduled use is farthest
// in the future; with the full access schedule known ahead of time this is
// the offline-optimal choice. Tensors touched by the current step are
// pinned and never evicted.
type Pool struct {
	mem    *mempool.Pool
	logger *slog.Logger

	mu       sync.Mutex
	loader   Loader
	elems    map[model.TensorID]*Elem
	schedule map[model.TensorID][]model.Step
	step     model.Step

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	staleDiscards atomic.Int64
}

// NewPool creates an empty cache pool over the given buffer.
func NewPool(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		mem:      cfg.Memory,
		logger:   logger,
		elems:    make(map[model.TensorID]*Elem),
		schedule: make(map[model.TensorID][]model.Step),
	}
}

// Bind attaches the loader. Must be called before any access that needs
// swap I/O; the loader is constructed after the pool because it reports
// completions back into it.
func (p *Pool) Bind(l Loader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loader = l
}

// SetSchedule installs the per-tensor access schedule used for victim
// selection. Steps need not be sorted.
func (p *Pool) SetSchedule(schedule map[model.TensorID][]model.Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schedule = make(map[model.TensorID][]model.Step, len(schedule))
	for id, steps := range schedule {
		s := slices.Clone(steps)
		slices.Sort(s)
		p.schedule[id] = s
	}
}

// Rewind resets the step cursor for a new pass over the same schedule.
// Pins from the previous pass are cleared; without this, a tensor touched
// by the new pass's current step would compare against the old cursor and
// lose its eviction protection.
func (p *Pool) Rewind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.step = 0
	for _, e := range p.elems {
		e.lastStep = -1
	}
}

// Add registers a tensor. It starts unallocated; bytes are materialized on
// first access.
func (p *Pool) Add(id model.TensorID, size, align int64) error {
	if size <= 0 {
		return fmt.Errorf("cache: tensor %d size must be positive, got %d", id, size)
	}
	if align <= 0 {
		align = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.elems[id]; ok {
		return fmt.Errorf("cache: tensor %d already added", id)
	}
	p.elems[id] = &Elem{id: id, size: size, align: align, lastStep: -1}
	return nil
}

// Acquire makes the tensor's bytes resident and returns them. The returned
// slice is valid until the step that issued the access ends.
func (p *Pool) Acquire(ctx context.Context, id model.TensorID, step model.Step) ([]byte, error) {
	missed := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		e, ok := p.elems[id]
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: tensor %d", ErrUnknownTensor, id)
		}
		if step > p.step {
			p.step = step
		}
		e.lastStep = step

		switch e.state {
		case StateResident:
			buf, err := p.mem.Slice(e.slot, e.size)
			p.mu.Unlock()
			if err != nil {
				return nil, err
			}
			if !missed {
				p.hits.Add(1)
			}
			return buf, nil

		case StateEvicting:
			// Cancel the eviction. The bytes are still resident; bumping
			// the generation makes the in-flight store complete as stale,
			// so its swap extent is released instead of recorded.
			e.gen++
			e.state = StateResident
			c := e.inflight
			e.inflight = nil
			buf, err := p.mem.Slice(e.slot, e.size)
			p.mu.Unlock()
			c.complete(nil)
			if err != nil {
				return nil, err
			}
			if !missed {
				p.hits.Add(1)
			}
			return buf, nil

		case StateLoading:
			c := e.inflight
			p.mu.Unlock()
			if err := c.wait(ctx); err != nil {
				return nil, fmt.Errorf("cache: tensor %d load: %w", id, err)
			}
			continue

		default: // StateUnallocated, StateOnDisk
			if !missed {
				missed = true
				p.misses.Add(1)
			}
			buf, retry, err := p.materializeLocked(ctx, e)
			if err != nil {
				return nil, err
			}
			if retry {
				continue
			}
			return buf, nil
		}
	}
}

// materializeLocked allocates a slot for e, evicting a victim if the
// buffer is full, and either fills the slot (unallocated tensors) or
// dispatches a load (on-disk tensors). Called with mu held; returns with
// mu released. retry means the caller should re-run its access loop.
func (p *Pool) materializeLocked(ctx context.Context, e *Elem) (buf []byte, retry bool, err error) {
	if e.state == StateOnDisk && p.loader == nil {
		p.mu.Unlock()
		return nil, false, fmt.Errorf("%w: tensor %d is on disk", ErrNoLoader, e.id)
	}

	off, err := p.mem.AllocSlot(e.size, e.align)
	if errors.Is(err, mempool.ErrSlotExhausted) {
		return nil, true, p.evictOneLocked(ctx, e)
	}
	if err != nil {
		p.mu.Unlock()
		return nil, false, err
	}

	if e.state == StateUnallocated {
		e.state = StateResident
		e.slot, e.hasSlot = off, true
		buf, serr := p.mem.Slice(off, e.size)
		p.mu.Unlock()
		if serr != nil {
			return nil, false, serr
		}
		clear(buf)
		return buf, false, nil
	}

	// On disk: reserve the slot and load into it.
	e.state = StateLoading
	e.gen++
	gen := e.gen
	c := newCompletion()
	e.inflight = c
	e.slot, e.hasSlot = off, true
	loc := e.loc
	dst, serr := p.mem.Slice(off, e.size)
	if serr != nil {
		e.state = StateOnDisk
		e.inflight = nil
		e.hasSlot = false
		p.mem.FreeSlot(off, e.size)
		p.mu.Unlock()
		return nil, false, serr
	}
	p.mu.Unlock()

	p.loader.Load(ctx, e.id, gen, loc, dst)
	if werr := c.wait(ctx); werr != nil {
		return nil, false, fmt.Errorf("cache: tensor %d load: %w", e.id, werr)
	}
	return nil, true, nil
}

// evictOneLocked picks the victim with the farthest next use, dispatches
// its store and waits for it to finish. Called with mu held; returns with
// mu released.
func (p *Pool) evictOneLocked(ctx context.Context, needy *Elem) error {
	v := p.victimLocked()
	if v == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: need %d bytes for tensor %d", ErrNoVictim, needy.size, needy.id)
	}
	if p.loader == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: tensor %d must be evicted", ErrNoLoader, v.id)
	}

	gen, c, src, err := p.beginEvictLocked(v)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.loader.Store(ctx, v.id, gen, src)
	if werr := c.wait(ctx); werr != nil {
		return fmt.Errorf("cache: evict tensor %d: %w", v.id, werr)
	}
	return nil
}

// victimLocked returns the resident, unpinned tensor whose next scheduled
// use is farthest in the future, or nil if none qualifies. Ties go to the
// larger tensor, then the lower id, so selection is deterministic.
func (p *Pool) victimLocked() *Elem {
	var best *Elem
	var bestNext model.Step
	for _, e := range p.elems {
		if e.state != StateResident || !e.hasSlot {
			continue
		}
		if e.lastStep == p.step {
			continue
		}
		nu := p.nextUseLocked(e.id)
		switch {
		case best == nil,
			nu > bestNext,
			nu == bestNext && e.size > best.size,
			nu == bestNext && e.size == best.size && e.id < best.id:
			best, bestNext = e, nu
		}
	}
	return best
}

func (p *Pool) nextUseLocked(id model.TensorID) model.Step {
	steps := p.schedule[id]
	i := sort.Search(len(steps), func(i int) bool { return steps[i] > p.step })
	if i == len(steps) {
		return stepNever
	}
	return steps[i]
}

// beginEvictLocked flips v to Evicting and returns the generation, the
// completion waiters block on, and the resident bytes the store reads.
func (p *Pool) beginEvictLocked(v *Elem) (uint64, *completion, []byte, error) {
	src, err := p.mem.Slice(v.slot, v.size)
	if err != nil {
		return 0, nil, nil, err
	}
	v.state = StateEvicting
	v.gen++
	c := newCompletion()
	v.inflight = c
	return v.gen, c, src, nil
}

// Evict writes the tensor's bytes to the swap device without waiting for
// the store to finish. Evicting a tensor that is already on disk, already
// evicting or never materialized is a no-op.
func (p *Pool) Evict(ctx context.Context, id model.TensorID) error {
	p.mu.Lock()
	e, ok := p.elems[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: tensor %d", ErrUnknownTensor, id)
	}
	if e.state != StateResident {
		p.mu.Unlock()
		return nil
	}
	if p.loader == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: tensor %d must be evicted", ErrNoLoader, id)
	}

	gen, _, src, err := p.beginEvictLocked(e)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.loader.Store(ctx, id, gen, src)
	return nil
}

// Prefetch starts loading an on-disk tensor if a slot is free. It never
// evicts and never blocks on the load; misses nothing if the buffer is
// full or the tensor is already resident or in flight.
func (p *Pool) Prefetch(ctx context.Context, id model.TensorID) error {
	p.mu.Lock()
	e, ok := p.elems[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: tensor %d", ErrUnknownTensor, id)
	}
	if e.state != StateOnDisk || p.loader == nil {
		p.mu.Unlock()
		return nil
	}

	off, err := p.mem.AllocSlot(e.size, e.align)
	if errors.Is(err, mempool.ErrSlotExhausted) {
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		p.mu.Unlock()
		return err
	}

	e.state = StateLoading
	e.gen++
	gen := e.gen
	c := newCompletion()
	e.inflight = c
	e.slot, e.hasSlot = off, true
	loc := e.loc
	dst, serr := p.mem.Slice(off, e.size)
	if serr != nil {
		e.state = StateOnDisk
		e.inflight = nil
		e.hasSlot = false
		p.mem.FreeSlot(off, e.size)
		p.mu.Unlock()
		c.complete(serr)
		return serr
	}
	p.mu.Unlock()

	p.loader.Load(ctx, id, gen, loc, dst)
	return nil
}

// FinishStore records the outcome of a store dispatched with gen. Returns
// false if the generation is stale, in which case the caller still owns
// loc and must release it.
func (p *Pool) FinishStore(id model.TensorID, gen uint64, loc swap.Location, err error) bool {
	p.mu.Lock()
	e, ok := p.elems[id]
	if !ok || e.gen != gen {
		p.mu.Unlock()
		p.staleDiscards.Add(1)
		p.logger.Debug("discarding stale store", "tensor", id, "gen", gen)
		return false
	}

	c := e.inflight
	e.inflight = nil
	if err != nil {
		// The bytes never left the buffer; the tensor stays resident.
		e.state = StateResident
		p.mu.Unlock()
		c.complete(err)
		return true
	}

	e.state = StateOnDisk
	e.loc, e.hasLoc = loc, true
	slot, size := e.slot, e.size
	e.hasSlot = false
	p.mem.FreeSlot(slot, size)
	p.mu.Unlock()

	p.evictions.Add(1)
	c.complete(nil)
	return true
}

// FinishLoad records the outcome of a load dispatched with gen. Returns
// false if the generation is stale. On a successful, non-stale load the
// caller must release the swap location it loaded from: the resident copy
// is writable again, so the on-device copy is dead.
func (p *Pool) FinishLoad(id model.TensorID, gen uint64, err error) bool {
	p.mu.Lock()
	e, ok := p.elems[id]
	if !ok || e.gen != gen {
		p.mu.Unlock()
		p.staleDiscards.Add(1)
		p.logger.Debug("discarding stale load", "tensor", id, "gen", gen)
		return false
	}

	c := e.inflight
	e.inflight = nil
	if err != nil {
		// Slot goes back; the on-device copy remains authoritative.
		e.state = StateOnDisk
		slot, size := e.slot, e.size
		e.hasSlot = false
		p.mem.FreeSlot(slot, size)
		p.mu.Unlock()
		c.complete(err)
		return true
	}

	e.state = StateResident
	e.hasLoc = false
	p.mu.Unlock()
	c.complete(nil)
	return true
}

// Remove waits out any in-flight transfer for the tensor and drops it,
// returning its slot and swap extent. Removing an unknown tensor is a
// no-op.
func (p *Pool) Remove(ctx context.Context, id model.TensorID) error {
	for {
		p.mu.Lock()
		e, ok := p.elems[id]
		if !ok {
			p.mu.Unlock()
			return nil
		}
		if c := e.inflight; c != nil {
			p.mu.Unlock()
			// Transfer errors belong to the access that dispatched the
			// transfer; removal only stops for cancellation.
			_ = c.wait(ctx)
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		if e.hasSlot {
			p.mem.FreeSlot(e.slot, e.size)
		}
		loc, hadLoc := e.loc, e.hasLoc
		loader := p.loader
		delete(p.elems, id)
		p.mu.Unlock()

		if hadLoc && loader != nil {
			loader.Release(loc)
		}
		return nil
	}
}

// State reports the tensor's current residency state.
func (p *Pool) State(id model.TensorID) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.elems[id]
	if !ok {
		return StateUnallocated, false
	}
	return e.state, true
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Hits:          p.hits.Load(),
		Misses:        p.misses.Load(),
		Evictions:     p.evictions.Load(),
		StaleDiscards: p.staleDiscards.Load(),
	}
}

// Drain waits until no transfer is in flight. Used on shutdown before the
// buffer and device are closed.
func (p *Pool) Drain(ctx context.Context) error {
	for {
		p.mu.Lock()
		var c *completion
		for _, e := range p.elems {
			if e.inflight != nil {
				c = e.inflight
				break
			}
		}
		p.mu.Unlock()

		if c == nil {
			return nil
		}
		_ = c.wait(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
