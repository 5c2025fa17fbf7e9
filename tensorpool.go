package tensormem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/microtrain/tensormem/cache"
	"github.com/microtrain/tensormem/loader"
	"github.com/microtrain/tensormem/mempool"
	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/planner"
	"github.com/microtrain/tensormem/resource"
	"github.com/microtrain/tensormem/swap"
)

type tensorInfo struct {
	size  int64
	align int64
	life  model.Lifetime
}

// TensorPool owns the memory of a training run: tensors are registered
// with their byte size and step lifetime, packed into a single buffer by
// the planner, and accessed per step through handles.
//
// When the planned footprint fits the budget every tensor keeps a fixed
// offset for the whole run and handle resolution is a lock-free lookup.
// When it does not, the pool degrades to caching: only each step's working
// set is resident and cold tensors ride the swap device.
type TensorPool struct {
	budget        int64
	strategy      planner.Strategy
	prefetchDepth int
	workers       int
	logger        *Logger
	metrics       MetricsCollector

	mem       *mempool.Pool
	cache     *cache.Pool
	ld        *loader.Loader
	dev       swap.Device
	ownDevice bool
	rc        *resource.Controller

	mu       sync.Mutex
	tensors  map[model.TensorID]*tensorInfo
	order    []model.TensorID
	schedule map[model.TensorID][]model.Step
	plan     planner.Plan
	planned  bool
	realized bool
	step     model.Step
	expired  map[model.TensorID]bool
	closed   bool

	// effSchedule is the effective access schedule, fixed at Plan time.
	// The access path reads it on every lookahead.
	effSchedule map[model.TensorID][]model.Step
}

// New creates a tensor pool with the given memory budget in bytes.
func New(budget int64, optFns ...Option) (*TensorPool, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("tensormem: budget must be positive, got %d", budget)
	}
	opts := applyOptions(optFns)

	workers := opts.swapWorkers
	if workers <= 0 {
		workers = loader.DefaultWorkers
	}
	rc := resource.NewController(resource.Config{
		MemoryBudgetBytes:         budget,
		MaxSwapWorkers:            int64(workers),
		SwapThroughputBytesPerSec: opts.swapThroughput,
	})
	// The pool buffer is the resident-memory consumer of this session.
	if !rc.TryAcquireMemory(budget) {
		return nil, fmt.Errorf("tensormem: controller rejected the %d byte buffer reservation", budget)
	}

	var memOpts []mempool.Option
	if opts.offHeap {
		memOpts = append(memOpts, mempool.WithOffHeap())
	}
	mem, err := mempool.New(budget, memOpts...)
	if err != nil {
		rc.ReleaseMemory(budget)
		return nil, err
	}

	dev := opts.device
	ownDevice := false
	if opts.swapFilePath != "" {
		dev, err = swap.NewFileDevice(swap.FileDeviceConfig{
			Path:        opts.swapFilePath,
			Compression: opts.swapFileCompression,
			Controller:  rc,
		})
		if err != nil {
			_ = mem.Close()
			rc.ReleaseMemory(budget)
			return nil, err
		}
		ownDevice = true
	}

	p := &TensorPool{
		budget:        budget,
		strategy:      opts.strategy,
		prefetchDepth: opts.prefetchDepth,
		workers:       workers,
		logger:        opts.logger,
		metrics:       opts.metrics,
		mem:           mem,
		dev:           dev,
		ownDevice:     ownDevice,
		rc:            rc,
		tensors:       make(map[model.TensorID]*tensorInfo),
		schedule:      make(map[model.TensorID][]model.Step),
		expired:       make(map[model.TensorID]bool),
	}

	p.cache = cache.NewPool(cache.Config{Memory: mem, Logger: opts.logger.Logger})
	if dev != nil {
		p.ld = loader.New(loader.Config{
			Device:     dev,
			Cache:      p.cache,
			Workers:    workers,
			QueueDepth: opts.swapQueueDepth,
			Retries:    opts.retries,
			Backoff:    opts.retryBackoff,
			Controller: rc,
			Logger:     opts.logger.Logger,
		})
	}

	return p, nil
}

// Register adds a tensor to the pool. size is in bytes, align must be a
// power of two (0 means the planner default) and life spans the steps the
// tensor is used in, inclusive on both ends.
//
// Registration is only allowed before Plan; Reset reopens it.
func (p *TensorPool) Register(id model.TensorID, size, align int64, life model.Lifetime) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.planned {
		return ErrAlreadyPlanned
	}
	if _, ok := p.tensors[id]; ok {
		return fmt.Errorf("%w: tensor %d", ErrTensorExists, id)
	}

	p.tensors[id] = &tensorInfo{size: size, align: align, life: life}
	p.order = append(p.order, id)
	return nil
}

// SetSchedule overrides the per-tensor access schedule used for eviction
// and prefetching. Without an override the pool assumes each tensor is
// touched at the two ends of its lifetime.
func (p *TensorPool) SetSchedule(schedule map[model.TensorID][]model.Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	for id := range schedule {
		if _, ok := p.tensors[id]; !ok {
			return fmt.Errorf("%w: tensor %d in schedule", ErrUnknownTensor, id)
		}
	}
	for id, steps := range schedule {
		s := make([]model.Step, len(steps))
		copy(s, steps)
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
		p.schedule[id] = s
	}
	return nil
}

// Plan packs every registered tensor and arms the pool for access.
//
// If the packed footprint fits the budget the plan is realized as static
// offsets. Otherwise the pool runs in caching mode over the swap device;
// planning fails if none is configured.
func (p *TensorPool) Plan(ctx context.Context) error {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.planLocked()
	p.metrics.RecordPlan(len(p.tensors), p.plan.Footprint, time.Since(start), err)
	p.logger.LogPlan(ctx, p.strategy, len(p.tensors), p.plan.Footprint, p.budget, p.realized, err)
	return err
}

func (p *TensorPool) planLocked() error {
	if p.closed {
		return ErrClosed
	}
	if p.planned {
		return ErrAlreadyPlanned
	}

	requests := make([]planner.Request, 0, len(p.order))
	for _, id := range p.order {
		info := p.tensors[id]
		requests = append(requests, planner.Request{
			ID:    id,
			Size:  info.size,
			Align: info.align,
			Life:  info.life,
		})
	}

	plan, err := planner.Compute(p.strategy, requests)
	if err != nil {
		return err
	}
	if err := planner.Verify(requests, plan); err != nil {
		return err
	}
	p.plan = plan

	if plan.Footprint <= p.budget {
		if err := p.mem.Realize(plan); err != nil {
			return translateError(err)
		}
		p.realized = true
		p.planned = true
		return nil
	}

	if p.dev == nil {
		return fmt.Errorf("%w: footprint %d, budget %d", ErrNoSwapDevice, plan.Footprint, p.budget)
	}

	for _, id := range p.order {
		info := p.tensors[id]
		if err := p.cache.Add(id, info.size, info.align); err != nil {
			return err
		}
	}
	p.effSchedule = p.scheduleLocked()
	p.cache.SetSchedule(p.effSchedule)
	p.realized = false
	p.planned = true
	return nil
}

// scheduleLocked returns the effective access schedule: the caller's
// override where present, lifetime endpoints elsewhere.
func (p *TensorPool) scheduleLocked() map[model.TensorID][]model.Step {
	schedule := make(map[model.TensorID][]model.Step, len(p.tensors))
	for id, info := range p.tensors {
		if steps, ok := p.schedule[id]; ok {
			schedule[id] = steps
			continue
		}
		if info.life.First == info.life.Last {
			schedule[id] = []model.Step{info.life.First}
		} else {
			schedule[id] = []model.Step{info.life.First, info.life.Last}
		}
	}
	return schedule
}

// GetHandle returns the tensor's bytes for use at the given step. In
// realized mode the returned slice stays valid for the whole run; in
// caching mode it is valid until the step ends.
func (p *TensorPool) GetHandle(ctx context.Context, id model.TensorID, step model.Step) ([]byte, error) {
	start := time.Now()
	buf, err := p.getHandle(ctx, id, step)
	p.metrics.RecordAccess(time.Since(start), err)
	p.logger.LogAccess(ctx, id, step, err)
	return buf, err
}

func (p *TensorPool) getHandle(ctx context.Context, id model.TensorID, step model.Step) ([]byte, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if !p.planned {
		p.mu.Unlock()
		return nil, ErrNotPlanned
	}
	info, ok := p.tensors[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: tensor %d", ErrUnknownTensor, id)
	}
	if !info.life.Contains(step) {
		p.mu.Unlock()
		return nil, fmt.Errorf("tensormem: tensor %d accessed at step %d outside lifetime %s", id, step, info.life)
	}
	if step > p.step {
		p.step = step
	}
	realized := p.realized
	var ahead []model.TensorID
	if !realized {
		ahead = p.lookaheadLocked(id, step)
	}
	p.mu.Unlock()

	if realized {
		buf, err := p.mem.Resolve(id)
		return buf, translateError(err)
	}

	buf, err := p.cache.Acquire(ctx, id, step)
	if err != nil {
		return nil, translateError(err)
	}

	// Pull upcoming tensors back in while the caller computes.
	for _, aid := range ahead {
		_ = p.cache.Prefetch(ctx, aid)
	}
	return buf, nil
}

// lookaheadLocked returns tensors scheduled within prefetchDepth steps
// after step, nearest first.
func (p *TensorPool) lookaheadLocked(current model.TensorID, step model.Step) []model.TensorID {
	if p.prefetchDepth <= 0 {
		return nil
	}
	horizon := step + model.Step(p.prefetchDepth)

	type upcoming struct {
		id   model.TensorID
		next model.Step
	}
	var candidates []upcoming
	for _, id := range p.order {
		if id == current {
			continue
		}
		steps := p.effSchedule[id]
		i := sort.Search(len(steps), func(i int) bool { return steps[i] > step })
		if i < len(steps) && steps[i] <= horizon {
			candidates = append(candidates, upcoming{id: id, next: steps[i]})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].next != candidates[j].next {
			return candidates[i].next < candidates[j].next
		}
		return candidates[i].id < candidates[j].id
	})

	ids := make([]model.TensorID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}

// Evict hints that the tensor will not be needed for a while and starts
// writing it out without blocking. A no-op in realized mode and for
// tensors that are not resident.
func (p *TensorPool) Evict(ctx context.Context, id model.TensorID) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.planned {
		p.mu.Unlock()
		return ErrNotPlanned
	}
	if _, ok := p.tensors[id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: tensor %d", ErrUnknownTensor, id)
	}
	realized := p.realized
	p.mu.Unlock()

	var err error
	if !realized {
		err = translateError(p.cache.Evict(ctx, id))
	}
	p.metrics.RecordEvict(err)
	p.logger.LogEvict(ctx, id, err)
	return err
}

// Hint starts prefetching the given tensors if slots are free. Best
// effort; a no-op in realized mode.
func (p *TensorPool) Hint(ctx context.Context, ids ...model.TensorID) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.planned {
		p.mu.Unlock()
		return ErrNotPlanned
	}
	realized := p.realized
	p.mu.Unlock()

	if realized {
		return nil
	}
	for _, id := range ids {
		if err := translateError(p.cache.Prefetch(ctx, id)); err != nil {
			return err
		}
	}
	return nil
}

// WarmUp makes the given tensors resident ahead of the run, bounded by
// the swap worker count. With no ids it warms every registered tensor.
func (p *TensorPool) WarmUp(ctx context.Context, ids ...model.TensorID) error {
	start := time.Now()

	p.mu.Lock()
	if len(ids) == 0 {
		ids = append(ids, p.order...)
	}
	lives := make(map[model.TensorID]model.Lifetime, len(ids))
	for _, id := range ids {
		info, ok := p.tensors[id]
		if !ok {
			p.mu.Unlock()
			return fmt.Errorf("%w: tensor %d", ErrUnknownTensor, id)
		}
		lives[id] = info.life
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers * 2)
	for _, id := range ids {
		id := id
		life := lives[id]
		g.Go(func() error {
			_, err := p.getHandle(gctx, id, life.First)
			return err
		})
	}

	err := g.Wait()
	p.metrics.RecordWarmUp(len(ids), time.Since(start), err)
	p.logger.LogWarmUp(ctx, len(ids), err)
	return err
}

// EndStep advances the step cursor and releases tensors whose lifetime
// ended. Returns the new current step.
func (p *TensorPool) EndStep(ctx context.Context) (model.Step, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.step++
	step := p.step

	var done []model.TensorID
	if p.planned && !p.realized {
		for id, info := range p.tensors {
			if info.life.Last < step && !p.expired[id] {
				done = append(done, id)
				p.expired[id] = true
			}
		}
	}
	p.mu.Unlock()

	for _, id := range done {
		if err := p.cache.Remove(ctx, id); err != nil {
			return step, err
		}
	}
	p.logger.LogStep(ctx, step, len(done))
	return step, nil
}

// EndIteration rewinds the step cursor for the next pass over the same
// schedule. Tensors released at their lifetime end come back unallocated;
// tensors still alive keep their bytes.
func (p *TensorPool) EndIteration(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	expired := make([]model.TensorID, 0, len(p.expired))
	for id := range p.expired {
		expired = append(expired, id)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	p.expired = make(map[model.TensorID]bool)
	p.step = 0

	var err error
	if p.planned && !p.realized {
		p.cache.Rewind()
		for _, id := range expired {
			info := p.tensors[id]
			if aerr := p.cache.Add(id, info.size, info.align); aerr != nil && err == nil {
				err = aerr
			}
		}
	}
	p.mu.Unlock()
	return err
}

// Release drops a tensor from the pool, freeing its buffer slot and swap
// extent. Only available in caching mode; realized offsets are immutable
// until Reset.
func (p *TensorPool) Release(ctx context.Context, id model.TensorID) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, ok := p.tensors[id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: tensor %d", ErrUnknownTensor, id)
	}
	realized := p.realized
	if !realized {
		delete(p.tensors, id)
		for i, oid := range p.order {
			if oid == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
		delete(p.schedule, id)
		delete(p.expired, id)
	}
	p.mu.Unlock()

	if realized {
		return fmt.Errorf("tensormem: tensor %d is part of a realized plan; reset to release", id)
	}
	return p.cache.Remove(ctx, id)
}

// Reset drops the current plan and every tensor's bytes, keeping the
// registrations. The pool can be re-registered and replanned afterwards.
func (p *TensorPool) Reset(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	ids := append([]model.TensorID(nil), p.order...)
	realized := p.realized
	p.mu.Unlock()

	if !realized {
		for _, id := range ids {
			if err := p.cache.Remove(ctx, id); err != nil {
				return err
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.mem.Reset(); err != nil {
		return translateError(err)
	}
	p.cache.Rewind()
	p.plan = planner.Plan{}
	p.planned = false
	p.realized = false
	p.step = 0
	p.expired = make(map[model.TensorID]bool)
	p.effSchedule = nil
	return nil
}

// PoolStats is a snapshot of pool state and counters.
type PoolStats struct {
	Budget    int64
	Footprint int64
	Realized  bool
	Step      model.Step
	Tensors   int
	Cache     cache.Stats
	Loader    loader.Stats
}

// Stats returns a snapshot of pool state and counters.
func (p *TensorPool) Stats() PoolStats {
	p.mu.Lock()
	stats := PoolStats{
		Budget:    p.budget,
		Footprint: p.plan.Footprint,
		Realized:  p.realized,
		Step:      p.step,
		Tensors:   len(p.tensors),
	}
	p.mu.Unlock()

	stats.Cache = p.cache.Stats()
	if p.ld != nil {
		stats.Loader = p.ld.Stats()
	}
	return stats
}

// CurrentPlan returns the packing plan. Valid after Plan succeeds.
func (p *TensorPool) CurrentPlan() planner.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plan
}

// Close drains in-flight transfers and releases the buffer and, if the
// pool created it, the swap device. Safe to call more than once.
func (p *TensorPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	if err := p.cache.Drain(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	if p.ld != nil {
		p.ld.Close()
	}
	if p.ownDevice && p.dev != nil {
		if err := p.dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.mem.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	p.rc.ReleaseMemory(p.budget)
	return firstErr
}
