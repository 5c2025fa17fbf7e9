package tensormem

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/planner"
	"github.com/microtrain/tensormem/swap"
)

func newSwapPool(t *testing.T, budget int64, optFns ...Option) *TensorPool {
	t.Helper()
	optFns = append(optFns,
		WithSwapFile(filepath.Join(t.TempDir(), "swap.bin"), swap.CompressionNone),
	)
	tp, err := New(budget, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Close() })
	return tp
}

func TestRealizedModeReusesOffsets(t *testing.T) {
	// Three tensors with a chain of lifetimes fit a budget of two: the
	// planner reuses the first tensor's range for the third. Alignment 1
	// packs the ranges back to back.
	tp, err := New(200, WithStrategy(planner.StrategyFirstFit))
	require.NoError(t, err)
	defer tp.Close()
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 100, 1, model.Lifetime{First: 0, Last: 1}))
	require.NoError(t, tp.Register(2, 100, 1, model.Lifetime{First: 1, Last: 2}))
	require.NoError(t, tp.Register(3, 100, 1, model.Lifetime{First: 2, Last: 3}))
	require.NoError(t, tp.Plan(ctx))

	stats := tp.Stats()
	assert.True(t, stats.Realized)
	assert.Equal(t, int64(200), stats.Footprint)

	// Tensor 3 recycles tensor 1's range.
	plan := tp.CurrentPlan()
	offsets := make(map[model.TensorID]int64, len(plan.Allocations))
	for _, a := range plan.Allocations {
		offsets[a.ID] = a.Offset
	}
	assert.Equal(t, offsets[1], offsets[3])
	assert.NotEqual(t, offsets[1], offsets[2])

	// Handles are stable across steps in realized mode.
	h1, err := tp.GetHandle(ctx, 1, 0)
	require.NoError(t, err)
	copy(h1, bytes.Repeat([]byte{0xEE}, 100))

	again, err := tp.GetHandle(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xEE}, 100), again)
}

func TestDefaultAlignmentPadsFootprint(t *testing.T) {
	// Registering with align 0 applies the planner default, so the
	// second tensor starts at the next aligned offset past 100.
	tp, err := New(204)
	require.NoError(t, err)
	defer tp.Close()
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 100, 0, model.Lifetime{First: 0, Last: 1}))
	require.NoError(t, tp.Register(2, 100, 0, model.Lifetime{First: 0, Last: 1}))
	require.NoError(t, tp.Plan(ctx))

	stats := tp.Stats()
	assert.True(t, stats.Realized)
	assert.Equal(t, int64(204), stats.Footprint)

	for _, a := range tp.CurrentPlan().Allocations {
		assert.Zero(t, a.Offset%planner.DefaultAlign, "tensor %d at offset %d", a.ID, a.Offset)
	}
}

func TestCacheModeUnderTightBudget(t *testing.T) {
	// The packed footprint (200) exceeds the budget (150) but each
	// step's working set fits, so the run degrades to caching instead
	// of failing.
	tp := newSwapPool(t, 150)
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 60, 0, model.Lifetime{First: 0, Last: 3}))
	require.NoError(t, tp.Register(2, 60, 0, model.Lifetime{First: 1, Last: 1}))
	require.NoError(t, tp.Register(3, 80, 0, model.Lifetime{First: 2, Last: 2}))
	require.NoError(t, tp.Plan(ctx))

	stats := tp.Stats()
	require.False(t, stats.Realized)
	require.Greater(t, stats.Footprint, int64(150))

	h1, err := tp.GetHandle(ctx, 1, 0)
	require.NoError(t, err)
	copy(h1, bytes.Repeat([]byte{0x01}, 60))

	h2, err := tp.GetHandle(ctx, 2, 1)
	require.NoError(t, err)
	copy(h2, bytes.Repeat([]byte{0x02}, 60))

	// Tensor 3 does not fit next to 1 and 2; tensor 2 (never used
	// again) is evicted, tensor 1 (used at step 3) stays.
	_, err = tp.GetHandle(ctx, 3, 2)
	require.NoError(t, err)

	got, err := tp.GetHandle(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 60), got)

	stats = tp.Stats()
	assert.Positive(t, stats.Cache.Evictions)
	assert.Positive(t, stats.Cache.Hits)
}

func TestCacheModeRoundTripsThroughSwap(t *testing.T) {
	// A buffer that holds one tensor at a time forces every access to
	// swap; the bytes must survive each round trip.
	tp := newSwapPool(t, 100, WithPrefetchDepth(0))
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 100, 0, model.Lifetime{First: 0, Last: 10}))
	require.NoError(t, tp.Register(2, 100, 0, model.Lifetime{First: 0, Last: 10}))
	require.NoError(t, tp.SetSchedule(map[model.TensorID][]model.Step{
		1: {0, 2, 4, 6, 8, 10},
		2: {1, 3, 5, 7, 9},
	}))
	require.NoError(t, tp.Plan(ctx))

	writeAt := func(id model.TensorID, step model.Step, fill byte) {
		buf, err := tp.GetHandle(ctx, id, step)
		require.NoError(t, err)
		copy(buf, bytes.Repeat([]byte{fill}, 100))
	}
	checkAt := func(id model.TensorID, step model.Step, fill byte) {
		buf, err := tp.GetHandle(ctx, id, step)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{fill}, 100), buf, "tensor %d step %d", id, step)
	}

	writeAt(1, 0, 0xA1)
	writeAt(2, 1, 0xB2)
	checkAt(1, 2, 0xA1)
	checkAt(2, 3, 0xB2)
	checkAt(1, 4, 0xA1)

	stats := tp.Stats()
	assert.GreaterOrEqual(t, stats.Cache.Evictions, int64(3))
}

func TestPlanWithoutSwapDeviceFailsOverBudget(t *testing.T) {
	tp, err := New(100)
	require.NoError(t, err)
	defer tp.Close()
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 80, 0, model.Lifetime{First: 0, Last: 1}))
	require.NoError(t, tp.Register(2, 80, 0, model.Lifetime{First: 0, Last: 1}))
	assert.ErrorIs(t, tp.Plan(ctx), ErrNoSwapDevice)
}

func TestLifecycleGuards(t *testing.T) {
	tp := newSwapPool(t, 200)
	ctx := context.Background()

	_, err := tp.GetHandle(ctx, 1, 0)
	assert.ErrorIs(t, err, ErrNotPlanned)

	require.NoError(t, tp.Register(1, 100, 0, model.Lifetime{First: 0, Last: 2}))
	assert.ErrorIs(t, tp.Register(1, 100, 0, model.Lifetime{First: 0, Last: 2}), ErrTensorExists)

	require.NoError(t, tp.Plan(ctx))
	assert.ErrorIs(t, tp.Register(2, 100, 0, model.Lifetime{First: 0, Last: 1}), ErrAlreadyPlanned)
	assert.ErrorIs(t, tp.Plan(ctx), ErrAlreadyPlanned)

	_, err = tp.GetHandle(ctx, 99, 0)
	assert.ErrorIs(t, err, ErrUnknownTensor)

	// Accessing outside the registered lifetime is a scheduling bug.
	_, err = tp.GetHandle(ctx, 1, 5)
	assert.Error(t, err)

	// Reset reopens registration.
	require.NoError(t, tp.Reset(ctx))
	require.NoError(t, tp.Register(2, 100, 0, model.Lifetime{First: 0, Last: 1}))
	require.NoError(t, tp.Plan(ctx))

	require.NoError(t, tp.Close())
	require.NoError(t, tp.Close())
	_, err = tp.GetHandle(ctx, 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEndStepReleasesExpiredTensors(t *testing.T) {
	tp := newSwapPool(t, 100, WithPrefetchDepth(0))
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 60, 0, model.Lifetime{First: 0, Last: 0}))
	require.NoError(t, tp.Register(2, 60, 0, model.Lifetime{First: 1, Last: 1}))
	require.NoError(t, tp.Register(3, 60, 0, model.Lifetime{First: 0, Last: 10}))
	require.NoError(t, tp.Plan(ctx))

	_, err := tp.GetHandle(ctx, 1, 0)
	require.NoError(t, err)

	// Tensor 1's lifetime ends with step 0; its slot is reclaimed at
	// the step boundary, making room for tensor 2 without an eviction.
	step, err := tp.EndStep(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Step(1), step)

	_, err = tp.GetHandle(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tp.Stats().Cache.Evictions)
}

func TestEndIterationRestoresExpiredTensors(t *testing.T) {
	tp := newSwapPool(t, 200, WithPrefetchDepth(0))
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 60, 0, model.Lifetime{First: 0, Last: 0}))
	require.NoError(t, tp.Register(2, 60, 0, model.Lifetime{First: 0, Last: 1}))
	require.NoError(t, tp.Register(3, 100, 0, model.Lifetime{First: 1, Last: 1}))
	require.NoError(t, tp.Plan(ctx))

	run := func() {
		buf, err := tp.GetHandle(ctx, 1, 0)
		require.NoError(t, err)
		copy(buf, bytes.Repeat([]byte{0x0F}, 60))
		_, err = tp.GetHandle(ctx, 2, 0)
		require.NoError(t, err)

		_, err = tp.EndStep(ctx)
		require.NoError(t, err)
		_, err = tp.GetHandle(ctx, 3, 1)
		require.NoError(t, err)
		_, err = tp.EndStep(ctx)
		require.NoError(t, err)
	}

	run()
	require.NoError(t, tp.EndIteration(ctx))
	run()
}

func TestEndIterationRestoresCurrentStepPinning(t *testing.T) {
	// Two tensors share one step but only one fits the buffer. The
	// second access of the step must fail rather than evict the handle
	// the caller is still holding, and it must keep failing on every
	// later iteration over the same schedule.
	tp := newSwapPool(t, 100, WithPrefetchDepth(0))
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 100, 0, model.Lifetime{First: 0, Last: 1}))
	require.NoError(t, tp.Register(2, 100, 0, model.Lifetime{First: 0, Last: 1}))
	require.NoError(t, tp.Plan(ctx))

	run := func() {
		buf, err := tp.GetHandle(ctx, 1, 0)
		require.NoError(t, err)
		copy(buf, bytes.Repeat([]byte{0x3D}, 100))

		_, err = tp.GetHandle(ctx, 2, 0)
		assert.ErrorIs(t, err, ErrBudgetExceeded)
		assert.Equal(t, bytes.Repeat([]byte{0x3D}, 100), buf)

		_, err = tp.EndStep(ctx)
		require.NoError(t, err)
		_, err = tp.GetHandle(ctx, 2, 1)
		require.NoError(t, err)
		_, err = tp.EndStep(ctx)
		require.NoError(t, err)
	}

	run()
	require.NoError(t, tp.EndIteration(ctx))
	run()
}

func TestLookaheadFollowsPlannedSchedule(t *testing.T) {
	tp := newSwapPool(t, 100, WithPrefetchDepth(2))
	ctx := context.Background()

	for id := model.TensorID(1); id <= 4; id++ {
		require.NoError(t, tp.Register(id, 100, 0, model.Lifetime{First: 0, Last: 9}))
	}
	require.NoError(t, tp.SetSchedule(map[model.TensorID][]model.Step{
		1: {0, 5},
		2: {2},
		3: {1, 6},
		4: {4},
	}))
	require.NoError(t, tp.Plan(ctx))

	// The effective schedule is fixed at plan time; the lookahead walks
	// it nearest next use first and stops at the prefetch horizon.
	tp.mu.Lock()
	ahead := tp.lookaheadLocked(1, 0)
	tp.mu.Unlock()
	assert.Equal(t, []model.TensorID{3, 2}, ahead)
}

func TestWarmUpMakesTensorsResident(t *testing.T) {
	tp := newSwapPool(t, 150, WithPrefetchDepth(0))
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 60, 0, model.Lifetime{First: 0, Last: 3}))
	require.NoError(t, tp.Register(2, 60, 0, model.Lifetime{First: 1, Last: 1}))
	require.NoError(t, tp.Register(3, 80, 0, model.Lifetime{First: 2, Last: 2}))
	require.NoError(t, tp.Plan(ctx))

	require.NoError(t, tp.WarmUp(ctx, 1, 2))

	stats := tp.Stats()
	assert.Equal(t, int64(2), stats.Cache.Misses)

	// Both warmed tensors are hits now.
	_, err := tp.GetHandle(ctx, 1, 0)
	require.NoError(t, err)
	_, err = tp.GetHandle(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tp.Stats().Cache.Hits)

	assert.ErrorIs(t, tp.WarmUp(ctx, 99), ErrUnknownTensor)
}

func TestEvictHintAndRelease(t *testing.T) {
	tp := newSwapPool(t, 200, WithPrefetchDepth(0))
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 60, 0, model.Lifetime{First: 0, Last: 5}))
	require.NoError(t, tp.Register(2, 60, 0, model.Lifetime{First: 0, Last: 5}))
	require.NoError(t, tp.Register(3, 100, 0, model.Lifetime{First: 1, Last: 5}))
	require.NoError(t, tp.Plan(ctx))

	buf, err := tp.GetHandle(ctx, 1, 0)
	require.NoError(t, err)
	copy(buf, bytes.Repeat([]byte{0x77}, 60))

	require.NoError(t, tp.Evict(ctx, 1))

	// The hint is asynchronous; the tensor remains readable afterwards.
	got, err := tp.GetHandle(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x77}, 60), got)

	require.NoError(t, tp.Release(ctx, 2))
	_, err = tp.GetHandle(ctx, 2, 1)
	assert.ErrorIs(t, err, ErrUnknownTensor)
}

func TestMetricsAndLoggingHooks(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	tp := newSwapPool(t, 200,
		WithMetricsCollector(metrics),
		WithLogger(NoopLogger()),
	)
	ctx := context.Background()

	require.NoError(t, tp.Register(1, 100, 0, model.Lifetime{First: 0, Last: 1}))
	require.NoError(t, tp.Plan(ctx))

	_, err := tp.GetHandle(ctx, 1, 0)
	require.NoError(t, err)
	_, err = tp.GetHandle(ctx, 99, 0)
	require.Error(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.PlanCount)
	assert.Equal(t, int64(100), stats.PlanFootprint)
	assert.Equal(t, int64(2), stats.AccessCount)
	assert.Equal(t, int64(1), stats.AccessErrors)
}
