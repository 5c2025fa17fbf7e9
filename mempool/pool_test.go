package mempool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/planner"
)

func plan(t *testing.T, reqs []planner.Request) planner.Plan {
	t.Helper()
	p, err := planner.Compute(planner.StrategyFirstFit, reqs)
	require.NoError(t, err)
	return p
}

func threeTensorPlan(t *testing.T) planner.Plan {
	return plan(t, []planner.Request{
		{ID: 1, Size: 100, Align: 1, Life: model.Lifetime{First: 0, Last: 2}},
		{ID: 2, Size: 50, Align: 1, Life: model.Lifetime{First: 1, Last: 3}},
		{ID: 3, Size: 100, Align: 1, Life: model.Lifetime{First: 3, Last: 5}},
	})
}

func TestRealizeAndResolve(t *testing.T) {
	p, err := New(256)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Realize(threeTensorPlan(t)))

	b1, err := p.Resolve(1)
	require.NoError(t, err)
	assert.Len(t, b1, 100)

	b2, err := p.Resolve(2)
	require.NoError(t, err)
	assert.Len(t, b2, 50)

	// Tensors 1 and 3 share the range [0,100); tensor 2 does not.
	copy(b1, []byte("written-through-tensor-1"))
	assert.Equal(t, byte('w'), b1[0])

	_, err = p.Resolve(99)
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func TestResolveBeforeRealize(t *testing.T) {
	p, err := New(64)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Resolve(1)
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func TestRealizeCapacityError(t *testing.T) {
	p, err := New(100) // footprint of the plan is 150
	require.NoError(t, err)
	defer p.Close()

	err = p.Realize(threeTensorPlan(t))
	assert.ErrorIs(t, err, ErrCapacity)

	// Nothing was realized.
	_, err = p.Resolve(1)
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func TestResizeOnlyAtReplanBoundary(t *testing.T) {
	p, err := New(256)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Realize(threeTensorPlan(t)))
	assert.ErrorIs(t, p.Resize(512), ErrRealized)

	require.NoError(t, p.Reset())
	require.NoError(t, p.Resize(512))
	assert.Equal(t, int64(512), p.Capacity())
}

func TestSlotAllocation(t *testing.T) {
	p, err := New(120)
	require.NoError(t, err)
	defer p.Close()

	off1, err := p.AllocSlot(100, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off1)
	assert.Equal(t, int64(100), p.InUse())

	_, err = p.AllocSlot(50, 1)
	assert.ErrorIs(t, err, ErrSlotExhausted)

	p.FreeSlot(off1, 100)
	assert.Equal(t, int64(0), p.InUse())

	off2, err := p.AllocSlot(50, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off2, "freed slot should coalesce back to offset 0")
	p.FreeSlot(off2, 50)
}

func TestSlotCoalescing(t *testing.T) {
	p, err := New(100)
	require.NoError(t, err)
	defer p.Close()

	a, err := p.AllocSlot(50, 1)
	require.NoError(t, err)
	b, err := p.AllocSlot(50, 1)
	require.NoError(t, err)

	p.FreeSlot(a, 50)
	p.FreeSlot(b, 50)

	// Both halves must merge again.
	off, err := p.AllocSlot(100, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	p.FreeSlot(off, 100)
}

func TestSlotModeExcludesRealizedMode(t *testing.T) {
	p, err := New(256)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Realize(threeTensorPlan(t)))
	_, err = p.AllocSlot(10, 1)
	assert.ErrorIs(t, err, ErrRealized)

	require.NoError(t, p.Reset())
	off, err := p.AllocSlot(10, 1)
	require.NoError(t, err)

	// Realize is blocked while slots are outstanding.
	assert.ErrorIs(t, p.Realize(threeTensorPlan(t)), ErrRealized)
	p.FreeSlot(off, 10)
	assert.NoError(t, p.Realize(threeTensorPlan(t)))
}

func TestSlice(t *testing.T) {
	p, err := New(64)
	require.NoError(t, err)
	defer p.Close()

	b, err := p.Slice(8, 16)
	require.NoError(t, err)
	assert.Len(t, b, 16)

	_, err = p.Slice(60, 16)
	assert.Error(t, err)
	_, err = p.Slice(-1, 4)
	assert.Error(t, err)
}

func TestOffHeapPool(t *testing.T) {
	p, err := New(4096, WithOffHeap())
	require.NoError(t, err)

	require.NoError(t, p.Realize(plan(t, []planner.Request{
		{ID: 1, Size: 1024, Life: model.Lifetime{First: 0, Last: 1}},
	})))

	b, err := p.Resolve(1)
	require.NoError(t, err)
	b[0] = 0xFF
	assert.Equal(t, byte(0xFF), b[0])

	require.NoError(t, p.Close())
	_, err = p.AllocSlot(8, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewInvalidCapacity(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
	_, err = New(-5)
	assert.Error(t, err)
}
