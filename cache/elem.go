package cache

import (
	"context"
	"fmt"

	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/swap"
)

// State is the residency state of a cached tensor.
type State uint8

const (
	// StateUnallocated: the tensor has never been materialized.
	StateUnallocated State = iota
	// StateResident: bytes live in the pool buffer.
	StateResident
	// StateEvicting: a store to the swap device is in flight; bytes are
	// still readable in the buffer and the slot is not reusable yet.
	StateEvicting
	// StateOnDisk: bytes live on the swap device only.
	StateOnDisk
	// StateLoading: a load from the swap device is in flight.
	StateLoading
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnallocated:
		return "unallocated"
	case StateResident:
		return "resident"
	case StateEvicting:
		return "evicting"
	case StateOnDisk:
		return "on-disk"
	case StateLoading:
		return "loading"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Elem is the cache state of one tensor. All fields are guarded by the
// owning Pool's state lock; Elem has no lock of its own.
//
// The generation counter increments on every store/load dispatch and on
// every cancellation, so a completion carrying an older generation is
// recognized as stale and discarded without touching pool state.
type Elem struct {
	id    model.TensorID
	size  int64
	align int64

	state State
	gen   uint64

	slot    int64 // valid when hasSlot
	hasSlot bool

	loc    swap.Location // valid when hasLoc
	hasLoc bool

	// inflight is non-nil while state is Evicting or Loading; waiters
	// block on it instead of polling.
	inflight *completion

	// lastStep pins the tensor against eviction for the step that
	// touched it.
	lastStep model.Step
}

// ID returns the tensor id.
func (e *Elem) ID() model.TensorID { return e.id }

// Size returns the tensor size in bytes.
func (e *Elem) Size() int64 { return e.size }

// completion is a one-shot completion handle. The error is written before
// the channel closes and read only after it is closed.
type completion struct {
	done chan struct{}
	err  error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) complete(err error) {
	c.err = err
	close(c.done)
}

func (c *completion) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
