package tensormem

import (
	"errors"
	"fmt"

	"github.com/microtrain/tensormem/cache"
	"github.com/microtrain/tensormem/loader"
	"github.com/microtrain/tensormem/mempool"
)

var (
	// ErrUnknownTensor is returned when operating on an unregistered
	// tensor id.
	ErrUnknownTensor = errors.New("tensormem: unknown tensor")

	// ErrTensorExists is returned when registering an id twice.
	ErrTensorExists = errors.New("tensormem: tensor already registered")

	// ErrNotPlanned is returned when accessing tensors before Plan.
	ErrNotPlanned = errors.New("tensormem: pool is not planned")

	// ErrAlreadyPlanned is returned when registering tensors after Plan.
	// Reset the pool to change the tensor set.
	ErrAlreadyPlanned = errors.New("tensormem: pool is already planned")

	// ErrNoSwapDevice is returned when the planned footprint exceeds the
	// budget and no swap device is configured to absorb the difference.
	ErrNoSwapDevice = errors.New("tensormem: footprint exceeds budget and no swap device is configured")

	// ErrBudgetExceeded is returned when an access cannot be served
	// within the memory budget even with eviction.
	ErrBudgetExceeded = errors.New("tensormem: memory budget exceeded")

	// ErrSwapFailed is returned when a swap transfer failed after
	// exhausting its retries.
	ErrSwapFailed = errors.New("tensormem: swap transfer failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tensormem: pool is closed")
)

// translateError unifies subpackage sentinels behind the package's own
// error vocabulary so callers match on one set.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, cache.ErrUnknownTensor), errors.Is(err, mempool.ErrNotAllocated):
		return fmt.Errorf("%w: %w", ErrUnknownTensor, err)
	case errors.Is(err, cache.ErrNoVictim), errors.Is(err, mempool.ErrCapacity),
		errors.Is(err, mempool.ErrSlotExhausted):
		return fmt.Errorf("%w: %w", ErrBudgetExceeded, err)
	case errors.Is(err, loader.ErrRetryExhausted):
		return fmt.Errorf("%w: %w", ErrSwapFailed, err)
	case errors.Is(err, mempool.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
