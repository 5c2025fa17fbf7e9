// Package swap provides secondary storage for evicted tensors.
//
// A Device durably stores byte blobs and returns them on demand. The
// contract every implementation must honor: Load(Store(id, b)) == b
// byte-exact, and a released location's space is never handed out while it
// could still serve a stale read for a different tensor.
//
// FileDevice is the default backend (a flat local file with an extent free
// list). The swap/s3 subpackage provides an object-storage backend for
// cold tensors.
package swap

import (
	"context"
	"errors"

	"github.com/microtrain/tensormem/model"
)

var (
	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("swap: device is closed")
	// ErrCorrupt is returned when a stored blob fails decoding checks.
	ErrCorrupt = errors.New("swap: corrupt blob")
)

// Location addresses a stored blob on a device. It is only meaningful for
// the device that produced it.
type Location struct {
	// Offset and Length address the encoded blob in a file device.
	Offset int64
	Length int64
	// Key addresses the blob in an object device; empty for file devices.
	Key string
}

// Device is a secondary-storage backend for evicted tensors.
type Device interface {
	// Store writes the tensor's bytes and returns their location.
	Store(ctx context.Context, id model.TensorID, b []byte) (Location, error)
	// Load reads back the exact bytes previously stored at loc.
	Load(ctx context.Context, loc Location) ([]byte, error)
	// Release reclaims the space held by loc. The location must not be
	// used afterwards.
	Release(ctx context.Context, loc Location) error
	// Close releases device resources.
	Close() error
}
